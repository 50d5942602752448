package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// opusFrameMs is the Opus frame duration the decoder is sized for. Voice
// uplinks send 20 ms packets.
const opusFrameMs = 20

// OpusDecoder decodes Opus packets from a compressed uplink into normalized
// mono samples at the pipeline rate. Each stream needs its own decoder so the
// codec state stays consistent across consecutive packets.
type OpusDecoder struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
	frameSize  int // samples per channel per packet
}

// NewOpusDecoder creates a decoder for the given stream format. sampleRate
// must be one of the Opus rates (8, 12, 16, 24 or 48 kHz); channels is 1 or 2.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:        dec,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  sampleRate * opusFrameMs / 1000,
	}, nil
}

// Decode decodes one Opus packet into normalized mono float32 samples at the
// decoder's sample rate. Stereo packets are downmixed.
func (d *OpusDecoder) Decode(packet []byte) ([]float32, error) {
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	samples := Int16ToFloat32(pcm)
	if d.channels == 2 {
		samples = StereoToMono(samples)
	}
	return samples, nil
}

// SampleRate returns the decoder's output sample rate in Hz.
func (d *OpusDecoder) SampleRate() int { return d.sampleRate }
