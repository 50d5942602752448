package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	riff "github.com/youpy/go-riff"
	wav "github.com/youpy/go-wav"
)

// readChunk is the number of WAV samples decoded per read call.
const readChunk = 4096

// ReadWAV reads a whole WAV file into normalized mono float32 samples at the
// file's native sample rate. Stereo files are downmixed. Used by the replay
// driver and by tests; live audio does not pass through here.
func ReadWAV(path string) (samples []float32, sampleRate int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("audio: open wav %q: %w", path, err)
	}
	defer f.Close()
	return ReadWAVFrom(f)
}

// ReadWAVFrom decodes WAV data from r. See [ReadWAV].
func ReadWAVFrom(r riff.RIFFReader) (samples []float32, sampleRate int, err error) {
	reader := wav.NewReader(r)
	format, err := reader.Format()
	if err != nil {
		return nil, 0, fmt.Errorf("audio: read wav format: %w", err)
	}
	if format.BitsPerSample != 16 && format.BitsPerSample != 8 {
		return nil, 0, fmt.Errorf("audio: unsupported wav bit depth %d", format.BitsPerSample)
	}
	scale := float64(int32(1) << (format.BitsPerSample - 1))

	for {
		chunk, err := reader.ReadSamples(readChunk)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("audio: read wav samples: %w", err)
		}
		for _, s := range chunk {
			var v float64
			for ch := 0; ch < int(format.NumChannels); ch++ {
				v += float64(reader.IntValue(s, uint(ch)))
			}
			v /= float64(format.NumChannels)
			samples = append(samples, float32(v/scale))
		}
	}
	return samples, int(format.SampleRate), nil
}

// WriteWAV writes mono float32 samples as a 16-bit PCM WAV file. Used by the
// replay driver to dump captured segments for inspection.
func WriteWAV(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create wav %q: %w", path, err)
	}
	defer f.Close()

	writer := wav.NewWriter(f, uint32(len(samples)), 1, uint32(sampleRate), 16)
	wavSamples := make([]wav.Sample, len(samples))
	for i, v := range samples {
		s := int(v * 32767)
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		wavSamples[i].Values[0] = s
	}
	if err := writer.WriteSamples(wavSamples); err != nil {
		return fmt.Errorf("audio: write wav samples: %w", err)
	}
	return nil
}
