package audio

import (
	"log/slog"
	"math"
	"sync"
)

// warnedOddBytes guards the one-time warning about misaligned PCM input.
var warnedOddBytes sync.Once

// BytesToFloat32 converts little-endian int16 PCM to normalized float32 mono
// samples in [-1, 1]. An odd trailing byte indicates corrupt input; it is
// dropped and a warning is logged once per process.
func BytesToFloat32(pcm []byte) []float32 {
	if len(pcm)%2 != 0 {
		warnedOddBytes.Do(func() {
			slog.Warn("audio: odd byte count in PCM data, dropping trailing byte", "bytes", len(pcm))
		})
		pcm = pcm[:len(pcm)-1]
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768
	}
	return out
}

// Float32ToBytes converts normalized float32 samples to little-endian int16
// PCM, clamping to the int16 range.
func Float32ToBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		s := int32(v * 32767)
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Int16ToFloat32 converts int16 samples to normalized float32.
func Int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768
	}
	return out
}

// Resample converts mono float32 samples from srcRate to dstRate using linear
// interpolation. Used to bring the 24 kHz playback reference down to the
// pipeline rate before echo cancellation. If srcRate == dstRate the input is
// returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range out {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// StereoToMono averages interleaved stereo samples into mono.
func StereoToMono(samples []float32) []float32 {
	out := make([]float32, len(samples)/2)
	for i := range out {
		out[i] = (samples[i*2] + samples[i*2+1]) / 2
	}
	return out
}

// RMS returns the root-mean-square energy of the samples, 0 for empty input.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
