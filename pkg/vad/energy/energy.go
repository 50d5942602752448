// Package energy implements the model-free voice-activity backend using RMS
// energy and zero-crossing rate. It is the failover target when the neural
// backend is unavailable and the per-frame substitute when the neural backend
// misses its deadline, so it deliberately has no external dependencies and a
// trivially bounded cost per frame.
package energy

import (
	"errors"
	"time"

	"github.com/talkshape/duplex/pkg/audio"
	"github.com/talkshape/duplex/pkg/vad"
)

// Compile-time check that *Engine satisfies [vad.Engine].
var _ vad.Engine = (*Engine)(nil)

const (
	// floorAttack and floorRelease are the exponential-average coefficients
	// for the rolling noise floor: fast adaptation downward (quiet), slow
	// upward (so speech does not drag the floor up).
	floorAttack  = 0.3
	floorRelease = 0.005

	// initialFloor seeds the noise floor before calibration data arrives.
	initialFloor = 0.01

	// snrFullScale is the floor-relative energy ratio mapped to probability 1.
	snrFullScale = 6.0

	// Zero-crossing band typical of voiced speech at 16 kHz. Rates far outside
	// it (hum below, hiss above) halve the score.
	zcrLow  = 0.01
	zcrHigh = 0.35
)

// Engine creates energy/ZCR estimation sessions. The zero value is not
// usable; call [New].
type Engine struct{}

// New returns the energy backend engine.
func New() *Engine { return &Engine{} }

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSize <= 0 {
		return nil, errors.New("energy: sample rate and frame size must be positive")
	}
	return &session{cfg: cfg, floor: initialFloor}, nil
}

// session holds the per-stream rolling counters. Not safe for concurrent use.
type session struct {
	cfg    vad.Config
	floor  float64
	closed bool
}

// Process implements [vad.Session].
func (s *session) Process(frame audio.Frame) (vad.Result, error) {
	if s.closed {
		return vad.Result{}, errors.New("energy: session is closed")
	}
	start := time.Now()

	rms := audio.RMS(frame.Samples)
	zcr := zeroCrossingRate(frame.Samples)

	// Track the noise floor: follow quickly when the signal drops below the
	// floor, creep slowly when above so sustained speech is not absorbed.
	if rms < s.floor {
		s.floor += floorAttack * (rms - s.floor)
	} else {
		s.floor += floorRelease * (rms - s.floor)
	}

	snr := rms / (s.floor + 1e-6)
	prob := (snr - 1) / (snrFullScale - 1)
	if prob < 0 {
		prob = 0
	} else if prob > 1 {
		prob = 1
	}
	if zcr < zcrLow || zcr > zcrHigh {
		prob *= 0.5
	}

	return vad.Result{
		Probability: prob,
		IsSpeech:    prob >= s.cfg.SpeechThreshold,
		Timestamp:   frame.Timestamp,
		Latency:     time.Since(start),
	}, nil
}

// Reset implements [vad.Session].
func (s *session) Reset() {
	s.floor = initialFloor
}

// SetSpeechThreshold implements [vad.ThresholdSetter].
func (s *session) SetSpeechThreshold(threshold float64) {
	s.cfg.SpeechThreshold = threshold
}

// Close implements [vad.Session].
func (s *session) Close() error {
	s.closed = true
	return nil
}

// NoiseFloor exposes the current rolling floor for calibration probes.
func (s *session) NoiseFloor() float64 { return s.floor }

// zeroCrossingRate returns the fraction of adjacent sample pairs whose signs
// differ.
func zeroCrossingRate(samples []float32) float64 {
	if len(samples) < 2 {
		return 0
	}
	var crossings int
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}
