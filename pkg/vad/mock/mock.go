// Package mock provides scripted VAD engines and sessions for tests.
package mock

import (
	"time"

	"github.com/talkshape/duplex/pkg/audio"
	"github.com/talkshape/duplex/pkg/vad"
)

// Compile-time interface checks.
var (
	_ vad.Engine          = (*Engine)(nil)
	_ vad.Session         = (*Session)(nil)
	_ vad.ThresholdSetter = (*Session)(nil)
)

// Engine returns a fixed session (or error) from NewSession.
type Engine struct {
	// SessionResult is returned by NewSession when Err is nil.
	SessionResult *Session

	// Err, when non-nil, is returned by NewSession.
	Err error

	// NewSessionCalls counts invocations.
	NewSessionCalls int
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	e.NewSessionCalls++
	if e.Err != nil {
		return nil, e.Err
	}
	if e.SessionResult == nil {
		e.SessionResult = &Session{}
	}
	e.SessionResult.cfg = cfg
	return e.SessionResult, nil
}

// Session replays scripted probabilities in order. When the script is
// exhausted the last value repeats. Latency and Err are applied to every
// frame.
type Session struct {
	// Probabilities is the per-frame script.
	Probabilities []float64

	// Latency is reported on every result, letting tests trip the failover
	// deadline without real slowness.
	Latency time.Duration

	// Err, when non-nil, is returned by every Process call.
	Err error

	// ProcessCalls counts frames seen. ResetCalls and Closed track lifecycle.
	ProcessCalls int
	ResetCalls   int
	Closed       bool

	cfg vad.Config
	pos int
}

// Process implements [vad.Session].
func (s *Session) Process(frame audio.Frame) (vad.Result, error) {
	s.ProcessCalls++
	if s.Err != nil {
		return vad.Result{}, s.Err
	}
	var p float64
	if len(s.Probabilities) > 0 {
		if s.pos >= len(s.Probabilities) {
			p = s.Probabilities[len(s.Probabilities)-1]
		} else {
			p = s.Probabilities[s.pos]
			s.pos++
		}
	}
	return vad.Result{
		Probability: p,
		IsSpeech:    p >= s.cfg.SpeechThreshold,
		Timestamp:   frame.Timestamp,
		Latency:     s.Latency,
	}, nil
}

// Reset implements [vad.Session].
func (s *Session) Reset() {
	s.ResetCalls++
	s.pos = 0
}

// SetSpeechThreshold implements [vad.ThresholdSetter].
func (s *Session) SetSpeechThreshold(threshold float64) {
	s.cfg.SpeechThreshold = threshold
}

// SpeechThreshold returns the bar currently applied to IsSpeech.
func (s *Session) SpeechThreshold() float64 { return s.cfg.SpeechThreshold }

// Close implements [vad.Session].
func (s *Session) Close() error {
	s.Closed = true
	return nil
}
