package vad

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/talkshape/duplex/pkg/audio"
)

// DegradedReason identifies why the failover wrapper substituted the fallback
// backend.
type DegradedReason string

const (
	// ReasonModelUnavailable: the primary backend failed to initialise and
	// the session runs permanently on the fallback. Reported once per session.
	ReasonModelUnavailable DegradedReason = "model_unavailable"

	// ReasonFrameDeadline: a single frame exceeded the processing budget and
	// the fallback result was substituted for that frame only.
	ReasonFrameDeadline DegradedReason = "frame_deadline_exceeded"
)

// DegradedEvent describes a degraded-mode occurrence. Events carry no audio
// content.
type DegradedEvent struct {
	Reason DegradedReason
	Err    error
}

// DefaultFrameDeadline is the per-frame processing budget. A 512-sample frame
// at 16 kHz lasts 32 ms; estimation must finish inside 30 ms for the pipeline
// to keep up in real time.
const DefaultFrameDeadline = 30 * time.Millisecond

// FailoverOption configures a [Failover] during construction.
type FailoverOption func(*Failover)

// WithFrameDeadline sets the per-frame processing budget. Default 30 ms.
func WithFrameDeadline(d time.Duration) FailoverOption {
	return func(f *Failover) { f.deadline = d }
}

// WithNotify registers a callback invoked for every degraded-mode event. The
// callback runs on the audio task and must not block.
func WithNotify(fn func(DegradedEvent)) FailoverOption {
	return func(f *Failover) { f.notify = fn }
}

// Failover wraps a primary (neural) and a fallback (energy) backend behind the
// plain [Engine] contract.
//
// Session creation: when the primary engine cannot create a session, the
// whole session runs on the fallback and a single ModelUnavailable event is
// reported — the condition is permanent for that session.
//
// Per frame: the fallback session is fed every frame to keep its rolling
// state warm. When the primary errors on a frame or exceeds the frame
// deadline, the fallback result is substituted for that frame only.
type Failover struct {
	primary  Engine
	fallback Engine
	deadline time.Duration
	notify   func(DegradedEvent)
}

// Compile-time checks.
var (
	_ Engine          = (*Failover)(nil)
	_ ThresholdSetter = (*failoverSession)(nil)
	_ ThresholdSetter = (*degradedSession)(nil)
)

// NewFailover creates a failover wrapper. Both engines are required.
func NewFailover(primary, fallback Engine, opts ...FailoverOption) *Failover {
	f := &Failover{
		primary:  primary,
		fallback: fallback,
		deadline: DefaultFrameDeadline,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// NewSession implements [Engine]. The fallback session must be creatable; a
// failure there is a hard error since there is nothing left to degrade to.
func (f *Failover) NewSession(cfg Config) (Session, error) {
	fb, err := f.fallback.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("vad: create fallback session: %w", err)
	}

	p, err := f.primary.NewSession(cfg)
	if err != nil {
		slog.Warn("vad: primary backend unavailable, session degraded to fallback", "err", err)
		f.emit(DegradedEvent{Reason: ReasonModelUnavailable, Err: err})
		if !errors.Is(err, ErrModelUnavailable) {
			err = fmt.Errorf("%w: %v", ErrModelUnavailable, err)
		}
		return &degradedSession{Session: fb, cause: err}, nil
	}

	return &failoverSession{
		primary:  p,
		fallback: fb,
		deadline: f.deadline,
		notify:   f.emit,
	}, nil
}

func (f *Failover) emit(ev DegradedEvent) {
	if f.notify != nil {
		f.notify(ev)
	}
}

// degradedSession is a fallback-only session created after a permanent
// primary failure.
type degradedSession struct {
	Session
	cause error
}

// Degraded reports the permanent failure that produced this session.
func (s *degradedSession) Degraded() error { return s.cause }

// SetSpeechThreshold implements [ThresholdSetter] when the underlying
// fallback supports retuning.
func (s *degradedSession) SetSpeechThreshold(threshold float64) {
	if ts, ok := s.Session.(ThresholdSetter); ok {
		ts.SetSpeechThreshold(threshold)
	}
}

// failoverSession runs the primary backend with per-frame fallback.
type failoverSession struct {
	primary  Session
	fallback Session
	deadline time.Duration
	notify   func(DegradedEvent)
}

// Process implements [Session].
func (s *failoverSession) Process(frame audio.Frame) (Result, error) {
	// The fallback sees every frame so its noise floor stays current for the
	// frames where it has to stand in.
	fbRes, fbErr := s.fallback.Process(frame)

	res, err := s.primary.Process(frame)
	if err != nil || res.Latency > s.deadline {
		if fbErr != nil {
			return Result{}, fmt.Errorf("vad: primary and fallback both failed: %w", fbErr)
		}
		reason := ReasonFrameDeadline
		if err != nil {
			slog.Debug("vad: primary frame error, substituting fallback", "err", err)
		}
		s.notify(DegradedEvent{Reason: reason, Err: err})
		return fbRes, nil
	}
	return res, nil
}

// Reset implements [Session].
func (s *failoverSession) Reset() {
	s.primary.Reset()
	s.fallback.Reset()
}

// SetSpeechThreshold implements [ThresholdSetter]. Both backends are retuned
// so a substituted fallback frame applies the same bar as the primary.
func (s *failoverSession) SetSpeechThreshold(threshold float64) {
	if ts, ok := s.primary.(ThresholdSetter); ok {
		ts.SetSpeechThreshold(threshold)
	}
	if ts, ok := s.fallback.(ThresholdSetter); ok {
		ts.SetSpeechThreshold(threshold)
	}
}

// Close implements [Session].
func (s *failoverSession) Close() error {
	errP := s.primary.Close()
	errF := s.fallback.Close()
	if errP != nil {
		return errP
	}
	return errF
}
