// Package vad defines the Engine contract for voice-activity estimation
// backends and the failover wrapper that selects between them at runtime.
//
// Two backends ship with duplex: a neural estimator (Silero VAD over ONNX
// Runtime, higher accuracy, model-driven) and an energy/zero-crossing
// estimator (no model dependency). Both produce a per-frame speech
// probability through the same [Session] contract, so backend selection is a
// runtime configuration choice and the pipeline can fail over from neural to
// energy-based when the model cannot be loaded or the host cannot hold the
// per-frame processing budget.
//
// Estimation is synchronous by design: [Session.Process] returns immediately
// with a result, making it suitable for the real-time audio task. A Session
// maintains per-stream state (recurrent model state, rolling noise floor) and
// must not be shared across goroutines. Engines are safe for concurrent
// session creation.
package vad

import (
	"errors"
	"time"

	"github.com/talkshape/duplex/pkg/audio"
)

// ErrModelUnavailable is returned by a model-backed Engine when its model
// cannot be initialised. The failover wrapper treats it as a permanent,
// session-wide condition.
var ErrModelUnavailable = errors.New("vad: model unavailable")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. The pipeline runs at 16000.
	SampleRate int

	// FrameSize is the number of samples per frame. The neural backend
	// requires exactly 512.
	FrameSize int

	// SpeechThreshold is the probability at or above which a frame's IsSpeech
	// flag is set. Range [0, 1]. The segmenter applies its own adaptive
	// hysteresis on top of the raw probability; this flag is a convenience
	// for consumers that want a plain boolean. Typical: 0.5.
	SpeechThreshold float64
}

// Result is the immutable per-frame estimation outcome.
type Result struct {
	// Probability is the speech probability in [0, 1].
	Probability float64

	// IsSpeech is Probability thresholded against the session config.
	IsSpeech bool

	// Timestamp is the frame's capture timestamp, copied through so
	// downstream stages never consult a moving clock.
	Timestamp time.Duration

	// Latency is how long this frame's estimation took.
	Latency time.Duration
}

// Session is an active estimation stream. One session per audio stream; not
// safe for concurrent use.
type Session interface {
	// Process estimates the speech probability of a single frame. It must not
	// block; it is called from the real-time audio task.
	Process(frame audio.Frame) (Result, error)

	// Reset clears accumulated state (recurrent state, rolling counters)
	// without closing the session. Use when the stream is interrupted so
	// stale state does not bleed into the next segment.
	Reset()

	// Close releases session resources. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for estimation sessions, implemented by each backend.
type Engine interface {
	NewSession(cfg Config) (Session, error)
}

// ThresholdSetter is implemented by sessions whose IsSpeech bar can be retuned
// after creation. Calibration and per-user sensitivity move the speech bar
// mid-stream; sessions that support it keep the raw probability untouched and
// only re-threshold the boolean. Call from the goroutine that owns the
// session.
type ThresholdSetter interface {
	SetSpeechThreshold(threshold float64)
}
