// Package segment converts the per-frame speech-probability stream into
// confirmed speech segments using hysteresis: onset must be sustained for a
// minimum duration (or clear a high-confidence shortcut) before it is
// confirmed, and offset must hold through a minimum silence window before the
// segment is finalized. Isolated clicks and short noise bursts therefore
// never produce a segment — this is the pipeline's primary false-positive
// defense.
//
// All timing is derived from frame timestamps, never the wall clock, so a
// recorded stream replays deterministically.
package segment

import (
	"time"

	"github.com/talkshape/duplex/pkg/audio"
	"github.com/talkshape/duplex/pkg/vad"
)

// State is the segmenter's hysteresis state.
type State int

const (
	// StateSilence: no speech activity.
	StateSilence State = iota

	// StatePendingSpeech: probability crossed the onset threshold but the
	// minimum speech duration has not yet elapsed.
	StatePendingSpeech

	// StateConfirmedSpeech: an onset event has been emitted; the segment is
	// accumulating.
	StateConfirmedSpeech

	// StatePendingSilence: probability dropped below the offset threshold but
	// the minimum silence duration has not yet elapsed.
	StatePendingSilence
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateSilence:
		return "silence"
	case StatePendingSpeech:
		return "pending_speech"
	case StateConfirmedSpeech:
		return "confirmed_speech"
	case StatePendingSilence:
		return "pending_silence"
	default:
		return "unknown"
	}
}

// Thresholds is the adaptive parameter snapshot the segmenter reads on every
// frame. Snapshots are immutable; calibration swaps whole values atomically
// rather than mutating in place.
type Thresholds struct {
	// SpeechProb is the probability at which silence turns into pending
	// speech (and pending silence back into speech).
	SpeechProb float64

	// SilenceProb is the probability below which confirmed speech enters
	// pending silence. Must be ≤ SpeechProb for hysteresis to reject jitter.
	SilenceProb float64

	// HighConfidence is the shortcut threshold: a single frame at or above it
	// confirms speech immediately, skipping the MinSpeech wait.
	HighConfidence float64

	// MinSpeech is how long probability must stay above SpeechProb before
	// onset is confirmed.
	MinSpeech time.Duration

	// MinSilence is how long probability must stay below SpeechProb before a
	// segment is finalized. Calibration widens it on noisy floors
	// (200–800 ms).
	MinSilence time.Duration

	// MaxSegment force-finalizes a segment that never goes silent, bounding
	// capture memory.
	MaxSegment time.Duration
}

// DefaultThresholds returns the uncalibrated starting parameters.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SpeechProb:     0.5,
		SilenceProb:    0.35,
		HighConfidence: 0.9,
		MinSpeech:      200 * time.Millisecond,
		MinSilence:     400 * time.Millisecond,
		MaxSegment:     10 * time.Second,
	}
}

// Segment is a confirmed stretch of user speech.
type Segment struct {
	// Onset is the timestamp where pending speech began (segment audio
	// includes the pre-confirmation frames).
	Onset time.Duration

	// Duration runs from onset to the start of the silence that ended it.
	Duration time.Duration

	// PeakConfidence is the highest speech probability observed.
	PeakConfidence float64

	// Samples holds the captured segment audio for optional transcription,
	// bounded by Thresholds.MaxSegment.
	Samples []float32

	// SampleRate of Samples in Hz.
	SampleRate int
}

// EventType identifies a segmenter event.
type EventType int

const (
	// EventOnset fires once when speech is confirmed.
	EventOnset EventType = iota

	// EventFinalized fires once when the segment ends; it carries the
	// completed Segment.
	EventFinalized
)

// Event is emitted by [Segmenter.Process].
type Event struct {
	Type EventType

	// Timestamp of the frame that triggered the event.
	Timestamp time.Duration

	// Confidence is the peak probability so far (onset) or overall (final).
	Confidence float64

	// Segment is set on EventFinalized only.
	Segment *Segment
}

// Segmenter runs the hysteresis state machine over one stream. Not safe for
// concurrent use; it lives on the audio task.
type Segmenter struct {
	snapshot func() Thresholds

	state        State
	pendingStart time.Duration // first frame of pending speech
	speechStart  time.Duration // == pendingStart once confirmed
	silenceStart time.Duration // first frame of pending silence
	peak         float64

	captured   []float32
	sampleRate int
}

// New creates a Segmenter. snapshot is called once per frame to read the
// current adaptive thresholds; it must be cheap and non-blocking (an atomic
// pointer load in production).
func New(snapshot func() Thresholds) *Segmenter {
	if snapshot == nil {
		def := DefaultThresholds()
		snapshot = func() Thresholds { return def }
	}
	return &Segmenter{snapshot: snapshot}
}

// State returns the current hysteresis state.
func (s *Segmenter) State() State { return s.state }

// Reset discards any in-flight segment and returns to silence. Used on
// stream interruption; no event is emitted for the discarded audio.
func (s *Segmenter) Reset() {
	s.state = StateSilence
	s.captured = nil
	s.peak = 0
}

// Process advances the state machine with one frame's estimation result.
// It returns zero, one, or two events (a forced finalize directly followed by
// a new onset cannot happen within one frame, so in practice at most one).
func (s *Segmenter) Process(res vad.Result, frame audio.Frame) []Event {
	th := s.snapshot()
	var events []Event

	switch s.state {
	case StateSilence:
		if res.Probability >= th.SpeechProb {
			s.state = StatePendingSpeech
			s.pendingStart = frame.Timestamp
			s.peak = res.Probability
			s.captured = append(s.captured[:0], frame.Samples...)
			s.sampleRate = frame.SampleRate

			if res.Probability >= th.HighConfidence {
				events = append(events, s.confirm(frame))
			}
		}

	case StatePendingSpeech:
		if res.Probability < th.SpeechProb {
			// Duration requirement not met: transient noise, no event.
			s.Reset()
			return nil
		}
		s.capture(frame, th)
		if res.Probability > s.peak {
			s.peak = res.Probability
		}
		if res.Probability >= th.HighConfidence || frame.End()-s.pendingStart >= th.MinSpeech {
			events = append(events, s.confirm(frame))
		}

	case StateConfirmedSpeech:
		s.capture(frame, th)
		if res.Probability > s.peak {
			s.peak = res.Probability
		}
		if res.Probability < th.SilenceProb {
			s.state = StatePendingSilence
			s.silenceStart = frame.Timestamp
		} else if frame.End()-s.speechStart >= th.MaxSegment {
			events = append(events, s.finalize(frame.End(), frame))
		}

	case StatePendingSilence:
		if res.Probability >= th.SpeechProb {
			// Speech resumed before the silence window elapsed.
			s.state = StateConfirmedSpeech
			s.capture(frame, th)
			if res.Probability > s.peak {
				s.peak = res.Probability
			}
			break
		}
		s.capture(frame, th)
		if frame.End()-s.silenceStart >= th.MinSilence {
			events = append(events, s.finalize(s.silenceStart, frame))
		}
	}

	return events
}

// confirm transitions pending speech to confirmed and builds the onset event.
func (s *Segmenter) confirm(frame audio.Frame) Event {
	s.state = StateConfirmedSpeech
	s.speechStart = s.pendingStart
	return Event{
		Type:       EventOnset,
		Timestamp:  frame.End(),
		Confidence: s.peak,
	}
}

// finalize ends the segment at endTS and builds the finalized event.
func (s *Segmenter) finalize(endTS time.Duration, frame audio.Frame) Event {
	seg := &Segment{
		Onset:          s.speechStart,
		Duration:       endTS - s.speechStart,
		PeakConfidence: s.peak,
		Samples:        s.captured,
		SampleRate:     s.sampleRate,
	}
	s.captured = nil
	s.state = StateSilence
	s.peak = 0
	return Event{
		Type:       EventFinalized,
		Timestamp:  frame.End(),
		Confidence: seg.PeakConfidence,
		Segment:    seg,
	}
}

// capture appends frame audio to the segment buffer, bounded by MaxSegment.
func (s *Segmenter) capture(frame audio.Frame, th Thresholds) {
	if s.sampleRate <= 0 {
		s.sampleRate = frame.SampleRate
	}
	maxSamples := int(th.MaxSegment.Seconds() * float64(s.sampleRate))
	if maxSamples > 0 && len(s.captured)+len(frame.Samples) > maxSamples {
		return
	}
	s.captured = append(s.captured, frame.Samples...)
}
