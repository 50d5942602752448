package calibrate

import (
	"sync"
	"sync/atomic"

	"github.com/talkshape/duplex/pkg/segment"
)

// Store publishes threshold snapshots to the audio hot path. Readers load an
// immutable snapshot per frame through an atomic pointer; writers (the
// calibrator and the personalizer) swap whole snapshots. The hot path never
// takes a lock.
type Store struct {
	snapshot atomic.Pointer[segment.Thresholds]

	mu          sync.Mutex
	base        segment.Thresholds
	sensitivity float64
	last        *Result
}

// NewStore creates a Store seeded with the configured base thresholds and a
// neutral sensitivity. A zero base uses [segment.DefaultThresholds]. The base
// stands until the first calibration pass replaces it.
func NewStore(base segment.Thresholds) *Store {
	if base == (segment.Thresholds{}) {
		base = segment.DefaultThresholds()
	}
	s := &Store{
		base:        base,
		sensitivity: 1.0,
	}
	s.publish()
	return s
}

// Snapshot returns the current thresholds. Safe to call from the audio task
// on every frame.
func (s *Store) Snapshot() segment.Thresholds {
	return *s.snapshot.Load()
}

// SpeechThreshold returns the current VAD speech threshold, which tracks the
// segmenter's speech probability bar.
func (s *Store) SpeechThreshold() float64 {
	return s.snapshot.Load().SpeechProb
}

// Apply installs the thresholds from a completed calibration pass, replacing
// the prior result.
func (s *Store) Apply(res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = res.Thresholds
	s.last = &res
	s.publish()
}

// SetSensitivity installs a per-user sensitivity multiplier, clamped to
// [MinSensitivity, MaxSensitivity]. Values above 1 lower the speech bar.
func (s *Store) SetSensitivity(sensitivity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sensitivity = clampSensitivity(sensitivity)
	s.publish()
}

// Sensitivity returns the active multiplier.
func (s *Store) Sensitivity() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sensitivity
}

// LastResult returns the most recent calibration result, or nil if none has
// completed.
func (s *Store) LastResult() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// publish recomputes the effective snapshot from base thresholds and
// sensitivity and swaps it in. Caller holds mu.
func (s *Store) publish() {
	th := s.base
	th.SpeechProb = th.SpeechProb / s.sensitivity
	// Keep the hysteresis gap intact: the speech bar stays above the silence
	// bar and inside (0, HighConfidence).
	lo := th.SilenceProb + 0.05
	hi := th.HighConfidence - 0.05
	if th.SpeechProb < lo {
		th.SpeechProb = lo
	}
	if th.SpeechProb > hi {
		th.SpeechProb = hi
	}
	s.snapshot.Store(&th)
}
