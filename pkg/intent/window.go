package intent

import "time"

// classificationWindow is a bounded, time-windowed record of recent
// classifications, used for the backchannel escalation rule. Times are
// stream timestamps, not wall clock, so replayed sessions classify
// identically.
//
// Not safe for concurrent use; the owning Classifier serializes access.
type classificationWindow struct {
	entries []windowEntry
	maxSize int
	maxAge  time.Duration
}

type windowEntry struct {
	class Classification
	at    time.Duration
}

func newClassificationWindow(maxSize int, maxAge time.Duration) *classificationWindow {
	return &classificationWindow{
		entries: make([]windowEntry, 0, maxSize),
		maxSize: maxSize,
		maxAge:  maxAge,
	}
}

// add records a classification at stream time at and evicts entries outside
// the size or age bounds.
func (w *classificationWindow) add(class Classification, at time.Duration) {
	w.entries = append(w.entries, windowEntry{class: class, at: at})
	w.evict(at)
}

// countSince returns how many entries of class fall within the age window
// ending at now.
func (w *classificationWindow) countSince(class Classification, now time.Duration) int {
	cutoff := now - w.maxAge
	var n int
	for _, e := range w.entries {
		if e.at >= cutoff && e.class == class {
			n++
		}
	}
	return n
}

// evict drops aged-out and over-capacity entries. Survivors are copied to a
// fresh backing array so evicted entries do not pin memory for the session.
func (w *classificationWindow) evict(now time.Duration) {
	cutoff := now - w.maxAge

	start := 0
	for start < len(w.entries) && w.entries[start].at < cutoff {
		start++
	}
	keep := w.entries[start:]
	if len(keep) > w.maxSize {
		keep = keep[len(keep)-w.maxSize:]
	}
	if start > 0 || len(keep) < len(w.entries) {
		fresh := make([]windowEntry, len(keep), w.maxSize)
		copy(fresh, keep)
		w.entries = fresh
	}
}

// reset clears the window.
func (w *classificationWindow) reset() {
	w.entries = w.entries[:0]
}
