package bargein

import (
	"time"

	"github.com/talkshape/duplex/pkg/intent"
)

// eventRing archives the most recent classified events for personalization
// and frustration detection. Fixed capacity; the oldest entry is overwritten
// once full.
type eventRing struct {
	buf  []intent.Event
	next int
	size int
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([]intent.Event, capacity)}
}

func (r *eventRing) add(ev intent.Event) {
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// events returns the archived events, oldest first.
func (r *eventRing) events() []intent.Event {
	out := make([]intent.Event, 0, r.size)
	start := (r.next - r.size + len(r.buf)) % len(r.buf)
	for i := range r.size {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// countSince counts events of class whose stream timestamps fall within
// window before now.
func (r *eventRing) countSince(class intent.Classification, now, window time.Duration) int {
	cutoff := now - window
	var n int
	for _, ev := range r.events() {
		if ev.Classification == class && ev.Timestamp >= cutoff {
			n++
		}
	}
	return n
}

func (r *eventRing) reset() {
	r.next, r.size = 0, 0
}
