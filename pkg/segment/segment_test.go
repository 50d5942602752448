package segment

import (
	"testing"
	"time"

	"github.com/talkshape/duplex/pkg/audio"
	"github.com/talkshape/duplex/pkg/vad"
)

// feed pushes a scripted probability sequence through the segmenter, one
// 32 ms frame per value, and collects all emitted events.
func feed(s *Segmenter, probs []float64, startSeq uint64) []Event {
	var events []Event
	for i, p := range probs {
		seq := startSeq + uint64(i)
		frame := audio.Frame{
			Samples:    make([]float32, 512),
			SampleRate: 16000,
			Seq:        seq,
			Timestamp:  time.Duration(seq*512) * time.Second / 16000,
		}
		res := vad.Result{Probability: p, Timestamp: frame.Timestamp}
		events = append(events, s.Process(res, frame)...)
	}
	return events
}

// repeat returns n copies of p.
func repeat(p float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = p
	}
	return out
}

func fixedThresholds(th Thresholds) func() Thresholds {
	return func() Thresholds { return th }
}

func testThresholds() Thresholds {
	return Thresholds{
		SpeechProb:     0.5,
		SilenceProb:    0.35,
		HighConfidence: 0.9,
		MinSpeech:      200 * time.Millisecond, // ~7 frames at 32 ms
		MinSilence:     320 * time.Millisecond, // 10 frames
		MaxSegment:     10 * time.Second,
	}
}

func TestShortBurstNeverFinalizes(t *testing.T) {
	t.Parallel()

	s := New(fixedThresholds(testThresholds()))

	// 4 frames (128 ms) above threshold, below both MinSpeech and the
	// high-confidence shortcut, then silence. Noise rejection demands that no
	// event of any kind is emitted.
	script := append(repeat(0.7, 4), repeat(0.1, 20)...)
	events := feed(s, script, 0)
	if len(events) != 0 {
		t.Fatalf("sub-minimum burst must emit no events, got %d", len(events))
	}
	if s.State() != StateSilence {
		t.Fatalf("want silence, got %v", s.State())
	}
}

func TestSustainedSpeechConfirmsAndFinalizes(t *testing.T) {
	t.Parallel()

	s := New(fixedThresholds(testThresholds()))

	// 15 frames of speech (480 ms), then 12 frames of silence (384 ms).
	script := append(repeat(0.7, 15), repeat(0.1, 12)...)
	events := feed(s, script, 0)

	if len(events) != 2 {
		t.Fatalf("want onset + finalized, got %d events", len(events))
	}
	if events[0].Type != EventOnset {
		t.Fatalf("first event must be onset, got %v", events[0].Type)
	}
	if events[1].Type != EventFinalized {
		t.Fatalf("second event must be finalized, got %v", events[1].Type)
	}

	seg := events[1].Segment
	if seg == nil {
		t.Fatal("finalized event must carry the segment")
	}
	if seg.Onset != 0 {
		t.Fatalf("segment onset must be 0, got %v", seg.Onset)
	}
	// Duration runs to the start of the ending silence: 15 frames * 32 ms.
	want := 15 * 32 * time.Millisecond
	if seg.Duration != want {
		t.Fatalf("want duration %v, got %v", want, seg.Duration)
	}
	if seg.PeakConfidence != 0.7 {
		t.Fatalf("want peak 0.7, got %f", seg.PeakConfidence)
	}
	if len(seg.Samples) == 0 {
		t.Fatal("segment must capture audio")
	}
}

func TestHighConfidenceShortcutSkipsDurationWait(t *testing.T) {
	t.Parallel()

	s := New(fixedThresholds(testThresholds()))

	events := feed(s, []float64{0.95}, 0)
	if len(events) != 1 || events[0].Type != EventOnset {
		t.Fatalf("single high-confidence frame must confirm immediately, got %+v", events)
	}
	if s.State() != StateConfirmedSpeech {
		t.Fatalf("want confirmed_speech, got %v", s.State())
	}
}

func TestSilenceBlipDoesNotSplitSegment(t *testing.T) {
	t.Parallel()

	s := New(fixedThresholds(testThresholds()))

	// Speech, a 3-frame dip below the silence threshold (96 ms < MinSilence),
	// more speech, then real silence. Must produce one segment, not two.
	script := repeat(0.7, 10)
	script = append(script, repeat(0.1, 3)...)
	script = append(script, repeat(0.7, 10)...)
	script = append(script, repeat(0.1, 12)...)

	events := feed(s, script, 0)
	var finals int
	for _, ev := range events {
		if ev.Type == EventFinalized {
			finals++
		}
	}
	if finals != 1 {
		t.Fatalf("want exactly 1 finalized segment, got %d", finals)
	}
}

func TestAdaptiveSilenceWindow(t *testing.T) {
	t.Parallel()

	// A calibrated-noisy profile widens MinSilence; the same 12-frame pause
	// that finalizes under the default window must not finalize under the
	// widened one.
	th := testThresholds()
	th.MinSilence = 800 * time.Millisecond
	s := New(fixedThresholds(th))

	script := append(repeat(0.7, 15), repeat(0.1, 12)...)
	events := feed(s, script, 0)
	for _, ev := range events {
		if ev.Type == EventFinalized {
			t.Fatal("segment must not finalize before the widened silence window elapses")
		}
	}
	if s.State() != StatePendingSilence {
		t.Fatalf("want pending_silence, got %v", s.State())
	}
}

func TestMaxSegmentForcesFinalize(t *testing.T) {
	t.Parallel()

	th := testThresholds()
	th.MaxSegment = 1 * time.Second
	s := New(fixedThresholds(th))

	events := feed(s, repeat(0.7, 40), 0) // 1.28 s of continuous speech
	var finals int
	for _, ev := range events {
		if ev.Type == EventFinalized {
			finals++
		}
	}
	if finals != 1 {
		t.Fatalf("overlong speech must force-finalize once, got %d", finals)
	}
}

func TestResetDiscardsInFlightSegment(t *testing.T) {
	t.Parallel()

	s := New(fixedThresholds(testThresholds()))
	feed(s, repeat(0.7, 10), 0)
	if s.State() != StateConfirmedSpeech {
		t.Fatalf("want confirmed_speech, got %v", s.State())
	}
	s.Reset()
	if s.State() != StateSilence {
		t.Fatalf("want silence after reset, got %v", s.State())
	}

	// Silence after the reset must not finalize the discarded segment.
	events := feed(s, repeat(0.1, 15), 10)
	if len(events) != 0 {
		t.Fatalf("reset segment must not produce events, got %d", len(events))
	}
}
