package intent

import (
	"testing"
	"time"

	"github.com/talkshape/duplex/pkg/segment"
)

func playing() PlaybackSnapshot {
	return PlaybackSnapshot{
		Playing:       true,
		Content:       "The treatment options include several approaches we should discuss.",
		CharOffset:    20,
		CompletionPct: 30,
	}
}

func seg(onset, dur time.Duration, peak float64) *segment.Segment {
	return &segment.Segment{Onset: onset, Duration: dur, PeakConfidence: peak}
}

func TestNoPlaybackIsTurnStart(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	ev := c.Classify(seg(0, 2*time.Second, 0.95), "tell me about the options", PlaybackSnapshot{})
	if ev.Classification != TurnStart {
		t.Fatalf("want turn_start, got %v", ev.Classification)
	}
}

func TestBackchannelPhrases(t *testing.T) {
	t.Parallel()

	for _, transcript := range []string{"mm-hmm", "Yeah.", "okay", "uh huh", "got it"} {
		t.Run(transcript, func(t *testing.T) {
			t.Parallel()
			c := New(Config{})
			ev := c.Classify(seg(0, 400*time.Millisecond, 0.7), transcript, playing())
			if ev.Classification != Backchannel {
				t.Fatalf("%q: want backchannel, got %v", transcript, ev.Classification)
			}
		})
	}
}

func TestBackchannelOverDurationCapIsNotBackchannel(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	// Matching phrase but sustained for 2 s — not an acknowledgment.
	ev := c.Classify(seg(0, 2*time.Second, 0.8), "yeah", playing())
	if ev.Classification == Backchannel {
		t.Fatal("over-cap segment must not classify as backchannel")
	}
}

func TestSoftInterjectPhrases(t *testing.T) {
	t.Parallel()

	for _, transcript := range []string{"wait", "hold on", "actually", "sorry"} {
		t.Run(transcript, func(t *testing.T) {
			t.Parallel()
			c := New(Config{})
			ev := c.Classify(seg(0, 900*time.Millisecond, 0.7), transcript, playing())
			if ev.Classification != Soft {
				t.Fatalf("%q: want soft, got %v", transcript, ev.Classification)
			}
		})
	}
}

func TestFullSentenceIsHard(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	ev := c.Classify(seg(0, 2*time.Second, 0.9),
		"wait I need to ask about something completely different", playing())
	if ev.Classification != Hard {
		t.Fatalf("want hard, got %v", ev.Classification)
	}
	if !ev.Resumable {
		t.Fatal("hard interrupt of unfinished content must be resumable")
	}
}

func TestHighConfidenceShortSegmentIsHard(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	// No transcript, under the hard-duration floor, but extremely confident.
	ev := c.Classify(seg(0, 1*time.Second, 0.95), "", playing())
	if ev.Classification != Hard {
		t.Fatalf("want hard, got %v", ev.Classification)
	}
}

func TestConfidentShortSegmentWithoutTranscriptIsHard(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	// Under the backchannel duration cap and no transcript, but confidence
	// alone qualifies it as a hard interruption.
	ev := c.Classify(seg(0, 400*time.Millisecond, 0.95), "", playing())
	if ev.Classification != Hard {
		t.Fatalf("want hard, got %v", ev.Classification)
	}
}

func TestShortSegmentWithoutTranscriptDefaultsToBackchannel(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	ev := c.Classify(seg(0, 400*time.Millisecond, 0.7), "", playing())
	if ev.Classification != Backchannel {
		t.Fatalf("want backchannel, got %v", ev.Classification)
	}
}

func TestBorderlineIsUnclear(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	// Non-matching transcript, duration and confidence both borderline.
	ev := c.Classify(seg(0, 1*time.Second, 0.6), "hmm what", playing())
	if ev.Classification != Unclear {
		t.Fatalf("want unclear, got %v", ev.Classification)
	}
}

func TestEscalationThirdBackchannelBecomesSoft(t *testing.T) {
	t.Parallel()

	c := New(Config{})

	// Three backchannels inside the 5-second window; the third must escalate
	// regardless of its phrase match.
	ev1 := c.Classify(seg(0, 300*time.Millisecond, 0.7), "yeah", playing())
	ev2 := c.Classify(seg(1500*time.Millisecond, 300*time.Millisecond, 0.7), "mm-hmm", playing())
	ev3 := c.Classify(seg(3*time.Second, 300*time.Millisecond, 0.7), "okay", playing())

	if ev1.Classification != Backchannel || ev2.Classification != Backchannel {
		t.Fatalf("first two must be backchannels, got %v, %v", ev1.Classification, ev2.Classification)
	}
	if ev3.Classification != Soft {
		t.Fatalf("third backchannel in window must escalate to soft, got %v", ev3.Classification)
	}
	if !ev3.Escalated {
		t.Fatal("escalated event must be flagged")
	}
}

func TestEscalationWindowExpires(t *testing.T) {
	t.Parallel()

	c := New(Config{})

	c.Classify(seg(0, 300*time.Millisecond, 0.7), "yeah", playing())
	c.Classify(seg(1*time.Second, 300*time.Millisecond, 0.7), "yeah", playing())
	// Third arrives 7 s after the first two left the window.
	ev := c.Classify(seg(8*time.Second, 300*time.Millisecond, 0.7), "yeah", playing())
	if ev.Classification != Backchannel {
		t.Fatalf("backchannels outside the window must not escalate, got %v", ev.Classification)
	}
}

func TestLanguageSwitch(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	c.SetLanguage("de")

	ev := c.Classify(seg(0, 400*time.Millisecond, 0.7), "genau", playing())
	if ev.Classification != Backchannel {
		t.Fatalf("want backchannel for German phrase, got %v", ev.Classification)
	}

	ev = c.Classify(seg(1*time.Second, 900*time.Millisecond, 0.7), "warte", playing())
	if ev.Classification != Soft {
		t.Fatalf("want soft for 'warte', got %v", ev.Classification)
	}
	if ev.Language != "de" {
		t.Fatalf("event must carry the active language, got %q", ev.Language)
	}
}

func TestSnapshotTravelsWithEvent(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	snap := playing()
	ev := c.Classify(seg(0, 2*time.Second, 0.9), "stop please I have a question now", snap)
	if ev.Snapshot != snap {
		t.Fatalf("event must carry the snapshot it was classified against")
	}
}

func TestNormalizePhrase(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Mm-hmm.":   "mm hmm",
		"  YEAH!  ": "yeah",
		"hold  on":  "hold on",
	}
	for in, want := range cases {
		if got := normalizePhrase(in); got != want {
			t.Errorf("normalizePhrase(%q) = %q, want %q", in, got, want)
		}
	}
}
