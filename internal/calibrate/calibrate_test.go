package calibrate

import (
	"math"
	"testing"
	"time"

	"github.com/talkshape/duplex/pkg/audio"
	"github.com/talkshape/duplex/pkg/intent"
	"github.com/talkshape/duplex/pkg/segment"
)

// constFrames returns n 32 ms frames of constant amplitude, so frame RMS
// equals the amplitude exactly.
func constFrames(amplitude float32, n int) []audio.Frame {
	frames := make([]audio.Frame, n)
	for i := range frames {
		samples := make([]float32, 512)
		for j := range samples {
			samples[j] = amplitude
		}
		frames[i] = audio.Frame{
			Samples:    samples,
			SampleRate: 16000,
			Seq:        uint64(i),
			Timestamp:  time.Duration(i*512) * time.Second / 16000,
		}
	}
	return frames
}

func runPass(t *testing.T, amplitude float32) Result {
	t.Helper()
	c := New(DefaultWindow, segment.DefaultThresholds())
	for _, f := range constFrames(amplitude, 80) { // 2.56 s, more than the window
		if res, done := c.Push(f); done {
			if !c.Done() {
				t.Fatal("Done must report true after completion")
			}
			return res
		}
	}
	t.Fatal("calibration window never completed")
	return Result{}
}

func TestEnvironmentClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		amplitude float32
		want      Environment
	}{
		{"quiet", 0.001, EnvQuiet},       // -60 dBFS
		{"moderate", 0.01, EnvModerate},  // -40 dBFS
		{"noisy", 0.1, EnvNoisy},         // -20 dBFS
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := runPass(t, tc.amplitude)
			if res.Environment != tc.want {
				t.Fatalf("amplitude %f: want %v, got %v (%.1f dBFS)",
					tc.amplitude, tc.want, res.Environment, res.AmbientDBFS)
			}
		})
	}
}

func TestCalibrationIsIdempotent(t *testing.T) {
	t.Parallel()

	// Two passes over identical silence must agree within tolerance.
	a := runPass(t, 0.002)
	b := runPass(t, 0.002)

	if math.Abs(a.Thresholds.SpeechProb-b.Thresholds.SpeechProb) > 1e-9 {
		t.Fatalf("speech thresholds diverged: %f vs %f",
			a.Thresholds.SpeechProb, b.Thresholds.SpeechProb)
	}
	if a.Thresholds.MinSilence != b.Thresholds.MinSilence {
		t.Fatalf("silence windows diverged: %v vs %v",
			a.Thresholds.MinSilence, b.Thresholds.MinSilence)
	}
	if a.Environment != b.Environment {
		t.Fatalf("environments diverged: %v vs %v", a.Environment, b.Environment)
	}
}

func TestNoisyEnvironmentWidensThresholds(t *testing.T) {
	t.Parallel()

	quiet := runPass(t, 0.001)
	noisy := runPass(t, 0.1)

	if noisy.Thresholds.SpeechProb <= quiet.Thresholds.SpeechProb {
		t.Fatal("noisy floor must raise the speech bar")
	}
	if noisy.Thresholds.MinSilence <= quiet.Thresholds.MinSilence {
		t.Fatal("noisy floor must widen the silence window")
	}
}

func TestCalibrationBuildsOnConfiguredBase(t *testing.T) {
	t.Parallel()

	base := segment.DefaultThresholds()
	base.SpeechProb = 0.7
	base.SilenceProb = 0.5
	base.MaxSegment = 7 * time.Second

	c := New(DefaultWindow, base)
	var res Result
	var done bool
	for _, f := range constFrames(0.001, 80) { // quiet
		if r, ok := c.Push(f); ok {
			res, done = r, true
			break
		}
	}
	if !done {
		t.Fatal("calibration window never completed")
	}
	if res.Thresholds.MaxSegment != 7*time.Second {
		t.Fatalf("configured segment cap lost: %+v", res.Thresholds)
	}
	if res.Thresholds.SpeechProb != 0.65 {
		t.Fatalf("quiet room must lower the configured bar by 0.05, got %f",
			res.Thresholds.SpeechProb)
	}
}

func TestPushAfterCompletionIsIgnored(t *testing.T) {
	t.Parallel()

	c := New(100*time.Millisecond, segment.DefaultThresholds())
	frames := constFrames(0.01, 10)
	var completed int
	for _, f := range frames {
		if _, done := c.Push(f); done {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("window must complete exactly once, got %d", completed)
	}
}

func TestStorePublishesCalibration(t *testing.T) {
	t.Parallel()

	s := NewStore(segment.DefaultThresholds())
	before := s.Snapshot()

	res := runPass(t, 0.1) // noisy
	s.Apply(res)

	after := s.Snapshot()
	if after.SpeechProb <= before.SpeechProb {
		t.Fatal("applying a noisy calibration must raise the speech bar")
	}
	if s.LastResult() == nil || s.LastResult().Environment != EnvNoisy {
		t.Fatal("store must retain the applied result")
	}
}

func TestStoreSeededFromConfiguredBase(t *testing.T) {
	t.Parallel()

	base := segment.DefaultThresholds()
	base.SpeechProb = 0.7
	base.MinSilence = 600 * time.Millisecond
	s := NewStore(base)

	th := s.Snapshot()
	if th.SpeechProb != 0.7 || th.MinSilence != 600*time.Millisecond {
		t.Fatalf("store must publish the configured base before calibration, got %+v", th)
	}
}

func TestStoreSensitivityKeepsHysteresisGap(t *testing.T) {
	t.Parallel()

	s := NewStore(segment.DefaultThresholds())
	neutral := s.Snapshot().SpeechProb
	s.SetSensitivity(2.0)

	th := s.Snapshot()
	if th.SpeechProb <= th.SilenceProb {
		t.Fatalf("speech bar %f must stay above silence bar %f",
			th.SpeechProb, th.SilenceProb)
	}
	if th.SpeechProb >= neutral {
		t.Fatal("raised sensitivity must lower the speech bar")
	}
}

func TestStoreSensitivityClamped(t *testing.T) {
	t.Parallel()

	s := NewStore(segment.DefaultThresholds())
	s.SetSensitivity(100)
	if got := s.Sensitivity(); got != MaxSensitivity {
		t.Fatalf("want clamp to %f, got %f", MaxSensitivity, got)
	}
	s.SetSensitivity(0.001)
	if got := s.Sensitivity(); got != MinSensitivity {
		t.Fatalf("want clamp to %f, got %f", MinSensitivity, got)
	}
}

func TestPersonalizerShortHardDriftsDown(t *testing.T) {
	t.Parallel()

	p := NewPersonalizer(1.0)
	got := p.Observe(intent.Event{Classification: intent.Hard, Duration: 500 * time.Millisecond})
	if got >= 1.0 {
		t.Fatalf("short hard interrupt must lower sensitivity, got %f", got)
	}

	// A long hard interrupt is the user taking the floor normally; no drift.
	p2 := NewPersonalizer(1.0)
	if got := p2.Observe(intent.Event{Classification: intent.Hard, Duration: 2 * time.Second}); got != 1.0 {
		t.Fatalf("long hard interrupt must not drift, got %f", got)
	}
}

func TestPersonalizerUnclearStreakWidensMargins(t *testing.T) {
	t.Parallel()

	p := NewPersonalizer(1.0)
	p.Observe(intent.Event{Classification: intent.Unclear})
	p.Observe(intent.Event{Classification: intent.Unclear})
	if p.Sensitivity() != 1.0 {
		t.Fatal("sensitivity must not drift before the streak completes")
	}
	got := p.Observe(intent.Event{Classification: intent.Unclear})
	if got >= 1.0 {
		t.Fatalf("unclear streak must lower sensitivity, got %f", got)
	}
}

func TestPersonalizerBounded(t *testing.T) {
	t.Parallel()

	p := NewPersonalizer(1.0)
	for range 100 {
		p.Observe(intent.Event{Classification: intent.Hard, Duration: 100 * time.Millisecond})
	}
	if got := p.Sensitivity(); got != MinSensitivity {
		t.Fatalf("drift must clamp at %f, got %f", MinSensitivity, got)
	}
}

func TestPersonalizerDecaysTowardNeutral(t *testing.T) {
	t.Parallel()

	p := NewPersonalizer(0.9)
	for range 20 {
		p.Observe(intent.Event{Classification: intent.Backchannel})
	}
	if got := p.Sensitivity(); got != 1.0 {
		t.Fatalf("clean history must decay back to neutral, got %f", got)
	}
}
