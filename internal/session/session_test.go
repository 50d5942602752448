package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/talkshape/duplex/internal/bargein"
	"github.com/talkshape/duplex/internal/config"
	prefsmock "github.com/talkshape/duplex/internal/prefs/mock"
	"github.com/talkshape/duplex/internal/resilience"
	"github.com/talkshape/duplex/internal/resume"
	"github.com/talkshape/duplex/pkg/audio"
	tmock "github.com/talkshape/duplex/pkg/transcribe/mock"
	"github.com/talkshape/duplex/pkg/vad"
	vadmock "github.com/talkshape/duplex/pkg/vad/mock"
)

const frameSize = 512 // 32 ms at 16 kHz

// testConfig shrinks the calibration window so tests only need two frames of
// quiet audio before the pipeline goes live.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Calibrate.Window = 64 * time.Millisecond
	cfg.Prefs.SaveInterval = time.Hour
	return cfg
}

// scriptedVAD wraps a mock estimator session in an engine factory.
func scriptedVAD(sess *vadmock.Session) EngineFactory {
	return func(func(vad.DegradedEvent)) vad.Engine {
		return &vadmock.Engine{SessionResult: sess}
	}
}

// pcmFrames returns n frames of constant-amplitude 16-bit PCM.
func pcmFrames(n int, amplitude float32) []byte {
	samples := make([]float32, n*frameSize)
	for i := range samples {
		samples[i] = amplitude
	}
	return audio.Float32ToBytes(samples)
}

// harness runs a session against scripted VAD probabilities and collects its
// outputs.
type harness struct {
	s      *Session
	done   chan struct{}
	runErr chan error
	cancel context.CancelFunc

	mu      sync.Mutex
	actions []bargein.Action
	events  []Event
}

func startSession(t *testing.T, opts Options, probabilities []float64) *harness {
	t.Helper()
	if opts.Config == nil {
		opts.Config = testConfig()
	}
	if opts.VAD == nil {
		opts.VAD = scriptedVAD(&vadmock.Session{Probabilities: probabilities})
	}

	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(ctx, "test-session", opts)
	if err != nil {
		cancel()
		t.Fatalf("New: %v", err)
	}

	h := &harness{s: s, done: make(chan struct{}), runErr: make(chan error, 1), cancel: cancel}
	go func() { h.runErr <- s.Run(ctx) }()
	go func() {
		defer close(h.done)
		actions, events := s.Actions(), s.Events()
		for actions != nil || events != nil {
			select {
			case a, ok := <-actions:
				if !ok {
					actions = nil
					continue
				}
				h.mu.Lock()
				h.actions = append(h.actions, a)
				h.mu.Unlock()
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				h.mu.Lock()
				h.events = append(h.events, ev)
				h.mu.Unlock()
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

// stop cancels the session and waits for both collector and Run to finish.
func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not shut down")
	}
	<-h.done
}

func (h *harness) eventOfType(typ EventType) (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range h.events {
		if ev.Type == typ {
			return ev, true
		}
	}
	return Event{}, false
}

func (h *harness) actionOfType(typ bargein.ActionType) (bargein.Action, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, a := range h.actions {
		if a.Type == typ {
			return a, true
		}
	}
	return bargein.Action{}, false
}

// push feeds PCM through the microphone input.
func (h *harness) push(t *testing.T, pcm []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.s.PushMic(ctx, pcm); err != nil {
		t.Fatalf("PushMic: %v", err)
	}
}

// settle gives the control task time to drain its inbox.
func settle() { time.Sleep(150 * time.Millisecond) }

const spokenContent = "here are the directions to the station first you walk north " +
	"for two blocks then you turn left at the bakery and continue past the " +
	"park until you reach the bridge then cross over and the station is there"

func TestSessionHardBargeInCancelsWithDirective(t *testing.T) {
	transcriber := &tmock.Provider{Transcripts: []string{"no stop i need something else"}}
	// Ten confident speech frames then silence. The script starts after the
	// two calibration frames, which never reach the estimator.
	probs := append(repeat(0.95, 10), repeat(0.05, 1)...)
	h := startSession(t, Options{Transcriber: transcriber}, probs)

	// Quiet calibration window.
	h.push(t, pcmFrames(2, 0.001))
	settle()
	calEv, ok := h.eventOfType(EventCalibrationComplete)
	if !ok {
		t.Fatal("no calibration_complete event")
	}
	if calEv.Environment != "quiet" {
		t.Fatalf("want quiet environment, got %q", calEv.Environment)
	}

	h.s.PlaybackStarted(spokenContent)
	h.s.PlaybackProgress(len([]rune(spokenContent)) / 3)
	settle()

	// Speech then enough silence to finalize.
	h.push(t, pcmFrames(25, 0.1))
	settle()

	if _, ok := h.eventOfType(EventSpeechOnset); !ok {
		t.Fatal("no speech_onset event")
	}
	bi, ok := h.eventOfType(EventBargeIn)
	if !ok {
		t.Fatal("no barge_in event")
	}
	if bi.Classification != "hard" {
		t.Fatalf("want hard classification, got %q", bi.Classification)
	}

	action, ok := h.actionOfType(bargein.ActionFadeAndCancel)
	if !ok {
		t.Fatalf("no cancel action; got %+v", h.actions)
	}
	if action.Directive == nil {
		t.Fatal("cancel action must carry a resumption directive")
	}
	if action.Directive.RemainingContent == "" {
		t.Fatal("directive remaining content is empty")
	}
	if !strings.Contains(spokenContent, action.Directive.RemainingContent) {
		t.Fatal("remaining content must be a suffix of the spoken content")
	}
	if pct := action.Directive.CompletionPct; pct <= 0 || pct >= 100 {
		t.Fatalf("completion pct %v out of range", pct)
	}

	dir, ok := h.eventOfType(EventResumeDirective)
	if !ok {
		t.Fatal("no resume_directive event")
	}
	if dir.Directive == nil || dir.Directive.Summary == "" {
		t.Fatalf("resume_directive must carry a summary: %+v", dir.Directive)
	}

	h.stop(t)
}

func TestSessionBackchannelContinuesPlayback(t *testing.T) {
	transcriber := &tmock.Provider{Transcripts: []string{"yeah"}}
	probs := append(repeat(0.7, 7), repeat(0.05, 1)...)
	h := startSession(t, Options{Transcriber: transcriber}, probs)

	h.push(t, pcmFrames(2, 0.001))
	settle()
	h.s.PlaybackStarted(spokenContent)
	settle()

	h.push(t, pcmFrames(20, 0.1))
	settle()

	bi, ok := h.eventOfType(EventBargeIn)
	if !ok {
		t.Fatal("no barge_in event")
	}
	if bi.Classification != "backchannel" {
		t.Fatalf("want backchannel, got %q", bi.Classification)
	}
	if _, faded := h.actionOfType(bargein.ActionFadeAndPause); faded {
		t.Fatal("backchannel must not fade playback")
	}
	if _, cancelled := h.actionOfType(bargein.ActionFadeAndCancel); cancelled {
		t.Fatal("backchannel must not cancel playback")
	}
	if _, ok := h.actionOfType(bargein.ActionContinue); !ok {
		t.Fatal("want a continue action")
	}

	h.stop(t)
}

func TestSessionTeardownClosesEstimatorAndSavesPrefs(t *testing.T) {
	store := prefsmock.New()
	vadSession := &vadmock.Session{Probabilities: []float64{0.05}}
	h := startSession(t, Options{
		VAD:    scriptedVAD(vadSession),
		Prefs:  store,
		UserID: "u-1",
	}, nil)

	h.push(t, pcmFrames(4, 0.001))
	settle()
	h.stop(t)

	if !vadSession.Closed {
		t.Fatal("vad session must be closed on teardown")
	}
	if store.Saves == 0 {
		t.Fatal("teardown must persist preferences")
	}
}

func TestSessionModelUnavailableSurfacesDegraded(t *testing.T) {
	ctx := context.Background()
	// The primary model fails during engine setup, before the first frame.
	s, err := New(ctx, "degraded", Options{
		Config: testConfig(),
		VAD: func(notify func(vad.DegradedEvent)) vad.Engine {
			return vad.NewFailover(
				&vadmock.Engine{Err: vad.ErrModelUnavailable},
				&vadmock.Engine{},
				vad.WithNotify(notify),
			)
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	select {
	case ev := <-s.Events():
		if ev.Type != EventDegraded || ev.Reason != string(vad.ReasonModelUnavailable) {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("no degraded event emitted for a failed model load")
	}
	select {
	case ev := <-s.Events():
		t.Fatalf("model_unavailable must fire once per session, got extra %+v", ev)
	default:
	}
}

// stalledSummarizer blocks until its context is cancelled, simulating a
// summarizer call still in flight when the session shuts down.
type stalledSummarizer struct{}

func (stalledSummarizer) Summarize(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestSessionTeardownWaitsForDirectiveUpgrade(t *testing.T) {
	group := resilience.NewFallbackGroup[resume.Summarizer](
		stalledSummarizer{}, "stalled", resilience.FallbackConfig{})
	transcriber := &tmock.Provider{Transcripts: []string{"no stop i need something else"}}
	probs := append(repeat(0.95, 10), repeat(0.05, 1)...)
	h := startSession(t, Options{
		Transcriber: transcriber,
		Resumer:     resume.New(resume.WithSummarizers(group)),
	}, probs)

	h.push(t, pcmFrames(2, 0.001))
	settle()
	h.s.PlaybackStarted(spokenContent)
	settle()
	h.push(t, pcmFrames(25, 0.1))
	settle()

	if _, ok := h.actionOfType(bargein.ActionFadeAndCancel); !ok {
		t.Fatalf("no cancel action; got %+v", h.actions)
	}

	// Shutdown while the summary upgrade is still blocked in the summarizer.
	// Teardown must wait for it; the excerpt directive is emitted before the
	// event channel closes rather than panicking on a closed channel.
	h.stop(t)

	dir, ok := h.eventOfType(EventResumeDirective)
	if !ok {
		t.Fatal("no resume_directive event after shutdown")
	}
	if dir.Directive == nil || dir.Directive.Summary == "" {
		t.Fatalf("directive upgrade must fall back to the excerpt: %+v", dir.Directive)
	}
}

func TestSessionCalibrationRetunesEstimator(t *testing.T) {
	vadSession := &vadmock.Session{Probabilities: []float64{0.05}}
	h := startSession(t, Options{VAD: scriptedVAD(vadSession)}, nil)

	// Two calibration frames, then two live frames that carry the retuned bar
	// into the estimator.
	h.push(t, pcmFrames(4, 0.001))
	settle()
	h.stop(t)

	want := h.s.store.SpeechThreshold()
	if got := vadSession.SpeechThreshold(); got != want {
		t.Fatalf("estimator bar %f must track the calibrated bar %f", got, want)
	}
}

func TestSessionSegmentConfigReachesThresholds(t *testing.T) {
	cfg := testConfig()
	cfg.Segment.SpeechProb = 0.6
	cfg.Segment.MaxSegment = 7 * time.Second
	h := startSession(t, Options{Config: cfg}, nil)

	h.push(t, pcmFrames(2, 0.001))
	settle()

	ev, ok := h.eventOfType(EventCalibrationComplete)
	if !ok {
		t.Fatal("no calibration_complete event")
	}
	if ev.Thresholds == nil || ev.Thresholds.MaxSegment != 7*time.Second {
		t.Fatalf("configured segment cap lost: %+v", ev.Thresholds)
	}
	// A quiet room lowers the configured bar by 0.05.
	if ev.Thresholds.SpeechProb != 0.55 {
		t.Fatalf("calibration must adjust the configured bar, got %f", ev.Thresholds.SpeechProb)
	}
	h.stop(t)
}

func TestTakeReferencePassesSilenceThrough(t *testing.T) {
	s := &Session{}
	if got := s.takeReference(4); got != nil {
		t.Fatalf("no buffered reference must yield nil, got %v", got)
	}

	s.refBuf = []float32{0.5, 0.25}
	out := s.takeReference(4)
	if len(out) != 4 || out[0] != 0.5 || out[1] != 0.25 || out[2] != 0 || out[3] != 0 {
		t.Fatalf("partial reference must zero-pad to the frame length, got %v", out)
	}

	if got := s.takeReference(4); got != nil {
		t.Fatalf("drained reference must yield nil again, got %v", got)
	}
}

func TestEmitEventDropsOldestUnderPressure(t *testing.T) {
	s := &Session{eventCh: make(chan Event, 2)}
	for i := range 5 {
		s.emitEvent(Event{Type: EventSpeechOnset, Timestamp: time.Duration(i)})
	}
	first := <-s.eventCh
	second := <-s.eventCh
	if first.Timestamp != 3 || second.Timestamp != 4 {
		t.Fatalf("want the two newest events, got %v and %v", first.Timestamp, second.Timestamp)
	}
}

func repeat(p float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = p
	}
	return out
}
