// Package session wires the audio pipeline and the control logic into one
// voice session. The audio task (normalizer, echo canceller, voice activity
// estimation, segmentation) runs with a per-frame budget; the control task
// (transcription, classification, the barge-in machine, persistence) consumes
// finalized segments from a bounded ordered channel. Classification events
// are never dropped; telemetry drops oldest under pressure.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/talkshape/duplex/internal/bargein"
	"github.com/talkshape/duplex/internal/calibrate"
	"github.com/talkshape/duplex/internal/config"
	"github.com/talkshape/duplex/internal/observe"
	"github.com/talkshape/duplex/internal/prefs"
	"github.com/talkshape/duplex/internal/resume"
	"github.com/talkshape/duplex/pkg/aec"
	"github.com/talkshape/duplex/pkg/audio"
	"github.com/talkshape/duplex/pkg/intent"
	"github.com/talkshape/duplex/pkg/segment"
	"github.com/talkshape/duplex/pkg/transcribe"
	"github.com/talkshape/duplex/pkg/vad"
)

// TeardownError wraps a failure during session shutdown. It is fatal for the
// session only, never for the process.
type TeardownError struct {
	Cause error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("session teardown: %v", e.Cause)
}

func (e *TeardownError) Unwrap() error { return e.Cause }

// segChannelCap bounds the ordered segment channel between the audio and
// control tasks.
const segChannelCap = 8

// segEvent carries one segmenter event across the task boundary in
// timestamp order.
type segEvent struct {
	kind    segment.EventType
	seg     *segment.Segment
	onsetTS time.Duration
	conf    float64
}

// controlMsg carries one control input into the control task.
type controlMsg struct {
	kind string // generation_started, playback_started, playback_progress, playback_ended, tool_started, tool_ended, language, calibrate

	content    string
	charOffset int
	lang       string

	tool       bargein.ToolCallState
	toolID     string
	toolStatus bargein.ToolCallStatus
}

// EngineFactory builds one session's estimator engine. notify receives
// degraded-mode events; it may be called during engine setup (a model that
// fails to load degrades the session before the first frame) and must not
// block. Engines that never degrade can ignore it.
type EngineFactory func(notify func(vad.DegradedEvent)) vad.Engine

// Options holds a Session's dependencies. VAD is required; the rest degrade
// gracefully when absent.
type Options struct {
	Config *config.Config

	// VAD creates the per-session estimator, typically a [vad.Failover] with
	// the session's degraded-event sink wired in as notify.
	VAD EngineFactory

	// Transcriber, when set, provides best-effort partial transcripts for
	// finalized segments.
	Transcriber transcribe.Provider

	// Prefs, when set, loads and persists the user's preferences.
	Prefs prefs.Store

	// Resumer, when set, upgrades resumption directives with model-written
	// summaries, emitted as resume_directive events.
	Resumer *resume.Resumer

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	UserID string
}

// Session is one live voice session.
type Session struct {
	id   string
	opts Options
	cfg  *config.Config

	normalizer *audio.Normalizer
	canceller  *aec.Canceller
	vadSession vad.Session
	vadTuner   vad.ThresholdSetter // vadSession when it supports retuning
	segmenter  *segment.Segmenter
	store      *calibrate.Store
	baseThresh segment.Thresholds

	classifier   *intent.Classifier
	machine      *bargein.Machine
	personalizer *calibrate.Personalizer
	userPrefs    prefs.UserPreferences

	micCh  chan audio.Frame
	segCh  chan segEvent
	ctrlCh chan controlMsg
	calCh  chan calibrate.Result

	actionCh chan bargein.Action
	eventCh  chan Event

	// refMu guards the echo reference FIFO fed by PushReference and drained
	// by the audio task.
	refMu  sync.Mutex
	refBuf []float32

	// calibrating is read by the audio task each frame.
	calibrating atomic.Bool
	calibrator  *calibrate.Calibrator

	// lastTS is the stream time of the newest processed frame, for the
	// control task's soft-pause clock.
	lastTS atomic.Int64

	metrics *observe.Metrics

	// bg tracks background directive upgrades so teardown does not close the
	// event channel under them.
	bg sync.WaitGroup

	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New creates a Session and its pipeline stages. Call Run to start the
// tasks.
func New(ctx context.Context, id string, opts Options) (*Session, error) {
	if opts.VAD == nil {
		return nil, errors.New("session: a VAD engine factory is required")
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	cfg := opts.Config
	base := segmentThresholds(cfg.Segment)

	s := &Session{
		id:         id,
		opts:       opts,
		cfg:        cfg,
		micCh:      make(chan audio.Frame, 64),
		segCh:      make(chan segEvent, segChannelCap),
		ctrlCh:     make(chan controlMsg, 16),
		calCh:      make(chan calibrate.Result, 1),
		actionCh:   make(chan bargein.Action, 8),
		eventCh:    make(chan Event, 32),
		store:      calibrate.NewStore(base),
		baseThresh: base,
		metrics:    opts.Metrics,
		done:       make(chan struct{}),
	}

	s.normalizer = audio.NewNormalizer(cfg.Audio.FrameSize, cfg.Audio.SampleRate)
	s.canceller = aec.New(
		aec.WithTaps(cfg.AEC.Taps),
		aec.WithStepSize(cfg.AEC.StepSize),
		aec.WithDivergenceFrames(cfg.AEC.DivergenceFrames),
		aec.WithOnReset(func() { s.metrics.AECResets.Add(ctx, 1) }),
	)

	s.userPrefs = prefs.Default(opts.UserID)
	if opts.Prefs != nil && opts.UserID != "" {
		loaded, err := opts.Prefs.Load(ctx, opts.UserID)
		switch {
		case err == nil:
			s.userPrefs = loaded
		case errors.Is(err, prefs.ErrNotFound):
		default:
			slog.Warn("session: preference load failed, using defaults",
				"session", id, "err", err)
		}
	}
	s.personalizer = calibrate.NewPersonalizer(s.userPrefs.Sensitivity)
	s.store.SetSensitivity(s.personalizer.Sensitivity())

	// The session's own degraded-event sink is live before the engine is
	// built, so a model that fails to load is reported through the same path
	// as a mid-stream deadline overrun.
	engine := opts.VAD(s.NotifyDegraded)
	vadSession, err := engine.NewSession(vad.Config{
		SampleRate:      cfg.Audio.SampleRate,
		FrameSize:       cfg.Audio.FrameSize,
		SpeechThreshold: base.SpeechProb,
	})
	if err != nil {
		return nil, fmt.Errorf("session: create vad session: %w", err)
	}
	s.vadSession = vadSession
	s.vadTuner, _ = vadSession.(vad.ThresholdSetter)

	s.segmenter = segment.New(s.store.Snapshot)

	s.classifier = intent.New(intent.Config{
		Language:               s.userPrefs.Language,
		BackchannelMaxDuration: cfg.Intent.BackchannelMaxDuration,
		HardMinDuration:        cfg.Intent.HardMinDuration,
		HardConfidence:         cfg.Intent.HardConfidence,
		FuzzyThreshold:         cfg.Intent.FuzzyThreshold,
		EscalationCount:        cfg.Intent.EscalationCount,
		EscalationWindow:       cfg.Intent.EscalationWindow,
	})
	s.machine = bargein.New(bargein.Config{
		FadeLevel:         cfg.BargeIn.FadeLevel,
		SoftPauseWait:     cfg.BargeIn.SoftPauseWait,
		FrustrationCount:  cfg.BargeIn.FrustrationCount,
		FrustrationWindow: cfg.BargeIn.FrustrationWindow,
	})

	return s, nil
}

// segmentThresholds maps the configured segmenter section onto the thresholds
// snapshot calibration adjusts from.
func segmentThresholds(sc config.SegmentConfig) segment.Thresholds {
	return segment.Thresholds{
		SpeechProb:     sc.SpeechProb,
		SilenceProb:    sc.SilenceProb,
		HighConfidence: sc.HighConfidence,
		MinSpeech:      sc.MinSpeech,
		MinSilence:     sc.MinSilence,
		MaxSegment:     sc.MaxSegment,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Actions returns the priority channel of playback/generation actions.
// Consumers must drain it promptly; fades carry a 50 ms budget.
func (s *Session) Actions() <-chan bargein.Action { return s.actionCh }

// Events returns the output event channel. Events are telemetry-grade: the
// session drops the oldest when the consumer lags.
func (s *Session) Events() <-chan Event { return s.eventCh }

// Run executes the audio and control tasks until ctx is cancelled or a task
// fails, then tears the session down. The returned error is nil on a clean
// shutdown and a *TeardownError otherwise.
func (s *Session) Run(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	s.beginCalibration()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.audioLoop(gctx) })
	g.Go(func() error { return s.controlLoop(gctx) })
	runErr := g.Wait()

	if err := s.teardown(context.WithoutCancel(ctx)); err != nil {
		return &TeardownError{Cause: err}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return &TeardownError{Cause: runErr}
	}
	return nil
}

// PushMic feeds raw 16-bit little-endian mono PCM at the configured sample
// rate. Blocks when the pipeline is saturated.
func (s *Session) PushMic(ctx context.Context, pcm []byte) error {
	for _, frame := range s.normalizer.PushBytes(pcm) {
		select {
		case s.micCh <- frame:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return errors.New("session: closed")
		}
	}
	return nil
}

// PushMicSamples feeds already-decoded normalized mono samples at the
// configured sample rate. Used by uplinks that arrive compressed.
func (s *Session) PushMicSamples(ctx context.Context, samples []float32) error {
	for _, frame := range s.normalizer.Push(samples) {
		select {
		case s.micCh <- frame:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return errors.New("session: closed")
		}
	}
	return nil
}

// PushReference feeds the AI playback reference stream as 16-bit PCM at the
// configured reference rate. It is resampled to the pipeline rate and
// consumed by the echo canceller in arrival order.
func (s *Session) PushReference(pcm []byte) {
	samples := audio.BytesToFloat32(pcm)
	if s.cfg.Audio.ReferenceSampleRate != s.cfg.Audio.SampleRate {
		samples = audio.Resample(samples, s.cfg.Audio.ReferenceSampleRate, s.cfg.Audio.SampleRate)
	}
	s.refMu.Lock()
	s.refBuf = append(s.refBuf, samples...)
	s.refMu.Unlock()
}

// takeReference pops n reference samples, zero-padded when the reference
// stream runs behind the microphone. Returns nil when no reference audio is
// buffered at all, so the canceller can pass silence through untouched.
func (s *Session) takeReference(n int) []float32 {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	if len(s.refBuf) == 0 {
		return nil
	}
	out := make([]float32, n)
	k := copy(out, s.refBuf)
	s.refBuf = s.refBuf[k:]
	return out
}

// flushReference discards buffered reference audio.
func (s *Session) flushReference() {
	s.refMu.Lock()
	s.refBuf = nil
	s.refMu.Unlock()
}

// Control inputs. Each forwards to the control task; they are safe to call
// from the gateway's read loop.

func (s *Session) GenerationStarted() { s.control(controlMsg{kind: "generation_started"}) }

func (s *Session) PlaybackStarted(content string) {
	s.control(controlMsg{kind: "playback_started", content: content})
}

// PlaybackProgress reports the rune offset playback has reached, keeping
// position snapshots honest without polling.
func (s *Session) PlaybackProgress(charOffset int) {
	s.control(controlMsg{kind: "playback_progress", charOffset: charOffset})
}

func (s *Session) PlaybackEnded() { s.control(controlMsg{kind: "playback_ended"}) }

func (s *Session) ToolCallStarted(tc bargein.ToolCallState) {
	s.control(controlMsg{kind: "tool_started", tool: tc})
}

func (s *Session) ToolCallEnded(id string, status bargein.ToolCallStatus) {
	s.control(controlMsg{kind: "tool_ended", toolID: id, toolStatus: status})
}

func (s *Session) SetLanguage(lang string) {
	s.control(controlMsg{kind: "language", lang: lang})
}

// Calibrate requests an on-demand calibration pass over the next window of
// microphone audio.
func (s *Session) Calibrate() { s.control(controlMsg{kind: "calibrate"}) }

func (s *Session) control(msg controlMsg) {
	select {
	case s.ctrlCh <- msg:
	case <-s.done:
	}
}

// Close tears the session down and waits for both tasks to stop.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// beginCalibration arms a calibration window; the audio task consumes it.
func (s *Session) beginCalibration() {
	s.calibrator = calibrate.New(s.cfg.Calibrate.Window, s.baseThresh)
	s.calibrating.Store(true)
}

// audioLoop is the real-time task: one frame in, at most a few segment
// events out. It takes no locks besides the reference FIFO and reads
// thresholds through atomic snapshots.
func (s *Session) audioLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-s.micCh:
			start := time.Now()
			s.lastTS.Store(int64(frame.End()))

			if s.calibrating.Load() {
				if res, ok := s.calibrator.Push(frame); ok {
					s.calibrating.Store(false)
					s.store.Apply(res)
					select {
					case s.calCh <- res:
					default:
					}
				}
				continue
			}

			ref := s.takeReference(len(frame.Samples))
			frame.Samples = s.canceller.Process(frame.Samples, ref)

			// Keep the estimator's speech bar tracking the calibrated and
			// personalized thresholds.
			if s.vadTuner != nil {
				s.vadTuner.SetSpeechThreshold(s.store.SpeechThreshold())
			}
			res, err := s.vadSession.Process(frame)
			if err != nil {
				slog.Warn("session: vad frame error", "session", s.id, "err", err)
				continue
			}
			s.metrics.VADDuration.Record(ctx, res.Latency.Seconds())

			for _, ev := range s.segmenter.Process(res, frame) {
				se := segEvent{kind: ev.Type, seg: ev.Segment, onsetTS: ev.Timestamp, conf: ev.Confidence}
				// Segment events are never dropped; backpressure blocks the
				// audio task instead.
				select {
				case s.segCh <- se:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			s.metrics.FrameDuration.Record(ctx, time.Since(start).Seconds())
		}
	}
}

// controlLoop owns the classifier, the state machine, playback position, and
// preference persistence.
func (s *Session) controlLoop(ctx context.Context) error {
	var (
		playing    bool
		content    string
		charOffset int
	)

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	var saveCh <-chan time.Time
	if s.opts.Prefs != nil && s.cfg.Prefs.SaveInterval > 0 {
		save := time.NewTicker(s.cfg.Prefs.SaveInterval)
		defer save.Stop()
		saveCh = save.C
	}

	snapshot := func() intent.PlaybackSnapshot {
		snap := intent.PlaybackSnapshot{
			Playing:    playing,
			Content:    content,
			CharOffset: charOffset,
		}
		if n := len([]rune(content)); n > 0 {
			snap.CompletionPct = float64(charOffset) / float64(n) * 100
		}
		return snap
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-s.ctrlCh:
			switch msg.kind {
			case "generation_started":
				s.machine.GenerationStarted()
			case "playback_started":
				playing, content, charOffset = true, msg.content, 0
				s.classifier.Reset()
				s.machine.PlaybackStarted(msg.content)
			case "playback_progress":
				charOffset = msg.charOffset
			case "playback_ended":
				playing, content, charOffset = false, "", 0
				s.machine.PlaybackEnded()
			case "tool_started":
				s.machine.ToolCallStarted(msg.tool)
			case "tool_ended":
				s.routeActions(ctx, s.machine.ToolCallEnded(msg.toolID, msg.toolStatus), time.Now())
			case "language":
				s.classifier.SetLanguage(msg.lang)
				s.userPrefs.Language = msg.lang
			case "calibrate":
				s.beginCalibration()
			}

		case res := <-s.calCh:
			s.userPrefs.AddCalibration(prefs.CalibrationRecord{
				AmbientDBFS: res.AmbientDBFS,
				Environment: res.Environment.String(),
				At:          time.Now().UTC(),
			})
			th := res.Thresholds
			s.emitEvent(Event{
				Type:        EventCalibrationComplete,
				Timestamp:   res.Timestamp,
				Thresholds:  &th,
				Environment: res.Environment.String(),
			})

		case se := <-s.segCh:
			switch se.kind {
			case segment.EventOnset:
				s.machine.SpeechOnset()
				s.emitEvent(Event{
					Type:       EventSpeechOnset,
					Timestamp:  se.onsetTS,
					Confidence: se.conf,
				})
			case segment.EventFinalized:
				s.handleSegment(ctx, se.seg, snapshot())
			}

		case <-tick.C:
			s.routeActions(ctx, s.machine.Tick(time.Duration(s.lastTS.Load())), time.Now())

		case <-saveCh:
			s.savePrefs(ctx)
		}
	}
}

// handleSegment transcribes, classifies, and applies one finalized segment.
func (s *Session) handleSegment(ctx context.Context, seg *segment.Segment, snap intent.PlaybackSnapshot) {
	s.metrics.Segments.Add(ctx, 1)
	s.emitEvent(Event{
		Type:      EventSpeechOffset,
		Timestamp: seg.Onset + seg.Duration,
		Duration:  seg.Duration,
	})

	transcript := s.transcribeSegment(ctx, seg)
	ev := s.classifier.Classify(seg, transcript, snap)
	classifiedAt := time.Now()

	s.metrics.RecordBargeIn(ctx, ev.Classification.String())
	if snap.Playing {
		s.emitEvent(Event{
			Type:           EventBargeIn,
			Timestamp:      ev.Timestamp,
			Confidence:     ev.Confidence,
			Classification: ev.Classification.String(),
			Resumable:      ev.Resumable,
			CompletionPct:  snap.CompletionPct,
		})
	}

	s.userPrefs.Sensitivity = s.personalizer.Observe(ev)
	s.store.SetSensitivity(s.userPrefs.Sensitivity)

	wasFrustrated := s.machine.Frustrated()
	s.routeActions(ctx, s.machine.Classified(ev), classifiedAt)
	if s.machine.Frustrated() && !wasFrustrated {
		s.metrics.FrustratedSessions.Add(ctx, 1)
		s.emitEvent(Event{Type: EventFrustrated, Timestamp: ev.Timestamp})
	}
}

// transcribeSegment returns a best-effort transcript, or "" on miss. The
// classifier handles the empty case with duration and confidence heuristics.
func (s *Session) transcribeSegment(ctx context.Context, seg *segment.Segment) string {
	if s.opts.Transcriber == nil {
		return ""
	}
	tctx := ctx
	if s.cfg.Transcribe.Timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, s.cfg.Transcribe.Timeout)
		defer cancel()
	}
	start := time.Now()
	text, err := s.opts.Transcriber.Transcribe(tctx, seg.Samples, s.classifier.Language())
	s.metrics.TranscribeDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		slog.Debug("session: transcription miss", "session", s.id, "err", err)
		return ""
	}
	return text
}

// routeActions forwards machine actions: fades and cancels on the priority
// channel, hold notices as events, and directive upgrades in the background.
func (s *Session) routeActions(ctx context.Context, actions []bargein.Action, classifiedAt time.Time) {
	for _, action := range actions {
		switch action.Type {
		case bargein.ActionHoldNotice:
			s.emitEvent(Event{
				Type:      EventToolCallHold,
				Timestamp: action.Event.Timestamp,
				ToolName:  action.ToolName,
			})
			continue
		case bargein.ActionFadeAndPause, bargein.ActionFadeAndCancel:
			s.metrics.RecordFadeAction(ctx, time.Since(classifiedAt))
		}

		select {
		case s.actionCh <- action:
		case <-ctx.Done():
			return
		}

		if action.Type == bargein.ActionFadeAndCancel && action.Directive != nil {
			s.upgradeDirective(ctx, action)
		}
	}
}

// upgradeDirective re-captures the directive through the summarizer chain
// and emits it as a resume_directive event. Runs in the background; the
// deterministic directive already shipped with the action.
func (s *Session) upgradeDirective(ctx context.Context, action bargein.Action) {
	snap := action.Event.Snapshot
	d := *action.Directive
	emit := func(d resume.Directive) {
		s.emitEvent(Event{
			Type:      EventResumeDirective,
			Timestamp: action.Event.Timestamp,
			Directive: &d,
		})
	}
	if s.opts.Resumer == nil {
		emit(d)
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		emit(s.opts.Resumer.Resume(ctx, snap.Content, snap.CharOffset))
	}()
}

// emitEvent delivers telemetry with a drop-oldest policy so a slow consumer
// never stalls the control task.
func (s *Session) emitEvent(ev Event) {
	for {
		select {
		case s.eventCh <- ev:
			return
		default:
			select {
			case <-s.eventCh:
			default:
			}
		}
	}
}

// NotifyDegraded surfaces a VAD degraded-mode event. Wired as the failover
// engine's notify callback; must not block. Safe from engine setup inside
// [New] onward.
func (s *Session) NotifyDegraded(ev vad.DegradedEvent) {
	s.metrics.RecordDegraded(context.Background(), string(ev.Reason))
	s.emitEvent(Event{
		Type:      EventDegraded,
		Timestamp: time.Duration(s.lastTS.Load()),
		Reason:    string(ev.Reason),
	})
}

// teardown releases resources after both tasks have stopped. The audio
// source is released by the gateway closing the connection; here the session
// flushes the echo reference, resolves tool-call state, persists
// preferences, and closes the estimator.
func (s *Session) teardown(ctx context.Context) error {
	var errs []error

	s.flushReference()
	s.machine.Teardown()
	s.savePrefs(ctx)

	if err := s.vadSession.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close vad session: %w", err))
	}
	// In-flight directive upgrades still emit through the event channel; wait
	// for them before closing it. Run's cancellation has already unblocked
	// their summarizer calls.
	s.bg.Wait()
	close(s.actionCh)
	close(s.eventCh)
	return errors.Join(errs...)
}

func (s *Session) savePrefs(ctx context.Context) {
	if s.opts.Prefs == nil || s.opts.UserID == "" {
		return
	}
	if err := s.opts.Prefs.Save(ctx, s.userPrefs); err != nil {
		slog.Warn("session: preference save failed", "session", s.id, "err", err)
	}
}
