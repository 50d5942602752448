// Package bargein holds the per-session orchestrator: a state machine that
// consumes classified speech events plus playback and tool-call control
// inputs, and emits the actions the playback and generation collaborators
// apply (continue, fade, cancel, resume, queue).
//
// All methods are synchronous and must be called from the session's control
// task; the machine owns no goroutines and takes no locks. No transition is
// ever skipped: playback can only stop through an explicit cancellation or
// playback-ended input, which is what makes interrupted sessions recoverable.
package bargein

import (
	"log/slog"
	"time"

	"github.com/talkshape/duplex/internal/resume"
	"github.com/talkshape/duplex/pkg/intent"
)

// State is the machine's position in the turn-taking protocol.
type State int

const (
	// StateListening: no AI activity; the floor is the user's.
	StateListening State = iota

	// StateSpeechPending: possible user speech while listening, not yet
	// confirmed by the segmenter.
	StateSpeechPending

	// StateSpeechConfirmed: confirmed user speech while listening; an
	// ordinary turn, not a barge-in.
	StateSpeechConfirmed

	// StateAIResponding: generation has started but nothing is audible yet.
	StateAIResponding

	// StateAISpeaking: AI audio is playing.
	StateAISpeaking

	// StateClassifying: confirmed user speech during AI activity; waiting for
	// the classifier's verdict.
	StateClassifying

	// StateSoftPaused: playback faded to a low level, holding for follow-up
	// speech.
	StateSoftPaused

	// StateAwaitingContinuation: follow-up speech confirmed during a soft
	// pause; its classification decides between resume and escalation.
	StateAwaitingContinuation

	// StateToolCallPending: a hard interrupt is queued behind a
	// non-interruptible tool call.
	StateToolCallPending

	// StateError: an illegal transition was attempted; the session should be
	// torn down.
	StateError
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateSpeechPending:
		return "speech_pending"
	case StateSpeechConfirmed:
		return "speech_confirmed"
	case StateAIResponding:
		return "ai_responding"
	case StateAISpeaking:
		return "ai_speaking"
	case StateClassifying:
		return "classifying"
	case StateSoftPaused:
		return "soft_paused"
	case StateAwaitingContinuation:
		return "awaiting_continuation"
	case StateToolCallPending:
		return "tool_call_pending"
	case StateError:
		return "error"
	default:
		return "invalid"
	}
}

// ActionType identifies what the collaborators must do.
type ActionType int

const (
	// ActionContinue: no playback change.
	ActionContinue ActionType = iota

	// ActionFadeAndPause: fade playback to Action.FadeLevel and hold for
	// Action.HoldFor.
	ActionFadeAndPause

	// ActionFadeAndCancel: fade playback out, cancel generation. Carries the
	// resumption directive when the interrupted content is resumable.
	ActionFadeAndCancel

	// ActionResume: restore playback volume after a soft pause.
	ActionResume

	// ActionQueue: a hard interrupt was queued behind a tool call.
	ActionQueue

	// ActionHoldNotice: tell the user the interruption waits on a tool call.
	ActionHoldNotice
)

// String returns the wire name of the action type.
func (t ActionType) String() string {
	switch t {
	case ActionContinue:
		return "continue"
	case ActionFadeAndPause:
		return "fade"
	case ActionFadeAndCancel:
		return "cancel"
	case ActionResume:
		return "resume"
	case ActionQueue:
		return "queue"
	case ActionHoldNotice:
		return "tool_call_hold"
	default:
		return "invalid"
	}
}

// Action is one instruction to the playback/generation collaborators.
// Fade and cancel actions ride the session's priority channel; they carry a
// 50 ms application budget.
type Action struct {
	Type ActionType

	// FadeLevel is the target playback level for ActionFadeAndPause.
	FadeLevel float64

	// HoldFor is the soft-pause wait window for ActionFadeAndPause.
	HoldFor time.Duration

	// ToolName accompanies ActionHoldNotice.
	ToolName string

	// Directive accompanies ActionFadeAndCancel when the interrupted content
	// can be resumed.
	Directive *resume.Directive

	// Event is the classification that triggered the action.
	Event intent.Event
}

// Config holds the machine's tuning parameters.
type Config struct {
	// FadeLevel is the low but audible playback level of a soft pause.
	// Default 0.2.
	FadeLevel float64

	// SoftPauseWait is how long a soft pause holds for follow-up speech
	// before resuming. Default 2 s.
	SoftPauseWait time.Duration

	// HistorySize bounds the archived event ring. Default 20.
	HistorySize int

	// FrustrationCount hard interrupts within FrustrationWindow flag the
	// session as frustrated. Defaults 2 and 15 s.
	FrustrationCount  int
	FrustrationWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.FadeLevel == 0 {
		c.FadeLevel = 0.2
	}
	if c.SoftPauseWait == 0 {
		c.SoftPauseWait = 2 * time.Second
	}
	if c.HistorySize == 0 {
		c.HistorySize = 20
	}
	if c.FrustrationCount == 0 {
		c.FrustrationCount = 2
	}
	if c.FrustrationWindow == 0 {
		c.FrustrationWindow = 15 * time.Second
	}
	return c
}

// Machine is the per-session barge-in state machine.
type Machine struct {
	cfg   Config
	state State

	// content is the text currently being spoken, for resumption capture.
	content string

	tool   *ToolCallState
	queued *intent.Event

	pausedAt time.Duration

	history    *eventRing
	frustrated bool
}

// New creates a Machine in the listening state.
func New(cfg Config) *Machine {
	cfg = cfg.withDefaults()
	return &Machine{
		cfg:     cfg,
		history: newEventRing(cfg.HistorySize),
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// History returns the archived classification events, oldest first.
func (m *Machine) History() []intent.Event { return m.history.events() }

// Frustrated reports whether repeated hard interrupts have flagged the
// session. The flag sticks until playback of a new response begins.
func (m *Machine) Frustrated() bool { return m.frustrated }

// ToolCall returns the active tool call, or nil.
func (m *Machine) ToolCall() *ToolCallState { return m.tool }

// GenerationStarted records that the AI began producing a response.
func (m *Machine) GenerationStarted() {
	switch m.state {
	case StateListening, StateSpeechPending, StateSpeechConfirmed, StateAIResponding:
		m.state = StateAIResponding
	default:
		m.illegal("generation_started")
	}
}

// PlaybackStarted records that AI audio became audible. content is the full
// text being spoken, kept for resumption capture.
func (m *Machine) PlaybackStarted(content string) {
	switch m.state {
	case StateListening, StateSpeechPending, StateSpeechConfirmed, StateAIResponding, StateAISpeaking:
		m.state = StateAISpeaking
		m.content = content
		m.frustrated = false
	default:
		m.illegal("playback_started")
	}
}

// PlaybackEnded records that AI audio finished on its own.
func (m *Machine) PlaybackEnded() {
	switch m.state {
	case StateAIResponding, StateAISpeaking, StateClassifying, StateSoftPaused, StateAwaitingContinuation:
		m.state = StateListening
		m.content = ""
	case StateToolCallPending:
		// The tool call outlives playback; a drained interrupt with nothing
		// to cancel resolves to listening.
		m.content = ""
	case StateListening:
	default:
		m.illegal("playback_ended")
	}
}

// SpeechPending records unconfirmed speech activity from the segmenter.
func (m *Machine) SpeechPending() {
	if m.state == StateListening {
		m.state = StateSpeechPending
	}
}

// SpeechOnset records a confirmed speech onset.
func (m *Machine) SpeechOnset() {
	switch m.state {
	case StateListening, StateSpeechPending:
		m.state = StateSpeechConfirmed
	case StateAIResponding, StateAISpeaking:
		m.state = StateClassifying
	case StateSoftPaused:
		m.state = StateAwaitingContinuation
	}
}

// Classified consumes the classifier's verdict for a finalized segment and
// returns the actions to apply. Fade and cancel actions must be applied
// within their deadline budget.
func (m *Machine) Classified(ev intent.Event) []Action {
	m.history.add(ev)
	if ev.Classification == intent.Hard &&
		m.history.countSince(intent.Hard, ev.Timestamp, m.cfg.FrustrationWindow) >= m.cfg.FrustrationCount {
		m.frustrated = true
	}

	switch m.state {
	case StateSpeechConfirmed, StateSpeechPending, StateListening:
		// An ordinary user turn; the floor was already theirs.
		m.state = StateListening
		return []Action{{Type: ActionContinue, Event: ev}}

	case StateClassifying, StateAISpeaking, StateAIResponding:
		return m.classifiedDuringAI(ev)

	case StateAwaitingContinuation, StateSoftPaused:
		if ev.Classification == intent.Backchannel {
			// "yeah, go on": the pause was an acknowledgment after all.
			m.state = StateAISpeaking
			return []Action{{Type: ActionResume, Event: ev}}
		}
		// Speech continued through the pause; escalate.
		return m.hardPath(ev)

	case StateToolCallPending:
		if ev.Classification == intent.Hard {
			// Keep the freshest interrupt.
			queued := ev
			m.queued = &queued
			return []Action{{Type: ActionQueue, Event: ev}}
		}
		return []Action{{Type: ActionContinue, Event: ev}}

	default:
		return nil
	}
}

// classifiedDuringAI routes a verdict reached while the AI holds the floor.
func (m *Machine) classifiedDuringAI(ev intent.Event) []Action {
	switch ev.Classification {
	case intent.TurnStart:
		// Nothing audible was playing at classification time; cancel the
		// in-flight generation and yield the floor.
		return m.hardPath(ev)

	case intent.Backchannel:
		m.state = StateAISpeaking
		return []Action{{Type: ActionContinue, Event: ev}}

	case intent.Soft, intent.Unclear:
		m.state = StateSoftPaused
		m.pausedAt = ev.Timestamp
		action := Action{
			Type:      ActionFadeAndPause,
			FadeLevel: m.cfg.FadeLevel,
			HoldFor:   m.cfg.SoftPauseWait,
			Directive: m.directiveFor(ev),
			Event:     ev,
		}
		return []Action{action}

	case intent.Hard:
		return m.hardPath(ev)

	default:
		return nil
	}
}

// hardPath applies or queues a hard interrupt depending on the active tool
// call.
func (m *Machine) hardPath(ev intent.Event) []Action {
	if m.tool != nil && !m.tool.Status.terminal() && !m.tool.SafeToInterrupt {
		queued := ev
		m.queued = &queued
		m.state = StateToolCallPending
		return []Action{
			{Type: ActionQueue, Event: ev},
			{Type: ActionHoldNotice, ToolName: m.tool.Name, Event: ev},
		}
	}

	if m.tool != nil && !m.tool.Status.terminal() {
		m.cancelTool()
	}

	action := Action{
		Type:      ActionFadeAndCancel,
		Directive: m.directiveFor(ev),
		Event:     ev,
	}
	m.state = StateListening
	m.content = ""
	return []Action{action}
}

// directiveFor captures a resumption directive for the interrupted content,
// or nil when there is nothing left to resume.
func (m *Machine) directiveFor(ev intent.Event) *resume.Directive {
	if m.content == "" || !ev.Snapshot.Playing || ev.Snapshot.CompletionPct >= 100 {
		return nil
	}
	d := resume.Capture(m.content, ev.Snapshot.CharOffset)
	return &d
}

// Tick advances time-driven transitions. now is stream time, in the same
// clock as classification timestamps.
func (m *Machine) Tick(now time.Duration) []Action {
	if m.state == StateSoftPaused && now-m.pausedAt >= m.cfg.SoftPauseWait {
		// No follow-up speech arrived; the interjection stands alone.
		m.state = StateAISpeaking
		return []Action{{Type: ActionResume}}
	}
	return nil
}

// ToolCallStarted records a tool invocation.
func (m *Machine) ToolCallStarted(tc ToolCallState) {
	m.tool = &tc
}

// ToolCallEnded records a tool call's terminal status and drains a queued
// hard interrupt, if any.
func (m *Machine) ToolCallEnded(id string, status ToolCallStatus) []Action {
	if m.tool == nil || m.tool.ID != id {
		slog.Warn("tool call ended for unknown id", "id", id)
		return nil
	}
	m.tool.Status = status
	if m.state != StateToolCallPending || !status.terminal() {
		return nil
	}

	queued := m.queued
	m.queued = nil
	if queued == nil {
		m.state = StateAISpeaking
		return nil
	}
	if m.content == "" {
		// Playback already ended; there is nothing left to cancel.
		m.state = StateListening
		return []Action{{Type: ActionContinue, Event: *queued}}
	}
	return m.hardPath(*queued)
}

// Teardown resolves in-flight state for session shutdown: a queued barge-in
// is dropped and an active tool call is cancelled so its status is never left
// ambiguous.
func (m *Machine) Teardown() {
	m.queued = nil
	if m.tool != nil && !m.tool.Status.terminal() {
		m.cancelTool()
	}
	m.state = StateListening
	m.content = ""
}

func (m *Machine) cancelTool() {
	m.tool.Status = ToolCancelled
	if m.tool.Rollback != nil {
		if err := m.tool.Rollback(); err != nil {
			slog.Warn("tool rollback failed", "tool", m.tool.Name, "error", err)
		} else {
			m.tool.Status = ToolRolledBack
		}
	}
}

func (m *Machine) illegal(input string) {
	slog.Error("illegal barge-in transition",
		"state", m.state.String(), "input", input)
	m.state = StateError
}
