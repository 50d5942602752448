package session

import (
	"time"

	"github.com/talkshape/duplex/internal/resume"
	"github.com/talkshape/duplex/pkg/segment"
)

// EventType identifies an output event sent to the conversation
// orchestrator.
type EventType string

const (
	// EventSpeechOnset: confirmed user speech began.
	EventSpeechOnset EventType = "speech_onset"

	// EventSpeechOffset: a speech segment was finalized.
	EventSpeechOffset EventType = "speech_offset"

	// EventBargeIn: a segment during AI activity was classified.
	EventBargeIn EventType = "barge_in"

	// EventCalibrationComplete: a calibration pass finished.
	EventCalibrationComplete EventType = "calibration_complete"

	// EventToolCallHold: a hard interrupt is queued behind a tool call.
	EventToolCallHold EventType = "tool_call_hold"

	// EventDegraded: the VAD degraded to its fallback backend.
	EventDegraded EventType = "degraded"

	// EventFrustrated: repeated hard interrupts flagged the session.
	EventFrustrated EventType = "frustrated"

	// EventResumeDirective: a resumption directive is ready, possibly with a
	// model-written summary upgrading the local excerpt.
	EventResumeDirective EventType = "resume_directive"
)

// Event is one output event. Fields beyond Type are populated per event
// kind; unset fields marshal to their zero values.
type Event struct {
	Type EventType `json:"type"`

	// Timestamp is stream time.
	Timestamp time.Duration `json:"timestamp"`

	// Confidence accompanies speech_onset and barge_in.
	Confidence float64 `json:"confidence,omitempty"`

	// Duration accompanies speech_offset.
	Duration time.Duration `json:"duration,omitempty"`

	// Classification, Resumable, and CompletionPct accompany barge_in.
	Classification string  `json:"classification,omitempty"`
	Resumable      bool    `json:"resumable,omitempty"`
	CompletionPct  float64 `json:"completion_pct,omitempty"`

	// Thresholds and Environment accompany calibration_complete.
	Thresholds  *segment.Thresholds `json:"thresholds,omitempty"`
	Environment string              `json:"environment,omitempty"`

	// ToolName accompanies tool_call_hold.
	ToolName string `json:"tool_name,omitempty"`

	// Reason accompanies degraded.
	Reason string `json:"reason,omitempty"`

	// Directive accompanies resume_directive.
	Directive *resume.Directive `json:"directive,omitempty"`
}
