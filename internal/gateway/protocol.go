package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/talkshape/duplex/internal/bargein"
	"github.com/talkshape/duplex/internal/session"
)

// Binary frame tags. The first byte of every binary websocket message selects
// the stream; the rest is 16-bit little-endian mono PCM.
const (
	// StreamMic carries microphone audio at the configured sample rate.
	StreamMic byte = 0x01

	// StreamReference carries the AI playback reference for echo
	// cancellation, at the configured reference rate.
	StreamReference byte = 0x02

	// StreamMicOpus carries the microphone as 20 ms Opus packets encoded at
	// the pipeline sample rate, for bandwidth-constrained uplinks.
	StreamMicOpus byte = 0x03
)

// Control message types accepted from the client as JSON text messages.
const (
	MsgGenerationStarted = "ai_generation_started"
	MsgPlaybackStarted   = "ai_playback_started"
	MsgPlaybackProgress  = "ai_playback_progress"
	MsgPlaybackEnded     = "ai_playback_ended"
	MsgToolCallStarted   = "tool_call_started"
	MsgToolCallEnded     = "tool_call_ended"
	MsgLanguageChanged   = "language_changed"
	MsgCalibrate         = "calibrate"
)

// ControlMessage is one client-to-server control input.
type ControlMessage struct {
	Type string `json:"type"`

	// Content accompanies ai_playback_started: the full text being spoken.
	Content string `json:"content,omitempty"`

	// CharOffset accompanies ai_playback_progress.
	CharOffset int `json:"char_offset,omitempty"`

	// ID, Name, SafeToInterrupt, and Status accompany the tool_call messages.
	ID              string `json:"id,omitempty"`
	Name            string `json:"name,omitempty"`
	SafeToInterrupt bool   `json:"safe_to_interrupt,omitempty"`
	Status          string `json:"status,omitempty"`

	// Language accompanies language_changed.
	Language string `json:"language,omitempty"`
}

// ParseControl decodes and validates one control message.
func ParseControl(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("gateway: decode control message: %w", err)
	}
	switch msg.Type {
	case MsgGenerationStarted, MsgPlaybackEnded, MsgCalibrate:
	case MsgPlaybackStarted:
		if msg.Content == "" {
			return ControlMessage{}, fmt.Errorf("gateway: %s requires content", msg.Type)
		}
	case MsgPlaybackProgress:
		if msg.CharOffset < 0 {
			return ControlMessage{}, fmt.Errorf("gateway: negative char_offset %d", msg.CharOffset)
		}
	case MsgToolCallStarted:
		if msg.ID == "" || msg.Name == "" {
			return ControlMessage{}, fmt.Errorf("gateway: %s requires id and name", msg.Type)
		}
	case MsgToolCallEnded:
		if msg.ID == "" {
			return ControlMessage{}, fmt.Errorf("gateway: %s requires id", msg.Type)
		}
		if _, err := ParseToolStatus(msg.Status); err != nil {
			return ControlMessage{}, err
		}
	case MsgLanguageChanged:
		if msg.Language == "" {
			return ControlMessage{}, fmt.Errorf("gateway: %s requires language", msg.Type)
		}
	default:
		return ControlMessage{}, fmt.Errorf("gateway: unknown control message type %q", msg.Type)
	}
	return msg, nil
}

// ParseToolStatus maps a wire status to its [bargein.ToolCallStatus].
func ParseToolStatus(s string) (bargein.ToolCallStatus, error) {
	switch s {
	case "completed":
		return bargein.ToolCompleted, nil
	case "cancelled":
		return bargein.ToolCancelled, nil
	case "rolled_back":
		return bargein.ToolRolledBack, nil
	default:
		return 0, fmt.Errorf("gateway: unknown tool call status %q", s)
	}
}

// Server-to-client message kinds.
const (
	// OutEvent wraps a session telemetry event.
	OutEvent = "event"

	// OutAction wraps a playback/generation action the client must apply.
	// Fade and cancel actions carry a tight application budget.
	OutAction = "action"
)

// OutMessage is one server-to-client message.
type OutMessage struct {
	Kind string `json:"kind"`

	Event  *session.Event `json:"event,omitempty"`
	Action *ActionMessage `json:"action,omitempty"`
}

// ActionMessage is the wire form of a [bargein.Action].
type ActionMessage struct {
	Type string `json:"type"`

	FadeLevel float64       `json:"fade_level,omitempty"`
	HoldForMS int64         `json:"hold_for_ms,omitempty"`
	ToolName  string        `json:"tool_name,omitempty"`
	Directive any           `json:"directive,omitempty"`
	Timestamp time.Duration `json:"timestamp"`
}

// EncodeEvent marshals a session event for the wire.
func EncodeEvent(ev session.Event) ([]byte, error) {
	return json.Marshal(OutMessage{Kind: OutEvent, Event: &ev})
}

// EncodeAction marshals an action for the wire.
func EncodeAction(a bargein.Action) ([]byte, error) {
	msg := ActionMessage{
		Type:      a.Type.String(),
		FadeLevel: a.FadeLevel,
		HoldForMS: a.HoldFor.Milliseconds(),
		ToolName:  a.ToolName,
		Timestamp: a.Event.Timestamp,
	}
	if a.Directive != nil {
		msg.Directive = a.Directive
	}
	return json.Marshal(OutMessage{Kind: OutAction, Action: &msg})
}
