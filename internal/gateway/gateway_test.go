package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/talkshape/duplex/internal/bargein"
	"github.com/talkshape/duplex/internal/config"
	"github.com/talkshape/duplex/internal/resume"
	"github.com/talkshape/duplex/internal/session"
	"github.com/talkshape/duplex/pkg/audio"
	"github.com/talkshape/duplex/pkg/intent"
	"github.com/talkshape/duplex/pkg/vad"
	vadmock "github.com/talkshape/duplex/pkg/vad/mock"
)

func TestParseControl(t *testing.T) {
	t.Parallel()

	valid := []string{
		`{"type":"ai_generation_started"}`,
		`{"type":"ai_playback_started","content":"hello there"}`,
		`{"type":"ai_playback_progress","char_offset":42}`,
		`{"type":"ai_playback_ended"}`,
		`{"type":"tool_call_started","id":"tc-1","name":"book_flight","safe_to_interrupt":false}`,
		`{"type":"tool_call_ended","id":"tc-1","status":"completed"}`,
		`{"type":"language_changed","language":"de"}`,
		`{"type":"calibrate"}`,
	}
	for _, raw := range valid {
		if _, err := ParseControl([]byte(raw)); err != nil {
			t.Errorf("ParseControl(%s): %v", raw, err)
		}
	}

	invalid := []string{
		`not json`,
		`{"type":"teleport"}`,
		`{"type":"ai_playback_started"}`,
		`{"type":"ai_playback_progress","char_offset":-1}`,
		`{"type":"tool_call_started","id":"tc-1"}`,
		`{"type":"tool_call_ended","id":"tc-1","status":"exploded"}`,
		`{"type":"tool_call_ended","status":"completed"}`,
		`{"type":"language_changed"}`,
	}
	for _, raw := range invalid {
		if _, err := ParseControl([]byte(raw)); err == nil {
			t.Errorf("ParseControl(%s): want error", raw)
		}
	}
}

func TestParseToolStatus(t *testing.T) {
	t.Parallel()

	cases := map[string]bargein.ToolCallStatus{
		"completed":   bargein.ToolCompleted,
		"cancelled":   bargein.ToolCancelled,
		"rolled_back": bargein.ToolRolledBack,
	}
	for raw, want := range cases {
		got, err := ParseToolStatus(raw)
		if err != nil {
			t.Fatalf("ParseToolStatus(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseToolStatus(%q) = %v, want %v", raw, got, want)
		}
	}
	if _, err := ParseToolStatus("pending"); err == nil {
		t.Fatal("non-terminal status must be rejected")
	}
}

func TestEncodeActionWire(t *testing.T) {
	t.Parallel()

	d := resume.Capture("one two three four", 8)
	data, err := EncodeAction(bargein.Action{
		Type:      bargein.ActionFadeAndPause,
		FadeLevel: 0.2,
		HoldFor:   2 * time.Second,
		Directive: &d,
		Event:     intent.Event{Timestamp: 3 * time.Second},
	})
	if err != nil {
		t.Fatalf("EncodeAction: %v", err)
	}

	var out struct {
		Kind   string `json:"kind"`
		Action struct {
			Type      string  `json:"type"`
			FadeLevel float64 `json:"fade_level"`
			HoldForMS int64   `json:"hold_for_ms"`
			Directive *struct {
				RemainingContent string `json:"remaining_content"`
			} `json:"directive"`
		} `json:"action"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Kind != OutAction || out.Action.Type != "fade" {
		t.Fatalf("unexpected wire form: %s", data)
	}
	if out.Action.FadeLevel != 0.2 || out.Action.HoldForMS != 2000 {
		t.Fatalf("fade parameters lost: %s", data)
	}
	if out.Action.Directive == nil || out.Action.Directive.RemainingContent == "" {
		t.Fatalf("directive lost: %s", data)
	}
}

func TestStreamSessionOverWebsocket(t *testing.T) {
	cfg := config.Default()
	cfg.Calibrate.Window = 64 * time.Millisecond

	srv, err := New(cfg, Deps{
		VAD: func(func(vad.DegradedEvent)) vad.Engine {
			return &vadmock.Engine{SessionResult: &vadmock.Session{Probabilities: []float64{0.05}}}
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream?session=s-1&user=u-1"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Two quiet frames complete the shortened calibration window.
	samples := make([]float32, 1024)
	for i := range samples {
		samples[i] = 0.001
	}
	payload := append([]byte{StreamMic}, audio.Float32ToBytes(samples)...)
	if err := conn.Write(ctx, websocket.MessageBinary, payload); err != nil {
		t.Fatalf("write mic: %v", err)
	}

	// Reference audio and a control message must both be accepted.
	ref := append([]byte{StreamReference}, audio.Float32ToBytes(make([]float32, 480))...)
	if err := conn.Write(ctx, websocket.MessageBinary, ref); err != nil {
		t.Fatalf("write reference: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText,
		[]byte(`{"type":"ai_playback_started","content":"hello"}`)); err != nil {
		t.Fatalf("write control: %v", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg struct {
			Kind  string         `json:"kind"`
			Event *session.Event `json:"event"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if msg.Kind == OutEvent && msg.Event.Type == session.EventCalibrationComplete {
			if msg.Event.Environment != "quiet" {
				t.Fatalf("want quiet environment, got %q", msg.Event.Environment)
			}
			return
		}
	}
}
