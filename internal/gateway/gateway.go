// Package gateway exposes the engine over websocket. One connection owns one
// session: binary messages carry the microphone and playback-reference PCM
// streams, text messages carry JSON control inputs, and the server pushes
// telemetry events and playback actions back as JSON.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talkshape/duplex/internal/bargein"
	"github.com/talkshape/duplex/internal/config"
	"github.com/talkshape/duplex/internal/health"
	"github.com/talkshape/duplex/internal/observe"
	"github.com/talkshape/duplex/internal/prefs"
	"github.com/talkshape/duplex/internal/resume"
	"github.com/talkshape/duplex/internal/session"
	"github.com/talkshape/duplex/pkg/audio"
	"github.com/talkshape/duplex/pkg/transcribe"
)

// shutdownTimeout bounds the HTTP server drain on Close.
const shutdownTimeout = 10 * time.Second

// Deps are the process-wide collaborators shared by all sessions.
type Deps struct {
	// VAD builds the estimator engine for one session. The session wires its
	// own degraded-event sink into notify, including events raised while the
	// engine is still being set up. Required.
	VAD session.EngineFactory

	// Transcriber is shared across sessions; implementations serialize
	// access internally. Optional.
	Transcriber transcribe.Provider

	// Prefs persists per-user tuning. Optional.
	Prefs prefs.Store

	// Resumer upgrades resumption directives with model summaries. Optional.
	Resumer *resume.Resumer

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Server is the websocket gateway.
type Server struct {
	cfg     *config.Config
	deps    Deps
	manager *session.Manager
	http    *http.Server
}

// New creates a Server. The extra checkers join the built-in ones on
// /readyz.
func New(cfg *config.Config, deps Deps, checkers ...health.Checker) (*Server, error) {
	if deps.VAD == nil {
		return nil, errors.New("gateway: a VAD engine factory is required")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		manager: session.NewManager(),
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/stream", s.handleStream)

	s.http = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler returns the gateway's HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Sessions returns the live session count.
func (s *Server) Sessions() int { return s.manager.Len() }

// ListenAndServe serves until Close is called or the listener fails.
func (s *Server) ListenAndServe() error {
	slog.Info("gateway listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: serve: %w", err)
	}
	return nil
}

// Close drains the HTTP server and tears down all live sessions.
func (s *Server) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	err := s.http.Shutdown(ctx)
	s.manager.CloseAll()
	if err != nil {
		return fmt.Errorf("gateway: shutdown: %w", err)
	}
	return nil
}

// handleStream upgrades the connection and runs one session over it.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("gateway: websocket accept failed", "err", err)
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	userID := r.URL.Query().Get("user")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := session.New(ctx, sessionID, session.Options{
		Config:      s.cfg,
		VAD:         s.deps.VAD,
		Transcriber: s.deps.Transcriber,
		Prefs:       s.deps.Prefs,
		Resumer:     s.deps.Resumer,
		Metrics:     s.deps.Metrics,
		UserID:      userID,
	})
	if err != nil {
		slog.Error("gateway: session create failed", "session", sessionID, "err", err)
		conn.Close(websocket.StatusInternalError, "session create failed")
		return
	}
	if err := s.manager.Add(sess); err != nil {
		slog.Warn("gateway: duplicate session id", "session", sessionID)
		conn.Close(websocket.StatusPolicyViolation, "session id in use")
		return
	}
	defer s.manager.Remove(sessionID)

	slog.Info("gateway: session started", "session", sessionID, "user", userID)

	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run(ctx) }()
	go s.writeLoop(ctx, conn, sess)

	readErr := s.readLoop(ctx, conn, sess)
	sess.Close()
	cancel()

	if err := <-runDone; err != nil {
		slog.Error("gateway: session ended with error", "session", sessionID, "err", err)
		conn.Close(websocket.StatusInternalError, "session error")
		return
	}
	if readErr != nil && websocket.CloseStatus(readErr) == -1 && !errors.Is(readErr, context.Canceled) {
		slog.Warn("gateway: read loop ended", "session", sessionID, "err", readErr)
	}
	slog.Info("gateway: session closed", "session", sessionID)
	conn.Close(websocket.StatusNormalClosure, "session closed")
}

// readLoop dispatches inbound messages until the connection drops. The opus
// decoder is per-connection; codec state must follow packet order.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) error {
	var opusDec *audio.OpusDecoder
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			if err := s.dispatchBinary(ctx, sess, &opusDec, data); err != nil {
				return err
			}
		case websocket.MessageText:
			if err := dispatchControl(sess, data); err != nil {
				// A malformed control message is a client bug, not a
				// transport failure; report it and keep the stream alive.
				slog.Warn("gateway: bad control message", "session", sess.ID(), "err", err)
			}
		}
	}
}

func (s *Server) dispatchBinary(ctx context.Context, sess *session.Session, opusDec **audio.OpusDecoder, data []byte) error {
	if len(data) < 1 {
		return errors.New("gateway: empty binary message")
	}
	switch data[0] {
	case StreamMic:
		return sess.PushMic(ctx, data[1:])
	case StreamMicOpus:
		if *opusDec == nil {
			dec, err := audio.NewOpusDecoder(s.cfg.Audio.SampleRate, 1)
			if err != nil {
				return err
			}
			*opusDec = dec
		}
		samples, err := (*opusDec).Decode(data[1:])
		if err != nil {
			return err
		}
		return sess.PushMicSamples(ctx, samples)
	case StreamReference:
		sess.PushReference(data[1:])
		return nil
	default:
		return fmt.Errorf("gateway: unknown stream tag 0x%02x", data[0])
	}
}

func dispatchControl(sess *session.Session, data []byte) error {
	msg, err := ParseControl(data)
	if err != nil {
		return err
	}
	switch msg.Type {
	case MsgGenerationStarted:
		sess.GenerationStarted()
	case MsgPlaybackStarted:
		sess.PlaybackStarted(msg.Content)
	case MsgPlaybackProgress:
		sess.PlaybackProgress(msg.CharOffset)
	case MsgPlaybackEnded:
		sess.PlaybackEnded()
	case MsgToolCallStarted:
		sess.ToolCallStarted(bargein.ToolCallState{
			ID:              msg.ID,
			Name:            msg.Name,
			Status:          bargein.ToolExecuting,
			SafeToInterrupt: msg.SafeToInterrupt,
		})
	case MsgToolCallEnded:
		status, err := ParseToolStatus(msg.Status)
		if err != nil {
			return err
		}
		sess.ToolCallEnded(msg.ID, status)
	case MsgLanguageChanged:
		sess.SetLanguage(msg.Language)
	case MsgCalibrate:
		sess.Calibrate()
	}
	return nil
}

// writeLoop pushes actions and events to the client. Actions are drained
// first; their application budget is tighter than telemetry's.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	actions, events := sess.Actions(), sess.Events()
	for actions != nil || events != nil {
		// Prefer a pending action over telemetry.
		select {
		case a, ok := <-actions:
			if !ok {
				actions = nil
				continue
			}
			s.writeAction(ctx, conn, sess, a)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case a, ok := <-actions:
			if !ok {
				actions = nil
				continue
			}
			s.writeAction(ctx, conn, sess, a)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			data, err := EncodeEvent(ev)
			if err != nil {
				slog.Error("gateway: encode event", "session", sess.ID(), "err", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeAction(ctx context.Context, conn *websocket.Conn, sess *session.Session, a bargein.Action) {
	data, err := EncodeAction(a)
	if err != nil {
		slog.Error("gateway: encode action", "session", sess.ID(), "err", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("gateway: action write failed", "session", sess.ID(), "err", err)
	}
}
