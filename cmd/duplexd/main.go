// Command duplexd is the barge-in and turn-taking engine server. Clients
// stream microphone and playback-reference audio over a websocket and receive
// classification events and playback actions back.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/talkshape/duplex/internal/config"
	"github.com/talkshape/duplex/internal/gateway"
	"github.com/talkshape/duplex/internal/health"
	"github.com/talkshape/duplex/internal/observe"
	prefsmem "github.com/talkshape/duplex/internal/prefs/mock"
	prefspg "github.com/talkshape/duplex/internal/prefs/postgres"
	"github.com/talkshape/duplex/internal/resilience"
	"github.com/talkshape/duplex/internal/resume"
	"github.com/talkshape/duplex/internal/session"
	"github.com/talkshape/duplex/pkg/transcribe/whisper"
	"github.com/talkshape/duplex/pkg/vad"
	"github.com/talkshape/duplex/pkg/vad/energy"
	"github.com/talkshape/duplex/pkg/vad/silero"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file (empty: built-in defaults)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "duplexd: %v\n", err)
			return 1
		}
		cfg = loaded
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("duplexd starting",
		"listen_addr", cfg.Server.ListenAddr,
		"vad_backend", cfg.VAD.Backend,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	deps, checkers, cleanup, err := buildDeps(ctx, cfg)
	if err != nil {
		slog.Error("failed to build dependencies", "err", err)
		return 1
	}
	defer cleanup()

	srv, err := gateway.New(cfg, deps, checkers...)
	if err != nil {
		slog.Error("failed to create gateway", "err", err)
		return 1
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	slog.Info("server ready, press Ctrl+C to shut down")

	select {
	case err := <-serveErr:
		slog.Error("serve error", "err", err)
		return 1
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Close(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildDeps wires the estimator engines, transcriber, preference store, and
// summarizer chain from cfg. The returned cleanup closes what was opened.
func buildDeps(ctx context.Context, cfg *config.Config) (gateway.Deps, []health.Checker, func(), error) {
	var (
		closers  []func()
		checkers []health.Checker
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := gateway.Deps{VAD: vadFactory(cfg)}

	if cfg.Transcribe.ModelPath != "" {
		provider, err := whisper.New(cfg.Transcribe.ModelPath)
		if err != nil {
			cleanup()
			return gateway.Deps{}, nil, nil, fmt.Errorf("create transcriber: %w", err)
		}
		deps.Transcriber = provider
		closers = append(closers, func() {
			if err := provider.Close(); err != nil {
				slog.Warn("transcriber close error", "err", err)
			}
		})
		slog.Info("transcriber loaded", "model", cfg.Transcribe.ModelPath)
	} else {
		slog.Info("no transcription model configured, classification runs on duration and confidence")
	}

	deps.Prefs = prefsmem.New()
	if cfg.Prefs.PostgresDSN != "" {
		store, err := prefspg.New(ctx, cfg.Prefs.PostgresDSN)
		if err != nil {
			cleanup()
			return gateway.Deps{}, nil, nil, fmt.Errorf("connect preference store: %w", err)
		}
		deps.Prefs = store
		closers = append(closers, func() {
			if err := store.Close(); err != nil {
				slog.Warn("preference store close error", "err", err)
			}
		})
		checkers = append(checkers, health.Checker{Name: "database", Check: store.Ping})
		slog.Info("preference store connected")
	}

	if cfg.Resume.Provider != "" {
		resumer, err := buildResumer(cfg)
		if err != nil {
			cleanup()
			return gateway.Deps{}, nil, nil, fmt.Errorf("create summarizer: %w", err)
		}
		deps.Resumer = resumer
		slog.Info("summarizer configured", "provider", cfg.Resume.Provider, "model", cfg.Resume.Model)
	}

	return deps, checkers, cleanup, nil
}

// vadFactory builds per-session estimator engines. The silero backend always
// rides a failover wrapper over the energy backend; sessions degrade rather
// than fail when the model is missing or slow.
func vadFactory(cfg *config.Config) session.EngineFactory {
	return func(notify func(vad.DegradedEvent)) vad.Engine {
		fallback := energy.New()
		if cfg.VAD.Backend != "silero" {
			return fallback
		}
		return vad.NewFailover(
			silero.New(cfg.VAD.ModelPath),
			fallback,
			vad.WithFrameDeadline(cfg.VAD.FrameDeadline),
			vad.WithNotify(notify),
		)
	}
}

// buildResumer assembles the summarizer fallback chain: the configured model
// first, the deterministic excerpt as the implicit last resort.
func buildResumer(cfg *config.Config) (*resume.Resumer, error) {
	var opts []anyllmlib.Option
	if cfg.Resume.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.Resume.APIKey))
	}
	summarizer, err := resume.NewLLMSummarizer(cfg.Resume.Provider, cfg.Resume.Model, opts...)
	if err != nil {
		return nil, err
	}
	// The breaker defaults are tuned for summarizer calls; the excerpt
	// fallback stands in whenever the circuit is open.
	group := resilience.NewFallbackGroup[resume.Summarizer](
		summarizer, cfg.Resume.Provider, resilience.FallbackConfig{})
	return resume.New(resume.WithSummarizers(group)), nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
