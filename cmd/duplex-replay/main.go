// Command duplex-replay runs recorded audio through the engine offline and
// prints the resulting events and actions as JSON lines. Useful for tuning
// thresholds against captured conversations without a live client.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/talkshape/duplex/internal/config"
	"github.com/talkshape/duplex/internal/session"
	"github.com/talkshape/duplex/pkg/audio"
	"github.com/talkshape/duplex/pkg/transcribe"
	"github.com/talkshape/duplex/pkg/transcribe/whisper"
	"github.com/talkshape/duplex/pkg/vad"
	"github.com/talkshape/duplex/pkg/vad/energy"
	"github.com/talkshape/duplex/pkg/vad/silero"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		micFile      = flag.String("mic", "", "microphone WAV file to replay (required)")
		refFile      = flag.String("reference", "", "AI playback reference WAV file")
		content      = flag.String("content", "", "AI response text treated as playing during the replay")
		vadModel     = flag.String("vad-model", "", "Silero ONNX model path (empty: energy backend)")
		whisperModel = flag.String("whisper-model", "", "whisper.cpp model path (empty: no transcription)")
		configPath   = flag.String("config", "", "YAML configuration file (empty: defaults)")
	)
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if *micFile == "" {
		fmt.Fprintln(os.Stderr, "duplex-replay: -mic is required")
		return 2
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "duplex-replay: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if *vadModel != "" {
		cfg.VAD.ModelPath = *vadModel
	}

	mic, err := loadAt(*micFile, cfg.Audio.SampleRate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "duplex-replay: %v\n", err)
		return 1
	}

	var transcriber transcribe.Provider
	if *whisperModel != "" {
		transcriber, err = whisper.New(*whisperModel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "duplex-replay: %v\n", err)
			return 1
		}
		defer transcriber.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := session.New(ctx, "replay", session.Options{
		Config:      cfg,
		VAD:         vadFactory(cfg),
		Transcriber: transcriber,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "duplex-replay: %v\n", err)
		return 1
	}

	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run(ctx) }()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		printOutputs(sess)
	}()

	if *refFile != "" {
		ref, err := loadAt(*refFile, cfg.Audio.ReferenceSampleRate)
		if err != nil {
			fmt.Fprintf(os.Stderr, "duplex-replay: %v\n", err)
			cancel()
			<-runDone
			wg.Wait()
			return 1
		}
		sess.PushReference(audio.Float32ToBytes(ref))
	}
	if *content != "" {
		sess.PlaybackStarted(*content)
	}

	if err := sess.PushMic(ctx, audio.Float32ToBytes(mic)); err != nil {
		fmt.Fprintf(os.Stderr, "duplex-replay: push audio: %v\n", err)
	}

	// Let the control task drain trailing segments before teardown.
	time.Sleep(500 * time.Millisecond)
	cancel()
	if err := <-runDone; err != nil {
		fmt.Fprintf(os.Stderr, "duplex-replay: %v\n", err)
		wg.Wait()
		return 1
	}
	wg.Wait()
	return 0
}

// vadFactory builds the estimator, wiring degraded-mode events back into the
// session so a replay reports model failures the same way the server does.
func vadFactory(cfg *config.Config) session.EngineFactory {
	return func(notify func(vad.DegradedEvent)) vad.Engine {
		if cfg.VAD.ModelPath == "" {
			return energy.New()
		}
		return vad.NewFailover(
			silero.New(cfg.VAD.ModelPath),
			energy.New(),
			vad.WithFrameDeadline(cfg.VAD.FrameDeadline),
			vad.WithNotify(notify),
		)
	}
}

// loadAt reads a WAV file and resamples it to the target rate.
func loadAt(path string, rate int) ([]float32, error) {
	samples, fileRate, err := audio.ReadWAV(path)
	if err != nil {
		return nil, err
	}
	if fileRate != rate {
		samples = audio.Resample(samples, fileRate, rate)
	}
	return samples, nil
}

// printOutputs writes every event and action as one JSON line on stdout.
func printOutputs(sess *session.Session) {
	enc := json.NewEncoder(os.Stdout)
	actions, events := sess.Actions(), sess.Events()
	for actions != nil || events != nil {
		select {
		case a, ok := <-actions:
			if !ok {
				actions = nil
				continue
			}
			enc.Encode(map[string]any{
				"kind":      "action",
				"type":      a.Type.String(),
				"directive": a.Directive,
			})
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			enc.Encode(map[string]any{"kind": "event", "event": ev})
		}
	}
}
