// Command duplex-mic captures the default microphone and runs it through the
// engine live, printing events and actions as they happen. A quick way to
// sanity-check calibration and detection on real hardware.
package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/talkshape/duplex/internal/config"
	"github.com/talkshape/duplex/internal/session"
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
		vadModel     = flag.String("vad-model", "", "Silero ONNX model path (empty: energy backend)")
		whisperModel = flag.String("whisper-model", "", "whisper.cpp model path (empty: no transcription)")
		configPath   = flag.String("config", "", "YAML configuration file (empty: defaults)")
	)
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "duplex-mic: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if *vadModel != "" {
		cfg.VAD.ModelPath = *vadModel
	}

	var transcriber transcribe.Provider
	if *whisperModel != "" {
		var err error
		transcriber, err = whisper.New(*whisperModel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "duplex-mic: %v\n", err)
			return 1
		}
		defer transcriber.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := session.New(ctx, "mic", session.Options{
		Config:      cfg,
		VAD:         vadFactory(cfg),
		Transcriber: transcriber,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "duplex-mic: %v\n", err)
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

	if err := capture(ctx, cfg, sess); err != nil {
		fmt.Fprintf(os.Stderr, "duplex-mic: %v\n", err)
		cancel()
		<-runDone
		wg.Wait()
		return 1
	}

	cancel()
	if err := <-runDone; err != nil {
		fmt.Fprintf(os.Stderr, "duplex-mic: %v\n", err)
		wg.Wait()
		return 1
	}
	wg.Wait()
	return 0
}

// vadFactory builds the estimator, wiring degraded-mode events back into the
// session so a missing model shows up in the printed event stream.
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

// capture streams the default microphone into sess until the user presses
// Enter. The device callback must not block, so samples hop through a
// buffered channel to a pushing goroutine.
func capture(ctx context.Context, cfg *config.Config, sess *session.Session) error {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("malgo init: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(cfg.Audio.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	chunkCh := make(chan []float32, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for chunk := range chunkCh {
			if err := sess.PushMicSamples(ctx, chunk); err != nil {
				return
			}
		}
	}()

	onRecvFrames := func(_, pSample []byte, framecount uint32) {
		if framecount == 0 {
			return
		}
		chunk := make([]float32, framecount)
		for i := range chunk {
			chunk[i] = math.Float32frombits(binary.LittleEndian.Uint32(pSample[i*4:]))
		}
		select {
		case chunkCh <- chunk:
		default:
			// Drop rather than stall the device callback.
		}
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecvFrames})
	if err != nil {
		close(chunkCh)
		wg.Wait()
		return fmt.Errorf("init capture device: %w", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		close(chunkCh)
		wg.Wait()
		return fmt.Errorf("start capture device: %w", err)
	}

	fmt.Println("Capturing from the default microphone. Stay quiet through the calibration window. Press Enter to stop.")
	fmt.Scanln()

	close(chunkCh)
	wg.Wait()
	return nil
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
			enc.Encode(map[string]any{"kind": "action", "type": a.Type.String()})
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			enc.Encode(map[string]any{"kind": "event", "event": ev})
		}
	}
}
