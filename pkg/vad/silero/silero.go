// Package silero implements the neural voice-activity backend using the
// Silero VAD model over ONNX Runtime. The model has a fixed topology: it
// consumes 512-sample chunks at 16 kHz prefixed with 64 samples of context
// and carries a 2×1×128 recurrent state across frames.
//
// Call [onnxruntime_go.SetSharedLibraryPath] before creating the engine if
// the onnxruntime shared library is not on the default search path.
package silero

import (
	"fmt"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/talkshape/duplex/pkg/audio"
	"github.com/talkshape/duplex/pkg/vad"
)

// Compile-time check that *Engine satisfies [vad.Engine].
var _ vad.Engine = (*Engine)(nil)

const (
	// RequiredFrameSize is the only chunk size the model accepts.
	RequiredFrameSize = 512

	// RequiredSampleRate is the only sample rate the model accepts here.
	RequiredSampleRate = 16000

	contextSamples = 64
	inputSamples   = contextSamples + RequiredFrameSize // 576
	stateSize      = 2 * 1 * 128

	// stateResetInterval bounds recurrent-state drift on long streams.
	stateResetInterval = 5 * time.Second
)

// Engine creates Silero sessions from a model file. Safe for concurrent
// session creation; each session owns its own ONNX tensors.
type Engine struct {
	modelPath string
}

// New creates an Engine for the Silero VAD model at modelPath. The ONNX
// environment is initialised lazily on first session creation, so a missing
// runtime library surfaces as [vad.ErrModelUnavailable] rather than a
// constructor failure.
func New(modelPath string) *Engine {
	return &Engine{modelPath: modelPath}
}

// NewSession implements [vad.Engine]. Returns an error wrapping
// [vad.ErrModelUnavailable] when the runtime or model cannot be initialised,
// which the failover wrapper treats as a permanent fallback condition.
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	if cfg.FrameSize != RequiredFrameSize {
		return nil, fmt.Errorf("silero: frame size must be %d, got %d", RequiredFrameSize, cfg.FrameSize)
	}
	if cfg.SampleRate != RequiredSampleRate {
		return nil, fmt.Errorf("silero: sample rate must be %d, got %d", RequiredSampleRate, cfg.SampleRate)
	}
	if e.modelPath == "" {
		return nil, fmt.Errorf("%w: no model path configured", vad.ErrModelUnavailable)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("%w: initialise onnxruntime: %v", vad.ErrModelUnavailable, err)
	}

	s, err := newSession(e.modelPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vad.ErrModelUnavailable, err)
	}
	return s, nil
}

// session is a stateful ONNX wrapper for one stream. Not safe for concurrent
// use. Tensors are allocated once and reused; Process does not allocate.
type session struct {
	cfg     vad.Config
	ortSess *ort.AdvancedSession

	input    *ort.Tensor[float32] // (1, 576)
	state    *ort.Tensor[float32] // (2, 1, 128)
	sr       *ort.Tensor[int64]   // (1,) = 16000
	output   *ort.Tensor[float32] // (1, 1) speech probability
	stateOut *ort.Tensor[float32] // (2, 1, 128) next state

	context   [contextSamples]float32
	lastReset time.Time
	closed    bool
}

func newSession(modelPath string, cfg vad.Config) (*session, error) {
	input, err := ort.NewTensor(ort.NewShape(1, inputSamples), make([]float32, inputSamples))
	if err != nil {
		return nil, err
	}
	state, err := ort.NewTensor(ort.NewShape(2, 1, 128), make([]float32, stateSize))
	if err != nil {
		_ = input.Destroy()
		return nil, err
	}
	sr, err := ort.NewTensor(ort.NewShape(1), []int64{RequiredSampleRate})
	if err != nil {
		_ = input.Destroy()
		_ = state.Destroy()
		return nil, err
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		_ = input.Destroy()
		_ = state.Destroy()
		_ = sr.Destroy()
		return nil, err
	}
	stateOut, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128))
	if err != nil {
		_ = input.Destroy()
		_ = state.Destroy()
		_ = sr.Destroy()
		_ = output.Destroy()
		return nil, err
	}

	ortSess, err := ort.NewAdvancedSession(modelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		[]ort.Value{input, state, sr},
		[]ort.Value{output, stateOut},
		nil)
	if err != nil {
		_ = input.Destroy()
		_ = state.Destroy()
		_ = sr.Destroy()
		_ = output.Destroy()
		_ = stateOut.Destroy()
		return nil, err
	}

	return &session{
		cfg:       cfg,
		ortSess:   ortSess,
		input:     input,
		state:     state,
		sr:        sr,
		output:    output,
		stateOut:  stateOut,
		lastReset: time.Now(),
	}, nil
}

// Process implements [vad.Session].
func (s *session) Process(frame audio.Frame) (vad.Result, error) {
	if s.closed {
		return vad.Result{}, fmt.Errorf("silero: session is closed")
	}
	if len(frame.Samples) != RequiredFrameSize {
		return vad.Result{}, fmt.Errorf("silero: frame must have %d samples, got %d", RequiredFrameSize, len(frame.Samples))
	}
	start := time.Now()

	if time.Since(s.lastReset) >= stateResetInterval {
		s.Reset()
	}

	// Input layout: 64 samples of carried context followed by the chunk.
	in := s.input.GetData()
	copy(in[:contextSamples], s.context[:])
	copy(in[contextSamples:], frame.Samples)
	copy(s.context[:], in[inputSamples-contextSamples:])

	if err := s.ortSess.Run(); err != nil {
		return vad.Result{}, fmt.Errorf("silero: run: %w", err)
	}

	prob := float64(s.output.GetData()[0])
	copy(s.state.GetData(), s.stateOut.GetData())

	return vad.Result{
		Probability: prob,
		IsSpeech:    prob >= s.cfg.SpeechThreshold,
		Timestamp:   frame.Timestamp,
		Latency:     time.Since(start),
	}, nil
}

// Reset implements [vad.Session]. Clears the carried context and recurrent
// state.
func (s *session) Reset() {
	for i := range s.context {
		s.context[i] = 0
	}
	s.state.ZeroContents()
	s.lastReset = time.Now()
}

// SetSpeechThreshold implements [vad.ThresholdSetter].
func (s *session) SetSpeechThreshold(threshold float64) {
	s.cfg.SpeechThreshold = threshold
}

// Close implements [vad.Session].
func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.input.Destroy()
	_ = s.state.Destroy()
	_ = s.sr.Destroy()
	_ = s.output.Destroy()
	_ = s.stateOut.Destroy()
	return s.ortSess.Destroy()
}
