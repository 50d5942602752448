// Package config provides the configuration schema and loader for the duplex
// engine. All of the engine's heuristic tuning constants live here; the code
// treats them as parameters, not invariants.
package config

import "time"

// LogLevel controls log verbosity for the duplex server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Audio      AudioConfig      `yaml:"audio"`
	VAD        VADConfig        `yaml:"vad"`
	AEC        AECConfig        `yaml:"aec"`
	Segment    SegmentConfig    `yaml:"segment"`
	Intent     IntentConfig     `yaml:"intent"`
	BargeIn    BargeInConfig    `yaml:"barge_in"`
	Calibrate  CalibrateConfig  `yaml:"calibrate"`
	Resume     ResumeConfig     `yaml:"resume"`
	Prefs      PrefsConfig      `yaml:"prefs"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the gateway listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig holds the stream format the pipeline runs at.
type AudioConfig struct {
	// SampleRate of the microphone stream in Hz. The pipeline runs at
	// 16 kHz; other input rates are resampled at the edge.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize in samples per frame.
	FrameSize int `yaml:"frame_size"`

	// ReferenceSampleRate of the AI playback reference stream in Hz.
	ReferenceSampleRate int `yaml:"reference_sample_rate"`
}

// VADConfig selects and tunes the voice activity backend.
type VADConfig struct {
	// Backend is "silero" or "energy". Silero degrades to energy on load or
	// deadline failures.
	Backend string `yaml:"backend"`

	// ModelPath locates the Silero ONNX model.
	ModelPath string `yaml:"model_path"`

	// FrameDeadline bounds per-frame inference before degrading to the
	// fallback.
	FrameDeadline time.Duration `yaml:"frame_deadline"`
}

// AECConfig tunes the echo canceller.
type AECConfig struct {
	// Taps is the adaptive filter length in samples.
	Taps int `yaml:"taps"`

	// StepSize is the NLMS adaptation rate, (0, 2) for stability.
	StepSize float64 `yaml:"step_size"`

	// DivergenceFrames of rising residual trigger a filter reset.
	DivergenceFrames int `yaml:"divergence_frames"`
}

// SegmentConfig holds the uncalibrated segmenter thresholds.
type SegmentConfig struct {
	SpeechProb     float64       `yaml:"speech_prob"`
	SilenceProb    float64       `yaml:"silence_prob"`
	HighConfidence float64       `yaml:"high_confidence"`
	MinSpeech      time.Duration `yaml:"min_speech"`
	MinSilence     time.Duration `yaml:"min_silence"`
	MaxSegment     time.Duration `yaml:"max_segment"`
}

// IntentConfig tunes the classifier.
type IntentConfig struct {
	// Language is the default BCP-47 phrase-table language.
	Language string `yaml:"language"`

	BackchannelMaxDuration time.Duration `yaml:"backchannel_max_duration"`
	HardMinDuration        time.Duration `yaml:"hard_min_duration"`
	HardConfidence         float64       `yaml:"hard_confidence"`
	FuzzyThreshold         float64       `yaml:"fuzzy_threshold"`
	EscalationCount        int           `yaml:"escalation_count"`
	EscalationWindow       time.Duration `yaml:"escalation_window"`
}

// BargeInConfig tunes the state machine.
type BargeInConfig struct {
	// FadeLevel is the low but audible playback level of a soft pause.
	FadeLevel float64 `yaml:"fade_level"`

	// SoftPauseWait is the follow-up window before a soft pause resumes.
	SoftPauseWait time.Duration `yaml:"soft_pause_wait"`

	// FrustrationCount hard interrupts within FrustrationWindow flag the
	// session.
	FrustrationCount  int           `yaml:"frustration_count"`
	FrustrationWindow time.Duration `yaml:"frustration_window"`
}

// CalibrateConfig tunes session calibration.
type CalibrateConfig struct {
	// Window is the ambient measurement length at session start.
	Window time.Duration `yaml:"window"`
}

// ResumeConfig selects the optional summarizer backend.
type ResumeConfig struct {
	// Provider is an any-llm provider name ("openai", "anthropic", ...).
	// Empty disables model summaries; the excerpt fallback is used.
	Provider string `yaml:"provider"`

	// Model is the model name for the provider.
	Model string `yaml:"model"`

	// APIKey overrides the provider's environment variable.
	APIKey string `yaml:"api_key"`
}

// PrefsConfig selects preference persistence.
type PrefsConfig struct {
	// PostgresDSN enables the PostgreSQL store. Empty uses the in-memory
	// store.
	PostgresDSN string `yaml:"postgres_dsn"`

	// SaveInterval between periodic preference writes during a session.
	SaveInterval time.Duration `yaml:"save_interval"`
}

// TranscribeConfig selects the segment transcriber.
type TranscribeConfig struct {
	// ModelPath locates the whisper.cpp model. Empty disables
	// transcription; classification falls back to duration and confidence.
	ModelPath string `yaml:"model_path"`

	// Timeout bounds per-segment transcription; on expiry classification
	// proceeds without a transcript.
	Timeout time.Duration `yaml:"timeout"`
}

// TelemetryConfig names the service in exported telemetry.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}

// Default returns a Config populated with the engine's default tuning.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Audio: AudioConfig{
			SampleRate:          16000,
			FrameSize:           512,
			ReferenceSampleRate: 24000,
		},
		VAD: VADConfig{
			Backend:       "silero",
			FrameDeadline: 30 * time.Millisecond,
		},
		AEC: AECConfig{
			Taps:             256,
			StepSize:         0.5,
			DivergenceFrames: 8,
		},
		Segment: SegmentConfig{
			SpeechProb:     0.5,
			SilenceProb:    0.35,
			HighConfidence: 0.9,
			MinSpeech:      200 * time.Millisecond,
			MinSilence:     400 * time.Millisecond,
			MaxSegment:     10 * time.Second,
		},
		Intent: IntentConfig{
			Language:               "en",
			BackchannelMaxDuration: 800 * time.Millisecond,
			HardMinDuration:        1200 * time.Millisecond,
			HardConfidence:         0.92,
			FuzzyThreshold:         0.85,
			EscalationCount:        3,
			EscalationWindow:       5 * time.Second,
		},
		BargeIn: BargeInConfig{
			FadeLevel:         0.2,
			SoftPauseWait:     2 * time.Second,
			FrustrationCount:  2,
			FrustrationWindow: 15 * time.Second,
		},
		Calibrate: CalibrateConfig{
			Window: 2 * time.Second,
		},
		Prefs: PrefsConfig{
			SaveInterval: 5 * time.Minute,
		},
		Transcribe: TranscribeConfig{
			Timeout: 400 * time.Millisecond,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "duplex",
		},
	}
}
