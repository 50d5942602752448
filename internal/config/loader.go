package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidVADBackends lists the recognised voice activity backends.
var ValidVADBackends = []string{"silero", "energy"}

// ValidResumeProviders lists the any-llm provider names the summarizer
// accepts.
var ValidResumeProviders = []string{"openai", "anthropic", "gemini", "ollama", "mistral", "groq"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. Unset fields keep their [Default] values.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}

	if cfg.VAD.Backend != "" && !slices.Contains(ValidVADBackends, cfg.VAD.Backend) {
		errs = append(errs, fmt.Errorf("vad.backend %q is invalid; valid values: silero, energy", cfg.VAD.Backend))
	}
	if cfg.VAD.Backend == "silero" && cfg.VAD.ModelPath == "" {
		slog.Warn("vad.model_path is empty; the engine will run on the energy backend until a model is provided")
	}

	if cfg.AEC.StepSize <= 0 || cfg.AEC.StepSize >= 2 {
		errs = append(errs, fmt.Errorf("aec.step_size %.2f is out of range (0, 2)", cfg.AEC.StepSize))
	}

	if cfg.Segment.SilenceProb > cfg.Segment.SpeechProb {
		errs = append(errs, fmt.Errorf("segment.silence_prob %.2f must not exceed segment.speech_prob %.2f",
			cfg.Segment.SilenceProb, cfg.Segment.SpeechProb))
	}
	if cfg.Segment.MinSilence < 200*time.Millisecond || cfg.Segment.MinSilence > 800*time.Millisecond {
		slog.Warn("segment.min_silence is outside the calibrated 200-800 ms range",
			"min_silence", cfg.Segment.MinSilence)
	}

	if cfg.BargeIn.FadeLevel <= 0 || cfg.BargeIn.FadeLevel >= 1 {
		errs = append(errs, fmt.Errorf("barge_in.fade_level %.2f is out of range (0, 1)", cfg.BargeIn.FadeLevel))
	}

	if cfg.Resume.Provider != "" && !slices.Contains(ValidResumeProviders, cfg.Resume.Provider) {
		slog.Warn("unknown resume provider — may be a typo or third-party provider",
			"provider", cfg.Resume.Provider, "known", ValidResumeProviders)
	}
	if cfg.Resume.Provider != "" && cfg.Resume.Model == "" {
		errs = append(errs, fmt.Errorf("resume.model is required when resume.provider is set"))
	}

	return errors.Join(errs...)
}
