// Package calibrate measures the ambient noise floor of a session and turns
// it into detection thresholds. A calibration pass runs at session start (or
// on demand) over a short window of microphone frames the user is asked to
// keep quiet for; the resulting thresholds are published to the hot path as
// immutable snapshots via [Store].
package calibrate

import (
	"math"
	"time"

	"github.com/talkshape/duplex/pkg/audio"
	"github.com/talkshape/duplex/pkg/segment"
)

// Environment classifies the ambient noise level.
type Environment int

const (
	EnvQuiet Environment = iota
	EnvModerate
	EnvNoisy
)

// String returns the wire name of the environment class.
func (e Environment) String() string {
	switch e {
	case EnvQuiet:
		return "quiet"
	case EnvModerate:
		return "moderate"
	case EnvNoisy:
		return "noisy"
	default:
		return "invalid"
	}
}

// Environment boundaries in dBFS. Full scale is a sample value of 1.0.
const (
	quietCeilingDBFS    = -50.0
	moderateCeilingDBFS = -35.0
)

// DefaultWindow is the amount of audio a calibration pass measures.
const DefaultWindow = 2 * time.Second

// Result is one completed calibration pass. A new Result invalidates and
// replaces the prior one.
type Result struct {
	// AmbientRMS is the mean frame RMS over the window, in linear full scale.
	AmbientRMS float64

	// AmbientDBFS is AmbientRMS expressed in dBFS.
	AmbientDBFS float64

	Environment Environment

	// Thresholds are the recommended segmenter thresholds for this
	// environment.
	Thresholds segment.Thresholds

	// Timestamp is the stream time at which the window completed.
	Timestamp time.Duration
}

// Calibrator accumulates microphone frames until its measurement window is
// full. It is a single-use accumulator; create a new one per pass.
//
// The mapping from ambient level to thresholds is a pure function of the
// measured RMS, so two passes over identical audio produce identical
// thresholds.
type Calibrator struct {
	window   time.Duration
	base     segment.Thresholds
	elapsed  time.Duration
	rmsSum   float64
	frames   int
	complete bool
}

// New creates a Calibrator measuring over the given window. base is the
// configured starting point the environment adjustments are applied to; a
// zero window uses [DefaultWindow] and a zero base uses
// [segment.DefaultThresholds].
func New(window time.Duration, base segment.Thresholds) *Calibrator {
	if window <= 0 {
		window = DefaultWindow
	}
	if base == (segment.Thresholds{}) {
		base = segment.DefaultThresholds()
	}
	return &Calibrator{window: window, base: base}
}

// Push adds one frame to the measurement. Once enough audio has been
// accumulated it returns the completed Result and true; further frames are
// ignored.
func (c *Calibrator) Push(frame audio.Frame) (Result, bool) {
	if c.complete {
		return Result{}, false
	}

	c.rmsSum += audio.RMS(frame.Samples)
	c.frames++
	c.elapsed += frame.Duration()

	if c.elapsed < c.window {
		return Result{}, false
	}
	c.complete = true

	mean := c.rmsSum / float64(c.frames)
	dbfs := rmsToDBFS(mean)
	env := classifyEnvironment(dbfs)

	return Result{
		AmbientRMS:  mean,
		AmbientDBFS: dbfs,
		Environment: env,
		Thresholds:  thresholdsFor(env, c.base),
		Timestamp:   frame.End(),
	}, true
}

// Done reports whether the window has completed.
func (c *Calibrator) Done() bool { return c.complete }

func rmsToDBFS(rms float64) float64 {
	if rms <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}

func classifyEnvironment(dbfs float64) Environment {
	switch {
	case dbfs < quietCeilingDBFS:
		return EnvQuiet
	case dbfs < moderateCeilingDBFS:
		return EnvModerate
	default:
		return EnvNoisy
	}
}

// thresholdsFor adjusts the configured base thresholds for an environment
// class. Quiet rooms can afford a lower speech bar and a short silence window;
// noisy rooms raise the bar and widen the silence window so background bursts
// neither trigger onsets nor split segments. Moderate rooms run the base
// unchanged.
func thresholdsFor(env Environment, base segment.Thresholds) segment.Thresholds {
	th := base
	switch env {
	case EnvQuiet:
		th.SpeechProb = base.SpeechProb - 0.05
		th.SilenceProb = base.SilenceProb - 0.05
		th.MinSilence = base.MinSilence - 150*time.Millisecond
	case EnvNoisy:
		th.SpeechProb = base.SpeechProb + 0.10
		th.SilenceProb = base.SilenceProb + 0.05
		th.MinSpeech = base.MinSpeech + 50*time.Millisecond
		th.MinSilence = base.MinSilence + 300*time.Millisecond
	}
	if th.SilenceProb < 0.05 {
		th.SilenceProb = 0.05
	}
	if th.MinSilence < 100*time.Millisecond {
		th.MinSilence = 100 * time.Millisecond
	}
	return th
}
