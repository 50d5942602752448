// Package aec implements acoustic echo cancellation with a normalized
// least-mean-squares (NLMS) adaptive filter. The canceller subtracts the
// known AI playback signal from the microphone signal so the voice-activity
// estimator sees only the user, not the assistant's own voice leaking back
// through the speaker.
//
// The filter runs in the real-time audio task: Process is allocation-free
// after construction and costs O(taps) per sample.
package aec

import (
	"log/slog"
	"time"
)

const (
	// DefaultTaps is the adaptive filter length in samples. 256 taps at
	// 16 kHz covers 16 ms of echo path, enough for the direct speaker→mic
	// path on consumer hardware.
	DefaultTaps = 256

	// DefaultStepSize is the NLMS adaptation rate μ. Larger converges faster
	// but risks instability on non-stationary input.
	DefaultStepSize = 0.5

	// DefaultDivergenceFrames is the number of consecutive frames with
	// residual energy above input energy before the filter is reset.
	DefaultDivergenceFrames = 8

	// regularization keeps the normalization term away from zero on silence
	// so coefficient updates cannot diverge when the reference is quiet.
	regularization = 1e-4
)

// Option configures a [Canceller] during construction.
type Option func(*Canceller)

// WithTaps sets the filter length. Default 256.
func WithTaps(n int) Option {
	return func(c *Canceller) { c.taps = n }
}

// WithStepSize sets the NLMS adaptation rate μ. Default 0.5.
func WithStepSize(mu float64) Option {
	return func(c *Canceller) { c.mu = mu }
}

// WithDivergenceFrames sets how many consecutive diverged frames trigger a
// coefficient reset. Default 8.
func WithDivergenceFrames(n int) Option {
	return func(c *Canceller) { c.divergenceLimit = n }
}

// WithOnReset registers a callback invoked whenever the divergence watchdog
// resets the filter. Runs on the audio task; must not block.
func WithOnReset(fn func()) Option {
	return func(c *Canceller) { c.onReset = fn }
}

// Canceller is a per-stream NLMS echo canceller. Create one per voice
// session; not safe for concurrent use.
type Canceller struct {
	taps            int
	mu              float64
	divergenceLimit int
	onReset         func()

	coeffs  []float64
	history []float64 // circular reference history, len == taps
	histPos int

	divergedFrames int
	resets         int
	lastReset      time.Time
}

// New creates a Canceller with the given options.
func New(opts ...Option) *Canceller {
	c := &Canceller{
		taps:            DefaultTaps,
		mu:              DefaultStepSize,
		divergenceLimit: DefaultDivergenceFrames,
	}
	for _, o := range opts {
		o(c)
	}
	c.coeffs = make([]float64, c.taps)
	c.history = make([]float64, c.taps)
	return c
}

// Process subtracts the predicted echo of ref from mic and returns the
// residual. mic and ref must be the same sample rate; ref may be shorter than
// mic (trailing mic samples pass through with history-only prediction). A nil
// or empty ref makes Process a pass-through: when no AI audio is playing
// there is no echo to cancel and the filter must not adapt to noise.
//
// The returned slice is freshly allocated per call; mic is not modified.
func (c *Canceller) Process(mic, ref []float32) []float32 {
	if len(ref) == 0 {
		return mic
	}

	out := make([]float32, len(mic))
	var inEnergy, resEnergy float64

	for i := range mic {
		var r float64
		if i < len(ref) {
			r = float64(ref[i])
		}
		// Push the reference sample into the circular history.
		c.histPos--
		if c.histPos < 0 {
			c.histPos = c.taps - 1
		}
		c.history[c.histPos] = r

		// Predict the echo as the dot product of coefficients and history.
		var predicted, power float64
		for t := range c.taps {
			h := c.history[(c.histPos+t)%c.taps]
			predicted += c.coeffs[t] * h
			power += h * h
		}

		m := float64(mic[i])
		e := m - predicted
		out[i] = float32(e)

		inEnergy += m * m
		resEnergy += e * e

		// NLMS update: step normalized by reference power.
		step := c.mu * e / (power + regularization)
		for t := range c.taps {
			c.coeffs[t] += step * c.history[(c.histPos+t)%c.taps]
		}
	}

	// Divergence watchdog: a healthy filter never amplifies. Reset rather
	// than let an unstable filter corrupt audio indefinitely.
	if resEnergy > inEnergy && inEnergy > 0 {
		c.divergedFrames++
		if c.divergedFrames >= c.divergenceLimit {
			c.Reset()
			slog.Warn("aec: filter diverged, coefficients reset", "resets", c.resets)
		}
	} else {
		c.divergedFrames = 0
	}

	return out
}

// Reset zeroes the filter coefficients and history. Called by the divergence
// watchdog and on session teardown when the echo-reference buffer is flushed.
func (c *Canceller) Reset() {
	for i := range c.coeffs {
		c.coeffs[i] = 0
	}
	for i := range c.history {
		c.history[i] = 0
	}
	c.histPos = 0
	c.divergedFrames = 0
	c.resets++
	c.lastReset = time.Now()
	if c.onReset != nil {
		c.onReset()
	}
}

// Resets reports how many times the divergence watchdog (or an explicit
// Reset) has zeroed the filter.
func (c *Canceller) Resets() int { return c.resets }
