package calibrate

import (
	"time"

	"github.com/talkshape/duplex/pkg/intent"
)

// Sensitivity drift bounds. The multiplier never leaves this range no matter
// how many events push it.
const (
	MinSensitivity = 0.5
	MaxSensitivity = 2.0
)

const (
	// shortHardCutoff marks a hard interrupt the user had to force through on
	// a short utterance, a sign the engine is over-triggering on them.
	shortHardCutoff = 800 * time.Millisecond

	hardDriftStep    = 0.05
	unclearDriftStep = 0.10
	decayStep        = 0.01

	// unclearStreak classifications in a row widen the margins.
	unclearStreak = 3
)

// Personalizer adjusts a user's sensitivity multiplier from their barge-in
// history. Short hard interrupts and runs of unclear classifications both
// drift sensitivity down, which raises the speech bar and widens the
// hysteresis margin; clean classifications decay the drift back toward
// neutral. The result feeds [Store.SetSensitivity] and is persisted with the
// user's preferences.
//
// Not safe for concurrent use; the control task is its only caller.
type Personalizer struct {
	sensitivity float64
	unclears    int
}

// NewPersonalizer starts from a stored multiplier, typically loaded from user
// preferences. Out-of-range or zero values reset to neutral.
func NewPersonalizer(stored float64) *Personalizer {
	if stored < MinSensitivity || stored > MaxSensitivity {
		stored = 1.0
	}
	return &Personalizer{sensitivity: stored}
}

// Sensitivity returns the current multiplier.
func (p *Personalizer) Sensitivity() float64 { return p.sensitivity }

// Observe updates the drift from one classified event and returns the new
// multiplier.
func (p *Personalizer) Observe(ev intent.Event) float64 {
	switch ev.Classification {
	case intent.Hard:
		p.unclears = 0
		if ev.Duration < shortHardCutoff {
			p.sensitivity = clampSensitivity(p.sensitivity - hardDriftStep)
		}
	case intent.Unclear:
		p.unclears++
		if p.unclears >= unclearStreak {
			p.unclears = 0
			p.sensitivity = clampSensitivity(p.sensitivity - unclearDriftStep)
		}
	default:
		p.unclears = 0
		p.decay()
	}
	return p.sensitivity
}

// decay moves the multiplier one step back toward neutral.
func (p *Personalizer) decay() {
	switch {
	case p.sensitivity < 1.0:
		p.sensitivity = min(1.0, p.sensitivity+decayStep)
	case p.sensitivity > 1.0:
		p.sensitivity = max(1.0, p.sensitivity-decayStep)
	}
}

func clampSensitivity(v float64) float64 {
	if v < MinSensitivity {
		return MinSensitivity
	}
	if v > MaxSensitivity {
		return MaxSensitivity
	}
	return v
}
