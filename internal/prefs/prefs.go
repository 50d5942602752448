// Package prefs defines per-user preference persistence. Preferences are
// loaded at session start, mutated by personalization as the session runs,
// and persisted at session end and periodically in between.
package prefs

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Load when no preferences exist for the
// user yet.
var ErrNotFound = errors.New("preferences not found")

// HistorySize bounds the retained calibration history per user.
const HistorySize = 10

// CalibrationRecord is one archived calibration outcome.
type CalibrationRecord struct {
	AmbientDBFS float64   `json:"ambient_dbfs"`
	Environment string    `json:"environment"`
	At          time.Time `json:"at"`
}

// UserPreferences is the persisted per-user tuning state.
type UserPreferences struct {
	UserID string

	// Sensitivity is the personalized detection multiplier, within the
	// personalizer's drift bounds.
	Sensitivity float64

	// Language is the preferred BCP-47 code for phrase tables and
	// transcription.
	Language string

	// AccentProfile names an STT accent adaptation profile, if any.
	AccentProfile string

	// FeedbackStyle controls how the orchestrator acknowledges
	// interruptions ("verbal", "tone", "silent").
	FeedbackStyle string

	// CalibrationHistory holds the most recent calibration outcomes, newest
	// last, bounded to HistorySize.
	CalibrationHistory []CalibrationRecord

	UpdatedAt time.Time
}

// AddCalibration appends a record, dropping the oldest beyond HistorySize.
func (p *UserPreferences) AddCalibration(rec CalibrationRecord) {
	p.CalibrationHistory = append(p.CalibrationHistory, rec)
	if len(p.CalibrationHistory) > HistorySize {
		p.CalibrationHistory = p.CalibrationHistory[len(p.CalibrationHistory)-HistorySize:]
	}
}

// Default returns the preferences for a user seen for the first time.
func Default(userID string) UserPreferences {
	return UserPreferences{
		UserID:        userID,
		Sensitivity:   1.0,
		Language:      "en",
		FeedbackStyle: "verbal",
	}
}

// Store persists user preferences.
type Store interface {
	// Load returns the preferences for userID, or ErrNotFound.
	Load(ctx context.Context, userID string) (UserPreferences, error)

	// Save upserts the preferences.
	Save(ctx context.Context, prefs UserPreferences) error

	// Close releases the store's resources.
	Close() error
}
