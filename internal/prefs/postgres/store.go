// Package postgres provides a PostgreSQL-backed prefs.Store on a single
// [pgxpool.Pool]. Migration is idempotent and runs on every connect.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/talkshape/duplex/internal/prefs"
)

var _ prefs.Store = (*Store)(nil)

const ddlUserPreferences = `
CREATE TABLE IF NOT EXISTS user_preferences (
    user_id             TEXT         PRIMARY KEY,
    sensitivity         DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    language            TEXT         NOT NULL DEFAULT 'en',
    accent_profile      TEXT         NOT NULL DEFAULT '',
    feedback_style      TEXT         NOT NULL DEFAULT 'verbal',
    calibration_history JSONB        NOT NULL DEFAULT '[]',
    updated_at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Store persists preferences in PostgreSQL. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("prefs store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("prefs store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("prefs store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate ensures the user_preferences table exists. Idempotent; safe to
// call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlUserPreferences); err != nil {
		return fmt.Errorf("prefs migrate: %w", err)
	}
	return nil
}

// Load implements prefs.Store.
func (s *Store) Load(ctx context.Context, userID string) (prefs.UserPreferences, error) {
	var (
		p       prefs.UserPreferences
		history []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, sensitivity, language, accent_profile, feedback_style,
		       calibration_history, updated_at
		FROM user_preferences
		WHERE user_id = $1`, userID,
	).Scan(&p.UserID, &p.Sensitivity, &p.Language, &p.AccentProfile,
		&p.FeedbackStyle, &history, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return prefs.UserPreferences{}, fmt.Errorf("user %q: %w", userID, prefs.ErrNotFound)
	}
	if err != nil {
		return prefs.UserPreferences{}, fmt.Errorf("prefs store: load %q: %w", userID, err)
	}
	if err := json.Unmarshal(history, &p.CalibrationHistory); err != nil {
		return prefs.UserPreferences{}, fmt.Errorf("prefs store: decode history for %q: %w", userID, err)
	}
	return p, nil
}

// Save implements prefs.Store. The calibration history is bounded before it
// is written.
func (s *Store) Save(ctx context.Context, p prefs.UserPreferences) error {
	if p.UserID == "" {
		return errors.New("prefs store: user id must not be empty")
	}
	if len(p.CalibrationHistory) > prefs.HistorySize {
		p.CalibrationHistory = p.CalibrationHistory[len(p.CalibrationHistory)-prefs.HistorySize:]
	}
	history, err := json.Marshal(p.CalibrationHistory)
	if err != nil {
		return fmt.Errorf("prefs store: encode history: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO user_preferences
			(user_id, sensitivity, language, accent_profile, feedback_style,
			 calibration_history, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			sensitivity         = EXCLUDED.sensitivity,
			language            = EXCLUDED.language,
			accent_profile      = EXCLUDED.accent_profile,
			feedback_style      = EXCLUDED.feedback_style,
			calibration_history = EXCLUDED.calibration_history,
			updated_at          = EXCLUDED.updated_at`,
		p.UserID, p.Sensitivity, p.Language, p.AccentProfile, p.FeedbackStyle,
		history, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("prefs store: save %q: %w", p.UserID, err)
	}
	return nil
}

// Ping verifies database connectivity, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
