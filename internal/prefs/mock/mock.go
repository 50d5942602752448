// Package mock provides an in-memory prefs.Store for tests and storeless
// deployments.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/talkshape/duplex/internal/prefs"
)

var _ prefs.Store = (*Store)(nil)

// Store keeps preferences in a map. Safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	users map[string]prefs.UserPreferences

	// Err, when set, is returned by every Load and Save.
	Err error

	Loads int
	Saves int
}

// New creates an empty Store.
func New() *Store {
	return &Store{users: make(map[string]prefs.UserPreferences)}
}

// Load implements prefs.Store.
func (s *Store) Load(_ context.Context, userID string) (prefs.UserPreferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Loads++
	if s.Err != nil {
		return prefs.UserPreferences{}, s.Err
	}
	p, ok := s.users[userID]
	if !ok {
		return prefs.UserPreferences{}, fmt.Errorf("user %q: %w", userID, prefs.ErrNotFound)
	}
	return p, nil
}

// Save implements prefs.Store.
func (s *Store) Save(_ context.Context, p prefs.UserPreferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Saves++
	if s.Err != nil {
		return s.Err
	}
	if len(p.CalibrationHistory) > prefs.HistorySize {
		p.CalibrationHistory = p.CalibrationHistory[len(p.CalibrationHistory)-prefs.HistorySize:]
	}
	p.UpdatedAt = time.Now().UTC()
	s.users[p.UserID] = p
	return nil
}

// Close implements prefs.Store.
func (s *Store) Close() error { return nil }
