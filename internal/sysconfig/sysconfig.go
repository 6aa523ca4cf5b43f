// Package sysconfig holds the process-wide, admin-mutable system
// configuration (notification banner and event mode). It is an explicit
// store passed to the components that read it, not ambient global state.
package sysconfig

import (
	"errors"
	"sync"

	"github.com/emx/market-engine/internal/model"
)

// ErrInvalidMode is returned when an unknown event mode is set.
var ErrInvalidMode = errors.New("sysconfig: unknown event mode")

// Store guards the current SystemConfig. Reads are frequent (every trade
// resolves the volatility multiplier); writes are rare admin actions.
type Store struct {
	mu  sync.RWMutex
	cfg model.SystemConfig
}

// New creates a store with the default configuration (no notification,
// event mode NONE).
func New() *Store {
	return &Store{cfg: model.SystemConfig{EventMode: model.EventNone}}
}

// Get returns a copy of the current configuration.
func (s *Store) Get() model.SystemConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// SetNotification replaces the notification banner text.
func (s *Store) SetNotification(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Notification = text
}

// SetEventMode switches the active event mode.
func (s *Store) SetEventMode(mode model.EventMode) error {
	if !mode.Valid() {
		return ErrInvalidMode
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.EventMode = mode
	return nil
}
