package config

import (
	"fmt"
	"sync"
)

// Store is the live, mutable configuration shared by the CLI and the
// scheduler. Jobs never hold a reference to it; they take a Snapshot.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  *Config
}

// Open loads the config at path into a Store.
func Open(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewStore(path, cfg), nil
}

// NewStore wraps an already loaded config. An empty path disables Save.
func NewStore(path string, cfg *Config) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Store{path: path, cfg: cfg}
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.path
}

// Snapshot returns a copy of the current merge settings.
func (s *Store) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Settings
}

// Config returns a copy of the whole configuration.
func (s *Store) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cfg
}

// Update applies fn to a copy of the settings, validates the result and
// persists it. The live settings are unchanged when validation or the write fails.
func (s *Store) Update(fn func(*Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg.Settings
	fn(&next)
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	updated := *s.cfg
	updated.Settings = next
	if s.path != "" {
		if err := updated.Save(s.path); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
	}
	s.cfg = &updated
	return nil
}
