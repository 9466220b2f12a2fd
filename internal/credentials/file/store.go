// Package file persists per-user credentials as a JSON document on disk.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

type userConfig struct {
	UserID  string            `json:"userId"`
	Configs map[string]string `json:"configs"`
}

// Store keeps every user's entries in memory and rewrites the whole document
// after each change.
type Store struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	configs map[string]map[string]string
}

// Open loads path, creating an empty document (and its directory) if missing.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{path: path, logger: logger, configs: make(map[string]map[string]string)}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create credentials directory: %w", err)
	}

	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	var users []userConfig
	if len(data) > 0 {
		if err := json.Unmarshal(data, &users); err != nil {
			return nil, fmt.Errorf("decode credentials file: %w", err)
		}
	}
	for _, u := range users {
		if u.UserID == "" {
			continue
		}
		entries := make(map[string]string, len(u.Configs))
		for k, v := range u.Configs {
			entries[k] = v
		}
		s.configs[u.UserID] = entries
	}
	logger.Info("credentials loaded", zap.Int("users", len(s.configs)))
	return s, nil
}

// Get returns one entry.
func (s *Store) Get(_ context.Context, userID, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.configs[userID][key]
	return v, ok, nil
}

// GetAll returns a copy of every entry for userID.
func (s *Store) GetAll(_ context.Context, userID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.configs[userID]))
	for k, v := range s.configs[userID] {
		out[k] = v
	}
	return out, nil
}

// Set merges entries into the user's configuration.
func (s *Store) Set(_ context.Context, userID string, entries map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[userID]
	if !ok {
		cfg = make(map[string]string, len(entries))
		s.configs[userID] = cfg
	}
	for k, v := range entries {
		cfg[k] = v
	}
	return s.persistLocked()
}

// Delete removes one entry.
func (s *Store) Delete(_ context.Context, userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[userID]
	if !ok {
		return nil
	}
	delete(cfg, key)
	return s.persistLocked()
}

// DeleteAll removes the user entirely.
func (s *Store) DeleteAll(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, userID)
	return s.persistLocked()
}

// Users lists every known user id in sorted order.
func (s *Store) Users(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]string, 0, len(s.configs))
	for u := range s.configs {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

func (s *Store) persistLocked() error {
	users := make([]userConfig, 0, len(s.configs))
	for id, cfg := range s.configs {
		users = append(users, userConfig{UserID: id, Configs: cfg})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })

	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".credentials-*")
	if err != nil {
		return fmt.Errorf("create temp credentials file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close credentials: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace credentials file: %w", err)
	}
	return nil
}
