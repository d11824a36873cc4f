package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/kleeedolinux/entrywatch/debug"
)

// TokenStore is a small persistent key/value file. Writes replace the file
// atomically so a concurrent reader never sees a partial document.
type TokenStore struct {
	mu     sync.RWMutex
	path   string
	values map[string]string
	logger zerolog.Logger
}

// OpenTokenStore loads path, treating a missing file as empty.
func OpenTokenStore(path string) (*TokenStore, error) {
	s := &TokenStore{
		path:   path,
		values: make(map[string]string),
		logger: debug.Component("tokenstore"),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *TokenStore) Path() string {
	return s.path
}

func (s *TokenStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *TokenStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.values[key]; ok && cur == value {
		return nil
	}
	s.values[key] = value
	return s.persistLocked()
}

// Delete removes key. Deleting a missing key does not touch the file.
func (s *TokenStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.values[key]; !ok {
		return nil
	}
	delete(s.values, key)
	return s.persistLocked()
}

func (s *TokenStore) reload() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.mu.Lock()
		s.values = make(map[string]string)
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("session: read token store: %w", err)
	}

	values := make(map[string]string)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &values); err != nil {
			return fmt.Errorf("session: parse token store %s: %w", s.path, err)
		}
	}

	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
	return nil
}

func (s *TokenStore) persistLocked() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("session: create token dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("session: write token store: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("session: write token store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Watch reloads the store whenever the file is changed by anyone,
// including this process, and then calls onChange. It blocks until ctx is
// cancelled.
func (s *TokenStore) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return err
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Warn().Err(err).Msg("Reload failed, keeping previous values")
				continue
			}
			debug.Printf("tokenstore: %s changed (%s)", s.path, event.Op)
			onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
