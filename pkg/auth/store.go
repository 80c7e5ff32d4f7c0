// Package auth keeps the authentication keys that unlock privileged relay queries.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/giongto35/cloud-relay/pkg/logger"
	xos "github.com/giongto35/cloud-relay/pkg/os"
	"github.com/goccy/go-json"
	"github.com/gofrs/uuid"
)

type Key struct {
	Key      string     `json:"Key"`
	Name     string     `json:"Name"`
	Created  time.Time  `json:"Created"`
	LastUsed *time.Time `json:"LastUsed,omitempty"`
}

// Store is a JSON file of keys shared with the admin tooling.
// Writes take an inter-process lock and replace the file at once.
type Store struct {
	mu   sync.RWMutex
	keys []Key
	path string
	lock *xos.Flock
	log  *logger.Logger
}

func Normalize(key string) string { return strings.ToLower(strings.TrimSpace(key)) }

// Open loads the key file at path, a missing file is an empty store.
func Open(path string, log *logger.Logger) (*Store, error) {
	lock, err := xos.NewFileLock(path)
	if err != nil {
		return nil, fmt.Errorf("key store lock: %w", err)
	}
	s := &Store{path: filepath.Clean(path), lock: lock, log: log.Extend(log.With().Str("s", "keys"))}
	if err = s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.set(nil)
		return nil
	}
	if err != nil {
		return err
	}
	var keys []Key
	if len(strings.TrimSpace(string(data))) > 0 {
		if err = json.Unmarshal(data, &keys); err != nil {
			return fmt.Errorf("key store %v: %w", s.path, err)
		}
	}
	s.set(keys)
	return nil
}

func (s *Store) set(keys []Key) {
	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Keys returns a copy of all keys.
func (s *Store) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Key(nil), s.keys...)
}

// Touch marks the matching key as used at t.
// The key is matched case-insensitively with surrounding blanks ignored.
func (s *Store) Touch(key string, t time.Time) bool {
	key = Normalize(key)
	if key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.keys {
		if Normalize(s.keys[i].Key) == key {
			s.keys[i].LastUsed = &t
			return true
		}
	}
	return false
}

// Add creates a new key named name and saves the store.
func (s *Store) Add(name string) (Key, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return Key{}, err
	}
	k := Key{Key: id.String(), Name: name, Created: time.Now().UTC()}
	s.mu.Lock()
	s.keys = append(s.keys, k)
	s.mu.Unlock()
	return k, s.Save()
}

func (s *Store) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.keys, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	if err = s.lock.Lock(); err != nil {
		return fmt.Errorf("key store lock: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()
	return xos.ReplaceFile(s.path, data, 0600)
}

// Watch reloads the store whenever the key file changes on disk.
// Blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// the file is replaced by rename, so watch the directory
	if err = watcher.Add(filepath.Dir(s.path)); err != nil {
		return err
	}
	s.log.Debug().Msgf("Watching %v", s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				if err := s.reload(); err != nil {
					s.log.Error().Err(err).Msg("Key store reload has failed")
					continue
				}
				s.log.Info().Msgf("Key store reloaded, %v keys", s.Len())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("Key store watch")
		}
	}
}
