// Package tokenstore holds client-side session state behind a typed
// key-value interface. One instance is injected everywhere a token is
// read, so tests can swap in a memory store.
package tokenstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Well-known keys.
const (
	KeyToken             = "token"
	KeyRegularToken      = "regular_token"
	KeyGoogleAuthToken   = "google_auth_token"
	KeyJiraAuthorization = "jira_authorization"
	KeyUserEmail         = "user_email"
	KeyUserID            = "user_id"
	KeyDarkMode          = "dark_mode"
)

// authKeys in precedence order for Token().
var authKeys = [3]string{KeyToken, KeyRegularToken, KeyGoogleAuthToken}

// Store is the typed session storage.
type Store interface {
	Get(key string) string
	Set(key, value string) error
	Delete(key string) error
	// Token returns the first non-empty auth token, preferring
	// token, then regular_token, then google_auth_token.
	Token() string
	// ClearAuth removes all three auth token keys.
	ClearAuth() error
	// Subscribe registers a callback invoked after every write (value
	// is empty on delete). The returned func unregisters it.
	Subscribe(fn func(key, value string)) func()
}

type subscription struct {
	id int
	fn func(key, value string)
}

// MemoryStore is an in-process Store for tests and ephemeral sessions.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
	subs   []subscription
	nextID int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]string{}}
}

func (s *MemoryStore) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	s.values[key] = value
	subs := append([]subscription(nil), s.subs...)
	s.mu.Unlock()
	notify(subs, key, value)
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	_, existed := s.values[key]
	delete(s.values, key)
	subs := append([]subscription(nil), s.subs...)
	s.mu.Unlock()
	if existed {
		notify(subs, key, "")
	}
	return nil
}

func (s *MemoryStore) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range authKeys {
		if v := s.values[key]; v != "" {
			return v
		}
	}
	return ""
}

func (s *MemoryStore) ClearAuth() error {
	for _, key := range authKeys {
		if err := s.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(fn func(key, value string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs = append(s.subs, subscription{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

func notify(subs []subscription, key, value string) {
	for _, sub := range subs {
		sub.fn(key, value)
	}
}

// FileStore persists values as a JSON object, written atomically on
// every change.
type FileStore struct {
	path string

	mu     sync.Mutex
	values map[string]string
	subs   []subscription
	nextID int
}

// NewFileStore loads path if it exists; a missing file starts empty.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, values: map[string]string{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read token store: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.values); err != nil {
			return nil, fmt.Errorf("parse token store: %w", err)
		}
	}
	return s, nil
}

func (s *FileStore) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	s.values[key] = value
	err := s.persistLocked()
	subs := append([]subscription(nil), s.subs...)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	notify(subs, key, value)
	return nil
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	_, existed := s.values[key]
	delete(s.values, key)
	var err error
	if existed {
		err = s.persistLocked()
	}
	subs := append([]subscription(nil), s.subs...)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if existed {
		notify(subs, key, "")
	}
	return nil
}

func (s *FileStore) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range authKeys {
		if v := s.values[key]; v != "" {
			return v
		}
	}
	return ""
}

func (s *FileStore) ClearAuth() error {
	for _, key := range authKeys {
		if err := s.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) Subscribe(fn func(key, value string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs = append(s.subs, subscription{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

func (s *FileStore) persistLocked() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create token store dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write token store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace token store: %w", err)
	}
	return nil
}
