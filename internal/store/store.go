// Package store provides the key-value persistence layer backing the
// offline queue and related durable state.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is the persistence contract. Missing keys are not errors; GetItem
// reports presence through its second return value.
type Store interface {
	GetItem(key string) (string, bool, error)
	SetItem(key, value string) error
	RemoveItem(key string) error
}

// FileStore persists each key as a file under a base directory. Writes go
// through a temp file and rename so a crash mid-write never leaves a
// half-written value behind.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// path maps a key to its file. Keys are well-known constants; sanitize
// anyway so a bad key cannot escape the store directory.
func (s *FileStore) path(key string) string {
	safe := strings.ReplaceAll(key, string(os.PathSeparator), "_")
	safe = strings.ReplaceAll(safe, "..", "_")
	return filepath.Join(s.dir, safe+".json")
}

// GetItem reads the value for key. A missing key is (\"\", false, nil).
func (s *FileStore) GetItem(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// SetItem writes the value for key atomically.
func (s *FileStore) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.path(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return os.Rename(tmp, target)
}

// RemoveItem deletes the value for key. Removing a missing key is a no-op.
func (s *FileStore) RemoveItem(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MemoryStore is an in-memory Store used by tests.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]string)}
}

// GetItem implements Store.
func (s *MemoryStore) GetItem(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	return v, ok, nil
}

// SetItem implements Store.
func (s *MemoryStore) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

// RemoveItem implements Store.
func (s *MemoryStore) RemoveItem(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}
