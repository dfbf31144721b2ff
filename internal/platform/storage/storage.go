// Package storage persists the client's session snapshots: auth token, user
// profile, side-menu and module-access blobs, the selected location, and the
// cached branch list. It is the moral equivalent of browser local storage —
// string values under well-known keys, replaced wholesale, never merged.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Store is a keyed snapshot store.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(key string) (string, bool)
	// Set writes the value for key, replacing any previous value.
	Set(key, value string) error
	// Delete removes the key. Deleting an absent key is not an error.
	Delete(key string) error
	// Clear removes every key.
	Clear() error
	// Keys lists the stored keys in lexical order.
	Keys() []string
}

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ---------------------------------------------------------------------------
// MemStore
// ---------------------------------------------------------------------------

// MemStore is an in-memory Store for tests and ephemeral sessions.
type MemStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{values: make(map[string]string)}
}

func (m *MemStore) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *MemStore) Set(key, value string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid storage key %q", key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *MemStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string]string)
	return nil
}

func (m *MemStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ---------------------------------------------------------------------------
// FileStore
// ---------------------------------------------------------------------------

// FileStore persists each key as one file under a directory. Writes go
// through a temp file and rename so a concurrent reader (or another process
// sharing the directory) never observes a partial value.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed and returns a FileStore over it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the backing directory.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, key+".snapshot")
}

func (f *FileStore) Get(key string) (string, bool) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (f *FileStore) Set(key, value string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid storage key %q", key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(f.dir, key+".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmpName, f.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (f *FileStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (f *FileStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("clear storage: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snapshot") {
			continue
		}
		if err := os.Remove(filepath.Join(f.dir, e.Name())); err != nil {
			return fmt.Errorf("clear storage: %w", err)
		}
	}
	return nil
}

func (f *FileStore) Keys() []string {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".snapshot") {
			keys = append(keys, strings.TrimSuffix(name, ".snapshot"))
		}
	}
	sort.Strings(keys)
	return keys
}
