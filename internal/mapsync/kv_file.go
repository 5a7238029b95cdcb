package mapsync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// FileKVStore keeps every key in a single JSON file, written atomically. An
// advisory flock on a sidecar lock file keeps a second process from opening
// the same state concurrently.
type FileKVStore struct {
	path string
	lock *flock.Flock

	mu     sync.Mutex
	values map[string]json.RawMessage
}

func NewFileKVStore(path string) (*FileKVStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, errors.New("state file is locked by another process: " + path)
	}
	s := &FileKVStore{
		path:   path,
		lock:   lock,
		values: map[string]json.RawMessage{},
	}
	if err := s.load(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return s, nil
}

func (s *FileKVStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *FileKVStore) Put(key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, had := s.values[key]
	s.values[key] = append(json.RawMessage(nil), value...)
	if err := s.saveLocked(); err != nil {
		if had {
			s.values[key] = previous
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

func (s *FileKVStore) Close() error {
	if s.lock != nil {
		return s.lock.Unlock()
	}
	return nil
}

func (s *FileKVStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var values map[string]json.RawMessage
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	if values != nil {
		s.values = values
	}
	return nil
}

func (s *FileKVStore) saveLocked() error {
	data, err := json.Marshal(s.values)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o644)
}

// MemoryKVStore is the in-process backend used by tests and the memory:// DSN.
type MemoryKVStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{values: map[string][]byte{}}
}

func (s *MemoryKVStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *MemoryKVStore) Put(key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryKVStore) Close() error {
	return nil
}
