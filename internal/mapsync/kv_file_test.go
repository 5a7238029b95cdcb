package mapsync

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestFileKVStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := NewFileKVStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Put("alpha", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get("alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"n":1}` {
		t.Fatalf("unexpected value %s", got)
	}
	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for absent key, got %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestFileKVStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := NewFileKVStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Put("alpha", []byte(`"one"`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewFileKVStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Get("alpha")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if string(got) != `"one"` {
		t.Fatalf("unexpected value after reopen: %s", got)
	}
}

func TestFileKVStoreRejectsConcurrentOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := NewFileKVStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if _, err := NewFileKVStore(path); err == nil {
		t.Fatalf("expected second open to fail while the lock is held")
	}
}

func TestMemoryKVStoreIsolatesValues(t *testing.T) {
	store := NewMemoryKVStore()
	value := []byte(`{"n":1}`)
	if err := store.Put("alpha", value); err != nil {
		t.Fatalf("put: %v", err)
	}
	value[2] = 'x'
	got, err := store.Get("alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"n":1}` {
		t.Fatalf("stored value aliased caller buffer: %s", got)
	}
}
