package mapsync

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestBuildKVStoreFromDSNMemory(t *testing.T) {
	store, err := BuildKVStoreFromDSN("memory://")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*MemoryKVStore); !ok {
		t.Fatalf("expected memory backend, got %T", store)
	}
}

func TestBuildKVStoreFromDSNBarePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := BuildKVStoreFromDSN(path)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*FileKVStore); !ok {
		t.Fatalf("expected file backend for a bare path, got %T", store)
	}
}

func TestBuildKVStoreFromDSNFileScheme(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := BuildKVStoreFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*FileKVStore); !ok {
		t.Fatalf("expected file backend, got %T", store)
	}
}

func TestBuildKVStoreFromDSNUnimplementedScheme(t *testing.T) {
	if _, err := BuildKVStoreFromDSN("sqlite:///tmp/state.db"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}

func TestBuildKVStoreFromDSNUnknownScheme(t *testing.T) {
	if _, err := BuildKVStoreFromDSN("redis://localhost:6379"); err == nil {
		t.Fatalf("expected unknown scheme error")
	}
}

func TestBuildKVStoreFromDSNEmpty(t *testing.T) {
	if _, err := BuildKVStoreFromDSN("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRegisteredFactoryOverridesScheme(t *testing.T) {
	called := false
	RegisterKVStoreFactory("teststore", func(dsn string) (KVStore, error) {
		called = true
		return NewMemoryKVStore(), nil
	})
	store, err := BuildKVStoreFromDSN("teststore://whatever")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer store.Close()
	if !called {
		t.Fatalf("expected the registered factory to be used")
	}
}
