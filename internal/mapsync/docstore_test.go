package mapsync

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newDocStore(t *testing.T) *DirDocumentStore {
	t.Helper()
	store, err := NewDirDocumentStore(t.TempDir())
	if err != nil {
		t.Fatalf("document store: %v", err)
	}
	return store
}

func TestDirDocumentStoreRoundTrip(t *testing.T) {
	store := newDocStore(t)
	if err := store.Save("Trip", "content"); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load("Trip")
	if err != nil || got != "content" {
		t.Fatalf("load: got %q, %v", got, err)
	}
	names, err := store.ListNames()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 1 || names[0] != "Trip" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestDirDocumentStoreLoadMissing(t *testing.T) {
	store := newDocStore(t)
	if _, err := store.Load("Nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDirDocumentStoreRejectsPathTraversal(t *testing.T) {
	store := newDocStore(t)
	if err := store.Save("../escape", "x"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for a name with separators, got %v", err)
	}
}

func TestDirDocumentStoreDeleteRemovesPreview(t *testing.T) {
	store := newDocStore(t)
	if err := store.Save("Trip", "content"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SavePreview("Trip", []byte{0x89, 'P', 'N', 'G'}); err != nil {
		t.Fatalf("save preview: %v", err)
	}
	if err := store.Delete("Trip"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), "Trip.preview.png")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected preview deleted alongside the document, stat: %v", err)
	}
}

func TestDirDocumentStoreRenameMovesPreview(t *testing.T) {
	store := newDocStore(t)
	if err := store.Save("Trip", "content"); err != nil {
		t.Fatalf("save: %v", err)
	}
	preview := []byte{0x89, 'P', 'N', 'G'}
	if err := store.SavePreview("Trip", preview); err != nil {
		t.Fatalf("save preview: %v", err)
	}

	if err := store.Rename("Trip", "Trip_local"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	if _, err := store.Load("Trip"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected the old name gone, got %v", err)
	}
	got, err := store.Load("Trip_local")
	if err != nil || got != "content" {
		t.Fatalf("load renamed: got %q, %v", got, err)
	}
	moved, err := store.LoadPreview("Trip_local")
	if err != nil || !bytes.Equal(moved, preview) {
		t.Fatalf("expected the preview moved with the document, got %v, %v", moved, err)
	}
}

func TestDirDocumentStoreListIgnoresForeignFiles(t *testing.T) {
	store := newDocStore(t)
	if err := store.Save("Trip", "content"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.Dir(), "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	names, err := store.ListNames()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 1 || names[0] != "Trip" {
		t.Fatalf("expected only map documents listed, got %v", names)
	}
}
