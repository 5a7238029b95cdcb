package mapsync

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
)

const (
	documentExt = ".map"
	previewExt  = ".preview.png"
)

// DocumentStore is the host application's local document storage. The engine
// only reads and writes whole documents through this contract.
type DocumentStore interface {
	ListNames() ([]string, error)
	Load(name string) (string, error)
	Save(name, content string) error
	Delete(name string) error
}

// renamer is an optional DocumentStore capability. Stores that implement it
// can move cached preview artifacts along with the document; callers fall
// back to load/save/delete otherwise.
type renamer interface {
	Rename(oldName, newName string) error
}

// DirDocumentStore keeps one <name>.map file per document in a directory,
// with an optional <name>.preview.png sidecar.
type DirDocumentStore struct {
	dir string
}

func NewDirDocumentStore(dir string) (*DirDocumentStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DirDocumentStore{dir: filepath.Clean(dir)}, nil
}

func (s *DirDocumentStore) Dir() string {
	return s.dir
}

func (s *DirDocumentStore) ListNames() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		base := entry.Name()
		if !strings.HasSuffix(base, documentExt) || strings.HasSuffix(base, previewExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(base, documentExt))
	}
	sort.Strings(names)
	return names, nil
}

func (s *DirDocumentStore) Load(name string) (string, error) {
	path, err := s.documentPath(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	return string(data), nil
}

func (s *DirDocumentStore) Save(name, content string) error {
	path, err := s.documentPath(name)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, []byte(content), 0o644)
}

func (s *DirDocumentStore) Delete(name string) error {
	path, err := s.documentPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	_ = os.Remove(s.previewPath(name))
	return nil
}

// Rename moves the document and its preview sidecar, preserving both.
func (s *DirDocumentStore) Rename(oldName, newName string) error {
	oldPath, err := s.documentPath(oldName)
	if err != nil {
		return err
	}
	newPath, err := s.documentPath(newName)
	if err != nil {
		return err
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	if _, err := os.Stat(s.previewPath(oldName)); err == nil {
		_ = os.Rename(s.previewPath(oldName), s.previewPath(newName))
	}
	return nil
}

// SavePreview stores the cached preview artifact for a document.
func (s *DirDocumentStore) SavePreview(name string, data []byte) error {
	if !validMapName(name) {
		return ErrInvalidInput
	}
	return writeFileAtomic(s.previewPath(name), data, 0o644)
}

func (s *DirDocumentStore) LoadPreview(name string) ([]byte, error) {
	if !validMapName(name) {
		return nil, ErrInvalidInput
	}
	data, err := os.ReadFile(s.previewPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *DirDocumentStore) documentPath(name string) (string, error) {
	if !validMapName(name) {
		return "", ErrInvalidInput
	}
	return filepath.Join(s.dir, name+documentExt), nil
}

func (s *DirDocumentStore) previewPath(name string) string {
	return filepath.Join(s.dir, name+previewExt)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

// Watcher translates filesystem changes in a document directory into queue
// operations. The merge table coalesces bursts, so no debounce is needed.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	store     *DirDocumentStore
	onUpdate  func(name, document string)
	onDelete  func(name string)
	logger    Logger
	done      chan struct{}
}

func WatchDocuments(store *DirDocumentStore, onUpdate func(name, document string), onDelete func(name string), logger Logger) (*Watcher, error) {
	if store == nil || onUpdate == nil || onDelete == nil {
		return nil, ErrInvalidInput
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(store.Dir()); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	w := &Watcher{
		fsWatcher: fsWatcher,
		store:     store,
		onUpdate:  onUpdate,
		onDelete:  onDelete,
		logger:    logger,
		done:      make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logf("document watcher error: %v", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	base := filepath.Base(event.Name)
	if !strings.HasSuffix(base, documentExt) || strings.HasSuffix(base, previewExt) {
		return
	}
	name := strings.TrimSuffix(base, documentExt)
	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		w.onDelete(name)
	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		document, err := w.store.Load(name)
		if err != nil {
			// A temp-file rename can race the read; the follow-up event
			// re-delivers the content.
			if !errors.Is(err, ErrNotFound) {
				w.logf("document watcher read %s: %v", name, err)
			}
			return
		}
		w.onUpdate(name, document)
	}
}

func (w *Watcher) Close() error {
	err := w.fsWatcher.Close()
	<-w.done
	return err
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
