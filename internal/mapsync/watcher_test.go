package mapsync

import (
	"sync"
	"testing"
)

func TestWatcherReportsSavesAndDeletes(t *testing.T) {
	store := newDocStore(t)
	var mu sync.Mutex
	updates := map[string]string{}
	deletes := map[string]bool{}
	watcher, err := WatchDocuments(store,
		func(name, document string) {
			mu.Lock()
			updates[name] = document
			mu.Unlock()
		},
		func(name string) {
			mu.Lock()
			deletes[name] = true
			mu.Unlock()
		},
		nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer watcher.Close()

	if err := store.Save("Trip", "v1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return updates["Trip"] == "v1"
	})

	if err := store.Delete("Trip"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deletes["Trip"]
	})
}

func TestWatchDocumentsRequiresCallbacks(t *testing.T) {
	store := newDocStore(t)
	if _, err := WatchDocuments(store, nil, nil, nil); err == nil {
		t.Fatalf("expected an error without callbacks")
	}
}
