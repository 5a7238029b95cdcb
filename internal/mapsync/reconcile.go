package mapsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

const localRenameSuffix = "_local"

// reconcile pulls providerID's remote document set and merges it with local
// storage. Remote content wins under the original name; a diverging local
// copy is preserved under the first free "{name}_local" variant and every
// queue entry referencing the old name is retargeted at the new one.
func (e *Engine) reconcile(ctx context.Context, providerID string) error {
	e.mu.Lock()
	conn := e.connectors[providerID]
	account := e.accounts[providerID].clone()
	e.mu.Unlock()
	if conn == nil || account == nil {
		return fmt.Errorf("%w: provider %s", ErrNotFound, providerID)
	}

	remotes, err := conn.FetchRemoteDocuments(ctx, account)
	if err != nil {
		return err
	}

	changed := false
	for _, remote := range remotes {
		if !validMapName(remote.Name) {
			e.logf("reconcile %s: skipping invalid remote name %q", providerID, remote.Name)
			continue
		}
		local, err := e.docs.Load(remote.Name)
		switch {
		case errors.Is(err, ErrNotFound):
			if err := e.docs.Save(remote.Name, remote.Document); err != nil {
				return fmt.Errorf("import %q: %w", remote.Name, err)
			}
			changed = true
		case err != nil:
			return fmt.Errorf("read %q: %w", remote.Name, err)
		case local == remote.Document:
			// Identical content on both sides; nothing diverged.
		default:
			renamed, err := e.preserveLocal(remote.Name)
			if err != nil {
				return err
			}
			e.mu.Lock()
			e.queue.retarget(remote.Name, renamed)
			queueSnapshot := e.queue.snapshot()
			e.mu.Unlock()
			if err := e.persister.SaveQueue(queueSnapshot); err != nil {
				return fmt.Errorf("save queue: %w", err)
			}
			if err := e.docs.Save(remote.Name, remote.Document); err != nil {
				return fmt.Errorf("import %q: %w", remote.Name, err)
			}
			e.logf("reconcile %s: local %q preserved as %q", providerID, remote.Name, renamed)
			changed = true
		}
	}

	e.mu.Lock()
	e.lastSuccess[providerID] = e.now()
	e.mu.Unlock()
	if changed {
		e.notify()
	}
	return nil
}

// preserveLocal moves the local document (and any cached preview artifact)
// out of the way of an incoming remote import.
func (e *Engine) preserveLocal(name string) (string, error) {
	renamed, err := e.freeLocalName(name)
	if err != nil {
		return "", err
	}
	if mover, ok := e.docs.(renamer); ok {
		if err := mover.Rename(name, renamed); err != nil {
			return "", fmt.Errorf("rename %q: %w", name, err)
		}
		return renamed, nil
	}
	content, err := e.docs.Load(name)
	if err != nil {
		return "", fmt.Errorf("read %q: %w", name, err)
	}
	if err := e.docs.Save(renamed, content); err != nil {
		return "", fmt.Errorf("write %q: %w", renamed, err)
	}
	if err := e.docs.Delete(name); err != nil {
		return "", fmt.Errorf("delete %q: %w", name, err)
	}
	return renamed, nil
}

// freeLocalName returns the first unused name among "{name}_local",
// "{name}_local1", "{name}_local2", ...
func (e *Engine) freeLocalName(name string) (string, error) {
	candidate := name + localRenameSuffix
	for i := 0; ; i++ {
		if i > 0 {
			candidate = name + localRenameSuffix + strconv.Itoa(i)
		}
		_, err := e.docs.Load(candidate)
		if errors.Is(err, ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
}
