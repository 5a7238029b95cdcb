package mapsync

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

func ValidOperation(op OperationType) bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// QueueEntry is the single pending intent for one document. Pending preserves
// insertion order; providers are attempted in that order during a pass.
type QueueEntry struct {
	ID        string            `json:"id"`
	MapName   string            `json:"mapName"`
	Operation OperationType     `json:"operation"`
	Document  string            `json:"document,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Pending   []string          `json:"pending"`
	Errors    map[string]string `json:"errors,omitempty"`
}

func (e *QueueEntry) hasPending(providerID string) bool {
	for _, id := range e.Pending {
		if id == providerID {
			return true
		}
	}
	return false
}

func (e *QueueEntry) addPending(providerID string) {
	if providerID == "" || e.hasPending(providerID) {
		return
	}
	e.Pending = append(e.Pending, providerID)
}

func (e *QueueEntry) removePending(providerID string) {
	kept := e.Pending[:0]
	for _, id := range e.Pending {
		if id != providerID {
			kept = append(kept, id)
		}
	}
	e.Pending = kept
}

func (e *QueueEntry) clone() QueueEntry {
	copied := *e
	copied.Pending = append([]string(nil), e.Pending...)
	if e.Errors != nil {
		copied.Errors = make(map[string]string, len(e.Errors))
		for provider, message := range e.Errors {
			copied.Errors[provider] = message
		}
	}
	return copied
}

// syncQueue is the ordered set of pending operations. Every entry in the
// queue is incomplete; entries are pruned the moment their last pending
// provider acknowledges. At most one entry exists per document name, enforced
// by the merge table in enqueue.
type syncQueue struct {
	entries []*QueueEntry
}

func newSyncQueue() *syncQueue {
	return &syncQueue{}
}

func (q *syncQueue) find(mapName string) *QueueEntry {
	for _, entry := range q.entries {
		if entry.MapName == mapName {
			return entry
		}
	}
	return nil
}

func (q *syncQueue) findByID(id string) *QueueEntry {
	for _, entry := range q.entries {
		if entry.ID == id {
			return entry
		}
	}
	return nil
}

func (q *syncQueue) remove(target *QueueEntry) {
	kept := q.entries[:0]
	for _, entry := range q.entries {
		if entry != target {
			kept = append(kept, entry)
		}
	}
	q.entries = kept
}

func (q *syncQueue) append(mapName string, op OperationType, document string, targets []string, now time.Time) *QueueEntry {
	entry := &QueueEntry{
		ID:        uuid.NewString(),
		MapName:   mapName,
		Operation: op,
		Document:  document,
		Timestamp: now,
	}
	for _, target := range targets {
		entry.addPending(target)
	}
	q.entries = append(q.entries, entry)
	return entry
}

// enqueue applies the merge table. targets is the set of providers owing the
// incoming operation; an empty set is legal (the entry waits for a later
// connect to adopt it).
func (q *syncQueue) enqueue(mapName string, op OperationType, document string, targets []string, now time.Time) {
	existing := q.find(mapName)
	if existing == nil {
		q.append(mapName, op, document, targets, now)
		return
	}

	switch {
	case existing.Operation == OpCreate && op == OpDelete:
		// The create never left the device; the delete cancels it outright.
		q.remove(existing)
		return
	case existing.Operation == OpDelete && op == OpUpdate:
		// The delete is superseded; the provider set starts over with the
		// incoming targets.
		existing.Operation = OpUpdate
		existing.Document = document
		existing.Pending = nil
		for _, target := range targets {
			existing.addPending(target)
		}
		existing.Timestamp = now
		return
	case existing.Operation == OpDelete && op == OpCreate:
		q.remove(existing)
		q.append(mapName, OpCreate, document, targets, now)
		return
	}

	switch existing.Operation {
	case OpCreate:
		// create+create and create+update both stay a create carrying the
		// newest payload.
		existing.Document = document
	case OpUpdate:
		if op == OpDelete {
			existing.Operation = OpDelete
			existing.Document = ""
		} else {
			existing.Document = document
		}
	case OpDelete:
		// delete+delete: nothing to fold beyond the target union.
	}
	for _, target := range targets {
		existing.addPending(target)
	}
	existing.Timestamp = now
}

// extend adds providerID to every queued entry so previously queued edits
// also reach a newly connected backend.
func (q *syncQueue) extend(providerID string) {
	for _, entry := range q.entries {
		entry.addPending(providerID)
	}
}

// strip removes providerID from every entry and prunes entries emptied by the
// removal. Entries that never targeted the provider are untouched.
func (q *syncQueue) strip(providerID string) {
	kept := q.entries[:0]
	for _, entry := range q.entries {
		if !entry.hasPending(providerID) {
			kept = append(kept, entry)
			continue
		}
		entry.removePending(providerID)
		delete(entry.Errors, providerID)
		if len(entry.Pending) > 0 {
			kept = append(kept, entry)
		}
	}
	q.entries = kept
}

// ack removes providerID from the entry's pending set and prunes the entry
// once no provider still owes it.
func (q *syncQueue) ack(entry *QueueEntry, providerID string) {
	entry.removePending(providerID)
	delete(entry.Errors, providerID)
	if len(entry.Pending) == 0 {
		q.remove(entry)
	}
}

func (q *syncQueue) recordError(entry *QueueEntry, providerID, message string) {
	if entry.Errors == nil {
		entry.Errors = map[string]string{}
	}
	entry.Errors[providerID] = message
}

// retarget repoints every entry for oldName at newName. Used by the
// reconciler after a local rename so pending edits keep flowing to the
// renamed document's remote target.
func (q *syncQueue) retarget(oldName, newName string) {
	for _, entry := range q.entries {
		if entry.MapName == oldName {
			entry.MapName = newName
		}
	}
}

// firstPending returns the first entry with a nonempty pending set.
func (q *syncQueue) firstPending() *QueueEntry {
	for _, entry := range q.entries {
		if len(entry.Pending) > 0 {
			return entry
		}
	}
	return nil
}

func (q *syncQueue) pendingCount(providerID string) int {
	count := 0
	for _, entry := range q.entries {
		if entry.hasPending(providerID) {
			count++
		}
	}
	return count
}

func (q *syncQueue) snapshot() []QueueEntry {
	entries := make([]QueueEntry, 0, len(q.entries))
	for _, entry := range q.entries {
		entries = append(entries, entry.clone())
	}
	return entries
}

func (q *syncQueue) replace(entries []QueueEntry) {
	q.entries = q.entries[:0]
	for i := range entries {
		copied := entries[i].clone()
		q.entries = append(q.entries, &copied)
	}
}

func validMapName(name string) bool {
	name = strings.TrimSpace(name)
	return name != "" && !strings.ContainsAny(name, "/\\")
}
