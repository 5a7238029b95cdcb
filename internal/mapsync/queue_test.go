package mapsync

import (
	"testing"
	"time"
)

func TestEnqueueMergesSuccessiveUpdates(t *testing.T) {
	q := newSyncQueue()
	now := time.Now()
	q.enqueue("Trip", OpUpdate, "v1", []string{"drive"}, now)
	q.enqueue("Trip", OpUpdate, "v2", []string{"drive"}, now.Add(time.Second))

	if len(q.entries) != 1 {
		t.Fatalf("expected one merged entry, got %d", len(q.entries))
	}
	entry := q.entries[0]
	if entry.Operation != OpUpdate || entry.Document != "v2" {
		t.Fatalf("expected update with payload v2, got %s %q", entry.Operation, entry.Document)
	}
	if !entry.Timestamp.Equal(now.Add(time.Second)) {
		t.Fatalf("expected timestamp refreshed to incoming time, got %v", entry.Timestamp)
	}
}

func TestEnqueueCreateThenDeleteCancelsOut(t *testing.T) {
	q := newSyncQueue()
	now := time.Now()
	q.enqueue("Trip", OpCreate, "v1", []string{"drive"}, now)
	q.enqueue("Trip", OpDelete, "", []string{"drive"}, now)

	if len(q.entries) != 0 {
		t.Fatalf("expected create+delete to cancel out, got %d entries", len(q.entries))
	}
}

func TestEnqueueCreateAbsorbsUpdate(t *testing.T) {
	q := newSyncQueue()
	now := time.Now()
	q.enqueue("Trip", OpCreate, "v1", []string{"drive"}, now)
	q.enqueue("Trip", OpUpdate, "v2", []string{"box"}, now)

	if len(q.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(q.entries))
	}
	entry := q.entries[0]
	if entry.Operation != OpCreate || entry.Document != "v2" {
		t.Fatalf("expected create with payload v2, got %s %q", entry.Operation, entry.Document)
	}
	if len(entry.Pending) != 2 || entry.Pending[0] != "drive" || entry.Pending[1] != "box" {
		t.Fatalf("expected pending union [drive box], got %v", entry.Pending)
	}
}

func TestEnqueueCreateFoldsIntoPendingUpdate(t *testing.T) {
	q := newSyncQueue()
	now := time.Now()
	q.enqueue("Trip", OpUpdate, "v1", []string{"drive"}, now)
	q.enqueue("Trip", OpCreate, "v2", []string{"drive"}, now)

	entry := q.entries[0]
	if entry.Operation != OpUpdate || entry.Document != "v2" {
		t.Fatalf("expected create folded into update with payload v2, got %s %q", entry.Operation, entry.Document)
	}
}

func TestEnqueueUpdateThenDeleteClearsPayload(t *testing.T) {
	q := newSyncQueue()
	now := time.Now()
	q.enqueue("Trip", OpUpdate, "v1", []string{"drive"}, now)
	q.enqueue("Trip", OpDelete, "", []string{"box"}, now)

	entry := q.entries[0]
	if entry.Operation != OpDelete || entry.Document != "" {
		t.Fatalf("expected delete with cleared payload, got %s %q", entry.Operation, entry.Document)
	}
	if len(entry.Pending) != 2 {
		t.Fatalf("expected pending union, got %v", entry.Pending)
	}
}

func TestEnqueueDeleteThenUpdateResetsTargets(t *testing.T) {
	q := newSyncQueue()
	now := time.Now()
	q.enqueue("Trip", OpDelete, "", []string{"drive", "box"}, now)
	q.enqueue("Trip", OpUpdate, "v2", []string{"vault"}, now)

	entry := q.entries[0]
	if entry.Operation != OpUpdate || entry.Document != "v2" {
		t.Fatalf("expected delete superseded by update, got %s %q", entry.Operation, entry.Document)
	}
	if len(entry.Pending) != 1 || entry.Pending[0] != "vault" {
		t.Fatalf("expected provider set reset to incoming targets, got %v", entry.Pending)
	}
}

func TestEnqueueDeleteThenCreateStartsFresh(t *testing.T) {
	q := newSyncQueue()
	now := time.Now()
	q.enqueue("Trip", OpDelete, "", []string{"drive", "box"}, now)
	oldID := q.entries[0].ID
	q.enqueue("Trip", OpCreate, "v2", []string{"vault"}, now)

	if len(q.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(q.entries))
	}
	entry := q.entries[0]
	if entry.ID == oldID {
		t.Fatalf("expected a fresh entry replacing the delete")
	}
	if entry.Operation != OpCreate || entry.Document != "v2" {
		t.Fatalf("expected fresh create with payload v2, got %s %q", entry.Operation, entry.Document)
	}
	if len(entry.Pending) != 1 || entry.Pending[0] != "vault" {
		t.Fatalf("expected fresh create to target only incoming providers, got %v", entry.Pending)
	}
}

func TestEnqueueDeleteUnionsDeleteTargets(t *testing.T) {
	q := newSyncQueue()
	now := time.Now()
	q.enqueue("Trip", OpDelete, "", []string{"drive"}, now)
	q.enqueue("Trip", OpDelete, "", []string{"box"}, now)

	entry := q.entries[0]
	if entry.Operation != OpDelete {
		t.Fatalf("expected delete, got %s", entry.Operation)
	}
	if len(entry.Pending) != 2 || entry.Pending[0] != "drive" || entry.Pending[1] != "box" {
		t.Fatalf("expected pending union [drive box], got %v", entry.Pending)
	}
}

func TestEnqueueWithoutProvidersWaitsForAdoption(t *testing.T) {
	q := newSyncQueue()
	now := time.Now()
	q.enqueue("Trip", OpUpdate, "v1", nil, now)

	if len(q.entries) != 1 || len(q.entries[0].Pending) != 0 {
		t.Fatalf("expected one entry with no pending providers, got %+v", q.entries)
	}

	q.extend("drive")
	if !q.entries[0].hasPending("drive") {
		t.Fatalf("expected later connect to adopt the entry")
	}
}

func TestStripPrunesEmptiedEntries(t *testing.T) {
	q := newSyncQueue()
	now := time.Now()
	q.enqueue("Trip", OpUpdate, "v1", []string{"drive"}, now)
	q.enqueue("Plan", OpUpdate, "v1", []string{"drive", "box"}, now)

	q.strip("drive")

	if len(q.entries) != 1 {
		t.Fatalf("expected only the entry with a remaining provider to survive, got %d", len(q.entries))
	}
	if q.entries[0].MapName != "Plan" || len(q.entries[0].Pending) != 1 || q.entries[0].Pending[0] != "box" {
		t.Fatalf("unexpected surviving entry %+v", q.entries[0])
	}
}

func TestAckPrunesCompletedEntries(t *testing.T) {
	q := newSyncQueue()
	now := time.Now()
	q.enqueue("Trip", OpUpdate, "v1", []string{"drive", "box"}, now)

	entry := q.entries[0]
	q.ack(entry, "drive")
	if len(q.entries) != 1 {
		t.Fatalf("expected entry to remain while box still owes it")
	}
	q.ack(entry, "box")
	if len(q.entries) != 0 {
		t.Fatalf("expected entry pruned once every provider acknowledged")
	}
}

func TestRetargetRenamesEntries(t *testing.T) {
	q := newSyncQueue()
	now := time.Now()
	q.enqueue("Trip", OpUpdate, "v1", []string{"drive"}, now)

	q.retarget("Trip", "Trip_local")

	if q.entries[0].MapName != "Trip_local" {
		t.Fatalf("expected entry retargeted to Trip_local, got %s", q.entries[0].MapName)
	}
}
