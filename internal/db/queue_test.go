package db

import (
	"errors"
	"testing"
	"time"

	"github.com/marcus/oq/internal/models"
)

func TestEnqueueAndGet(t *testing.T) {
	db := newTestDB(t)

	id := mustEnqueue(t, db, "note", "n1", models.OperationCreate, `{"title":"hello"}`)
	if id == "" {
		t.Fatal("Enqueue returned empty ID")
	}

	item, err := db.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if item.Status != models.ItemPending {
		t.Errorf("status = %s, want pending", item.Status)
	}
	if item.Operation != models.OperationCreate {
		t.Errorf("operation = %s, want create", item.Operation)
	}
	if string(item.Payload) != `{"title":"hello"}` {
		t.Errorf("payload = %s", item.Payload)
	}
	if item.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", item.Attempts)
	}
	if item.EnqueuedAt.IsZero() {
		t.Error("enqueued_at not set")
	}
}

func TestEnqueueValidation(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Enqueue(&models.QueueItem{EntityType: "note", EntityID: "n1", Operation: "upsert"})
	if err == nil {
		t.Error("unknown operation should be rejected")
	}

	_, err = db.Enqueue(&models.QueueItem{EntityType: "", EntityID: "n1", Operation: models.OperationCreate})
	if err == nil {
		t.Error("missing entity type should be rejected")
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	db := newTestDB(t)
	db.SetMaxItems(2)

	mustEnqueue(t, db, "note", "n1", models.OperationCreate, `{}`)
	mustEnqueue(t, db, "note", "n2", models.OperationCreate, `{}`)

	_, err := db.Enqueue(&models.QueueItem{EntityType: "note", EntityID: "n3", Operation: models.OperationCreate})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("got %v, want ErrQueueFull", err)
	}

	// The rejected item must not count as enqueued
	total, err := db.TotalEnqueued()
	if err != nil {
		t.Fatalf("TotalEnqueued failed: %v", err)
	}
	if total != 2 {
		t.Errorf("total enqueued = %d, want 2", total)
	}
}

func TestPeekReadyFIFOWithinGroup(t *testing.T) {
	db := newTestDB(t)

	id1 := mustEnqueue(t, db, "note", "n1", models.OperationCreate, `{"v":1}`)
	id2 := mustEnqueue(t, db, "note", "n1", models.OperationUpdate, `{"v":2}`)
	id3 := mustEnqueue(t, db, "task", "t1", models.OperationCreate, `{}`)

	ready, err := db.PeekReady(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("PeekReady failed: %v", err)
	}
	if len(ready) != 3 {
		t.Fatalf("got %d ready items, want 3", len(ready))
	}
	if ready[0].ID != id1 || ready[1].ID != id2 || ready[2].ID != id3 {
		t.Errorf("wrong order: %s, %s, %s", ready[0].ID, ready[1].ID, ready[2].ID)
	}
}

func TestPeekReadyBlocksBehindStuckHead(t *testing.T) {
	db := newTestDB(t)

	head := mustEnqueue(t, db, "note", "n1", models.OperationCreate, `{}`)
	mustEnqueue(t, db, "note", "n1", models.OperationUpdate, `{}`)
	other := mustEnqueue(t, db, "task", "t1", models.OperationCreate, `{}`)

	// Defer the group head; the update behind it must not surface
	retryAt := time.Now().Add(time.Hour)
	one := 1
	if err := db.Mark(head, models.ItemInFlight, MarkFields{}); err != nil {
		t.Fatalf("Mark failed: %v", err)
	}
	if err := db.Mark(head, models.ItemPending, MarkFields{Attempts: &one, NextRetryAt: &retryAt}); err != nil {
		t.Fatalf("Mark failed: %v", err)
	}

	ready, err := db.PeekReady(time.Now())
	if err != nil {
		t.Fatalf("PeekReady failed: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != other {
		t.Fatalf("only the independent group should be ready, got %d items", len(ready))
	}
}

func TestPeekReadyBlocksBehindConflictedHead(t *testing.T) {
	db := newTestDB(t)

	head := mustEnqueue(t, db, "note", "n1", models.OperationUpdate, `{}`)
	mustEnqueue(t, db, "note", "n1", models.OperationUpdate, `{}`)

	if err := db.Mark(head, models.ItemInFlight, MarkFields{}); err != nil {
		t.Fatalf("Mark failed: %v", err)
	}
	if err := db.Mark(head, models.ItemConflicted, MarkFields{}); err != nil {
		t.Fatalf("Mark failed: %v", err)
	}

	ready, err := db.PeekReady(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("PeekReady failed: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("conflicted head must block its group, got %d ready", len(ready))
	}
}

func TestMarkRejectsInvalidTransition(t *testing.T) {
	db := newTestDB(t)
	id := mustEnqueue(t, db, "note", "n1", models.OperationCreate, `{}`)

	// pending → synced skips in_flight
	if err := db.Mark(id, models.ItemSynced, MarkFields{}); err == nil {
		t.Error("pending → synced should be rejected")
	}

	if err := db.Mark(id, models.ItemInFlight, MarkFields{}); err != nil {
		t.Fatalf("pending → in_flight failed: %v", err)
	}
	if err := db.Mark(id, models.ItemSynced, MarkFields{}); err != nil {
		t.Fatalf("in_flight → synced failed: %v", err)
	}
	if err := db.Mark(id, models.ItemPending, MarkFields{}); err == nil {
		t.Error("synced → pending should be rejected")
	}
}

func TestMarkUnknownItem(t *testing.T) {
	db := newTestDB(t)
	err := db.Mark("nope", models.ItemInFlight, MarkFields{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestRequeuePreservesGroupOrder(t *testing.T) {
	db := newTestDB(t)

	first := mustEnqueue(t, db, "note", "n1", models.OperationUpdate, `{"v":1}`)
	second := mustEnqueue(t, db, "note", "n1", models.OperationUpdate, `{"v":2}`)

	if err := db.Mark(first, models.ItemInFlight, MarkFields{}); err != nil {
		t.Fatalf("Mark failed: %v", err)
	}
	if err := db.Mark(first, models.ItemConflicted, MarkFields{}); err != nil {
		t.Fatalf("Mark failed: %v", err)
	}
	if err := db.Requeue(first, []byte(`{"v":1,"merged":true}`), 7); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}

	ready, err := db.PeekReady(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("PeekReady failed: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("got %d ready, want 2", len(ready))
	}
	// The requeued item keeps its place ahead of the later mutation
	if ready[0].ID != first || ready[1].ID != second {
		t.Errorf("order broken after requeue: %s, %s", ready[0].ID, ready[1].ID)
	}
	if string(ready[0].Payload) != `{"v":1,"merged":true}` {
		t.Errorf("payload not replaced: %s", ready[0].Payload)
	}
	if ready[0].BaseVersion != 7 {
		t.Errorf("base version = %d, want 7", ready[0].BaseVersion)
	}
	if ready[0].Attempts != 0 {
		t.Errorf("attempts = %d, want 0 after requeue", ready[0].Attempts)
	}
}

func TestRequeueRequiresStuckStatus(t *testing.T) {
	db := newTestDB(t)
	id := mustEnqueue(t, db, "note", "n1", models.OperationCreate, `{}`)

	if err := db.Requeue(id, nil, 0); err == nil {
		t.Error("requeue of a pending item should be rejected")
	}
}

func TestRemoveRequiresSynced(t *testing.T) {
	db := newTestDB(t)
	id := mustEnqueue(t, db, "note", "n1", models.OperationCreate, `{}`)

	if err := db.Remove(id); err == nil {
		t.Fatal("Remove of a pending item should be rejected")
	}

	if err := db.Mark(id, models.ItemInFlight, MarkFields{}); err != nil {
		t.Fatalf("Mark failed: %v", err)
	}
	if err := db.Mark(id, models.ItemSynced, MarkFields{}); err != nil {
		t.Fatalf("Mark failed: %v", err)
	}
	if err := db.Remove(id); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if _, err := db.Get(id); !errors.Is(err, ErrNotFound) {
		t.Error("item should be gone after Remove")
	}
}

func TestAccountingNeverDrifts(t *testing.T) {
	db := newTestDB(t)

	a := mustEnqueue(t, db, "note", "n1", models.OperationCreate, `{}`)
	b := mustEnqueue(t, db, "note", "n2", models.OperationCreate, `{}`)
	mustEnqueue(t, db, "note", "n3", models.OperationCreate, `{}`)

	if err := db.Mark(a, models.ItemInFlight, MarkFields{}); err != nil {
		t.Fatal(err)
	}
	if err := db.Mark(a, models.ItemSynced, MarkFields{}); err != nil {
		t.Fatal(err)
	}
	if err := db.Remove(a); err != nil {
		t.Fatal(err)
	}
	if err := db.Discard(b); err != nil {
		t.Fatal(err)
	}

	stats, err := db.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	items, err := db.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	// Every enqueued mutation is synced, discarded, or still present
	got := stats["total_synced"] + stats["total_discarded"] + int64(len(items))
	if got != stats["total_enqueued"] {
		t.Errorf("accounting drift: synced %d + discarded %d + live %d != enqueued %d",
			stats["total_synced"], stats["total_discarded"], len(items), stats["total_enqueued"])
	}
}

func TestRetryFailed(t *testing.T) {
	db := newTestDB(t)

	a := mustEnqueue(t, db, "note", "n1", models.OperationCreate, `{}`)
	b := mustEnqueue(t, db, "note", "n2", models.OperationCreate, `{}`)

	for _, id := range []string{a, b} {
		if err := db.Mark(id, models.ItemInFlight, MarkFields{}); err != nil {
			t.Fatal(err)
		}
		msg := "server exploded"
		if err := db.Mark(id, models.ItemFailed, MarkFields{LastError: &msg}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := db.RetryFailed()
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if n != 2 {
		t.Errorf("reset %d items, want 2", n)
	}

	item, err := db.Get(a)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != models.ItemPending || item.Attempts != 0 || item.LastError != "" {
		t.Errorf("item not fully reset: status=%s attempts=%d lastError=%q",
			item.Status, item.Attempts, item.LastError)
	}
}

func TestCountPendingIncludesUnconfirmed(t *testing.T) {
	db := newTestDB(t)

	a := mustEnqueue(t, db, "note", "n1", models.OperationCreate, `{}`)
	b := mustEnqueue(t, db, "note", "n2", models.OperationCreate, `{}`)
	c := mustEnqueue(t, db, "note", "n3", models.OperationCreate, `{}`)

	if err := db.Mark(a, models.ItemInFlight, MarkFields{}); err != nil {
		t.Fatal(err)
	}
	if err := db.Mark(b, models.ItemInFlight, MarkFields{}); err != nil {
		t.Fatal(err)
	}
	if err := db.Mark(b, models.ItemFailed, MarkFields{}); err != nil {
		t.Fatal(err)
	}
	if err := db.Mark(c, models.ItemInFlight, MarkFields{}); err != nil {
		t.Fatal(err)
	}
	if err := db.Mark(c, models.ItemConflicted, MarkFields{}); err != nil {
		t.Fatal(err)
	}

	count, err := db.CountPending()
	if err != nil {
		t.Fatalf("CountPending failed: %v", err)
	}
	// in_flight and failed count as unconfirmed; conflicted does not
	if count != 2 {
		t.Errorf("pending count = %d, want 2", count)
	}
}
