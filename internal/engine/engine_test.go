package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcus/oq/internal/db"
	"github.com/marcus/oq/internal/models"
	"github.com/marcus/oq/internal/netmon"
	"github.com/marcus/oq/internal/remote"
	"github.com/marcus/oq/internal/status"
)

// fakeApplier scripts remote responses per request and records the calls.
type fakeApplier struct {
	mu      sync.Mutex
	calls   []remote.ApplyRequest
	respond func(req remote.ApplyRequest) (remote.ApplyResult, error)
}

func (f *fakeApplier) Apply(ctx context.Context, req remote.ApplyRequest) (remote.ApplyResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(req)
	}
	return remote.ApplyResult{NewVersion: 1}, nil
}

func (f *fakeApplier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeApplier) callIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.calls))
	for i, c := range f.calls {
		ids[i] = c.IdempotencyKey
	}
	return ids
}

type testRig struct {
	store   *db.DB
	applier *fakeApplier
	monitor *netmon.Monitor
	engine  *Engine
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	store, err := db.Initialize(t.TempDir())
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	applier := &fakeApplier{}
	monitor := netmon.New(true, time.Hour) // debounce long enough to never fire in tests
	reporter := status.NewReporter(store, monitor, 10*time.Millisecond)
	eng := New(store, applier, monitor, reporter, cfg)
	return &testRig{store: store, applier: applier, monitor: monitor, engine: eng}
}

func (r *testRig) enqueue(t *testing.T, entityType, entityID string, op models.Operation, payload string) string {
	t.Helper()
	item := &models.QueueItem{EntityType: entityType, EntityID: entityID, Operation: op}
	if payload != "" {
		item.Payload = []byte(payload)
	}
	id, err := r.store.Enqueue(item)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return id
}

func TestPassSyncsInOrder(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())

	a1 := rig.enqueue(t, "note", "n1", models.OperationCreate, `{"title":"a"}`)
	a2 := rig.enqueue(t, "note", "n1", models.OperationUpdate, `{"title":"b"}`)
	a3 := rig.enqueue(t, "note", "n1", models.OperationUpdate, `{"title":"c"}`)
	rig.enqueue(t, "task", "t1", models.OperationCreate, `{}`)

	result, err := rig.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if result.Synced != 4 {
		t.Errorf("synced = %d, want 4", result.Synced)
	}

	// Within the note/n1 group the calls must be in enqueue order
	var groupOrder []string
	for _, id := range rig.applier.callIDs() {
		if id == a1 || id == a2 || id == a3 {
			groupOrder = append(groupOrder, id)
		}
	}
	want := []string{a1, a2, a3}
	for i := range want {
		if groupOrder[i] != want[i] {
			t.Fatalf("group order broken: got %v", groupOrder)
		}
	}

	// Synced items leave the queue and are credited
	items, err := rig.store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Errorf("%d items left in queue, want 0", len(items))
	}
	stats, err := rig.store.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats["total_synced"] != 4 {
		t.Errorf("total_synced = %d, want 4", stats["total_synced"])
	}
}

func TestPassSkipsWhenOffline(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	rig.monitor.SetOnline(false)
	rig.enqueue(t, "note", "n1", models.OperationCreate, `{}`)

	result, err := rig.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if !result.Skipped || result.SkipReason != "offline" {
		t.Errorf("pass should skip while offline, got %+v", result)
	}
	if rig.applier.callCount() != 0 {
		t.Error("no remote calls expected while offline")
	}
}

func TestPassReentrantIsNoOp(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	rig.enqueue(t, "note", "n1", models.OperationCreate, `{}`)

	started := make(chan struct{})
	release := make(chan struct{})
	rig.applier.respond = func(req remote.ApplyRequest) (remote.ApplyResult, error) {
		close(started)
		<-release
		return remote.ApplyResult{NewVersion: 1}, nil
	}

	done := make(chan PassResult)
	go func() {
		result, _ := rig.engine.RunPass(context.Background())
		done <- result
	}()

	<-started
	second, err := rig.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if !second.Skipped {
		t.Error("re-entrant pass should be a no-op")
	}

	close(release)
	first := <-done
	if first.Synced != 1 {
		t.Errorf("first pass synced = %d, want 1", first.Synced)
	}
}

func TestTransientDefersWithBackoff(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	first := rig.enqueue(t, "note", "n1", models.OperationCreate, `{}`)
	rig.enqueue(t, "note", "n1", models.OperationUpdate, `{}`)

	rig.applier.respond = func(req remote.ApplyRequest) (remote.ApplyResult, error) {
		return remote.ApplyResult{}, &remote.TransientError{Cause: errors.New("connection refused")}
	}

	result, err := rig.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if result.Deferred != 1 {
		t.Errorf("deferred = %d, want 1", result.Deferred)
	}
	// The failed head stops the group; the second item is never attempted
	if rig.applier.callCount() != 1 {
		t.Errorf("calls = %d, want 1", rig.applier.callCount())
	}

	item, err := rig.store.Get(first)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != models.ItemPending {
		t.Errorf("status = %s, want pending", item.Status)
	}
	if item.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", item.Attempts)
	}
	if !item.NextRetryAt.After(time.Now()) {
		t.Error("next_retry_at should be in the future")
	}
	if item.LastError == "" {
		t.Error("last_error should record the cause")
	}

	// While deferred, a new pass has nothing to do
	again, err := rig.engine.RunPass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if again.Deferred+again.Synced+again.Failed != 0 {
		t.Errorf("deferred item replayed too early: %+v", again)
	}
}

func TestTransientExhaustsRetryBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 1
	rig := newTestRig(t, cfg)
	id := rig.enqueue(t, "note", "n1", models.OperationCreate, `{}`)

	rig.applier.respond = func(req remote.ApplyRequest) (remote.ApplyResult, error) {
		return remote.ApplyResult{}, &remote.TransientError{Cause: errors.New("timeout")}
	}

	result, err := rig.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("failed = %d, want 1", result.Failed)
	}

	item, err := rig.store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != models.ItemFailed {
		t.Errorf("status = %s, want failed", item.Status)
	}
	if item.LastError == "" {
		t.Error("last_error should be set")
	}
}

func TestPermanentFailureIsolatedToGroup(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	bad := rig.enqueue(t, "note", "n1", models.OperationUpdate, `{"bad":true}`)
	rig.enqueue(t, "note", "n1", models.OperationUpdate, `{}`)
	good := rig.enqueue(t, "task", "t1", models.OperationCreate, `{}`)

	rig.applier.respond = func(req remote.ApplyRequest) (remote.ApplyResult, error) {
		if req.IdempotencyKey == bad {
			return remote.ApplyResult{}, &remote.PermanentError{StatusCode: 422, Message: "validation failed"}
		}
		return remote.ApplyResult{NewVersion: 1}, nil
	}

	result, err := rig.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("failed = %d, want 1", result.Failed)
	}
	if result.Synced != 1 {
		t.Errorf("synced = %d, want 1 (independent group must proceed)", result.Synced)
	}

	item, err := rig.store.Get(bad)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != models.ItemFailed {
		t.Errorf("status = %s, want failed", item.Status)
	}
	if !strings.Contains(item.LastError, "validation failed") {
		t.Errorf("last_error = %q", item.LastError)
	}
	if _, err := rig.store.Get(good); !errors.Is(err, db.ErrNotFound) {
		t.Error("independent item should have synced and been removed")
	}
}

func TestConflictEscalatesAndBlocksGroup(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	head := rig.enqueue(t, "note", "n1", models.OperationUpdate, `{"title":"local"}`)
	rig.enqueue(t, "note", "n1", models.OperationUpdate, `{"title":"later"}`)

	rig.applier.respond = func(req remote.ApplyRequest) (remote.ApplyResult, error) {
		return remote.ApplyResult{}, &remote.ConflictError{
			RemoteVersion: 9,
			RemotePayload: []byte(`{"title":"remote"}`),
		}
	}

	result, err := rig.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if result.Conflicted != 1 {
		t.Errorf("conflicted = %d, want 1", result.Conflicted)
	}
	if rig.applier.callCount() != 1 {
		t.Errorf("calls = %d, want 1 (group must stop at the conflict)", rig.applier.callCount())
	}

	item, err := rig.store.Get(head)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != models.ItemConflicted {
		t.Errorf("status = %s, want conflicted", item.Status)
	}

	conflicts, err := rig.store.ListConflicts()
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("got %d open conflicts, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.ItemID != head || c.RemoteVersion != 9 {
		t.Errorf("conflict row wrong: %+v", c)
	}
	if string(c.RemotePayload) != `{"title":"remote"}` {
		t.Errorf("remote payload = %s", c.RemotePayload)
	}

	// The conflicted head keeps blocking its group on later passes
	again, err := rig.engine.RunPass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if again.Synced != 0 || rig.applier.callCount() != 1 {
		t.Error("group behind a conflicted item must not replay")
	}
}

func TestConflictAutoMergeRequeuesAndSyncs(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	id := rig.enqueue(t, "note", "n1", models.OperationUpdate, `{"title":"mine"}`)

	conflicted := true
	rig.applier.respond = func(req remote.ApplyRequest) (remote.ApplyResult, error) {
		if conflicted {
			conflicted = false
			return remote.ApplyResult{}, &remote.ConflictError{
				RemoteVersion: 5,
				RemotePayload: []byte(`{"title":"old","color":"red"}`),
				RemoteChanged: []string{"color"},
			}
		}
		return remote.ApplyResult{NewVersion: 6}, nil
	}

	result, err := rig.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if result.AutoResolved != 1 {
		t.Errorf("autoResolved = %d, want 1", result.AutoResolved)
	}

	item, err := rig.store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != models.ItemPending {
		t.Errorf("status = %s, want pending (requeued)", item.Status)
	}
	if item.BaseVersion != 5 {
		t.Errorf("base version = %d, want remote version 5", item.BaseVersion)
	}
	if !strings.Contains(string(item.Payload), `"title":"mine"`) ||
		!strings.Contains(string(item.Payload), `"color":"red"`) {
		t.Errorf("merged payload wrong: %s", item.Payload)
	}

	// The merge leaves no open conflict, only an audit row
	conflicts, err := rig.store.ListConflicts()
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 0 {
		t.Errorf("merge should not escalate, got %d open conflicts", len(conflicts))
	}

	// The requeued merge syncs on the next pass
	second, err := rig.engine.RunPass(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if second.Synced != 1 {
		t.Errorf("second pass synced = %d, want 1", second.Synced)
	}
}

func TestDeleteAgainstAbsentEntityAutoResolves(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	id := rig.enqueue(t, "note", "n1", models.OperationDelete, "")

	rig.applier.respond = func(req remote.ApplyRequest) (remote.ApplyResult, error) {
		return remote.ApplyResult{}, &remote.ConflictError{
			RemoteVersion: 3,
			RemotePayload: []byte(`null`),
		}
	}

	result, err := rig.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if result.AutoResolved != 1 {
		t.Errorf("autoResolved = %d, want 1", result.AutoResolved)
	}

	// Already consistent: the item is discarded, and counted
	if _, err := rig.store.Get(id); !errors.Is(err, db.ErrNotFound) {
		t.Error("item should be discarded")
	}
	stats, err := rig.store.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats["total_discarded"] != 1 {
		t.Errorf("total_discarded = %d, want 1", stats["total_discarded"])
	}
}

func TestBoundedGroupFanout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxGroups = 2
	rig := newTestRig(t, cfg)

	for i := 0; i < 6; i++ {
		rig.enqueue(t, "note", string(rune('a'+i)), models.OperationCreate, `{}`)
	}

	var inFlight, peak atomic.Int32
	rig.applier.respond = func(req remote.ApplyRequest) (remote.ApplyResult, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return remote.ApplyResult{NewVersion: 1}, nil
	}

	result, err := rig.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if result.Synced != 6 {
		t.Errorf("synced = %d, want 6", result.Synced)
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency %d exceeds MaxGroups 2", peak.Load())
	}
}

func TestOfflineTransitionCancelsPass(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	rig.enqueue(t, "note", "n1", models.OperationCreate, `{}`)
	second := rig.enqueue(t, "note", "n1", models.OperationUpdate, `{}`)

	rig.applier.respond = func(req remote.ApplyRequest) (remote.ApplyResult, error) {
		// Connectivity drops while the first upload is in flight; the
		// call itself still completes
		rig.monitor.SetOnline(false)
		return remote.ApplyResult{NewVersion: 1}, nil
	}

	result, err := rig.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if !result.Cancelled {
		t.Error("pass should report cancellation")
	}
	if result.Synced != 1 {
		t.Errorf("synced = %d, want 1 (in-flight call finishes)", result.Synced)
	}
	if rig.applier.callCount() != 1 {
		t.Errorf("calls = %d, want 1 (no new items after cancel)", rig.applier.callCount())
	}

	item, err := rig.store.Get(second)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != models.ItemPending {
		t.Errorf("unstarted item status = %s, want pending", item.Status)
	}
}

func TestEnqueueThroughEngineUpdatesStatus(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())

	_, err := rig.engine.Enqueue(&models.QueueItem{
		EntityType: "note", EntityID: "n1", Operation: models.OperationCreate,
		Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	s := rig.engine.Status()
	if !s.IsOnline {
		t.Error("status should report online")
	}
	if s.PendingChanges != 1 {
		t.Errorf("pending = %d, want 1", s.PendingChanges)
	}
	if s.LastSync != nil {
		t.Error("last sync should be unset before any pass")
	}
}
