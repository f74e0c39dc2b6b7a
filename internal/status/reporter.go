// Package status derives the aggregate SyncStatus view. The reporter
// only reads the queue store; it never owns state worth persisting, and
// subscriber notifications are coalesced so a large drain does not
// produce a notification storm.
package status

import (
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/oq/internal/db"
	"github.com/marcus/oq/internal/models"
	"github.com/marcus/oq/internal/netmon"
)

// DefaultWindow is the notification coalescing window.
const DefaultWindow = 250 * time.Millisecond

// Reporter computes SyncStatus on demand and pushes it to subscribers
// after queue, connectivity, or pass-lifecycle changes.
type Reporter struct {
	store   *db.DB
	monitor *netmon.Monitor

	mu          sync.Mutex
	syncing     bool
	lastSync    *time.Time
	subscribers []func(models.SyncStatus)
	window      time.Duration
	timer       *time.Timer
}

// NewReporter wires a reporter to the store and monitor. Connectivity
// transitions trigger recomputation automatically.
func NewReporter(store *db.DB, monitor *netmon.Monitor, window time.Duration) *Reporter {
	if window <= 0 {
		window = DefaultWindow
	}
	r := &Reporter{store: store, monitor: monitor, window: window}
	monitor.Subscribe(func(bool) { r.Recompute() })
	return r
}

// Current recomputes the aggregate status from its sources. Storage
// errors degrade to zero counts rather than blocking the observer; they
// are logged because they indicate the durability layer is unhealthy.
func (r *Reporter) Current() models.SyncStatus {
	r.mu.Lock()
	syncing := r.syncing
	lastSync := r.lastSync
	r.mu.Unlock()

	pending, err := r.store.CountPending()
	if err != nil {
		slog.Error("status: count pending", "err", err)
	}
	conflicts, err := r.store.ListConflicts()
	if err != nil {
		slog.Error("status: list conflicts", "err", err)
	}

	return models.SyncStatus{
		IsOnline:       r.monitor.Current(),
		PendingChanges: pending,
		IsSyncing:      syncing,
		LastSync:       lastSync,
		Conflicts:      conflicts,
	}
}

// Subscribe registers a callback for status changes. The callback
// receives a freshly computed snapshot, at most once per coalescing
// window.
func (r *Reporter) Subscribe(fn func(models.SyncStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// Recompute schedules a coalesced notification. Bursts of queue
// mutations within one window collapse into a single emission.
func (r *Reporter) Recompute() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		return
	}
	r.timer = time.AfterFunc(r.window, r.emit)
}

func (r *Reporter) emit() {
	r.mu.Lock()
	r.timer = nil
	subs := make([]func(models.SyncStatus), len(r.subscribers))
	copy(subs, r.subscribers)
	r.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	snapshot := r.Current()
	for _, fn := range subs {
		fn(snapshot)
	}
}

// SetSyncing flags the start or end of an orchestrator pass.
func (r *Reporter) SetSyncing(active bool) {
	r.mu.Lock()
	r.syncing = active
	r.mu.Unlock()
	r.Recompute()
}

// PassCompleted records the completion time of a full pass.
func (r *Reporter) PassCompleted(at time.Time) {
	r.mu.Lock()
	t := at
	r.lastSync = &t
	r.mu.Unlock()
	r.Recompute()
}
