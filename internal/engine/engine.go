// Package engine drains the queue store against the remote-apply
// collaborator. One pass runs at a time; within a pass, independent
// entity groups replay concurrently under a bounded fan-out while items
// inside a group stay strictly ordered.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcus/oq/internal/db"
	"github.com/marcus/oq/internal/models"
	"github.com/marcus/oq/internal/netmon"
	"github.com/marcus/oq/internal/remote"
	"github.com/marcus/oq/internal/resolver"
	"github.com/marcus/oq/internal/status"
)

// Config tunes the retry and concurrency policy.
type Config struct {
	MaxAttempts  int           // retry budget per item before failed
	BaseDelay    time.Duration // first backoff delay
	MaxDelay     time.Duration // backoff cap
	MaxGroups    int           // concurrent entity groups per pass
	ApplyTimeout time.Duration // per remote-apply call
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		BaseDelay:    time.Second,
		MaxDelay:     5 * time.Minute,
		MaxGroups:    4,
		ApplyTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxGroups <= 0 {
		c.MaxGroups = d.MaxGroups
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = d.ApplyTimeout
	}
	return c
}

// PassResult summarizes one orchestrator pass.
type PassResult struct {
	Skipped      bool   // offline or another pass active
	SkipReason   string
	Synced       int // applied and removed
	AutoResolved int // conflicts resolved without escalation
	Conflicted   int // escalated to manual resolution
	Failed       int // retry budget exhausted or permanent failure
	Deferred     int // rescheduled with backoff
	Cancelled    bool
}

// Engine owns the queue store, remote applier, and reporter: the
// explicit context object callers hold instead of global sync state.
type Engine struct {
	store    *db.DB
	applier  remote.Applier
	monitor  *netmon.Monitor
	reporter *status.Reporter
	cfg      Config

	active atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New wires an engine to its collaborators. The monitor's debounced
// reconnect trigger starts a pass; an offline transition cancels the
// running pass at its next checkpoint.
func New(store *db.DB, applier remote.Applier, monitor *netmon.Monitor, reporter *status.Reporter, cfg Config) *Engine {
	e := &Engine{
		store:    store,
		applier:  applier,
		monitor:  monitor,
		reporter: reporter,
		cfg:      cfg.withDefaults(),
	}

	monitor.OnReconnect(func() {
		go e.RunPass(context.Background())
	})
	monitor.Subscribe(func(online bool) {
		if !online {
			e.cancelPass()
		}
	})

	return e
}

// Enqueue buffers a mutation through the store and nudges observers.
func (e *Engine) Enqueue(item *models.QueueItem) (string, error) {
	id, err := e.store.Enqueue(item)
	if err != nil {
		return "", err
	}
	e.reporter.Recompute()
	return id, nil
}

// Status returns the current aggregate view.
func (e *Engine) Status() models.SyncStatus {
	return e.reporter.Current()
}

// Resolve applies an explicit conflict decision and nudges observers.
func (e *Engine) Resolve(conflictID int64, choice models.Resolution) error {
	if err := resolver.ApplyResolution(e.store, conflictID, choice); err != nil {
		return err
	}
	e.reporter.Recompute()
	return nil
}

// cancelPass stops the running pass, if any, at its next checkpoint.
func (e *Engine) cancelPass() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// RunPass drains eligible items once. It is safe to call concurrently
// with itself: a re-entrant call while a pass is active is a no-op.
func (e *Engine) RunPass(ctx context.Context) (PassResult, error) {
	if !e.monitor.Current() {
		return PassResult{Skipped: true, SkipReason: "offline"}, nil
	}
	if !e.active.CompareAndSwap(false, true) {
		return PassResult{Skipped: true, SkipReason: "pass already active"}, nil
	}
	defer e.active.Store(false)

	passCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
	}()

	e.reporter.SetSyncing(true)
	defer e.reporter.SetSyncing(false)

	items, err := e.store.PeekReady(time.Now().UTC())
	if err != nil {
		return PassResult{}, fmt.Errorf("peek ready: %w", err)
	}

	groups := groupItems(items)
	slog.Debug("pass start", "items", len(items), "groups", len(groups))

	var result PassResult
	var resultMu sync.Mutex

	work := make(chan []models.QueueItem, len(groups))
	for _, g := range groups {
		work <- g
	}
	close(work)

	workers := e.cfg.MaxGroups
	if workers > len(groups) {
		workers = len(groups)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range work {
				tally := e.processGroup(passCtx, group)
				resultMu.Lock()
				result.Synced += tally.Synced
				result.AutoResolved += tally.AutoResolved
				result.Conflicted += tally.Conflicted
				result.Failed += tally.Failed
				result.Deferred += tally.Deferred
				resultMu.Unlock()
			}
		}()
	}
	wg.Wait()

	if passCtx.Err() != nil {
		result.Cancelled = true
	} else {
		e.reporter.PassCompleted(time.Now().UTC())
	}
	slog.Debug("pass done", "synced", result.Synced, "deferred", result.Deferred,
		"failed", result.Failed, "conflicted", result.Conflicted, "cancelled", result.Cancelled)
	return result, nil
}

// groupItems partitions ready items into entity groups, preserving both
// intra-group order and first-seen group order.
func groupItems(items []models.QueueItem) [][]models.QueueItem {
	index := make(map[string]int)
	var groups [][]models.QueueItem
	for _, item := range items {
		key := item.GroupKey()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], item)
	}
	return groups
}

// processGroup replays one entity group sequentially. Any non-success
// outcome stops the group for this pass so ordering holds; other groups
// are unaffected.
func (e *Engine) processGroup(ctx context.Context, group []models.QueueItem) PassResult {
	var tally PassResult
	for _, item := range group {
		// Cancellation checkpoint: between items, never mid-call
		select {
		case <-ctx.Done():
			return tally
		default:
		}

		outcome := e.applyItem(ctx, item)
		tally.Synced += outcome.Synced
		tally.AutoResolved += outcome.AutoResolved
		tally.Conflicted += outcome.Conflicted
		tally.Failed += outcome.Failed
		tally.Deferred += outcome.Deferred
		e.reporter.Recompute()

		if outcome.stop {
			return tally
		}
	}
	return tally
}

type itemOutcome struct {
	PassResult
	stop bool
}

// applyItem replays one mutation and records its outcome in the store.
func (e *Engine) applyItem(ctx context.Context, item models.QueueItem) itemOutcome {
	if err := e.store.Mark(item.ID, models.ItemInFlight, db.MarkFields{}); err != nil {
		slog.Error("mark in_flight", "item", item.ID, "err", err)
		return itemOutcome{stop: true}
	}

	// The call must be allowed to resolve or time out even if the pass
	// is cancelled mid-flight; re-issuing a request with an unknown
	// outcome is what the idempotency key exists to survive, not to
	// invite.
	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ApplyTimeout)
	defer cancel()

	attempts := item.Attempts + 1
	result, err := e.applier.Apply(applyCtx, remote.ApplyRequest{
		Operation:      item.Operation,
		EntityType:     item.EntityType,
		EntityID:       item.EntityID,
		Payload:        item.Payload,
		BaseVersion:    item.BaseVersion,
		IdempotencyKey: item.ID,
	})

	if err == nil {
		return e.recordSuccess(item, attempts, result)
	}

	var conflictErr *remote.ConflictError
	var transientErr *remote.TransientError
	var permanentErr *remote.PermanentError

	switch {
	case errors.As(err, &conflictErr):
		return e.recordConflict(item, conflictErr)

	case errors.As(err, &permanentErr):
		return e.recordFailure(item, attempts, permanentErr)

	case errors.As(err, &transientErr):
		return e.recordTransient(item, attempts, transientErr)

	default:
		// Timeouts from the apply context and anything unclassified are
		// treated as transient, not permanent
		return e.recordTransient(item, attempts, err)
	}
}

func (e *Engine) recordSuccess(item models.QueueItem, attempts int, result remote.ApplyResult) itemOutcome {
	if err := e.store.Mark(item.ID, models.ItemSynced, db.MarkFields{Attempts: &attempts}); err != nil {
		slog.Error("mark synced", "item", item.ID, "err", err)
		return itemOutcome{stop: true}
	}
	if err := e.store.Remove(item.ID); err != nil {
		slog.Error("remove synced item", "item", item.ID, "err", err)
		return itemOutcome{stop: true}
	}
	slog.Debug("item synced", "item", item.ID, "entity", item.GroupKey(), "version", result.NewVersion)
	return itemOutcome{PassResult: PassResult{Synced: 1}}
}

func (e *Engine) recordConflict(item models.QueueItem, conflictErr *remote.ConflictError) itemOutcome {
	outcome := resolver.Resolve(&item, conflictErr)

	switch outcome.Kind {
	case resolver.KeepRemote:
		// Already consistent; record the auto-resolution and move on
		_, err := e.store.RecordConflict(&models.Conflict{
			ItemID:        item.ID,
			LocalPayload:  item.Payload,
			RemotePayload: conflictErr.RemotePayload,
			RemoteVersion: conflictErr.RemoteVersion,
			Resolution:    models.ResolutionKeepRemote,
		})
		if err != nil {
			slog.Error("record auto-resolved conflict", "item", item.ID, "err", err)
		}
		if err := e.store.Discard(item.ID); err != nil {
			slog.Error("discard consistent item", "item", item.ID, "err", err)
			return itemOutcome{stop: true}
		}
		return itemOutcome{PassResult: PassResult{AutoResolved: 1}}

	case resolver.Merged:
		if err := e.store.Mark(item.ID, models.ItemConflicted, db.MarkFields{}); err != nil {
			slog.Error("mark conflicted", "item", item.ID, "err", err)
			return itemOutcome{stop: true}
		}
		_, err := e.store.RecordConflict(&models.Conflict{
			ItemID:        item.ID,
			LocalPayload:  item.Payload,
			RemotePayload: conflictErr.RemotePayload,
			RemoteVersion: conflictErr.RemoteVersion,
			Resolution:    models.ResolutionMerged,
		})
		if err != nil {
			slog.Error("record merged conflict", "item", item.ID, "err", err)
		}
		if err := e.store.Requeue(item.ID, outcome.MergedPayload, conflictErr.RemoteVersion); err != nil {
			slog.Error("requeue merged item", "item", item.ID, "err", err)
			return itemOutcome{stop: true}
		}
		slog.Debug("conflict auto-merged", "item", item.ID, "base_version", conflictErr.RemoteVersion)
		// The merged item is pending again at the head of its group;
		// it replays next pass
		return itemOutcome{PassResult: PassResult{AutoResolved: 1}, stop: true}

	default: // Escalate
		lastErr := conflictErr.Error()
		if err := e.store.Mark(item.ID, models.ItemConflicted, db.MarkFields{LastError: &lastErr}); err != nil {
			slog.Error("mark conflicted", "item", item.ID, "err", err)
			return itemOutcome{stop: true}
		}
		if _, err := e.store.RecordConflict(&models.Conflict{
			ItemID:        item.ID,
			LocalPayload:  item.Payload,
			RemotePayload: conflictErr.RemotePayload,
			RemoteVersion: conflictErr.RemoteVersion,
		}); err != nil {
			slog.Error("record conflict", "item", item.ID, "err", err)
		}
		return itemOutcome{PassResult: PassResult{Conflicted: 1}, stop: true}
	}
}

func (e *Engine) recordFailure(item models.QueueItem, attempts int, cause error) itemOutcome {
	lastErr := cause.Error()
	err := e.store.Mark(item.ID, models.ItemFailed, db.MarkFields{
		Attempts:  &attempts,
		LastError: &lastErr,
	})
	if err != nil {
		slog.Error("mark failed", "item", item.ID, "err", err)
	}
	slog.Warn("item failed", "item", item.ID, "entity", item.GroupKey(), "attempts", attempts, "err", cause)
	return itemOutcome{PassResult: PassResult{Failed: 1}, stop: true}
}

func (e *Engine) recordTransient(item models.QueueItem, attempts int, cause error) itemOutcome {
	if attempts >= e.cfg.MaxAttempts {
		return e.recordFailure(item, attempts, cause)
	}

	lastErr := cause.Error()
	retryAt := time.Now().UTC().Add(Backoff(e.cfg.BaseDelay, e.cfg.MaxDelay, attempts))
	err := e.store.Mark(item.ID, models.ItemPending, db.MarkFields{
		Attempts:    &attempts,
		NextRetryAt: &retryAt,
		LastError:   &lastErr,
	})
	if err != nil {
		slog.Error("reschedule item", "item", item.ID, "err", err)
		return itemOutcome{stop: true}
	}
	slog.Debug("item deferred", "item", item.ID, "attempts", attempts, "retry_at", retryAt)
	return itemOutcome{PassResult: PassResult{Deferred: 1}, stop: true}
}
