package models

import (
	"encoding/json"
	"time"
)

// Operation represents the kind of mutation buffered in the queue
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ValidOperation reports whether op is one of the known mutation kinds.
func ValidOperation(op Operation) bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// ItemStatus represents the lifecycle state of a queued mutation
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemInFlight   ItemStatus = "in_flight"
	ItemSynced     ItemStatus = "synced"
	ItemFailed     ItemStatus = "failed"
	ItemConflicted ItemStatus = "conflicted"
)

// CountsAsPending reports whether the status contributes to the
// pending_changes count shown to observers. Failed items still represent
// unconfirmed local work, so they count.
func (s ItemStatus) CountsAsPending() bool {
	switch s {
	case ItemPending, ItemInFlight, ItemFailed:
		return true
	}
	return false
}

// Terminal reports whether no further automatic transition is allowed
// from this status without an explicit caller action.
func (s ItemStatus) Terminal() bool {
	return s == ItemSynced || s == ItemFailed || s == ItemConflicted
}

// QueueItem is one buffered mutation awaiting replay against the remote.
// The ID doubles as the idempotency key sent with every apply attempt.
type QueueItem struct {
	ID          string          `json:"id"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Operation   Operation       `json:"operation"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion int64           `json:"base_version"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	Attempts    int             `json:"attempts"`
	Status      ItemStatus      `json:"status"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// GroupKey identifies the entity group the item belongs to. Items sharing
// a group key replay strictly in enqueue order.
func (q *QueueItem) GroupKey() string {
	return q.EntityType + "/" + q.EntityID
}

// Resolution represents the outcome chosen for a conflict
type Resolution string

const (
	ResolutionPending    Resolution = "pending"
	ResolutionKeepLocal  Resolution = "keep_local"
	ResolutionKeepRemote Resolution = "keep_remote"
	ResolutionMerged     Resolution = "merged"
)

// Conflict records a divergence between a queued mutation's base version
// and the authoritative remote state. It back-references the QueueItem; the
// item itself stays pinned in status conflicted until the conflict is
// resolved.
type Conflict struct {
	ID            int64           `json:"id"`
	ItemID        string          `json:"item_id"`
	LocalPayload  json.RawMessage `json:"local_payload,omitempty"`
	RemotePayload json.RawMessage `json:"remote_payload,omitempty"`
	RemoteVersion int64           `json:"remote_version"`
	Resolution    Resolution      `json:"resolution"`
	DetectedAt    time.Time       `json:"detected_at"`
}

// SyncStatus is the aggregate view pushed to subscribers. It is always
// recomputed from the queue store and connectivity monitor, never mutated
// independently.
type SyncStatus struct {
	IsOnline       bool       `json:"is_online"`
	PendingChanges int        `json:"pending_changes"`
	IsSyncing      bool       `json:"is_syncing"`
	LastSync       *time.Time `json:"last_sync,omitempty"`
	Conflicts      []Conflict `json:"conflicts,omitempty"`
}
