// Package resolver decides what happens when a queued mutation's base
// version diverges from the authoritative remote state: auto-resolve
// when safe, escalate to an explicit decision otherwise. Ambiguous
// conflicts are never silently dropped or overwritten.
package resolver

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/marcus/oq/internal/db"
	"github.com/marcus/oq/internal/models"
	"github.com/marcus/oq/internal/remote"
)

// Kind classifies a resolution outcome.
type Kind int

const (
	// Escalate pins the item as conflicted until the caller decides.
	Escalate Kind = iota
	// KeepRemote discards the item; local and remote already agree.
	KeepRemote
	// Merged produced a combined payload to requeue against the new
	// remote version.
	Merged
)

// Outcome is the resolver's decision for one conflict.
type Outcome struct {
	Kind          Kind
	MergedPayload json.RawMessage
}

// Resolve applies the default policy to a conflicted item:
//
//   - delete vs. remote already deleted/absent: keep remote, a no-op
//   - update touching only fields the remote did not change: merge
//   - anything else: escalate
func Resolve(item *models.QueueItem, conflict *remote.ConflictError) Outcome {
	if item.Operation == models.OperationDelete && remoteAbsent(conflict.RemotePayload) {
		return Outcome{Kind: KeepRemote}
	}

	if item.Operation == models.OperationUpdate {
		if merged, ok := tryFieldMerge(item.Payload, conflict); ok {
			return Outcome{Kind: Merged, MergedPayload: merged}
		}
	}

	return Outcome{Kind: Escalate}
}

// remoteAbsent reports whether the remote payload represents a deleted
// or missing entity.
func remoteAbsent(payload json.RawMessage) bool {
	if len(payload) == 0 {
		return true
	}
	s := string(payload)
	return s == "null" || s == "{}"
}

// tryFieldMerge merges a local update into the remote payload when the
// locally touched fields and the remotely changed fields are disjoint.
// It requires the server to report which fields it changed; without that
// diff the conflict is ambiguous and merging is unsafe.
func tryFieldMerge(localPayload json.RawMessage, conflict *remote.ConflictError) (json.RawMessage, bool) {
	if conflict.RemoteChanged == nil {
		return nil, false
	}

	var local map[string]json.RawMessage
	if err := json.Unmarshal(localPayload, &local); err != nil || len(local) == 0 {
		return nil, false
	}
	var remoteObj map[string]json.RawMessage
	if err := json.Unmarshal(conflict.RemotePayload, &remoteObj); err != nil {
		return nil, false
	}

	changed := make(map[string]bool, len(conflict.RemoteChanged))
	for _, f := range conflict.RemoteChanged {
		changed[f] = true
	}
	for field := range local {
		if changed[field] {
			return nil, false
		}
	}

	// Disjoint: overlay the local edits onto the remote state
	for field, value := range local {
		remoteObj[field] = value
	}
	merged, err := json.Marshal(remoteObj)
	if err != nil {
		slog.Warn("marshal merged payload", "err", err)
		return nil, false
	}
	return merged, true
}

// ApplyResolution executes an explicit user decision on a pending
// conflict. keep_local replays the mutation against the remote's current
// version; keep_remote abandons it.
func ApplyResolution(store *db.DB, conflictID int64, choice models.Resolution) error {
	conflict, err := store.GetConflict(conflictID)
	if err != nil {
		return err
	}
	if conflict.Resolution != models.ResolutionPending {
		return fmt.Errorf("conflict %d already resolved (%s)", conflictID, conflict.Resolution)
	}

	switch choice {
	case models.ResolutionKeepLocal:
		if err := store.Requeue(conflict.ItemID, nil, conflict.RemoteVersion); err != nil {
			return fmt.Errorf("requeue item %s: %w", conflict.ItemID, err)
		}
	case models.ResolutionKeepRemote:
		if err := store.Discard(conflict.ItemID); err != nil {
			return fmt.Errorf("discard item %s: %w", conflict.ItemID, err)
		}
	default:
		return fmt.Errorf("invalid resolution %q: choose keep_local or keep_remote", choice)
	}

	if err := store.SetConflictResolution(conflictID, choice); err != nil {
		return err
	}
	slog.Debug("conflict resolved", "conflict", conflictID, "choice", choice)
	return nil
}
