// Package remote defines the remote-apply collaborator contract. The
// engine only ever talks to an Applier; the HTTP client and the test
// fakes are interchangeable implementations.
package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/marcus/oq/internal/models"
)

// ApplyRequest carries one mutation replay attempt. IdempotencyKey lets
// the remote deduplicate a retried request that already succeeded but
// whose response was lost.
type ApplyRequest struct {
	Operation      models.Operation `json:"operation"`
	EntityType     string           `json:"entity_type"`
	EntityID       string           `json:"entity_id"`
	Payload        json.RawMessage  `json:"payload,omitempty"`
	BaseVersion    int64            `json:"base_version"`
	IdempotencyKey string           `json:"idempotency_key"`
}

// ApplyResult is the success outcome of an apply.
type ApplyResult struct {
	NewVersion int64 `json:"new_version"`
}

// Applier applies a single mutation against the authoritative remote.
// Failures are classified via the error types below; anything else is
// treated as transient.
type Applier interface {
	Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error)
}

// ConflictError reports that the remote's current version diverged from
// the request's base version. RemoteChanged lists the fields the remote
// changed since the base version, when the server can compute that diff;
// without it ambiguous conflicts always escalate to manual resolution.
type ConflictError struct {
	RemoteVersion int64
	RemotePayload json.RawMessage
	RemoteChanged []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: remote version %d", e.RemoteVersion)
}

// TransientError wraps a failure worth retrying: timeouts, connection
// drops, server unavailability.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// PermanentError reports a validation or authorization failure that no
// retry will fix. It requires explicit user action.
type PermanentError struct {
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("permanent: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("permanent: HTTP %d", e.StatusCode)
}
