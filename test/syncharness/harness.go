// Package syncharness provides an end-to-end rig: a real queue store on
// disk, a fake sync server backed by its own SQLite database, and an
// engine wired between them. Restart simulates a process crash by
// reopening the store from disk.
package syncharness

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/marcus/oq/internal/db"
	"github.com/marcus/oq/internal/engine"
	"github.com/marcus/oq/internal/models"
	"github.com/marcus/oq/internal/netmon"
	"github.com/marcus/oq/internal/remote"
	"github.com/marcus/oq/internal/status"
)

const serverSchema = `
CREATE TABLE entities (
    entity_type TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    version     INTEGER NOT NULL,
    payload     JSON,
    deleted     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (entity_type, entity_id)
);

-- one row per version bump, recording which fields that bump touched;
-- the 409 body reports the union of fields changed since the base version
CREATE TABLE entity_changes (
    entity_type TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    version     INTEGER NOT NULL,
    fields      JSON NOT NULL
);

CREATE TABLE applied (
    idempotency_key TEXT PRIMARY KEY,
    new_version     INTEGER NOT NULL
);
`

// Server is a fake authoritative remote implementing remote.Applier with
// real version checks and idempotency-key deduplication.
type Server struct {
	mu       sync.Mutex
	conn     *sql.DB
	applies  int // mutations actually executed (dedup hits excluded)
	failNext int
	down     bool
}

// NewServer creates the fake server with an in-memory database.
func NewServer(t *testing.T) *Server {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	if _, err := conn.Exec(serverSchema); err != nil {
		t.Fatalf("create server schema: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &Server{conn: conn}
}

// FailNext makes the next n applies fail transiently.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// SetDown simulates total unreachability.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// Applies returns the number of mutations actually executed.
func (s *Server) Applies() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applies
}

// Ping implements the netmon probe contract.
func (s *Server) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return fmt.Errorf("server down")
	}
	return nil
}

// Apply implements remote.Applier.
func (s *Server) Apply(ctx context.Context, req remote.ApplyRequest) (remote.ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		return remote.ApplyResult{}, &remote.TransientError{Cause: fmt.Errorf("connection refused")}
	}
	if s.failNext > 0 {
		s.failNext--
		return remote.ApplyResult{}, &remote.TransientError{Cause: fmt.Errorf("injected failure")}
	}

	// Replayed request whose response was lost: return the recorded outcome
	var dedup int64
	err := s.conn.QueryRow(`SELECT new_version FROM applied WHERE idempotency_key = ?`,
		req.IdempotencyKey).Scan(&dedup)
	if err == nil {
		return remote.ApplyResult{NewVersion: dedup}, nil
	}
	if err != sql.ErrNoRows {
		return remote.ApplyResult{}, &remote.TransientError{Cause: err}
	}

	var version int64
	var payload sql.NullString
	var deleted bool
	err = s.conn.QueryRow(
		`SELECT version, payload, deleted FROM entities WHERE entity_type = ? AND entity_id = ?`,
		req.EntityType, req.EntityID).Scan(&version, &payload, &deleted)
	exists := err == nil && !deleted
	if err != nil && err != sql.ErrNoRows {
		return remote.ApplyResult{}, &remote.TransientError{Cause: err}
	}

	switch req.Operation {
	case models.OperationCreate:
		if exists {
			return remote.ApplyResult{}, s.conflict(req, version, payload)
		}
	case models.OperationUpdate, models.OperationDelete:
		if !exists {
			return remote.ApplyResult{}, &remote.ConflictError{
				RemoteVersion: version,
				RemotePayload: json.RawMessage(`null`),
			}
		}
		if req.BaseVersion != version {
			return remote.ApplyResult{}, s.conflict(req, version, payload)
		}
	default:
		return remote.ApplyResult{}, &remote.PermanentError{StatusCode: 400, Message: "unknown operation"}
	}

	newVersion := version + 1
	var execErr error
	switch req.Operation {
	case models.OperationDelete:
		_, execErr = s.conn.Exec(
			`UPDATE entities SET version = ?, deleted = 1 WHERE entity_type = ? AND entity_id = ?`,
			newVersion, req.EntityType, req.EntityID)
	default:
		_, execErr = s.conn.Exec(`
			INSERT INTO entities (entity_type, entity_id, version, payload, deleted)
			VALUES (?, ?, ?, ?, 0)
			ON CONFLICT(entity_type, entity_id)
			DO UPDATE SET version = excluded.version, payload = excluded.payload, deleted = 0`,
			req.EntityType, req.EntityID, newVersion, string(req.Payload))
	}
	if execErr != nil {
		return remote.ApplyResult{}, &remote.TransientError{Cause: execErr}
	}

	if err := s.recordChange(req, newVersion); err != nil {
		return remote.ApplyResult{}, &remote.TransientError{Cause: err}
	}
	if _, err := s.conn.Exec(
		`INSERT INTO applied (idempotency_key, new_version) VALUES (?, ?)`,
		req.IdempotencyKey, newVersion); err != nil {
		return remote.ApplyResult{}, &remote.TransientError{Cause: err}
	}

	s.applies++
	return remote.ApplyResult{NewVersion: newVersion}, nil
}

// conflict builds the 409 outcome, including the union of fields changed
// since the request's base version.
func (s *Server) conflict(req remote.ApplyRequest, version int64, payload sql.NullString) error {
	remotePayload := json.RawMessage(`null`)
	if payload.Valid {
		remotePayload = json.RawMessage(payload.String)
	}
	return &remote.ConflictError{
		RemoteVersion: version,
		RemotePayload: remotePayload,
		RemoteChanged: s.changedSince(req.EntityType, req.EntityID, req.BaseVersion),
	}
}

func (s *Server) changedSince(entityType, entityID string, base int64) []string {
	rows, err := s.conn.Query(
		`SELECT fields FROM entity_changes WHERE entity_type = ? AND entity_id = ? AND version > ?`,
		entityType, entityID, base)
	if err != nil {
		return nil
	}
	defer rows.Close()

	seen := map[string]bool{}
	var union []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil
		}
		var fields []string
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return nil
		}
		for _, f := range fields {
			if !seen[f] {
				seen[f] = true
				union = append(union, f)
			}
		}
	}
	if union == nil {
		// A delete leaves no field diff; the conflict stays ambiguous
		return nil
	}
	return union
}

func (s *Server) recordChange(req remote.ApplyRequest, version int64) error {
	var fields []string
	if req.Operation != models.OperationDelete {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(req.Payload, &obj); err == nil {
			for f := range obj {
				fields = append(fields, f)
			}
		}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(
		`INSERT INTO entity_changes (entity_type, entity_id, version, fields) VALUES (?, ?, ?, ?)`,
		req.EntityType, req.EntityID, version, string(raw))
	return err
}

// Seed inserts an entity directly on the server, bypassing the queue,
// like another device would.
func (s *Server) Seed(t *testing.T, entityType, entityID string, version int64, payload string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(`
		INSERT INTO entities (entity_type, entity_id, version, payload, deleted)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(entity_type, entity_id)
		DO UPDATE SET version = excluded.version, payload = excluded.payload, deleted = 0`,
		entityType, entityID, version, payload)
	if err != nil {
		t.Fatalf("seed entity: %v", err)
	}
}

// MutateRemote applies a concurrent edit from "another device": it bumps
// the version and records which fields changed.
func (s *Server) MutateRemote(t *testing.T, entityType, entityID, payload string, changed []string) int64 {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	var version int64
	if err := s.conn.QueryRow(
		`SELECT version FROM entities WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID).Scan(&version); err != nil {
		t.Fatalf("read entity version: %v", err)
	}
	version++
	if _, err := s.conn.Exec(
		`UPDATE entities SET version = ?, payload = ? WHERE entity_type = ? AND entity_id = ?`,
		version, payload, entityType, entityID); err != nil {
		t.Fatalf("mutate remote entity: %v", err)
	}
	raw, _ := json.Marshal(changed)
	if _, err := s.conn.Exec(
		`INSERT INTO entity_changes (entity_type, entity_id, version, fields) VALUES (?, ?, ?, ?)`,
		entityType, entityID, version, string(raw)); err != nil {
		t.Fatalf("record remote change: %v", err)
	}
	return version
}

// Entity reads an entity's current server state.
func (s *Server) Entity(t *testing.T, entityType, entityID string) (int64, string, bool) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	var version int64
	var payload sql.NullString
	var deleted bool
	err := s.conn.QueryRow(
		`SELECT version, payload, deleted FROM entities WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID).Scan(&version, &payload, &deleted)
	if err == sql.ErrNoRows {
		return 0, "", false
	}
	if err != nil {
		t.Fatalf("read entity: %v", err)
	}
	return version, payload.String, !deleted
}

// Harness wires a real on-disk queue store to the fake server.
type Harness struct {
	t       *testing.T
	dir     string
	server  *Server
	Store   *db.DB
	Monitor *netmon.Monitor
	Engine  *engine.Engine
}

// NewHarness builds the rig, online, with a short debounce.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	h := &Harness{t: t, dir: t.TempDir(), server: NewServer(t)}

	store, err := db.Initialize(h.dir)
	if err != nil {
		t.Fatalf("initialize store: %v", err)
	}
	h.wire(store, true)
	return h
}

// Server exposes the fake remote for seeding and assertions.
func (h *Harness) Server() *Server {
	return h.server
}

// Restart simulates a process crash and restart: the store is closed (or
// abandoned) and reopened from disk, and a fresh engine is wired up.
func (h *Harness) Restart(online bool) {
	h.t.Helper()
	h.Store.Close()

	store, err := db.Open(h.dir)
	if err != nil {
		h.t.Fatalf("reopen store: %v", err)
	}
	h.wire(store, online)
}

func (h *Harness) wire(store *db.DB, online bool) {
	h.t.Cleanup(func() { store.Close() })
	h.Store = store
	h.Monitor = netmon.New(online, 20*time.Millisecond)
	reporter := status.NewReporter(store, h.Monitor, 10*time.Millisecond)

	cfg := engine.DefaultConfig()
	cfg.BaseDelay = 10 * time.Millisecond
	cfg.MaxDelay = 50 * time.Millisecond
	h.Engine = engine.New(store, h.server, h.Monitor, reporter, cfg)
}

// Enqueue queues a mutation on the client.
func (h *Harness) Enqueue(entityType, entityID string, op models.Operation, payload string, baseVersion int64) string {
	h.t.Helper()
	item := &models.QueueItem{
		EntityType:  entityType,
		EntityID:    entityID,
		Operation:   op,
		BaseVersion: baseVersion,
	}
	if payload != "" {
		item.Payload = []byte(payload)
	}
	id, err := h.Engine.Enqueue(item)
	if err != nil {
		h.t.Fatalf("enqueue: %v", err)
	}
	return id
}

// Sync runs one engine pass.
func (h *Harness) Sync() engine.PassResult {
	h.t.Helper()
	result, err := h.Engine.RunPass(context.Background())
	if err != nil {
		h.t.Fatalf("run pass: %v", err)
	}
	return result
}
