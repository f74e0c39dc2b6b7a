package db

// SchemaVersion is the current queue schema version. Readers scan by
// explicit column name, so columns added by future versions are ignored
// rather than rejected.
const SchemaVersion = 2

const schema = `
-- Queue items: one row per buffered mutation. seq provides stable FIFO
-- ordering within an entity group; id is the idempotency key sent to the
-- remote on every replay attempt.
CREATE TABLE IF NOT EXISTS queue_items (
    seq            INTEGER PRIMARY KEY AUTOINCREMENT,
    id             TEXT NOT NULL UNIQUE,
    entity_type    TEXT NOT NULL,
    entity_id      TEXT NOT NULL,
    operation      TEXT NOT NULL,
    payload        JSON,
    base_version   INTEGER NOT NULL DEFAULT 0,
    enqueued_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    attempts       INTEGER NOT NULL DEFAULT 0,
    status         TEXT NOT NULL DEFAULT 'pending',
    next_retry_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_error     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_queue_entity ON queue_items(entity_type, entity_id, seq);
CREATE INDEX IF NOT EXISTS idx_queue_status ON queue_items(status, next_retry_at);

-- Conflicts: divergence records pinned until explicitly resolved.
CREATE TABLE IF NOT EXISTS conflicts (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id         TEXT NOT NULL,
    local_payload   JSON,
    remote_payload  JSON,
    remote_version  INTEGER NOT NULL DEFAULT 0,
    resolution      TEXT NOT NULL DEFAULT 'pending',
    detected_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_conflicts_item ON conflicts(item_id);
CREATE INDEX IF NOT EXISTS idx_conflicts_resolution ON conflicts(resolution, id);

-- Monotonic counters backing the accounting invariant:
-- items still queued + synced + discarded == enqueued.
CREATE TABLE IF NOT EXISTS queue_stats (
    key    TEXT PRIMARY KEY,
    value  INTEGER NOT NULL DEFAULT 0
);

-- Schema metadata
CREATE TABLE IF NOT EXISTS schema_info (
    key    TEXT PRIMARY KEY,
    value  TEXT NOT NULL
);
`

// Stats counter keys.
const (
	statEnqueued  = "total_enqueued"
	statSynced    = "total_synced"
	statDiscarded = "total_discarded"
)
