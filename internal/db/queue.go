package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marcus/oq/internal/models"
)

// MarkFields carries the optional fields a status transition may update.
type MarkFields struct {
	Attempts    *int
	NextRetryAt *time.Time
	LastError   *string
}

// validTransitions encodes the monotonic status machine. The only
// backward edges are failed→pending and conflicted→pending, both of
// which require an explicit caller action.
var validTransitions = map[models.ItemStatus][]models.ItemStatus{
	models.ItemPending:    {models.ItemInFlight},
	models.ItemInFlight:   {models.ItemPending, models.ItemSynced, models.ItemFailed, models.ItemConflicted},
	models.ItemFailed:     {models.ItemPending},
	models.ItemConflicted: {models.ItemPending},
}

func transitionAllowed(from, to models.ItemStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Enqueue buffers a mutation. It assigns the item ID (the idempotency
// key), commits before returning, and rejects the mutation outright with
// ErrQueueFull when the store is at capacity.
func (db *DB) Enqueue(item *models.QueueItem) (string, error) {
	if !models.ValidOperation(item.Operation) {
		return "", fmt.Errorf("invalid operation: %q", item.Operation)
	}
	if item.EntityType == "" || item.EntityID == "" {
		return "", fmt.Errorf("entity type and id are required")
	}

	id := item.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	err := db.withWriteLock(func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return storageErr("begin enqueue", err)
		}
		defer tx.Rollback()

		var count int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM queue_items`).Scan(&count); err != nil {
			return storageErr("count items", err)
		}
		if count >= db.maxItems {
			return fmt.Errorf("%w: %d items (max %d)", ErrQueueFull, count, db.maxItems)
		}

		_, err = tx.Exec(`
			INSERT INTO queue_items (id, entity_type, entity_id, operation, payload, base_version, enqueued_at, status, next_retry_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?)`,
			id, item.EntityType, item.EntityID, string(item.Operation),
			nullableJSON(item.Payload), item.BaseVersion, now, now,
		)
		if err != nil {
			return storageErr("insert item", err)
		}

		if err := bumpStat(tx, statEnqueued, 1); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return storageErr("commit enqueue", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	item.ID = id
	item.Status = models.ItemPending
	item.EnqueuedAt = now
	item.NextRetryAt = now
	return id, nil
}

// Get returns a single item by ID.
func (db *DB) Get(id string) (*models.QueueItem, error) {
	row := db.conn.QueryRow(itemColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get item", err)
	}
	return item, nil
}

// PeekReady returns items eligible for replay at the given instant:
// status pending, next_retry_at due, and no earlier item in the same
// entity group that is stuck or not yet due. Ordering is stable FIFO by
// enqueue sequence, so within a group the returned items form the
// contiguous ready prefix.
func (db *DB) PeekReady(now time.Time) ([]models.QueueItem, error) {
	rows, err := db.conn.Query(itemColumns+`
		FROM queue_items q
		WHERE q.status = 'pending' AND q.next_retry_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM queue_items b
			WHERE b.entity_type = q.entity_type AND b.entity_id = q.entity_id
			  AND b.seq < q.seq
			  AND (b.status != 'pending' OR b.next_retry_at > ?)
		  )
		ORDER BY q.seq ASC`, now.UTC(), now.UTC())
	if err != nil {
		return nil, storageErr("peek ready", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, storageErr("scan ready item", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// Mark transitions an item to the given status, updating any supplied
// fields. Transitions outside the status machine are rejected.
func (db *DB) Mark(id string, status models.ItemStatus, fields MarkFields) error {
	return db.withWriteLock(func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return storageErr("begin mark", err)
		}
		defer tx.Rollback()

		var current string
		err = tx.QueryRow(`SELECT status FROM queue_items WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("item %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return storageErr("read status", err)
		}

		from := models.ItemStatus(current)
		if !transitionAllowed(from, status) {
			return fmt.Errorf("invalid transition %s → %s for item %s", from, status, id)
		}

		query := `UPDATE queue_items SET status = ?`
		args := []any{string(status)}
		if fields.Attempts != nil {
			query += `, attempts = ?`
			args = append(args, *fields.Attempts)
		}
		if fields.NextRetryAt != nil {
			query += `, next_retry_at = ?`
			args = append(args, fields.NextRetryAt.UTC())
		}
		if fields.LastError != nil {
			query += `, last_error = ?`
			args = append(args, *fields.LastError)
		}
		query += ` WHERE id = ?`
		args = append(args, id)

		if _, err := tx.Exec(query, args...); err != nil {
			return storageErr("update status", err)
		}

		if err := tx.Commit(); err != nil {
			return storageErr("commit mark", err)
		}
		return nil
	})
}

// Remove deletes a synced item and credits the synced counter. Calling
// it on an item in any other status is a bug in the orchestrator.
func (db *DB) Remove(id string) error {
	return db.removeCounted(id, statSynced, models.ItemSynced)
}

// Discard deletes an item whose mutation was explicitly abandoned
// (keep_remote resolution, or a delete that was already consistent).
func (db *DB) Discard(id string) error {
	return db.removeCounted(id, statDiscarded, "")
}

func (db *DB) removeCounted(id, stat string, require models.ItemStatus) error {
	return db.withWriteLock(func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return storageErr("begin remove", err)
		}
		defer tx.Rollback()

		var current string
		err = tx.QueryRow(`SELECT status FROM queue_items WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("item %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return storageErr("read status", err)
		}
		if require != "" && models.ItemStatus(current) != require {
			return fmt.Errorf("remove item %s: status is %s, want %s", id, current, require)
		}

		if _, err := tx.Exec(`DELETE FROM queue_items WHERE id = ?`, id); err != nil {
			return storageErr("delete item", err)
		}
		if err := bumpStat(tx, stat, 1); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return storageErr("commit remove", err)
		}
		return nil
	})
}

// Requeue resets a conflicted or failed item to pending in place,
// preserving its queue position so entity-group ordering holds. Payload
// and base version are replaced when the resolution produced new ones.
func (db *DB) Requeue(id string, payload []byte, baseVersion int64) error {
	return db.withWriteLock(func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return storageErr("begin requeue", err)
		}
		defer tx.Rollback()

		var current string
		err = tx.QueryRow(`SELECT status FROM queue_items WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("item %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return storageErr("read status", err)
		}
		from := models.ItemStatus(current)
		if from != models.ItemConflicted && from != models.ItemFailed {
			return fmt.Errorf("requeue item %s: status is %s", id, from)
		}

		now := time.Now().UTC()
		if payload != nil {
			_, err = tx.Exec(`
				UPDATE queue_items
				SET status = 'pending', attempts = 0, next_retry_at = ?, last_error = '', payload = ?, base_version = ?
				WHERE id = ?`, now, payload, baseVersion, id)
		} else {
			_, err = tx.Exec(`
				UPDATE queue_items
				SET status = 'pending', attempts = 0, next_retry_at = ?, last_error = '', base_version = ?
				WHERE id = ?`, now, baseVersion, id)
		}
		if err != nil {
			return storageErr("requeue item", err)
		}

		if err := tx.Commit(); err != nil {
			return storageErr("commit requeue", err)
		}
		return nil
	})
}

// RetryItem resets a single failed item to pending with a fresh retry
// budget.
func (db *DB) RetryItem(id string) error {
	item, err := db.Get(id)
	if err != nil {
		return err
	}
	if item.Status != models.ItemFailed {
		return fmt.Errorf("retry item %s: status is %s, want failed", id, item.Status)
	}
	return db.Requeue(id, nil, item.BaseVersion)
}

// RetryFailed resets all failed items to pending. Returns the number of
// items reset.
func (db *DB) RetryFailed() (int, error) {
	var count int64
	err := db.withWriteLock(func() error {
		res, err := db.conn.Exec(`
			UPDATE queue_items
			SET status = 'pending', attempts = 0, next_retry_at = ?, last_error = ''
			WHERE status = 'failed'`, time.Now().UTC())
		if err != nil {
			return storageErr("retry failed items", err)
		}
		count, _ = res.RowsAffected()
		return nil
	})
	return int(count), err
}

// CountPending returns the number of items a user would consider
// unconfirmed: pending, in_flight, and failed.
func (db *DB) CountPending() (int, error) {
	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM queue_items WHERE status IN ('pending', 'in_flight', 'failed')`,
	).Scan(&count)
	if err != nil {
		return 0, storageErr("count pending", err)
	}
	return count, nil
}

// CountByStatus returns item counts keyed by status.
func (db *DB) CountByStatus() (map[models.ItemStatus]int, error) {
	rows, err := db.conn.Query(`SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, storageErr("count by status", err)
	}
	defer rows.Close()

	counts := make(map[models.ItemStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr("scan count", err)
		}
		counts[models.ItemStatus(status)] = n
	}
	return counts, rows.Err()
}

// List returns all queued items in enqueue order.
func (db *DB) List() ([]models.QueueItem, error) {
	rows, err := db.conn.Query(itemColumns + ` FROM queue_items ORDER BY seq ASC`)
	if err != nil {
		return nil, storageErr("list items", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, storageErr("scan item", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// Stats returns the monotonic session counters alongside the live count.
func (db *DB) Stats() (map[string]int64, error) {
	stats := map[string]int64{
		statEnqueued:  0,
		statSynced:    0,
		statDiscarded: 0,
	}
	rows, err := db.conn.Query(`SELECT key, value FROM queue_stats`)
	if err != nil {
		return nil, storageErr("read stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var value int64
		if err := rows.Scan(&key, &value); err != nil {
			return nil, storageErr("scan stat", err)
		}
		stats[key] = value
	}
	return stats, rows.Err()
}

// TotalEnqueued returns the lifetime enqueue counter.
func (db *DB) TotalEnqueued() (int64, error) {
	stats, err := db.Stats()
	if err != nil {
		return 0, err
	}
	return stats[statEnqueued], nil
}

func bumpStat(tx *sql.Tx, key string, delta int64) error {
	_, err := tx.Exec(`
		INSERT INTO queue_stats (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = value + ?`, key, delta, delta)
	if err != nil {
		return storageErr("bump stat "+key, err)
	}
	return nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// itemColumns is the explicit select list. Scanning named columns keeps
// old binaries compatible with databases that have grown new columns.
const itemColumns = `SELECT id, entity_type, entity_id, operation, COALESCE(payload, ''), base_version, enqueued_at, attempts, status, next_retry_at, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*models.QueueItem, error) {
	var item models.QueueItem
	var op, payload, enqueuedAt, nextRetryAt string
	err := row.Scan(
		&item.ID, &item.EntityType, &item.EntityID, &op, &payload,
		&item.BaseVersion, &enqueuedAt, &item.Attempts, (*string)(&item.Status),
		&nextRetryAt, &item.LastError,
	)
	if err != nil {
		return nil, err
	}
	item.Operation = models.Operation(op)
	if payload != "" {
		item.Payload = []byte(payload)
	}
	if item.EnqueuedAt, err = parseTimestamp(enqueuedAt); err != nil {
		return nil, fmt.Errorf("item %s enqueued_at: %w", item.ID, err)
	}
	if item.NextRetryAt, err = parseTimestamp(nextRetryAt); err != nil {
		return nil, fmt.Errorf("item %s next_retry_at: %w", item.ID, err)
	}
	return &item, nil
}
