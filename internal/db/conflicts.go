package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/oq/internal/models"
)

// RecordConflict stores a divergence record and returns the conflict ID.
// Resolution defaults to pending; auto-resolved conflicts (merged,
// keep_remote no-ops) are recorded with their resolution already set so
// the audit trail stays complete.
func (db *DB) RecordConflict(c *models.Conflict) (int64, error) {
	resolution := c.Resolution
	if resolution == "" {
		resolution = models.ResolutionPending
	}
	var id int64
	err := db.withWriteLock(func() error {
		res, err := db.conn.Exec(`
			INSERT INTO conflicts (item_id, local_payload, remote_payload, remote_version, resolution, detected_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.ItemID, nullableJSON(c.LocalPayload), nullableJSON(c.RemotePayload),
			c.RemoteVersion, string(resolution), time.Now().UTC(),
		)
		if err != nil {
			return storageErr("insert conflict", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return storageErr("conflict id", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	c.ID = id
	c.Resolution = resolution
	return id, nil
}

// ListConflicts returns unresolved conflicts in detection order.
func (db *DB) ListConflicts() ([]models.Conflict, error) {
	rows, err := db.conn.Query(conflictColumns + `
		FROM conflicts WHERE resolution = 'pending' ORDER BY id ASC`)
	if err != nil {
		return nil, storageErr("list conflicts", err)
	}
	defer rows.Close()

	var conflicts []models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, storageErr("scan conflict", err)
		}
		conflicts = append(conflicts, *c)
	}
	return conflicts, rows.Err()
}

// GetConflict returns a single conflict by ID.
func (db *DB) GetConflict(id int64) (*models.Conflict, error) {
	row := db.conn.QueryRow(conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conflict %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get conflict", err)
	}
	return c, nil
}

// SetConflictResolution records the chosen resolution. Conflicts are
// never deleted; resolved rows stay behind as an audit trail.
func (db *DB) SetConflictResolution(id int64, resolution models.Resolution) error {
	return db.withWriteLock(func() error {
		res, err := db.conn.Exec(
			`UPDATE conflicts SET resolution = ? WHERE id = ? AND resolution = 'pending'`,
			string(resolution), id,
		)
		if err != nil {
			return storageErr("resolve conflict", err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return fmt.Errorf("conflict %d: %w (or already resolved)", id, ErrNotFound)
		}
		return nil
	})
}

const conflictColumns = `SELECT id, item_id, COALESCE(local_payload, ''), COALESCE(remote_payload, ''), remote_version, resolution, detected_at`

func scanConflict(row rowScanner) (*models.Conflict, error) {
	var c models.Conflict
	var local, remote, detectedAt string
	err := row.Scan(&c.ID, &c.ItemID, &local, &remote, &c.RemoteVersion,
		(*string)(&c.Resolution), &detectedAt)
	if err != nil {
		return nil, err
	}
	if local != "" {
		c.LocalPayload = []byte(local)
	}
	if remote != "" {
		c.RemotePayload = []byte(remote)
	}
	if c.DetectedAt, err = parseTimestamp(detectedAt); err != nil {
		return nil, fmt.Errorf("conflict %d detected_at: %w", c.ID, err)
	}
	return &c, nil
}
