package db

import (
	"database/sql"
	"fmt"
	"strconv"
)

// GetSchemaVersion returns the schema version recorded in the database.
// Missing metadata means a pre-versioning database: version 0.
func (db *DB) GetSchemaVersion() (int, error) {
	var value string
	err := db.conn.QueryRow("SELECT value FROM schema_info WHERE key = 'version'").Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		// Table might not exist yet
		return 0, nil
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", value, err)
	}
	return v, nil
}

func (db *DB) setSchemaVersion(version int) error {
	_, err := db.conn.Exec(
		`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`,
		strconv.Itoa(version),
	)
	return err
}

// runMigrations brings the schema up to SchemaVersion. Each migration is
// additive; older binaries reading a newer database ignore columns they
// do not know about.
func (db *DB) runMigrations() error {
	current, err := db.GetSchemaVersion()
	if err != nil {
		return err
	}
	if current >= SchemaVersion {
		return nil
	}

	return db.withWriteLock(func() error {
		// Re-check under the lock in case another process migrated first
		current, err := db.GetSchemaVersion()
		if err != nil {
			return err
		}

		if current < 1 {
			if _, err := db.conn.Exec(schema); err != nil {
				return fmt.Errorf("migration 1 (base schema): %w", err)
			}
		}
		if current < 2 {
			if err := db.migrateLastError(); err != nil {
				return fmt.Errorf("migration 2 (last_error): %w", err)
			}
		}

		return db.setSchemaVersion(SchemaVersion)
	})
}

// migrateLastError adds the last_error column to databases created before
// failure reasons were persisted.
func (db *DB) migrateLastError() error {
	exists, err := db.columnExists("queue_items", "last_error")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = db.conn.Exec(`ALTER TABLE queue_items ADD COLUMN last_error TEXT NOT NULL DEFAULT ''`)
	return err
}

// columnExists checks whether a column exists on a table
func (db *DB) columnExists(table, column string) (bool, error) {
	rows, err := db.conn.Query(fmt.Sprintf("PRAGMA table_info(%s);", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
