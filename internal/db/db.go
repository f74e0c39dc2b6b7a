// Package db implements the durable queue store. Every mutating call
// commits synchronously before returning, so a crash between enqueue and
// acknowledgment never silently drops work.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	dataDir = ".oq"
	dbFile  = ".oq/queue.db"

	// DefaultMaxItems is the queue capacity when none is configured.
	DefaultMaxItems = 10000
)

// ErrQueueFull is returned by Enqueue when the store is at capacity.
// The mutation is rejected outright; nothing is partially inserted.
var ErrQueueFull = errors.New("queue full")

// ErrNotFound is returned when an item or conflict ID does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps the queue database connection
type DB struct {
	conn     *sql.DB
	baseDir  string
	maxItems int
	locker   *fileLock
}

// Open opens an existing queue database and runs any pending migrations
func Open(baseDir string) (*DB, error) {
	dbPath := filepath.Join(baseDir, dbFile)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("queue database not found: run 'oq init' first")
	}

	conn, err := openConn(dbPath)
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn, baseDir: baseDir, maxItems: DefaultMaxItems, locker: newFileLock(baseDir)}

	if err := db.runMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if err := db.recoverInFlight(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

// recoverInFlight returns items stranded in_flight by a crash to pending.
// The server dedupes on idempotency key, so replaying one that may have
// landed is safe.
func (db *DB) recoverInFlight() error {
	_, err := db.conn.Exec(`UPDATE queue_items SET status = 'pending' WHERE status = 'in_flight'`)
	if err != nil {
		return storageErr("recover in-flight items", err)
	}
	return nil
}

// Initialize creates the queue database, schema, and migrations
func Initialize(baseDir string) (*DB, error) {
	dbPath := filepath.Join(baseDir, dbFile)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	conn, err := openConn(dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	db := &DB{conn: conn, baseDir: baseDir, maxItems: DefaultMaxItems, locker: newFileLock(baseDir)}

	if err := db.runMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func openConn(dbPath string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for concurrent reads while writes are serialized
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// The queue is the durability guarantee, so take the fsync hit on
	// every commit rather than trading it for write speed.
	if _, err := conn.Exec("PRAGMA synchronous=FULL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set synchronous mode: %w", err)
	}

	return conn, nil
}

// Close closes the database
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying *sql.DB for callers that need transactions.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// SetMaxItems overrides the queue capacity. Zero or negative restores the default.
func (db *DB) SetMaxItems(n int) {
	if n <= 0 {
		n = DefaultMaxItems
	}
	db.maxItems = n
}

// withWriteLock serializes cross-process writes via an OS file lock.
// SQLite's busy_timeout is the fallback if the lock file is unavailable.
func (db *DB) withWriteLock(fn func() error) error {
	if err := db.locker.acquire(lockTimeout); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	defer db.locker.release()
	return fn()
}

// storageErr wraps a persistence failure. Storage errors indicate the
// durability guarantee itself is compromised and always surface loudly.
func storageErr(op string, err error) error {
	return fmt.Errorf("queue storage: %s: %w", op, err)
}

// parseTimestamp tries the SQLite timestamp formats the driver emits.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}
