// Package store provides the durable on-device mirror of the farm
// collections plus the pending-operation log, backed by embedded SQLite.
//
// The database runs in WAL mode so reads stay cheap while the sync engine
// writes. Two tables matter: records (the mirror, with dirty/tombstone
// bookkeeping per row) and pending_ops (the ordered mutation log the queue
// package drains). A third table, sync_conflicts, holds surfaced conflicts
// awaiting manual resolution.
//
// Mutating helpers are package functions over a Querier so the engine can
// run a mirror write and its queue append inside one transaction: a local
// edit either lands in both places or in neither.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Querier is the subset of database/sql satisfied by both *sql.DB and
// *sql.Tx. Mutating store and queue helpers take a Querier so callers
// choose the transaction boundary.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the SQLite connection holding the local mirror and pending log.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the local database at path.
//
// The caller MUST call Close() when done. WAL mode, a busy timeout, and
// foreign keys are enabled on every open.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &StorageError{Op: "open", Err: fmt.Errorf("failed to create database directory: %w", err)}
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, &StorageError{Op: "open", Err: fmt.Errorf("failed to ping database: %w", err)}
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, &StorageError{Op: "open", Err: fmt.Errorf("%s failed: %w", pragma, err)}
		}
	}

	return db, nil
}

// Conn returns the underlying sql.DB, usable wherever a Querier is needed.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return &StorageError{Op: "close", Err: err}
	}
	db.conn = nil
	return nil
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "commit", Err: err}
	}
	return nil
}

// InitSchema creates all tables and indexes. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	-- Local mirror of the remote collections. One row per record; tombstoned
	-- rows (deleted=1) stay until their delete is confirmed remotely.
	CREATE TABLE IF NOT EXISTS records (
		record_type    TEXT NOT NULL,
		id             TEXT NOT NULL,
		payload        TEXT NOT NULL,     -- JSON body of the record
		updated_at     TEXT,              -- server timestamp, NULL before first sync
		remote_version INTEGER NOT NULL DEFAULT 0,
		local_version  INTEGER NOT NULL DEFAULT 0,
		dirty          INTEGER NOT NULL DEFAULT 0,
		deleted        INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (record_type, id)
	);

	-- Ordered log of not-yet-confirmed mutations. seq preserves submission
	-- order; at most one row per record is in state 'queued' at any time
	-- (enqueue coalesces into it).
	CREATE TABLE IF NOT EXISTS pending_ops (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		op_id         TEXT NOT NULL UNIQUE,
		record_type   TEXT NOT NULL,
		record_id     TEXT NOT NULL,
		kind          TEXT NOT NULL,      -- create, update, delete
		payload       TEXT,               -- JSON snapshot (create) or field diff (update)
		base_version  INTEGER NOT NULL DEFAULT 0,
		state         TEXT NOT NULL DEFAULT 'queued',  -- queued, in_flight, conflict, dead
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error    TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL
	);

	-- Conflicts surfaced by the drain, awaiting manual resolution.
	CREATE TABLE IF NOT EXISTS sync_conflicts (
		op_id          TEXT PRIMARY KEY,
		record_type    TEXT NOT NULL,
		record_id      TEXT NOT NULL,
		local_payload  TEXT NOT NULL,
		remote_payload TEXT NOT NULL,
		remote_version INTEGER NOT NULL,
		diff           TEXT NOT NULL DEFAULT '{}',
		detected_at    TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_dirty ON records(dirty);
	CREATE INDEX IF NOT EXISTS idx_records_type ON records(record_type);
	CREATE INDEX IF NOT EXISTS idx_ops_record ON pending_ops(record_type, record_id);
	CREATE INDEX IF NOT EXISTS idx_ops_state ON pending_ops(state, seq);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return &StorageError{Op: "init-schema", Err: err}
	}
	return nil
}
