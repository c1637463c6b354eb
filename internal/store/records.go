package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haidar038/digifarm-sub002/internal/farm"
)

// Get retrieves a record from the mirror. Tombstoned records are treated as
// absent and return ErrNotFound.
func (db *DB) Get(ctx context.Context, t farm.Type, id string) (*farm.Record, error) {
	return GetRecord(ctx, db.conn, t, id, false)
}

// GetRecord retrieves a record through q. When includeDeleted is true,
// tombstoned rows are returned with Dirty/Deleted state intact; the engine
// uses this to distinguish "never existed" from "locally deleted".
func GetRecord(ctx context.Context, q Querier, t farm.Type, id string, includeDeleted bool) (*farm.Record, error) {
	query := `
	SELECT record_type, id, payload, updated_at, remote_version, local_version, dirty, deleted
	FROM records
	WHERE record_type = ? AND id = ?
	`
	if !includeDeleted {
		query += " AND deleted = 0"
	}

	rec, err := scanRecord(q.QueryRowContext(ctx, query, t, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, &StorageError{Op: "get", Err: err}
	}
	return rec, nil
}

// IsTombstoned reports whether the record exists only as a local tombstone.
func IsTombstoned(ctx context.Context, q Querier, t farm.Type, id string) (bool, error) {
	var deleted int
	err := q.QueryRowContext(ctx,
		`SELECT deleted FROM records WHERE record_type = ? AND id = ?`, t, id,
	).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &StorageError{Op: "get", Err: err}
	}
	return deleted == 1, nil
}

// List returns all live records of one type, ordered by id. Each call is a
// fresh read; no cursor state is retained between calls.
func (db *DB) List(ctx context.Context, t farm.Type) ([]*farm.Record, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT record_type, id, payload, updated_at, remote_version, local_version, dirty, deleted
	FROM records
	WHERE record_type = ? AND deleted = 0
	ORDER BY id ASC
	`, t)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	var records []*farm.Record
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, &StorageError{Op: "list", Err: err}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	return records, nil
}

// PutDirty upserts a locally mutated record: the local version is
// incremented and the row is marked dirty. A tombstone on the same key is
// revived (the record was re-created locally).
func PutDirty(ctx context.Context, q Querier, rec *farm.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	payload, err := rec.Payload()
	if err != nil {
		return err
	}

	query := `
	INSERT INTO records (record_type, id, payload, updated_at, remote_version, local_version, dirty, deleted)
	VALUES (?, ?, ?, NULL, 0, 1, 1, 0)
	ON CONFLICT(record_type, id) DO UPDATE SET
		payload = excluded.payload,
		local_version = records.local_version + 1,
		dirty = 1,
		deleted = 0
	`
	if _, err := q.ExecContext(ctx, query, rec.Type, rec.ID, string(payload)); err != nil {
		return &StorageError{Op: "put", Err: err}
	}
	return nil
}

// PutClean applies a server copy to the mirror. Dirty rows are left alone:
// local unconfirmed edits are never overwritten by a fetch, and the
// divergence surfaces as a conflict at drain time instead. Returns whether
// the row was written.
func PutClean(ctx context.Context, q Querier, t farm.Type, id string, payload json.RawMessage, version int64, updatedAt time.Time) (bool, error) {
	query := `
	INSERT INTO records (record_type, id, payload, updated_at, remote_version, local_version, dirty, deleted)
	VALUES (?, ?, ?, ?, ?, 0, 0, 0)
	ON CONFLICT(record_type, id) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		remote_version = excluded.remote_version,
		dirty = 0,
		deleted = 0
	WHERE records.dirty = 0
	`
	res, err := q.ExecContext(ctx, query, t, id, string(payload), updatedAt.UTC().Format(time.RFC3339), version)
	if err != nil {
		return false, &StorageError{Op: "put-clean", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &StorageError{Op: "put-clean", Err: err}
	}
	return n > 0, nil
}

// ForceClean writes the server copy unconditionally, discarding any local
// dirty or tombstone state. Used when the user resolves a conflict by
// accepting the remote copy.
func ForceClean(ctx context.Context, q Querier, t farm.Type, id string, payload json.RawMessage, version int64, updatedAt time.Time) error {
	query := `
	INSERT INTO records (record_type, id, payload, updated_at, remote_version, local_version, dirty, deleted)
	VALUES (?, ?, ?, ?, ?, 0, 0, 0)
	ON CONFLICT(record_type, id) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		remote_version = excluded.remote_version,
		dirty = 0,
		deleted = 0
	`
	if _, err := q.ExecContext(ctx, query, t, id, string(payload), updatedAt.UTC().Format(time.RFC3339), version); err != nil {
		return &StorageError{Op: "force-clean", Err: err}
	}
	return nil
}

// RemoveClean deletes a row in response to a confirmed remote delete.
// Dirty rows are kept; the local edit will conflict at drain time.
func RemoveClean(ctx context.Context, q Querier, t farm.Type, id string) (bool, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM records WHERE record_type = ? AND id = ? AND dirty = 0`, t, id)
	if err != nil {
		return false, &StorageError{Op: "remove-clean", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &StorageError{Op: "remove-clean", Err: err}
	}
	return n > 0, nil
}

// Tombstone marks a record locally deleted without purging the row, so the
// delete can be queued and later reconciled. Returns ErrNotFound when the
// record does not exist or is already tombstoned.
func Tombstone(ctx context.Context, q Querier, t farm.Type, id string) error {
	res, err := q.ExecContext(ctx, `
	UPDATE records SET deleted = 1, dirty = 1, local_version = local_version + 1
	WHERE record_type = ? AND id = ? AND deleted = 0
	`, t, id)
	if err != nil {
		return &StorageError{Op: "remove", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &StorageError{Op: "remove", Err: err}
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Purge physically removes a row, used once a delete is confirmed remotely
// or a queued create was cancelled before ever reaching the server.
func Purge(ctx context.Context, q Querier, t farm.Type, id string) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM records WHERE record_type = ? AND id = ?`, t, id); err != nil {
		return &StorageError{Op: "purge", Err: err}
	}
	return nil
}

// MarkSynced records a confirmed remote write: server version and timestamp
// are stored and, when payload is non-nil, the server's canonical copy
// replaces the local one. The dirty flag is cleared only when clearDirty is
// set — the caller keeps it when further operations are still queued for
// the record.
func MarkSynced(ctx context.Context, q Querier, t farm.Type, id string, version int64, updatedAt time.Time, payload json.RawMessage, clearDirty bool) error {
	query := `UPDATE records SET remote_version = ?, updated_at = ?`
	args := []any{version, updatedAt.UTC().Format(time.RFC3339)}
	if payload != nil {
		query += `, payload = ?`
		args = append(args, string(payload))
	}
	if clearDirty {
		query += `, dirty = 0`
	}
	query += ` WHERE record_type = ? AND id = ?`
	args = append(args, t, id)

	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return &StorageError{Op: "mark-synced", Err: err}
	}
	return nil
}

// Rekey renames a record after the server assigned its own id to a
// client-generated one, and rewrites payload references in other records
// pointing at the old id (productions referencing a land, activities
// referencing a production).
func Rekey(ctx context.Context, q Querier, t farm.Type, oldID, newID string) error {
	if _, err := q.ExecContext(ctx,
		`UPDATE records SET id = ? WHERE record_type = ? AND id = ?`, newID, t, oldID); err != nil {
		return &StorageError{Op: "rekey", Err: err}
	}

	field := t.ReferenceField()
	if field == "" {
		return nil
	}
	path := "$." + field
	if _, err := q.ExecContext(ctx,
		`UPDATE records SET payload = json_set(payload, `+quoteJSONPath(path)+`, ?)
		 WHERE json_extract(payload, `+quoteJSONPath(path)+`) = ?`,
		newID, oldID); err != nil {
		return &StorageError{Op: "rekey", Err: err}
	}
	return nil
}

// quoteJSONPath embeds a JSON path literal. Paths are built from the fixed
// reference field names in the farm package, never from user input.
func quoteJSONPath(path string) string {
	return "'" + path + "'"
}

// scanRecord scans a single-row query into a Record.
func scanRecord(row *sql.Row) (*farm.Record, error) {
	var (
		typ, id, payload            string
		updatedAt                   sql.NullString
		remoteVersion, localVersion int64
		dirty, deleted              int
	)
	if err := row.Scan(&typ, &id, &payload, &updatedAt, &remoteVersion, &localVersion, &dirty, &deleted); err != nil {
		return nil, err
	}
	return buildRecord(typ, id, payload, updatedAt, remoteVersion, localVersion, dirty, deleted)
}

// scanRecordRows scans the current row of a multi-row query into a Record.
func scanRecordRows(rows *sql.Rows) (*farm.Record, error) {
	var (
		typ, id, payload            string
		updatedAt                   sql.NullString
		remoteVersion, localVersion int64
		dirty, deleted              int
	)
	if err := rows.Scan(&typ, &id, &payload, &updatedAt, &remoteVersion, &localVersion, &dirty, &deleted); err != nil {
		return nil, err
	}
	return buildRecord(typ, id, payload, updatedAt, remoteVersion, localVersion, dirty, deleted)
}

func buildRecord(typ, id, payload string, updatedAt sql.NullString, remoteVersion, localVersion int64, dirty, deleted int) (*farm.Record, error) {
	rec, err := farm.FromPayload(farm.Type(typ), id, json.RawMessage(payload))
	if err != nil {
		return nil, err
	}
	rec.RemoteVersion = remoteVersion
	rec.LocalVersion = localVersion
	rec.Dirty = dirty == 1
	rec.Deleted = deleted == 1
	if updatedAt.Valid {
		if ts, err := time.Parse(time.RFC3339, updatedAt.String); err == nil {
			rec.UpdatedAt = &ts
		}
	}
	return rec, nil
}
