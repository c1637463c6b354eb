package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haidar038/digifarm-sub002/internal/farm"
	"github.com/haidar038/digifarm-sub002/internal/store"
)

// ErrRecordDeleted is returned when an update is enqueued for a record that
// already has a queued delete.
var ErrRecordDeleted = errors.New("record has a queued delete")

// EnqueueResult describes what Enqueue did with the operation.
type EnqueueResult int

const (
	// Appended: a new queue entry was created.
	Appended EnqueueResult = iota
	// Coalesced: the operation merged into an existing queued entry.
	Coalesced
	// Suppressed: a delete cancelled a create the server never saw; nothing
	// remains queued for the record and the caller should purge the local
	// tombstone.
	Suppressed
)

// Enqueue appends op to the pending log, coalescing with any unsent entry
// for the same record:
//
//   - update after queued create merges into the create payload
//   - update after queued update merges fields, keeping the earliest base
//     version
//   - delete replaces whatever is queued; a delete landing on an unsent
//     create removes the entry entirely (Suppressed)
//
// Entries past the queued state (in flight, conflicted, dead) are never
// touched; a new entry is appended behind them instead.
func Enqueue(ctx context.Context, q store.Querier, op *Operation) (EnqueueResult, error) {
	if !op.RecordType.Valid() {
		return 0, fmt.Errorf("unknown record type %q", op.RecordType)
	}
	if op.OpID == "" {
		op.OpID = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}

	existing, err := queuedOpFor(ctx, q, op.RecordType, op.RecordID)
	if err != nil {
		return 0, err
	}

	if existing == nil {
		if err := insertOp(ctx, q, op); err != nil {
			return 0, err
		}
		return Appended, nil
	}

	switch op.Kind {
	case KindCreate:
		return 0, fmt.Errorf("create enqueued for %s %s which already has a queued %s",
			op.RecordType, op.RecordID, existing.Kind)

	case KindUpdate:
		if existing.Kind == KindDelete {
			return 0, fmt.Errorf("%w: %s %s", ErrRecordDeleted, op.RecordType, op.RecordID)
		}
		merged, err := MergePayloads(existing.Payload, op.Payload)
		if err != nil {
			return 0, err
		}
		// Keep the existing kind (a create absorbs its updates) and the
		// existing base version, which is the earliest.
		if err := updateOpPayload(ctx, q, existing.OpID, merged); err != nil {
			return 0, err
		}
		return Coalesced, nil

	case KindDelete:
		if existing.Kind == KindCreate {
			// The server never saw this record; nothing to delete remotely.
			if err := deleteOpRow(ctx, q, existing.OpID); err != nil {
				return 0, err
			}
			return Suppressed, nil
		}
		if err := replaceWithDelete(ctx, q, existing.OpID); err != nil {
			return 0, err
		}
		return Coalesced, nil

	default:
		return 0, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// Recover returns crashed in-flight operations to the queued state. Called
// once at engine startup: an operation stuck in flight from a previous
// session was either never sent or its outcome was lost. Replaying is safe:
// updates carry their base version, deletes target an id, and creates send
// the op id as the idempotency key so the server can deduplicate a replay
// whose first response was lost.
func Recover(ctx context.Context, q store.Querier) (int, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE pending_ops SET state = ? WHERE state = ?`, StateQueued, StateInFlight)
	if err != nil {
		return 0, &store.StorageError{Op: "recover", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// List returns operations in the given states in submission order. With no
// states, everything is returned.
func List(ctx context.Context, q store.Querier, states ...State) ([]*Operation, error) {
	query := `
	SELECT seq, op_id, record_type, record_id, kind, payload, base_version,
	       state, attempt_count, last_error, created_at
	FROM pending_ops
	`
	var args []any
	if len(states) > 0 {
		query += " WHERE state IN ("
		for i, s := range states {
			if i > 0 {
				query += ", "
			}
			query += "?"
			args = append(args, s)
		}
		query += ")"
	}
	query += " ORDER BY seq ASC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &store.StorageError{Op: "list-ops", Err: err}
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, &store.StorageError{Op: "list-ops", Err: err}
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.StorageError{Op: "list-ops", Err: err}
	}
	return ops, nil
}

// Get returns one operation by id, or store.ErrNotFound.
func Get(ctx context.Context, q store.Querier, opID string) (*Operation, error) {
	rows, err := q.QueryContext(ctx, `
	SELECT seq, op_id, record_type, record_id, kind, payload, base_version,
	       state, attempt_count, last_error, created_at
	FROM pending_ops WHERE op_id = ?
	`, opID)
	if err != nil {
		return nil, &store.StorageError{Op: "get-op", Err: err}
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, &store.StorageError{Op: "get-op", Err: err}
		}
		return nil, store.ErrNotFound
	}
	op, err := scanOp(rows)
	if err != nil {
		return nil, &store.StorageError{Op: "get-op", Err: err}
	}
	return op, nil
}

// PendingCount returns the number of unconfirmed operations (queued, in
// flight, or conflicted — everything except dead letters).
func PendingCount(ctx context.Context, q store.Querier) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_ops WHERE state IN (?, ?, ?)`,
		StateQueued, StateInFlight, StateConflict).Scan(&n)
	if err != nil {
		return 0, &store.StorageError{Op: "count-ops", Err: err}
	}
	return n, nil
}

// HasPending reports whether any unconfirmed operation targets the record.
func HasPending(ctx context.Context, q store.Querier, t farm.Type, id string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_ops WHERE record_type = ? AND record_id = ? AND state IN (?, ?, ?)`,
		t, id, StateQueued, StateInFlight, StateConflict).Scan(&n)
	if err != nil {
		return false, &store.StorageError{Op: "count-ops", Err: err}
	}
	return n > 0, nil
}

// RetryDead requeues a dead-lettered operation with a fresh attempt budget.
func RetryDead(ctx context.Context, q store.Querier, opID string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE pending_ops SET state = ?, attempt_count = 0, last_error = '' WHERE op_id = ? AND state = ?`,
		StateQueued, opID, StateDead)
	if err != nil {
		return &store.StorageError{Op: "retry-dead", Err: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Reinstate requeues a conflicted operation against a fresh base version,
// used when the user resolves a conflict by keeping the local edit.
func Reinstate(ctx context.Context, q store.Querier, opID string, baseVersion int64) error {
	res, err := q.ExecContext(ctx, `
	UPDATE pending_ops SET state = ?, base_version = ?, attempt_count = 0, last_error = ''
	WHERE op_id = ? AND state = ?
	`, StateQueued, baseVersion, opID, StateConflict)
	if err != nil {
		return &store.StorageError{Op: "reinstate", Err: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Discard removes an operation outright, whatever its state.
func Discard(ctx context.Context, q store.Querier, opID string) error {
	return deleteOpRow(ctx, q, opID)
}

// RemapRecordID rewrites every pending reference to a client-generated id
// after the server assigned its own: later queued operations on the record
// itself, conflicts referencing it, and payload fields in operations on
// other records that point at it.
func RemapRecordID(ctx context.Context, q store.Querier, t farm.Type, oldID, newID string) error {
	if _, err := q.ExecContext(ctx,
		`UPDATE pending_ops SET record_id = ? WHERE record_type = ? AND record_id = ?`,
		newID, t, oldID); err != nil {
		return &store.StorageError{Op: "remap", Err: err}
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE sync_conflicts SET record_id = ? WHERE record_type = ? AND record_id = ?`,
		newID, t, oldID); err != nil {
		return &store.StorageError{Op: "remap", Err: err}
	}

	field := t.ReferenceField()
	if field == "" {
		return nil
	}
	path := "'$." + field + "'"
	if _, err := q.ExecContext(ctx,
		`UPDATE pending_ops SET payload = json_set(payload, `+path+`, ?)
		 WHERE payload IS NOT NULL AND json_extract(payload, `+path+`) = ?`,
		newID, oldID); err != nil {
		return &store.StorageError{Op: "remap", Err: err}
	}
	return nil
}

// InsertConflict persists a surfaced conflict.
func InsertConflict(ctx context.Context, q store.Querier, c *Conflict) error {
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
	INSERT INTO sync_conflicts (op_id, record_type, record_id, local_payload, remote_payload, remote_version, diff, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(op_id) DO UPDATE SET
		local_payload = excluded.local_payload,
		remote_payload = excluded.remote_payload,
		remote_version = excluded.remote_version,
		diff = excluded.diff,
		detected_at = excluded.detected_at
	`, c.OpID, c.RecordType, c.RecordID,
		string(c.LocalPayload), string(c.RemotePayload), c.RemoteVersion,
		string(c.Diff), c.DetectedAt.Format(time.RFC3339))
	if err != nil {
		return &store.StorageError{Op: "insert-conflict", Err: err}
	}
	return nil
}

// Conflicts returns all surfaced conflicts, oldest first.
func Conflicts(ctx context.Context, q store.Querier) ([]*Conflict, error) {
	rows, err := q.QueryContext(ctx, `
	SELECT op_id, record_type, record_id, local_payload, remote_payload, remote_version, diff, detected_at
	FROM sync_conflicts ORDER BY detected_at ASC, op_id ASC
	`)
	if err != nil {
		return nil, &store.StorageError{Op: "list-conflicts", Err: err}
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, &store.StorageError{Op: "list-conflicts", Err: err}
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.StorageError{Op: "list-conflicts", Err: err}
	}
	return conflicts, nil
}

// GetConflict returns one conflict by operation id, or store.ErrNotFound.
func GetConflict(ctx context.Context, q store.Querier, opID string) (*Conflict, error) {
	rows, err := q.QueryContext(ctx, `
	SELECT op_id, record_type, record_id, local_payload, remote_payload, remote_version, diff, detected_at
	FROM sync_conflicts WHERE op_id = ?
	`, opID)
	if err != nil {
		return nil, &store.StorageError{Op: "get-conflict", Err: err}
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, &store.StorageError{Op: "get-conflict", Err: err}
		}
		return nil, store.ErrNotFound
	}
	return scanConflict(rows)
}

// DeleteConflict removes a resolved conflict.
func DeleteConflict(ctx context.Context, q store.Querier, opID string) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM sync_conflicts WHERE op_id = ?`, opID); err != nil {
		return &store.StorageError{Op: "delete-conflict", Err: err}
	}
	return nil
}

// queuedOpFor returns the single queued (unsent) operation for a record,
// or nil.
func queuedOpFor(ctx context.Context, q store.Querier, t farm.Type, id string) (*Operation, error) {
	rows, err := q.QueryContext(ctx, `
	SELECT seq, op_id, record_type, record_id, kind, payload, base_version,
	       state, attempt_count, last_error, created_at
	FROM pending_ops
	WHERE record_type = ? AND record_id = ? AND state = ?
	ORDER BY seq DESC LIMIT 1
	`, t, id, StateQueued)
	if err != nil {
		return nil, &store.StorageError{Op: "find-op", Err: err}
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, &store.StorageError{Op: "find-op", Err: err}
		}
		return nil, nil
	}
	op, err := scanOp(rows)
	if err != nil {
		return nil, &store.StorageError{Op: "find-op", Err: err}
	}
	return op, nil
}

func insertOp(ctx context.Context, q store.Querier, op *Operation) error {
	var payload any
	if op.Payload != nil {
		payload = string(op.Payload)
	}
	_, err := q.ExecContext(ctx, `
	INSERT INTO pending_ops (op_id, record_type, record_id, kind, payload, base_version, state, attempt_count, last_error, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?)
	`, op.OpID, op.RecordType, op.RecordID, op.Kind, payload, op.BaseVersion,
		StateQueued, op.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return &store.StorageError{Op: "enqueue", Err: err}
	}
	return nil
}

func updateOpPayload(ctx context.Context, q store.Querier, opID string, payload json.RawMessage) error {
	if _, err := q.ExecContext(ctx,
		`UPDATE pending_ops SET payload = ? WHERE op_id = ?`, string(payload), opID); err != nil {
		return &store.StorageError{Op: "coalesce", Err: err}
	}
	return nil
}

func replaceWithDelete(ctx context.Context, q store.Querier, opID string) error {
	if _, err := q.ExecContext(ctx,
		`UPDATE pending_ops SET kind = ?, payload = NULL WHERE op_id = ?`, KindDelete, opID); err != nil {
		return &store.StorageError{Op: "coalesce", Err: err}
	}
	return nil
}

func deleteOpRow(ctx context.Context, q store.Querier, opID string) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM pending_ops WHERE op_id = ?`, opID); err != nil {
		return &store.StorageError{Op: "dequeue", Err: err}
	}
	return nil
}

func scanOp(rows *sql.Rows) (*Operation, error) {
	var (
		op        Operation
		payload   sql.NullString
		createdAt string
	)
	err := rows.Scan(&op.Seq, &op.OpID, &op.RecordType, &op.RecordID, &op.Kind,
		&payload, &op.BaseVersion, &op.State, &op.AttemptCount, &op.LastError, &createdAt)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}
	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		op.CreatedAt = ts
	}
	return &op, nil
}

func scanConflict(rows *sql.Rows) (*Conflict, error) {
	var (
		c                             Conflict
		local, remote, diff, detected string
	)
	err := rows.Scan(&c.OpID, &c.RecordType, &c.RecordID, &local, &remote, &c.RemoteVersion, &diff, &detected)
	if err != nil {
		return nil, err
	}
	c.LocalPayload = json.RawMessage(local)
	c.RemotePayload = json.RawMessage(remote)
	c.Diff = json.RawMessage(diff)
	if ts, err := time.Parse(time.RFC3339, detected); err == nil {
		c.DetectedAt = ts
	}
	return &c, nil
}
