package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/haidar038/digifarm-sub002/internal/farm"
	"github.com/haidar038/digifarm-sub002/internal/store"
	"github.com/haidar038/digifarm-sub002/internal/transport"
)

// ErrDrainInProgress is returned when Drain is called while another drain
// is running. Callers treat it as a no-op: the in-flight drain is already
// doing the work.
var ErrDrainInProgress = errors.New("drain already in progress")

// DrainConfig configures a Drainer.
type DrainConfig struct {
	// CallTimeout bounds each individual remote call. Exceeding it is a
	// transient failure, not a permanent one. Default: 15s.
	CallTimeout time.Duration

	// MaxAttempts is the retry cap per operation for transient failures.
	// Once exhausted the operation is dead-lettered and becomes user
	// visible. Default: 8.
	MaxAttempts int

	// BackoffBase and BackoffMax bound the exponential retry delay the
	// drain reports after a transient failure. Defaults: 2s and 5m.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Logger for drain activity. If nil, a default stderr logger is used.
	Logger *log.Logger
}

func (c *DrainConfig) withDefaults() DrainConfig {
	out := *c
	if out.CallTimeout == 0 {
		out.CallTimeout = 15 * time.Second
	}
	if out.MaxAttempts == 0 {
		out.MaxAttempts = 8
	}
	if out.BackoffBase == 0 {
		out.BackoffBase = 2 * time.Second
	}
	if out.BackoffMax == 0 {
		out.BackoffMax = 5 * time.Minute
	}
	if out.Logger == nil {
		out.Logger = log.New(os.Stderr, "[drain] ", log.LstdFlags)
	}
	return out
}

// Result summarizes one drain pass.
type Result struct {
	Confirmed int
	Conflicts int
	Dead      int
	Remaining int

	// Transient is set when the pass stopped on a network-level failure.
	// RetryAfter is the backoff delay before the next attempt.
	Transient  bool
	RetryAfter time.Duration
}

// Drainer replays the pending log against the remote. A single Drainer is
// shared per session; Drain itself is not reentrant and a concurrent call
// returns ErrDrainInProgress.
type Drainer struct {
	db     *store.DB
	remote transport.Transport
	cfg    DrainConfig

	draining chan struct{} // size 1; holding the token means a drain is running
}

// NewDrainer creates a Drainer over the shared database and transport.
func NewDrainer(db *store.DB, remote transport.Transport, cfg DrainConfig) *Drainer {
	return &Drainer{
		db:       db,
		remote:   remote,
		cfg:      cfg.withDefaults(),
		draining: make(chan struct{}, 1),
	}
}

// Backoff returns the exponential retry delay for the given attempt count
// (1-based), bounded by max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Drain replays queued operations in submission order until the queue is
// empty, a transient failure stops the pass, or ctx is cancelled.
//
// Failure handling per operation:
//
//   - transient: the operation returns to queued with its attempt count
//     bumped and the pass stops, leaving the rest of the queue untouched;
//     once the retry cap is exhausted the operation is dead-lettered and
//     the pass moves on
//   - conflict: the operation is parked, a Conflict is recorded, and only
//     that record is paused; operations on other records keep draining
//   - permanent: the operation is dead-lettered with the error preserved
//     and the pass moves on to other records; later operations queued on
//     the same record are held back, since replaying them past a failed
//     predecessor would break submission order (an update drained past its
//     dead create can only fail again)
//
// Cancellation is cooperative: the pass checks ctx between submissions, but
// an operation already sent is not abandoned mid-flight.
func (d *Drainer) Drain(ctx context.Context) (*Result, error) {
	select {
	case d.draining <- struct{}{}:
	default:
		return nil, ErrDrainInProgress
	}
	defer func() { <-d.draining }()

	conn := d.db.Conn()
	res := &Result{}

	paused, err := pausedKeys(ctx, conn)
	if err != nil {
		return res, err
	}

	for {
		if err := ctx.Err(); err != nil {
			d.cfg.Logger.Printf("Drain cancelled with %d operations confirmed", res.Confirmed)
			return d.finish(ctx, res, err)
		}

		op, err := nextQueued(ctx, conn, paused)
		if err != nil {
			return d.finish(ctx, res, err)
		}
		if op == nil {
			break
		}

		if err := d.markInFlight(ctx, op); err != nil {
			return d.finish(ctx, res, err)
		}

		remote, sendErr := d.send(ctx, op)
		switch {
		case sendErr == nil:
			if err := d.confirm(ctx, op, remote); err != nil {
				return d.finish(ctx, res, err)
			}
			res.Confirmed++

		case transport.AsConflict(sendErr) != nil:
			ce := transport.AsConflict(sendErr)
			if err := d.recordConflict(ctx, op, ce); err != nil {
				return d.finish(ctx, res, err)
			}
			paused[op.key()] = true
			res.Conflicts++
			d.cfg.Logger.Printf("Conflict on %s %s: remote version %d past base %d",
				op.RecordType, op.RecordID, ce.RemoteVersion, op.BaseVersion)

		case transport.IsTransient(sendErr):
			attempts := op.AttemptCount + 1
			if attempts >= d.cfg.MaxAttempts {
				if err := d.markDead(ctx, op, sendErr); err != nil {
					return d.finish(ctx, res, err)
				}
				paused[op.key()] = true
				res.Dead++
				d.cfg.Logger.Printf("Giving up on %s %s after %d attempts: %v",
					op.Kind, op.RecordID, attempts, sendErr)
				continue
			}
			if err := d.requeue(ctx, op, sendErr); err != nil {
				return d.finish(ctx, res, err)
			}
			res.Transient = true
			res.RetryAfter = Backoff(attempts, d.cfg.BackoffBase, d.cfg.BackoffMax)
			d.cfg.Logger.Printf("Transient failure on %s %s (attempt %d), retrying in %s: %v",
				op.Kind, op.RecordID, attempts, res.RetryAfter, sendErr)
			return d.finish(ctx, res, nil)

		default:
			// Permanent rejection (or an unclassified error, which is not
			// safe to retry blindly).
			if err := d.markDead(ctx, op, sendErr); err != nil {
				return d.finish(ctx, res, err)
			}
			paused[op.key()] = true
			res.Dead++
			d.cfg.Logger.Printf("Dead-lettered %s %s: %v", op.Kind, op.RecordID, sendErr)
		}
	}

	return d.finish(ctx, res, nil)
}

// send performs the remote call for one operation under the call timeout.
func (d *Drainer) send(ctx context.Context, op *Operation) (*transport.Remote, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	switch op.Kind {
	case KindCreate:
		// The op id doubles as the idempotency key so a replayed create
		// (response lost in flight, then recovered) cannot duplicate the
		// record remotely.
		return d.remote.Create(callCtx, op.RecordType, op.Payload, op.OpID)
	case KindUpdate:
		return d.remote.Update(callCtx, op.RecordType, op.RecordID, op.Payload, op.BaseVersion)
	case KindDelete:
		return nil, d.remote.Delete(callCtx, op.RecordType, op.RecordID)
	default:
		return nil, &transport.PermanentError{Op: string(op.Kind), Message: fmt.Sprintf("unknown operation kind %q", op.Kind)}
	}
}

// confirm applies a successful remote call: the operation leaves the queue,
// the mirror row is marked synced (or purged for deletes), and a
// server-assigned id replaces a client-generated one everywhere it is
// referenced.
func (d *Drainer) confirm(ctx context.Context, op *Operation, remote *transport.Remote) error {
	return d.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := deleteOpRow(ctx, tx, op.OpID); err != nil {
			return err
		}

		if op.Kind == KindDelete {
			return store.Purge(ctx, tx, op.RecordType, op.RecordID)
		}

		id := op.RecordID
		if remote != nil && remote.ID != "" && remote.ID != id {
			if err := store.Rekey(ctx, tx, op.RecordType, id, remote.ID); err != nil {
				return err
			}
			if err := RemapRecordID(ctx, tx, op.RecordType, id, remote.ID); err != nil {
				return err
			}
			id = remote.ID
		}

		remaining, err := HasPending(ctx, tx, op.RecordType, id)
		if err != nil {
			return err
		}
		// The server's canonical copy only replaces the local payload when
		// no further local edits are queued behind this one.
		var payload []byte
		if !remaining && remote != nil {
			payload = remote.Payload
		}
		var version int64
		var updatedAt time.Time
		if remote != nil {
			version = remote.Version
			updatedAt = remote.UpdatedAt
		}
		return store.MarkSynced(ctx, tx, op.RecordType, id, version, updatedAt, payload, !remaining)
	})
}

// recordConflict parks the operation and persists the conflict with local
// and remote payloads plus the field diff for manual resolution.
func (d *Drainer) recordConflict(ctx context.Context, op *Operation, ce *transport.ConflictError) error {
	return d.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE pending_ops SET state = ?, last_error = ? WHERE op_id = ?`,
			StateConflict, ce.Error(), op.OpID); err != nil {
			return &store.StorageError{Op: "park-conflict", Err: err}
		}

		local := op.Payload
		if rec, err := store.GetRecord(ctx, tx, op.RecordType, op.RecordID, true); err == nil {
			if full, err := rec.Payload(); err == nil {
				local = full
			}
		}

		diff, err := DiffPayloads(ce.RemotePayload, local)
		if err != nil {
			diff = []byte("{}")
		}

		return InsertConflict(ctx, tx, &Conflict{
			OpID:          op.OpID,
			RecordType:    op.RecordType,
			RecordID:      op.RecordID,
			LocalPayload:  local,
			RemotePayload: ce.RemotePayload,
			RemoteVersion: ce.RemoteVersion,
			Diff:          diff,
		})
	})
}

func (d *Drainer) markInFlight(ctx context.Context, op *Operation) error {
	if _, err := d.db.Conn().ExecContext(ctx,
		`UPDATE pending_ops SET state = ? WHERE op_id = ?`, StateInFlight, op.OpID); err != nil {
		return &store.StorageError{Op: "mark-in-flight", Err: err}
	}
	return nil
}

func (d *Drainer) requeue(ctx context.Context, op *Operation, cause error) error {
	if _, err := d.db.Conn().ExecContext(ctx,
		`UPDATE pending_ops SET state = ?, attempt_count = attempt_count + 1, last_error = ? WHERE op_id = ?`,
		StateQueued, cause.Error(), op.OpID); err != nil {
		return &store.StorageError{Op: "requeue", Err: err}
	}
	return nil
}

func (d *Drainer) markDead(ctx context.Context, op *Operation, cause error) error {
	if _, err := d.db.Conn().ExecContext(ctx,
		`UPDATE pending_ops SET state = ?, attempt_count = attempt_count + 1, last_error = ? WHERE op_id = ?`,
		StateDead, cause.Error(), op.OpID); err != nil {
		return &store.StorageError{Op: "mark-dead", Err: err}
	}
	return nil
}

// finish fills the remaining-count and returns.
func (d *Drainer) finish(ctx context.Context, res *Result, err error) (*Result, error) {
	var n int
	countErr := d.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_ops WHERE state = ?`, StateQueued).Scan(&n)
	if countErr == nil {
		res.Remaining = n
	}
	return res, err
}

// nextQueued returns the oldest queued operation whose record is not
// paused, or nil when nothing is left. The query runs fresh each call so
// operations enqueued while a drain is running are picked up in order.
func nextQueued(ctx context.Context, q store.Querier, paused map[recordKey]bool) (*Operation, error) {
	ops, err := List(ctx, q, StateQueued)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if !paused[op.key()] {
			return op, nil
		}
	}
	return nil, nil
}

// pausedKeys returns the records whose queues are paused by an unresolved
// conflict or a dead-lettered operation. Later operations on those records
// must wait for resolution (or a retry) so submission order is preserved.
func pausedKeys(ctx context.Context, q store.Querier) (map[recordKey]bool, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT DISTINCT record_type, record_id FROM pending_ops WHERE state IN (?, ?)`,
		StateConflict, StateDead)
	if err != nil {
		return nil, &store.StorageError{Op: "paused-keys", Err: err}
	}
	defer rows.Close()

	paused := make(map[recordKey]bool)
	for rows.Next() {
		var t, id string
		if err := rows.Scan(&t, &id); err != nil {
			return nil, &store.StorageError{Op: "paused-keys", Err: err}
		}
		paused[recordKey{farm.Type(t), id}] = true
	}
	if err := rows.Err(); err != nil {
		return nil, &store.StorageError{Op: "paused-keys", Err: err}
	}
	return paused, nil
}
