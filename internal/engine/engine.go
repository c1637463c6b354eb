// Package engine wires the local mirror, pending-operation queue, and
// remote transport into the session-scoped sync engine the rest of the
// application talks to.
//
// One Engine exists per session. All local writes go through it: a write
// lands in the mirror and appends to the pending log inside one
// transaction, so a storage failure leaves neither half behind. Reads come
// straight from the mirror and work identically online and offline.
//
// The engine exposes read-only observables (pending count, last sync time,
// per-record sync state) and an event stream UI layers and the dashboard
// subscribe to.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haidar038/digifarm-sub002/internal/farm"
	"github.com/haidar038/digifarm-sub002/internal/queue"
	"github.com/haidar038/digifarm-sub002/internal/store"
	"github.com/haidar038/digifarm-sub002/internal/transport"
)

// ErrRecordDeleted is returned when a write targets a locally tombstoned
// record whose delete has not been reconciled yet.
var ErrRecordDeleted = errors.New("record is deleted locally")

// SyncState is the per-record sync status shown to UI consumers.
type SyncState string

const (
	SyncStateSynced   SyncState = "synced"
	SyncStatePending  SyncState = "pending"
	SyncStateConflict SyncState = "conflict"
	SyncStateDead     SyncState = "dead"
)

// Resolution is a user decision on a surfaced conflict.
type Resolution string

const (
	// ResolutionAcceptLocal resubmits the local edit against the current
	// remote version.
	ResolutionAcceptLocal Resolution = "accept-local"
	// ResolutionAcceptRemote discards the local edit and takes the remote
	// copy.
	ResolutionAcceptRemote Resolution = "accept-remote"
)

// Options configures an Engine.
type Options struct {
	Transport transport.Transport

	// Connectivity reports whether the remote is reachable. If nil the
	// engine assumes it is always online.
	Connectivity Connectivity

	// Drain configures the queue drain (timeouts, retry cap, backoff).
	Drain queue.DrainConfig

	// DebounceInterval batches local writes before an automatic drain in
	// daemon mode. Default: 2s.
	DebounceInterval time.Duration

	// FullFetchOnConnect pulls all remote collections into the mirror when
	// connectivity is first confirmed in daemon mode.
	FullFetchOnConnect bool

	// Logger for engine activity. If nil, a default stderr logger is used.
	Logger *log.Logger
}

// Engine is the offline-aware data layer: durable mirror, mutation queue,
// and reconciliation against the remote.
type Engine struct {
	db      *store.DB
	remote  transport.Transport
	drainer *queue.Drainer
	conn    Connectivity
	logger  *log.Logger
	opts    Options

	// mu serializes the local mutation path. The application model is a
	// single UI thread; the mutex keeps that contract when the daemon's
	// goroutines interleave with CLI writes.
	mu sync.Mutex

	lastSyncMu sync.RWMutex
	lastSync   time.Time

	subsMu sync.Mutex
	subs   map[int]chan Event
	nextID int

	kick chan struct{} // wakes the daemon loop after a local write
}

// New creates the session engine. The database schema must be initialized;
// operations stranded in flight by a previous session are returned to the
// queue here.
func New(db *store.DB, opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if opts.DebounceInterval == 0 {
		opts.DebounceInterval = 2 * time.Second
	}

	e := &Engine{
		db:      db,
		remote:  opts.Transport,
		drainer: queue.NewDrainer(db, opts.Transport, opts.Drain),
		conn:    opts.Connectivity,
		logger:  opts.Logger,
		opts:    opts,
		subs:    make(map[int]chan Event),
		kick:    make(chan struct{}, 1),
	}

	n, err := queue.Recover(context.Background(), db.Conn())
	if err != nil {
		return nil, err
	}
	if n > 0 {
		e.logger.Printf("Recovered %d in-flight operations from previous session", n)
	}
	return e, nil
}

// Get returns a record from the local mirror.
func (e *Engine) Get(ctx context.Context, t farm.Type, id string) (*farm.Record, error) {
	return e.db.Get(ctx, t, id)
}

// List returns all live records of one type from the local mirror. Each
// call is a fresh read.
func (e *Engine) List(ctx context.Context, t farm.Type) ([]*farm.Record, error) {
	return e.db.List(ctx, t)
}

// Put creates or updates a record locally and queues the matching remote
// operation. A record without an id gets a client-generated one, reconciled
// to the server id on first sync. Updates queue only the changed fields; a
// put that changes nothing is a no-op.
func (e *Engine) Put(ctx context.Context, rec *farm.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	payload, err := rec.Payload()
	if err != nil {
		return err
	}

	err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
		old, err := store.GetRecord(ctx, tx, rec.Type, rec.ID, true)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if err := store.PutDirty(ctx, tx, rec); err != nil {
				return err
			}
			_, err = queue.Enqueue(ctx, tx, &queue.Operation{
				RecordType: rec.Type,
				RecordID:   rec.ID,
				Kind:       queue.KindCreate,
				Payload:    payload,
			})
			return err

		case err != nil:
			return err

		case old.Deleted:
			return fmt.Errorf("%w: %s %s", ErrRecordDeleted, rec.Type, rec.ID)

		default:
			oldPayload, err := old.Payload()
			if err != nil {
				return err
			}
			diff, err := queue.DiffPayloads(oldPayload, payload)
			if err != nil {
				return err
			}
			if string(diff) == "{}" {
				return nil
			}
			if err := store.PutDirty(ctx, tx, rec); err != nil {
				return err
			}
			_, err = queue.Enqueue(ctx, tx, &queue.Operation{
				RecordType:  rec.Type,
				RecordID:    rec.ID,
				Kind:        queue.KindUpdate,
				Payload:     diff,
				BaseVersion: old.RemoteVersion,
			})
			return err
		}
	})
	if err != nil {
		return err
	}

	e.publish(EventRecordUpdated, recordEvent{Type: rec.Type, ID: rec.ID})
	e.wake()
	return nil
}

// Delete tombstones a record locally and queues the remote delete. When the
// record's create never reached the server, the pair cancels out and the
// tombstone is purged without any remote call.
func (e *Engine) Delete(ctx context.Context, t farm.Type, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		old, err := store.GetRecord(ctx, tx, t, id, false)
		if err != nil {
			return err
		}
		if err := store.Tombstone(ctx, tx, t, id); err != nil {
			return err
		}
		res, err := queue.Enqueue(ctx, tx, &queue.Operation{
			RecordType:  t,
			RecordID:    id,
			Kind:        queue.KindDelete,
			BaseVersion: old.RemoteVersion,
		})
		if err != nil {
			return err
		}
		if res == queue.Suppressed {
			return store.Purge(ctx, tx, t, id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.publish(EventRecordUpdated, recordEvent{Type: t, ID: id, Deleted: true})
	e.wake()
	return nil
}

// Sync drains the pending queue once. A drain already in progress makes
// this a no-op. On a clean pass the last-sync time advances.
func (e *Engine) Sync(ctx context.Context) (*queue.Result, error) {
	res, err := e.drainer.Drain(ctx)
	if errors.Is(err, queue.ErrDrainInProgress) {
		return &queue.Result{}, nil
	}
	if err != nil {
		return res, err
	}

	if !res.Transient {
		e.lastSyncMu.Lock()
		e.lastSync = time.Now()
		e.lastSyncMu.Unlock()
	}
	e.publish(EventDrainComplete, res)
	if res.Conflicts > 0 {
		e.publish(EventConflictDetected, map[string]int{"conflicts": res.Conflicts})
	}
	return res, nil
}

// ApplyRemote folds a server copy into the mirror as a clean write. Dirty
// local copies are never overwritten; the divergence surfaces as a conflict
// at drain time instead. Returns whether the mirror changed.
func (e *Engine) ApplyRemote(ctx context.Context, rm *transport.Remote) (bool, error) {
	var applied bool
	var err error
	if rm.Deleted {
		applied, err = store.RemoveClean(ctx, e.db.Conn(), rm.Type, rm.ID)
	} else {
		applied, err = store.PutClean(ctx, e.db.Conn(), rm.Type, rm.ID, rm.Payload, rm.Version, rm.UpdatedAt)
	}
	if err != nil {
		return false, err
	}
	if applied {
		e.publish(EventRecordUpdated, recordEvent{Type: rm.Type, ID: rm.ID, Deleted: rm.Deleted, Remote: true})
	}
	return applied, nil
}

// FullFetch pulls every remote collection into the mirror. Dirty records
// are skipped per ApplyRemote semantics.
func (e *Engine) FullFetch(ctx context.Context) error {
	for _, t := range farm.Types {
		remotes, err := e.remote.FetchAll(ctx, t)
		if err != nil {
			return fmt.Errorf("failed to fetch %s collection: %w", t, err)
		}
		applied := 0
		for _, rm := range remotes {
			ok, err := e.ApplyRemote(ctx, rm)
			if err != nil {
				e.logger.Printf("Warning: failed to apply remote %s %s: %v", t, rm.ID, err)
				continue
			}
			if ok {
				applied++
			}
		}
		e.logger.Printf("Fetched %s: %d remote, %d applied", t, len(remotes), applied)
	}
	return nil
}

// PendingCount returns the number of unconfirmed operations, for the
// "N pending" badge.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return queue.PendingCount(ctx, e.db.Conn())
}

// LastSync returns the time of the last clean drain, zero if none yet.
func (e *Engine) LastSync() time.Time {
	e.lastSyncMu.RLock()
	defer e.lastSyncMu.RUnlock()
	return e.lastSync
}

// Online reports the current connectivity signal.
func (e *Engine) Online() bool {
	if e.conn == nil {
		return true
	}
	return e.conn.Online()
}

// RecordStatus returns the sync state of one record.
func (e *Engine) RecordStatus(ctx context.Context, t farm.Type, id string) (SyncState, error) {
	ops, err := queue.List(ctx, e.db.Conn())
	if err != nil {
		return "", err
	}
	state := SyncStateSynced
	for _, op := range ops {
		if op.RecordType != t || op.RecordID != id {
			continue
		}
		switch op.State {
		case queue.StateConflict:
			return SyncStateConflict, nil
		case queue.StateDead:
			state = SyncStateDead
		case queue.StateQueued, queue.StateInFlight:
			if state == SyncStateSynced {
				state = SyncStatePending
			}
		}
	}
	return state, nil
}

// Conflicts returns all surfaced sync conflicts awaiting resolution.
func (e *Engine) Conflicts(ctx context.Context) ([]*queue.Conflict, error) {
	return queue.Conflicts(ctx, e.db.Conn())
}

// DeadLetters returns permanently failed operations kept for inspection.
func (e *Engine) DeadLetters(ctx context.Context) ([]*queue.Operation, error) {
	return queue.List(ctx, e.db.Conn(), queue.StateDead)
}

// Resolve applies a user decision to a surfaced conflict. Accepting the
// local edit requeues it against the current remote version; accepting the
// remote copy discards the local edit and overwrites the mirror.
func (e *Engine) Resolve(ctx context.Context, opID string, r Resolution) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := queue.GetConflict(ctx, e.db.Conn(), opID)
	if err != nil {
		return err
	}

	err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
		switch r {
		case ResolutionAcceptLocal:
			if err := queue.Reinstate(ctx, tx, opID, c.RemoteVersion); err != nil {
				return err
			}
			return queue.DeleteConflict(ctx, tx, opID)

		case ResolutionAcceptRemote:
			if err := queue.Discard(ctx, tx, opID); err != nil {
				return err
			}
			if err := queue.DeleteConflict(ctx, tx, opID); err != nil {
				return err
			}
			if len(c.RemotePayload) == 0 || string(c.RemotePayload) == "null" {
				// The remote copy is gone; accepting it means deleting ours.
				return store.Purge(ctx, tx, c.RecordType, c.RecordID)
			}
			return store.ForceClean(ctx, tx, c.RecordType, c.RecordID, c.RemotePayload, c.RemoteVersion, time.Now())

		default:
			return fmt.Errorf("unknown resolution %q", r)
		}
	})
	if err != nil {
		return err
	}

	e.publish(EventRecordUpdated, recordEvent{Type: c.RecordType, ID: c.RecordID})
	e.wake()
	return nil
}

// Close tears down the engine's database handle.
func (e *Engine) Close() error {
	return e.db.Close()
}

// recordEvent is the payload of EventRecordUpdated.
type recordEvent struct {
	Type    farm.Type `json:"record_type"`
	ID      string    `json:"record_id"`
	Deleted bool      `json:"deleted,omitempty"`
	Remote  bool      `json:"remote,omitempty"`
}

// wake nudges the daemon loop after a local mutation.
func (e *Engine) wake() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// publish fans an event out to subscribers. Slow subscribers drop events
// rather than block the engine.
func (e *Engine) publish(t EventType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		e.logger.Printf("Warning: failed to marshal %s event: %v", t, err)
		raw = nil
	}
	ev := Event{Type: t, Timestamp: time.Now(), Data: raw}

	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
