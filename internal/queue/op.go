// Package queue implements the pending-operation log: the ordered record of
// local mutations not yet confirmed by the remote, and the drain engine
// that replays them.
//
// Operations move through a small state machine:
//
//	queued -> in_flight -> confirmed (row removed)
//	                    -> conflict  (remote moved past the base version)
//	                    -> dead      (permanent rejection, or retry cap hit)
//	                    -> queued    (transient failure, retried with backoff)
//
// Enqueue coalesces: consecutive operations against the same record merge
// into the fewest equivalent remote calls, so the server never sees a
// create immediately followed by its own updates, and a delete of a record
// the server never saw is suppressed entirely.
package queue

import (
	"encoding/json"
	"time"

	"github.com/haidar038/digifarm-sub002/internal/farm"
)

// Kind is the mutation type of a pending operation.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// State is the lifecycle state of a pending operation.
type State string

const (
	StateQueued   State = "queued"
	StateInFlight State = "in_flight"
	StateConflict State = "conflict"
	StateDead     State = "dead"
)

// Operation is one queued mutation. Seq preserves submission order; ops
// against the same record are always replayed in Seq order.
type Operation struct {
	Seq        int64           `json:"seq"`
	OpID       string          `json:"op_id"`
	RecordType farm.Type       `json:"record_type"`
	RecordID   string          `json:"record_id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// BaseVersion is the remote version the local edit was based on. For
	// merged updates it is the earliest base of the merged edits, which is
	// the most conservative choice for conflict detection.
	BaseVersion int64 `json:"base_version"`

	State        State     `json:"state"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// key identifies the record an operation targets.
func (o *Operation) key() recordKey {
	return recordKey{o.RecordType, o.RecordID}
}

type recordKey struct {
	Type farm.Type
	ID   string
}

// Conflict is a sync conflict surfaced by the drain: the remote copy moved
// past the base version of a queued local edit. It is never resolved
// automatically; Local and Remote payloads plus the field diff are kept for
// manual reconciliation.
type Conflict struct {
	OpID          string          `json:"op_id"`
	RecordType    farm.Type       `json:"record_type"`
	RecordID      string          `json:"record_id"`
	LocalPayload  json.RawMessage `json:"local_payload"`
	RemotePayload json.RawMessage `json:"remote_payload"`
	RemoteVersion int64           `json:"remote_version"`
	Diff          json.RawMessage `json:"diff"`
	DetectedAt    time.Time       `json:"detected_at"`
}
