// Package transport defines the contract the sync engine uses to talk to
// the remote data API, together with the error taxonomy the queue drain
// relies on to classify failures.
//
// The concrete backend is a managed REST-over-HTTPS data API; the engine
// only ever sees this interface, so tests substitute an in-memory fake.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haidar038/digifarm-sub002/internal/farm"
)

// Remote is the server's view of a record after a successful call. The
// server may assign its own id on create; callers must reconcile a
// client-generated id to ID when they differ.
type Remote struct {
	Type      farm.Type       `json:"type"`
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Payload   json.RawMessage `json:"payload"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// Transport performs remote mutations and fetches on behalf of the queue
// drain. Every method honors ctx cancellation and deadline; errors are one
// of the taxonomy types in this package (or wrap one).
type Transport interface {
	// Create inserts a new record and returns the server copy, which may
	// carry a server-assigned id different from the one in the payload.
	// idemKey is a stable per-operation key; the server deduplicates
	// replays of the same create when a response was lost in flight.
	Create(ctx context.Context, t farm.Type, payload json.RawMessage, idemKey string) (*Remote, error)

	// Update applies a field diff to an existing record. baseVersion is the
	// remote version the local edit was based on; the server rejects the
	// write with a ConflictError when its copy has moved past it.
	Update(ctx context.Context, t farm.Type, id string, payload json.RawMessage, baseVersion int64) (*Remote, error)

	// Delete removes a record. Deleting an already-deleted record is not an
	// error.
	Delete(ctx context.Context, t farm.Type, id string) error

	// FetchAll returns the full remote collection, used for the initial
	// mirror fill after connect.
	FetchAll(ctx context.Context, t farm.Type) ([]*Remote, error)
}
