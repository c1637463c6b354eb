package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haidar038/digifarm-sub002/internal/farm"
)

// TransientError is a network-level or timeout failure. The drain stops,
// keeps the operation queued, and retries with backoff; transient failures
// only become user-visible once the retry cap is exhausted.
type TransientError struct {
	Op  string // "create", "update", "delete", "fetch"
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a validation or auth rejection. The operation is never
// retried; it is dead-lettered with the message preserved for inspection.
type PermanentError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent %s failure (status %d): %s", e.Op, e.StatusCode, e.Message)
}

// ConflictError means the remote copy has moved past the base version the
// local edit was made against. It is never resolved silently: the drain
// pauses the record and surfaces local and remote payloads side by side for
// manual reconciliation.
type ConflictError struct {
	RecordType      farm.Type
	RecordID        string
	BaseVersion     int64
	RemoteVersion   int64
	RemoteUpdatedAt time.Time
	RemotePayload   json.RawMessage
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: remote version %d is past base %d",
		e.RecordType, e.RecordID, e.RemoteVersion, e.BaseVersion)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// AsConflict returns the wrapped ConflictError, or nil when err is not a
// conflict.
func AsConflict(err error) *ConflictError {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}
