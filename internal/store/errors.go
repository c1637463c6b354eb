package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a record does not exist in the mirror (or
// exists only as a tombstone).
var ErrNotFound = errors.New("record not found")

// StorageError is a local persistence failure (quota, corruption, locked
// file). It is surfaced to the initiating caller immediately: the mutation
// is neither stored nor queued, and the caller is expected to retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
