package platform

import (
	"errors"
	"fmt"
)

// ══════════════════════════════════════════════════════════════════════════════
// STORE ERROR TAXONOMY
// Every persistence gateway operation fails with exactly one of these kinds.
// Callers branch with errors.Is against the sentinels; the gateway wraps the
// underlying driver error for logging.
// ══════════════════════════════════════════════════════════════════════════════

// Sentinel errors for errors.Is checks.
var (
	// ErrNotFound means the requested row does not exist (or is soft-deleted).
	ErrNotFound = errors.New("platform: not found")

	// ErrConflict means a unique-constraint violation; a programmer error or a
	// lost race.
	ErrConflict = errors.New("platform: conflict")

	// ErrTransient means connectivity trouble or a timeout; the gateway has
	// already retried before surfacing it.
	ErrTransient = errors.New("platform: transient storage error")

	// ErrFatal means a schema or programmer error; the operation will never
	// succeed without a code or deployment change.
	ErrFatal = errors.New("platform: fatal storage error")
)

// StoreError carries the error kind together with the failed operation and the
// underlying driver error.
type StoreError struct {
	Op   string // gateway operation, e.g. "LoadActiveBots"
	Kind error  // one of the sentinels above
	Err  error  // underlying error, may be nil
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

// Unwrap exposes the kind sentinel to errors.Is.
func (e *StoreError) Unwrap() error {
	return e.Kind
}

// NewStoreError builds a StoreError for the given operation and kind.
func NewStoreError(op string, kind, err error) *StoreError {
	return &StoreError{Op: op, Kind: kind, Err: err}
}

// IsRetryable reports whether the error is transient and worth retrying at a
// higher level.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
