/*
errors.go - Centralized error types for the position keeper

PURPOSE:
  All keeper error types in one place. The API layer maps these to HTTP
  status codes; callers use errors.Is to branch.

ERROR CATEGORIES:
  1. Conflict    - lock already held; retry later, nothing mutated
  2. Resource    - worker failed to become ready; run aborted, lock released
  3. Per-item    - a single transaction failed; tallied, never fatal to a run
  4. Store       - persistence-level failures

SEE ALSO:
  - orchestrator.go: Propagation policy
  - api/handlers.go: HTTP status mapping
*/
package keeper

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrLockHeld is returned when the run lock is held by another live
	// holder. The caller must retry later; no state was mutated.
	ErrLockHeld = errors.New("position keeper lock already held")

	// ErrWorkerUnready is returned when the computation worker failed to
	// reach ready state within the bounded wait. Fatal to the run.
	ErrWorkerUnready = errors.New("worker failed to become ready")

	// ErrRunNotFound is returned when a referenced run does not exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrStopRequested is reported when a run was aborted by an explicit
	// stop request rather than a failure.
	ErrStopRequested = errors.New("stop requested")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// LockHeldError reports who holds the lock and until when.
type LockHeldError struct {
	Key       string
	Holder    string
	ExpiresAt time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("lock %q held by %s until %s",
		e.Key, e.Holder, e.ExpiresAt.Format(time.RFC3339))
}

func (e *LockHeldError) Unwrap() error {
	return ErrLockHeld
}

// WorkerUnreadyError reports the last observed worker status and the wait
// bound that was exceeded.
type WorkerUnreadyError struct {
	Timeout    time.Duration
	LastStatus WorkerStatus
}

func (e *WorkerUnreadyError) Error() string {
	return fmt.Sprintf("worker not ready after %s (resource=%s service=%s)",
		e.Timeout, e.LastStatus.ResourceState, e.LastStatus.ServiceState)
}

func (e *WorkerUnreadyError) Unwrap() error {
	return ErrWorkerUnready
}

// IsConflict reports whether the error means another run is active.
func IsConflict(err error) bool {
	return errors.Is(err, ErrLockHeld)
}
