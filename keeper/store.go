/*
store.go - Persistence interfaces for the position keeper

PURPOSE:
  Defines the storage contracts the keeper depends on. Implementations live
  in store/sqlite (production) and keeper/store (in-memory, for tests).

INTERFACES:
  LockStore:        Durable key->holder lock with server-side expiry
  RunStore:         Append-only run records
  SandboxStore:     Bulk-materialized position grid, partitioned by run_id
  TransactionStore: Read access + conditional status transitions
  Store:            All of the above (what the orchestrator takes)

DESIGN:
  Transaction status writes are conditional: UpdateTransactionStatus only
  moves a record that is still in the expected status, so a transaction
  already moved by another actor is never double-claimed.

SEE ALSO:
  - store/sqlite/sqlite.go: Production implementation
  - keeper/store/memory.go: In-memory implementation
*/
package keeper

import (
	"context"
	"time"
)

// LockStore is the durable lock serializing runs.
type LockStore interface {
	// AcquireLock inserts a lock record for key. An existing non-expired
	// record with a different holder fails with ErrLockHeld (wrapped in
	// *LockHeldError); an expired record is silently reclaimed.
	AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (Lock, error)

	// ReleaseLock deletes the lock if held by holder. Releasing a lock that
	// is free or held by someone else is a no-op, not an error, so failure
	// paths can release unconditionally.
	ReleaseLock(ctx context.Context, key, holder string) error

	// LockStatus returns the current non-expired lock for key, or nil when
	// the key is free (including when only an expired record remains).
	LockStatus(ctx context.Context, key string) (*Lock, error)
}

// RunStore persists position-keeper run records. Runs are never deleted;
// they are the audit and sandbox-partition key.
type RunStore interface {
	// CreateRun appends a run record and returns its surrogate id.
	// Run ids are monotonically assigned.
	CreateRun(ctx context.Context, mode Mode, holder string, startedAt time.Time) (int64, error)

	// CompleteRun stamps the run's completion time. The record is otherwise
	// immutable.
	CompleteRun(ctx context.Context, runID int64, completedAt time.Time) error

	// GetRun returns a run by id, or ErrRunNotFound.
	GetRun(ctx context.Context, runID int64) (Run, error)

	// ListRuns returns runs newest-first, at most limit.
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// SandboxStore persists the materialized position grid.
type SandboxStore interface {
	// DeleteSandboxRows discards all rows owned by runID. Used for
	// idempotent regeneration; deleting an empty partition is fine.
	DeleteSandboxRows(ctx context.Context, runID int64) error

	// InsertSandboxRows bulk-inserts rows atomically.
	InsertSandboxRows(ctx context.Context, rows []SandboxRow) error

	// CountSandboxRows returns the number of rows owned by runID.
	CountSandboxRows(ctx context.Context, runID int64) (int, error)

	// SandboxRowsByRun returns the rows owned by runID, grid-ordered.
	SandboxRowsByRun(ctx context.Context, runID int64) ([]SandboxRow, error)
}

// TransactionStore is the keeper's view of the data-entry ledger.
type TransactionStore interface {
	// TransactionsByStatus returns transactions whose status is any of the
	// given statuses, ordered by id.
	TransactionsByStatus(ctx context.Context, statuses ...TxStatus) ([]Transaction, error)

	// UpdateTransactionStatus moves a transaction from the expected status
	// to the new one. Returns false (and no error) when the transaction is
	// no longer in the expected status.
	UpdateTransactionStatus(ctx context.Context, txID int64, from, to TxStatus) (bool, error)
}

// Store is the full persistence surface the orchestrator drives.
type Store interface {
	LockStore
	RunStore
	SandboxStore
	TransactionStore
}
