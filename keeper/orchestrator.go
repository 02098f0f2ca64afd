/*
orchestrator.go - The run state machine

PURPOSE:
  Drives one end-to-end position-keeper run:

    Idle -> LockAcquiring -> WorkerPreparing -> SandboxGenerating
         -> Processing -> Finalizing -> Idle

  with Aborting reachable from any non-idle state. The database lock
  serializes runs across processes; within one process the state field,
  claimed before the lock store is touched, rejects a second concurrent
  start and guarantees a stop request is never dropped mid-acquisition. A
  start that loses either race fails with a conflict and mutates nothing.

PROPAGATION POLICY:
  - Lock conflict: surfaced to the caller, not retried automatically.
  - Worker unready / sandbox failure: fatal, run aborts, lock released.
  - Per-transaction failure: isolated and tallied; the run continues so
    positions for unaffected entities still advance.
  - Whatever happens, the orphan reconciler runs after processing ends and
    the lock is released before the error reaches the caller.

SEE ALSO:
  - sandbox.go, reconcile.go, worker.go, retry.go
*/
package keeper

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// STATES
// =============================================================================

// State is the orchestrator's position in the run lifecycle.
type State string

const (
	StateIdle              State = "idle"
	StateLockAcquiring     State = "lock_acquiring"
	StateWorkerPreparing   State = "worker_preparing"
	StateSandboxGenerating State = "sandbox_generating"
	StateProcessing        State = "processing"
	StateFinalizing        State = "finalizing"
	StateAborting          State = "aborting"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// DefaultLockKey is the fixed lock name serializing position-keeper runs.
const DefaultLockKey = "position-keeper"

// Config tunes a run. Zero values fall back to defaults.
type Config struct {
	// LockKey names the run-exclusion lock.
	LockKey string

	// LockTTL bounds how long a crashed holder can block the system. Must
	// cover the worst-case run; enforced store-side.
	LockTTL time.Duration

	// Holder is the base identity of this process; each run appends a
	// unique suffix so duplicate releases from old epochs are harmless.
	Holder string

	// WorkerReadyTimeout bounds the wait for the worker to become ready.
	WorkerReadyTimeout time.Duration

	// DispatchTimeout is the per-transaction call deadline. A stuck worker
	// call counts as a failure on expiry instead of stalling the run.
	DispatchTimeout time.Duration

	// Retry is the bounded-backoff policy at the dispatch boundary.
	Retry RetryConfig
}

func (c Config) withDefaults() Config {
	if c.LockKey == "" {
		c.LockKey = DefaultLockKey
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.Holder == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "keeper"
		}
		c.Holder = host
	}
	if c.WorkerReadyTimeout <= 0 {
		c.WorkerReadyTimeout = 2 * time.Minute
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = DefaultRetry
	}
	return c
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator coordinates position-keeper runs. It is safe for concurrent
// use: competing Start calls race for the lock and all but one observe a
// conflict.
type Orchestrator struct {
	store      Store
	controller WorkerController
	generator  *SandboxGenerator
	reconciler *Reconciler
	processor  Processor
	cfg        Config

	mu    sync.Mutex
	state State

	stopRequested atomic.Bool
}

// NewOrchestrator wires an orchestrator over its collaborators.
func NewOrchestrator(store Store, controller WorkerController, processor Processor, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:      store,
		controller: controller,
		generator:  NewSandboxGenerator(store),
		reconciler: NewReconciler(store),
		processor:  processor,
		cfg:        cfg.withDefaults(),
		state:      StateIdle,
	}
}

// State returns the lifecycle state of the active run, or idle.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// LockKey returns the configured lock key (for status surfaces).
func (o *Orchestrator) LockKey() string {
	return o.cfg.LockKey
}

// newHolder derives a per-run holder identity. The unique suffix keeps a
// stale epoch's release from ever touching a newer holder's lock.
func (o *Orchestrator) newHolder() string {
	return fmt.Sprintf("%s:%s", o.cfg.Holder, uuid.New().String())
}

// =============================================================================
// START
// =============================================================================

// Start executes one run in the given mode and blocks until it reaches a
// terminal state. Returns an error matching ErrLockHeld when another run
// is active; in that case nothing was mutated.
func (o *Orchestrator) Start(ctx context.Context, mode Mode) (*RunResult, error) {
	holder := o.newHolder()

	// Leave Idle before touching the lock store. From here on a stop
	// request is observed, not dropped, and a second local start
	// short-circuits to the same conflict the lock would report.
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		runsTotal.WithLabelValues(string(mode), "conflict").Inc()
		return nil, ErrLockHeld
	}
	o.state = StateLockAcquiring
	o.stopRequested.Store(false)
	o.mu.Unlock()
	defer o.setState(StateIdle)

	if _, err := o.store.AcquireLock(ctx, o.cfg.LockKey, holder, o.cfg.LockTTL); err != nil {
		if IsConflict(err) {
			runsTotal.WithLabelValues(string(mode), "conflict").Inc()
		}
		return nil, err
	}

	startedAt := time.Now().UTC()
	runID, err := o.store.CreateRun(ctx, mode, holder, startedAt)
	if err != nil {
		return nil, o.abort(ctx, mode, holder, 0, nil, fmt.Errorf("create run: %w", err))
	}
	log.Printf("[Keeper] run %d started (mode=%s holder=%s)", runID, mode, holder)

	// Worker must be ready before any work is claimed.
	o.setState(StateWorkerPreparing)
	if _, err := o.controller.EnsureReady(ctx, o.cfg.WorkerReadyTimeout); err != nil {
		return nil, o.abort(ctx, mode, holder, runID, nil, err)
	}

	// The mode-claimed working set is snapshotted exactly once: the same
	// snapshot shapes the grid and is dispatched, so every cell processing
	// might touch exists before processing begins, never interleaved.
	o.setState(StateSandboxGenerating)
	claimed, err := o.store.TransactionsByStatus(ctx, mode.ClaimedStatuses()...)
	if err != nil {
		return nil, o.abort(ctx, mode, holder, runID, nil, fmt.Errorf("select working set: %w", err))
	}
	rowCount, err := o.generator.Generate(ctx, runID, claimed)
	if err != nil {
		return nil, o.abort(ctx, mode, holder, runID, claimed, fmt.Errorf("generate sandbox: %w", err))
	}
	sandboxRowsGenerated.Set(float64(rowCount))
	log.Printf("[Keeper] run %d: materialized %d sandbox rows", runID, rowCount)

	o.setState(StateProcessing)
	stats := o.process(ctx, runID, claimed)

	o.setState(StateFinalizing)
	cleanup, err := o.reconciler.Reconcile(ctx, runID, claimed)
	if err != nil {
		// Reconciliation failure must not leave the lock held, and the
		// partial result is surfaced to the caller, not just the log.
		log.Printf("[Keeper] run %d: reconcile failed: %v", runID, err)
		cleanup.Incomplete = true
	}
	if err := o.store.CompleteRun(ctx, runID, time.Now().UTC()); err != nil {
		log.Printf("[Keeper] run %d: failed to stamp completion: %v", runID, err)
	}
	if err := o.store.ReleaseLock(ctx, o.cfg.LockKey, holder); err != nil {
		log.Printf("[Keeper] run %d: failed to release lock: %v", runID, err)
	}

	runsTotal.WithLabelValues(string(mode), "completed").Inc()
	log.Printf("[Keeper] run %d finished: %d/%d processed, %d failed, %d marked unknown",
		runID, stats.Successful, stats.Total, stats.Failed, cleanup.MarkedUnknown)

	return &RunResult{
		RunID:       runID,
		Mode:        mode,
		SandboxRows: rowCount,
		Stats:       stats,
		Cleanup:     cleanup,
	}, nil
}

// process dispatches each claimed transaction to the worker. A single
// transaction's failure is tallied and the run moves on; the transaction is
// left in its current status, not promoted. No new transaction is dispatched
// once a stop request is observed.
func (o *Orchestrator) process(ctx context.Context, runID int64, claimed []Transaction) Stats {
	stats := Stats{Total: len(claimed)}

	for _, tx := range claimed {
		if o.stopRequested.Load() {
			log.Printf("[Keeper] run %d: stop observed, %d transactions not dispatched",
				runID, stats.Total-stats.Successful-stats.Failed)
			break
		}

		if err := o.dispatch(ctx, runID, tx); err != nil {
			stats.Failed++
			transactionsTotal.WithLabelValues("failure").Inc()
			log.Printf("[Keeper] run %d: transaction %d failed: %v", runID, tx.ID, err)
			continue
		}

		// QUEUED -> PROCESSED; a full-refresh re-run of an already
		// PROCESSED transaction needs no transition. Conditional write, so
		// a record moved by another actor is not double-claimed.
		if tx.Status == StatusQueued {
			if _, err := o.store.UpdateTransactionStatus(ctx, tx.ID, StatusQueued, StatusProcessed); err != nil {
				stats.Failed++
				transactionsTotal.WithLabelValues("failure").Inc()
				log.Printf("[Keeper] run %d: transaction %d status update failed: %v", runID, tx.ID, err)
				continue
			}
		}

		stats.Successful++
		transactionsTotal.WithLabelValues("success").Inc()
	}

	return stats
}

// dispatch applies the per-call deadline and the bounded-backoff retry
// policy uniformly at the worker boundary.
func (o *Orchestrator) dispatch(ctx context.Context, runID int64, tx Transaction) error {
	return Retry(ctx, o.cfg.Retry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.DispatchTimeout)
		defer cancel()
		return o.processor.Process(callCtx, runID, tx)
	})
}

// abort is the single exit for fatal run errors. It reconciles whatever was
// claimed, stamps the run (the record remains as a historical artifact) and
// always releases the lock before surfacing the cause.
func (o *Orchestrator) abort(ctx context.Context, mode Mode, holder string, runID int64, claimed []Transaction, cause error) error {
	o.setState(StateAborting)
	log.Printf("[Keeper] run %d aborting: %v", runID, cause)

	if runID != 0 {
		if _, err := o.reconciler.Reconcile(ctx, runID, claimed); err != nil {
			log.Printf("[Keeper] run %d: reconcile during abort failed: %v", runID, err)
		}
		if err := o.store.CompleteRun(ctx, runID, time.Now().UTC()); err != nil {
			log.Printf("[Keeper] run %d: failed to stamp completion: %v", runID, err)
		}
	}

	if err := o.store.ReleaseLock(ctx, o.cfg.LockKey, holder); err != nil {
		log.Printf("[Keeper] failed to release lock during abort: %v", err)
	}

	runsTotal.WithLabelValues(string(mode), "aborted").Inc()
	return cause
}

// =============================================================================
// STOP / STATUS
// =============================================================================

// RequestStop asks the active run to abort. In-flight dispatches finish or
// time out; no new transactions are claimed afterwards. Returns whether a
// run was active to observe the request. The check and the flag write share
// the state mutex, so a request racing a start either lands before the run
// leaves Idle (nothing to stop, the lock is not yet acquired) or is
// guaranteed to be observed by it.
func (o *Orchestrator) RequestStop() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateIdle {
		return false
	}
	o.stopRequested.Store(true)
	return true
}

// Status reports the lock and worker view for the status endpoint.
func (o *Orchestrator) Status(ctx context.Context) (*Lock, WorkerStatus, error) {
	lock, err := o.store.LockStatus(ctx, o.cfg.LockKey)
	if err != nil {
		return nil, WorkerStatus{}, err
	}
	ws, err := o.controller.Status(ctx)
	if err != nil {
		return lock, WorkerStatus{}, err
	}
	return lock, ws, nil
}

// ReleaseWorker shuts the worker resource down (best effort, idempotent).
func (o *Orchestrator) ReleaseWorker(ctx context.Context) error {
	return o.controller.Release(ctx)
}
