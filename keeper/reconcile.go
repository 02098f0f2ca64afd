/*
reconcile.go - Orphan transaction reconciliation

PURPOSE:
  After a run's processing phase ends (success or abort), any transaction
  the run claimed that never reached a terminal status is still QUEUED.
  Left alone it would be silently re-claimed by every subsequent run. The
  reconciler moves such transactions to UNKNOWN: distinct from PROCESSED,
  visible to operators, never auto-retried.

SEE ALSO:
  - orchestrator.go: Always runs reconciliation after processing, whether
    processing succeeded, partially failed, or was aborted.
*/
package keeper

import (
	"context"
	"log"
)

// Reconciler converts unresolved claimed transactions to UNKNOWN.
type Reconciler struct {
	store TransactionStore
}

// NewReconciler creates a reconciler over the given store.
func NewReconciler(store TransactionStore) *Reconciler {
	return &Reconciler{store: store}
}

// Reconcile walks the run's claimed working set and marks every transaction
// still QUEUED as UNKNOWN, returning how many were marked. The status write
// is conditional, so a transaction another actor already moved is left alone.
func (r *Reconciler) Reconcile(ctx context.Context, runID int64, claimed []Transaction) (Cleanup, error) {
	var cleanup Cleanup
	for _, tx := range claimed {
		moved, err := r.store.UpdateTransactionStatus(ctx, tx.ID, StatusQueued, StatusUnknown)
		if err != nil {
			return cleanup, err
		}
		if moved {
			cleanup.MarkedUnknown++
			log.Printf("[Keeper] run %d: transaction %d unresolved, marked UNKNOWN", runID, tx.ID)
		}
	}

	if cleanup.MarkedUnknown > 0 {
		orphansMarked.Add(float64(cleanup.MarkedUnknown))
	}
	return cleanup, nil
}
