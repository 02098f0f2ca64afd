package keeper_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panda/position-keeper/keeper"
	"github.com/panda/position-keeper/keeper/store"
)

func TestReconciler_MarksUnresolvedClaimedAsUnknown(t *testing.T) {
	// GIVEN: A claimed set where one transaction was processed and two were not
	// WHEN: Reconciling
	// THEN: Only the still-QUEUED transactions are moved to UNKNOWN

	mem := store.NewMemory()
	mem.SeedTransactions(
		queuedTx(1, 1, 2, 3, day(2025, 5, 1), day(2025, 5, 1)),
		queuedTx(2, 1, 2, 3, day(2025, 5, 1), day(2025, 5, 1)),
		queuedTx(3, 1, 2, 3, day(2025, 5, 1), day(2025, 5, 1)),
	)
	claimed, err := mem.TransactionsByStatus(context.Background(), keeper.StatusQueued)
	require.NoError(t, err)

	// Transaction 1 reached a terminal status during processing
	moved, err := mem.UpdateTransactionStatus(context.Background(), 1,
		keeper.StatusQueued, keeper.StatusProcessed)
	require.NoError(t, err)
	require.True(t, moved)

	cleanup, err := keeper.NewReconciler(mem).Reconcile(context.Background(), 1, claimed)
	require.NoError(t, err)
	assert.Equal(t, 2, cleanup.MarkedUnknown)

	tx1, _ := mem.Transaction(1)
	assert.Equal(t, keeper.StatusProcessed, tx1.Status, "terminal status must not be overwritten")
	for _, id := range []int64{2, 3} {
		tx, _ := mem.Transaction(id)
		assert.Equal(t, keeper.StatusUnknown, tx.Status)
	}
}

func TestReconciler_EmptyClaimedSet(t *testing.T) {
	mem := store.NewMemory()

	cleanup, err := keeper.NewReconciler(mem).Reconcile(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Zero(t, cleanup.MarkedUnknown)
}
