package keeper_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panda/position-keeper/keeper"
	"github.com/panda/position-keeper/keeper/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func queuedTx(id, portfolio, contra, instrument int64, trade, settle time.Time) keeper.Transaction {
	return keeper.Transaction{
		ID:                 id,
		PortfolioEntityID:  portfolio,
		ContraEntityID:     contra,
		InstrumentEntityID: instrument,
		Status:             keeper.StatusQueued,
		TradeDate:          trade,
		SettleDate:         settle,
	}
}

// generateFor snapshots the mode-claimed set and generates the grid from it,
// the way the orchestrator drives the generator.
func generateFor(t *testing.T, mem *store.Memory, runID int64, mode keeper.Mode) int {
	t.Helper()

	claimed, err := mem.TransactionsByStatus(context.Background(), mode.ClaimedStatuses()...)
	require.NoError(t, err)

	count, err := keeper.NewSandboxGenerator(mem).Generate(context.Background(), runID, claimed)
	require.NoError(t, err)
	return count
}

// =============================================================================
// GRID SHAPE
// =============================================================================

func TestSandboxGenerator_SingleTransaction_FullCrossProduct(t *testing.T) {
	// GIVEN: One queued transaction, trade and settle on the same day
	// WHEN: Generating the sandbox
	// THEN: 1 day x 2 pairs (portfolio leg + contra leg) x 2 position types

	mem := store.NewMemory()
	mem.SeedTransactions(queuedTx(1, 10, 20, 300, day(2025, 3, 3), day(2025, 3, 3)))

	count := generateFor(t, mem, 1, keeper.ModeIncremental)
	assert.Equal(t, 4, count)

	rows, err := mem.SandboxRowsByRun(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	// Every cell starts zeroed and tagged with the run
	for _, row := range rows {
		assert.True(t, row.ShareAmount.IsZero(), "share amount must start at zero")
		assert.True(t, row.MarketValue.IsZero(), "market value must start at zero")
		assert.Equal(t, int64(1), row.RunID)
	}

	// Both legs of the transaction appear as grid pairs
	pairs := make(map[keeper.EntityPair]bool)
	for _, row := range rows {
		pairs[keeper.EntityPair{
			PortfolioEntityID:  row.PortfolioEntityID,
			InstrumentEntityID: row.InstrumentEntityID,
		}] = true
	}
	assert.True(t, pairs[keeper.EntityPair{PortfolioEntityID: 10, InstrumentEntityID: 300}],
		"portfolio leg missing")
	assert.True(t, pairs[keeper.EntityPair{PortfolioEntityID: 20, InstrumentEntityID: 300}],
		"contra leg missing")
}

func TestSandboxGenerator_FourteenDaySpan_SixteenPairs(t *testing.T) {
	// GIVEN: 8 queued transactions whose legs yield 16 distinct pairs and
	//        whose dates span 14 days (Mar 1 trade .. Mar 14 settle)
	// WHEN: Generating the sandbox
	// THEN: 14 x 16 x 2 = 448 rows

	mem := store.NewMemory()
	for i := int64(1); i <= 8; i++ {
		mem.SeedTransactions(queuedTx(i, i, 100+i, 200+i, day(2025, 3, 1), day(2025, 3, 14)))
	}

	count := generateFor(t, mem, 7, keeper.ModeIncremental)
	assert.Equal(t, 448, count)

	stored, err := mem.CountSandboxRows(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 448, stored)
}

func TestSandboxGenerator_SpanCoversBothTradeAndSettleDates(t *testing.T) {
	// GIVEN: Two transactions; the earliest date is a trade date and the
	//        latest is a settle date of a different transaction
	// WHEN: Generating the sandbox
	// THEN: The day axis spans min(all dates)..max(all dates) inclusive

	mem := store.NewMemory()
	mem.SeedTransactions(
		queuedTx(1, 1, 2, 3, day(2025, 6, 2), day(2025, 6, 4)),
		queuedTx(2, 1, 2, 3, day(2025, 6, 5), day(2025, 6, 6)),
	)

	// 5 days (Jun 2..6) x 2 pairs x 2 types
	count := generateFor(t, mem, 1, keeper.ModeIncremental)
	assert.Equal(t, 20, count)

	rows, err := mem.SandboxRowsByRun(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, day(2025, 6, 2), rows[0].PositionDate)
	assert.Equal(t, day(2025, 6, 6), rows[len(rows)-1].PositionDate)
}

// =============================================================================
// MODE SELECTION
// =============================================================================

func TestSandboxGenerator_IncrementalIgnoresProcessed(t *testing.T) {
	// GIVEN: One QUEUED and one PROCESSED transaction with disjoint pairs
	// WHEN: Generating in incremental mode
	// THEN: Only the queued transaction shapes the grid

	mem := store.NewMemory()
	processed := queuedTx(2, 50, 60, 70, day(2025, 1, 1), day(2025, 1, 10))
	processed.Status = keeper.StatusProcessed
	mem.SeedTransactions(
		queuedTx(1, 1, 2, 3, day(2025, 1, 5), day(2025, 1, 5)),
		processed,
	)

	count := generateFor(t, mem, 1, keeper.ModeIncremental)
	assert.Equal(t, 4, count, "1 day x 2 pairs x 2 types from the queued tx only")
}

func TestSandboxGenerator_FullRefreshIncludesProcessed(t *testing.T) {
	// GIVEN: The same ledger as above
	// WHEN: Generating in full-refresh mode
	// THEN: Both transactions shape the grid

	mem := store.NewMemory()
	processed := queuedTx(2, 50, 60, 70, day(2025, 1, 1), day(2025, 1, 10))
	processed.Status = keeper.StatusProcessed
	mem.SeedTransactions(
		queuedTx(1, 1, 2, 3, day(2025, 1, 5), day(2025, 1, 5)),
		processed,
	)

	// 10 days (Jan 1..10) x 4 pairs x 2 types
	count := generateFor(t, mem, 1, keeper.ModeFullRefresh)
	assert.Equal(t, 80, count)
}

// =============================================================================
// IDEMPOTENCY AND EDGE CASES
// =============================================================================

func TestSandboxGenerator_RegenerationIsIdempotent(t *testing.T) {
	// GIVEN: A sandbox already generated for run 1
	// WHEN: Generating again for the same run
	// THEN: Same row count, no duplicates

	mem := store.NewMemory()
	mem.SeedTransactions(queuedTx(1, 10, 20, 300, day(2025, 3, 3), day(2025, 3, 4)))

	first := generateFor(t, mem, 1, keeper.ModeIncremental)
	second := generateFor(t, mem, 1, keeper.ModeIncremental)

	assert.Equal(t, first, second)
	stored, err := mem.CountSandboxRows(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, first, stored)
}

func TestSandboxGenerator_NoClaimedTransactions_EmptyGrid(t *testing.T) {
	// GIVEN: No queued transactions at all
	// WHEN: Generating
	// THEN: Zero rows, no error

	mem := store.NewMemory()

	count := generateFor(t, mem, 1, keeper.ModeIncremental)
	assert.Zero(t, count)
}

func TestSandboxGenerator_SharedContraLeg_Deduplicated(t *testing.T) {
	// GIVEN: Two transactions sharing the same contra entity and instrument
	// WHEN: Generating
	// THEN: The shared leg appears once, not twice

	mem := store.NewMemory()
	mem.SeedTransactions(
		queuedTx(1, 1, 9, 3, day(2025, 2, 1), day(2025, 2, 1)),
		queuedTx(2, 2, 9, 3, day(2025, 2, 1), day(2025, 2, 1)),
	)

	// Pairs: (1,3), (2,3), (9,3) -> 1 day x 3 pairs x 2 types
	count := generateFor(t, mem, 1, keeper.ModeIncremental)
	assert.Equal(t, 6, count)
}
