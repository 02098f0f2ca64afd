/*
sandbox.go - Sandbox grid materialization

PURPOSE:
  Before a run computes anything, every position cell it might touch must
  already exist as a zeroed row. The generator materializes the complete
  cross-product grid:

    (every day in the date span) x (every distinct portfolio/instrument
    pair, both transaction legs) x (trade-date, settle-date)

  Downstream computation then only ever updates, never inserts.

IDEMPOTENCY:
  Generation first discards any rows already tagged with the run id, so a
  retried step produces the same grid, not duplicates.

SEE ALSO:
  - types.go: Transaction.Pairs (the two grid legs)
  - orchestrator.go: When generation runs (always before processing)
*/
package keeper

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// SandboxGenerator materializes the zeroed position grid for a run.
type SandboxGenerator struct {
	store SandboxStore
}

// NewSandboxGenerator creates a generator over the given store.
func NewSandboxGenerator(store SandboxStore) *SandboxGenerator {
	return &SandboxGenerator{store: store}
}

// Generate builds the complete grid for runID from the run's claimed
// transaction set, and returns the row count. The caller passes the same
// snapshot it will later dispatch, so a transaction queued mid-run can never
// be processed against a grid that lacks its cells. An empty set yields zero
// rows; that is a valid outcome, not an error.
func (g *SandboxGenerator) Generate(ctx context.Context, runID int64, txs []Transaction) (int, error) {
	// Idempotent re-generation: a retried step starts from a clean partition.
	if err := g.store.DeleteSandboxRows(ctx, runID); err != nil {
		return 0, err
	}

	if len(txs) == 0 {
		return 0, nil
	}

	days := DaysBetween(dateSpan(txs))
	pairs := distinctPairs(txs)

	rows := make([]SandboxRow, 0, len(days)*len(pairs)*2)
	for _, day := range days {
		for _, pair := range pairs {
			for _, pt := range PositionTypes() {
				rows = append(rows, SandboxRow{
					PositionDate:       day,
					PositionType:       pt,
					PortfolioEntityID:  pair.PortfolioEntityID,
					InstrumentEntityID: pair.InstrumentEntityID,
					ShareAmount:        decimal.Zero,
					MarketValue:        decimal.Zero,
					RunID:              runID,
				})
			}
		}
	}

	if err := g.store.InsertSandboxRows(ctx, rows); err != nil {
		return 0, err
	}

	return len(rows), nil
}

// dateSpan returns the min and max over all trade and settle dates.
func dateSpan(txs []Transaction) (min, max time.Time) {
	for _, tx := range txs {
		for _, d := range [2]time.Time{Day(tx.TradeDate), Day(tx.SettleDate)} {
			if min.IsZero() || d.Before(min) {
				min = d
			}
			if max.IsZero() || d.After(max) {
				max = d
			}
		}
	}
	return min, max
}

// distinctPairs returns the deduplicated (portfolio, instrument) pairs over
// both legs of every transaction, in deterministic order.
func distinctPairs(txs []Transaction) []EntityPair {
	seen := make(map[EntityPair]bool)
	var pairs []EntityPair
	for _, tx := range txs {
		for _, pair := range tx.Pairs() {
			if !seen[pair] {
				seen[pair] = true
				pairs = append(pairs, pair)
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].PortfolioEntityID != pairs[j].PortfolioEntityID {
			return pairs[i].PortfolioEntityID < pairs[j].PortfolioEntityID
		}
		return pairs[i].InstrumentEntityID < pairs[j].InstrumentEntityID
	})
	return pairs
}
