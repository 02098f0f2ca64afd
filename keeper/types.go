/*
Package keeper implements the position-keeper run coordinator.

PURPOSE:
  A position-keeper run recomputes aggregate holdings ("positions") from the
  transaction ledger. This package owns the parts with real invariants:
  - at most one run active at a time (database lock)
  - full materialization of the sandbox grid before any computation
  - mode-based selection of the transaction working set
  - reconciliation of transactions stranded by interrupted runs

KEY CONCEPTS IN THIS FILE (types.go):
  - Run: one end-to-end execution, scoped to one lock acquisition
  - SandboxRow: a pre-materialized, zeroed position cell tagged to a run
  - Transaction: the data-entry record the keeper claims and transitions
  - Lock: the durable key->holder record that serializes runs

DESIGN PRINCIPLES:
  1. The lock is the only cross-run shared resource; sandbox rows are
     partitioned by run_id and never reused across runs.
  2. Run records are never deleted; they are the audit/partition key.
  3. Transaction status writes are conditional (update-if-still-expected),
     never blind.

SEE ALSO:
  - orchestrator.go: The run state machine
  - sandbox.go: Grid materialization
  - reconcile.go: Orphan handling
  - store.go: Persistence interfaces
*/
package keeper

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RUN MODE
// =============================================================================

// Mode selects which transactions a run is responsible for.
type Mode string

const (
	// ModeIncremental claims only not-yet-processed (QUEUED) transactions.
	// This is the routine periodic run.
	ModeIncremental Mode = "incremental"

	// ModeFullRefresh claims QUEUED and PROCESSED transactions, recomputing
	// everything from scratch. Used to rebuild after suspected drift.
	ModeFullRefresh Mode = "full-refresh"
)

// ParseMode maps an external mode name to a Mode. Only "full-refresh" selects
// a full refresh; anything else (including empty) is incremental.
func ParseMode(s string) Mode {
	if s == string(ModeFullRefresh) {
		return ModeFullRefresh
	}
	return ModeIncremental
}

// ClaimedStatuses returns the transaction statuses a run in this mode claims.
func (m Mode) ClaimedStatuses() []TxStatus {
	if m == ModeFullRefresh {
		return []TxStatus{StatusQueued, StatusProcessed}
	}
	return []TxStatus{StatusQueued}
}

// =============================================================================
// TRANSACTION STATUS
// =============================================================================

// TxStatus is the lifecycle status of a data-entry transaction.
type TxStatus string

const (
	// StatusIncomplete marks a transaction still being edited; never claimed.
	StatusIncomplete TxStatus = "INCOMPLETE"

	// StatusQueued marks a transaction ready for the position keeper.
	StatusQueued TxStatus = "QUEUED"

	// StatusProcessed marks a transaction whose position effect is computed.
	StatusProcessed TxStatus = "PROCESSED"

	// StatusUnknown marks a transaction a run claimed but never resolved.
	// Surfaced for operator attention, never auto-retried.
	StatusUnknown TxStatus = "UNKNOWN"
)

// =============================================================================
// POSITION TYPE
// =============================================================================

// PositionType is the accounting convention axis under which a position is
// measured. Every sandbox cell exists once per position type.
type PositionType string

const (
	PositionTradeDate  PositionType = "trade_date"
	PositionSettleDate PositionType = "settle_date"
)

// PositionTypes lists both conventions in grid order.
func PositionTypes() []PositionType {
	return []PositionType{PositionTradeDate, PositionSettleDate}
}

// =============================================================================
// CORE RECORDS
// =============================================================================

// Lock is the durable record serializing position-keeper runs.
// At most one non-expired Lock per key exists at any time.
type Lock struct {
	Key        string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lock has passed its TTL as of now.
func (l Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Run is the position-keeper record created once per successful lock
// acquisition. Immutable after creation except for the completion timestamp.
type Run struct {
	ID          int64
	Mode        Mode
	Holder      string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// SandboxRow is one pre-materialized position cell. Uniquely keyed by
// (PositionDate, PositionType, PortfolioEntityID, InstrumentEntityID, RunID).
type SandboxRow struct {
	ID                 int64
	PositionDate       time.Time
	PositionType       PositionType
	PortfolioEntityID  int64
	InstrumentEntityID int64
	ShareAmount        decimal.Decimal
	MarketValue        decimal.Decimal
	RunID              int64
}

// Transaction is the data-entry record the keeper reads. The keeper only
// consumes entity references and dates, and writes status transitions; the
// record itself is owned by the data-entry subsystem.
type Transaction struct {
	ID                 int64
	PortfolioEntityID  int64
	ContraEntityID     int64
	InstrumentEntityID int64
	TransactionTypeID  int64
	Status             TxStatus
	TradeDate          time.Time
	SettleDate         time.Time
}

// EntityPair is one (portfolio, instrument) leg of the sandbox grid. A
// transaction contributes two pairs: the portfolio leg and the contra leg
// (the contra entity in the portfolio role), so neither side of a transfer
// is dropped.
type EntityPair struct {
	PortfolioEntityID  int64
	InstrumentEntityID int64
}

// Pairs returns both grid legs of the transaction.
func (t Transaction) Pairs() [2]EntityPair {
	return [2]EntityPair{
		{PortfolioEntityID: t.PortfolioEntityID, InstrumentEntityID: t.InstrumentEntityID},
		{PortfolioEntityID: t.ContraEntityID, InstrumentEntityID: t.InstrumentEntityID},
	}
}

// =============================================================================
// RUN OUTCOME
// =============================================================================

// Stats tallies per-transaction processing results for one run.
type Stats struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Cleanup reports what the orphan reconciler did after processing ended.
type Cleanup struct {
	MarkedUnknown int `json:"marked_unknown"`

	// Incomplete is set when reconciliation itself failed partway: claimed
	// transactions may remain QUEUED, left for the next run to surface.
	Incomplete bool `json:"incomplete,omitempty"`
}

// RunResult is the terminal report of a run. Every field is surfaced to the
// caller so an operator can distinguish a fully clean run from one that left
// unresolved work.
type RunResult struct {
	RunID       int64
	Mode        Mode
	SandboxRows int
	Stats       Stats
	Cleanup     Cleanup
}

// =============================================================================
// DATE HELPERS
// =============================================================================

// Day truncates t to a calendar day in UTC. Position dates are day-grained.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns every day from from to to inclusive, in order.
// Returns nil when to precedes from.
func DaysBetween(from, to time.Time) []time.Time {
	from, to = Day(from), Day(to)
	if to.Before(from) {
		return nil
	}
	var days []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}
