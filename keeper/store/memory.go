/*
Package store provides an in-memory implementation of keeper.Store.

PURPOSE:
  A map-backed store with the same observable semantics as store/sqlite
  (lock expiry/reclaim, conditional status transitions, run-partitioned
  sandbox rows), used by orchestrator and generator tests. Fault injection
  hooks let tests fail individual operations without a database.

SEE ALSO:
  - keeper/store.go: Interface contracts
  - store/sqlite/sqlite.go: Production implementation
*/
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/panda/position-keeper/keeper"
)

// Memory is an in-memory keeper.Store. Safe for concurrent use.
type Memory struct {
	mu sync.Mutex

	locks        map[string]keeper.Lock
	runs         map[int64]keeper.Run
	nextRunID    int64
	sandbox      []keeper.SandboxRow
	nextRowID    int64
	transactions map[int64]keeper.Transaction

	// Fault-injection hooks. A non-nil hook runs before the real operation
	// and its error, if any, is returned instead.
	FailAcquireLock  func() error
	FailInsertRows   func() error
	FailUpdateStatus func(txID int64, from, to keeper.TxStatus) error

	// OnTransactionsByStatus runs after a select returns, outside the
	// store lock, so tests can mutate the ledger between operations.
	OnTransactionsByStatus func()
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		locks:        make(map[string]keeper.Lock),
		runs:         make(map[int64]keeper.Run),
		transactions: make(map[int64]keeper.Transaction),
	}
}

// SeedTransactions loads transactions, keyed by their ids.
func (m *Memory) SeedTransactions(txs ...keeper.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range txs {
		m.transactions[tx.ID] = tx
	}
}

// Transaction returns a seeded transaction by id.
func (m *Memory) Transaction(id int64) (keeper.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	return tx, ok
}

// =============================================================================
// LOCK STORE
// =============================================================================

func (m *Memory) AcquireLock(_ context.Context, key, holder string, ttl time.Duration) (keeper.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailAcquireLock != nil {
		if err := m.FailAcquireLock(); err != nil {
			return keeper.Lock{}, err
		}
	}

	now := time.Now().UTC()
	if existing, ok := m.locks[key]; ok && !existing.Expired(now) {
		return keeper.Lock{}, &keeper.LockHeldError{
			Key:       key,
			Holder:    existing.Holder,
			ExpiresAt: existing.ExpiresAt,
		}
	}

	lock := keeper.Lock{
		Key:        key,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	m.locks[key] = lock
	return lock, nil
}

func (m *Memory) ReleaseLock(_ context.Context, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.locks[key]; ok && existing.Holder == holder {
		delete(m.locks, key)
	}
	return nil
}

func (m *Memory) LockStatus(_ context.Context, key string) (*keeper.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[key]
	if !ok || lock.Expired(time.Now().UTC()) {
		return nil, nil
	}
	return &lock, nil
}

// =============================================================================
// RUN STORE
// =============================================================================

func (m *Memory) CreateRun(_ context.Context, mode keeper.Mode, holder string, startedAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRunID++
	m.runs[m.nextRunID] = keeper.Run{
		ID:        m.nextRunID,
		Mode:      mode,
		Holder:    holder,
		StartedAt: startedAt,
	}
	return m.nextRunID, nil
}

func (m *Memory) CompleteRun(_ context.Context, runID int64, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return keeper.ErrRunNotFound
	}
	run.CompletedAt = &completedAt
	m.runs[runID] = run
	return nil
}

func (m *Memory) GetRun(_ context.Context, runID int64) (keeper.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return keeper.Run{}, keeper.ErrRunNotFound
	}
	return run, nil
}

func (m *Memory) ListRuns(_ context.Context, limit int) ([]keeper.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	runs := make([]keeper.Run, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID > runs[j].ID })
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// =============================================================================
// SANDBOX STORE
// =============================================================================

func (m *Memory) DeleteSandboxRows(_ context.Context, runID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.sandbox[:0]
	for _, r := range m.sandbox {
		if r.RunID != runID {
			kept = append(kept, r)
		}
	}
	m.sandbox = kept
	return nil
}

func (m *Memory) InsertSandboxRows(_ context.Context, rows []keeper.SandboxRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailInsertRows != nil {
		if err := m.FailInsertRows(); err != nil {
			return err
		}
	}

	for _, r := range rows {
		m.nextRowID++
		r.ID = m.nextRowID
		m.sandbox = append(m.sandbox, r)
	}
	return nil
}

func (m *Memory) CountSandboxRows(_ context.Context, runID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, r := range m.sandbox {
		if r.RunID == runID {
			count++
		}
	}
	return count, nil
}

func (m *Memory) SandboxRowsByRun(_ context.Context, runID int64) ([]keeper.SandboxRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rows []keeper.SandboxRow
	for _, r := range m.sandbox {
		if r.RunID == runID {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.PositionDate.Equal(b.PositionDate) {
			return a.PositionDate.Before(b.PositionDate)
		}
		if a.PortfolioEntityID != b.PortfolioEntityID {
			return a.PortfolioEntityID < b.PortfolioEntityID
		}
		if a.InstrumentEntityID != b.InstrumentEntityID {
			return a.InstrumentEntityID < b.InstrumentEntityID
		}
		return a.PositionType < b.PositionType
	})
	return rows, nil
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

func (m *Memory) TransactionsByStatus(_ context.Context, statuses ...keeper.TxStatus) ([]keeper.Transaction, error) {
	m.mu.Lock()

	wanted := make(map[keeper.TxStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	var txs []keeper.Transaction
	for _, tx := range m.transactions {
		if wanted[tx.Status] {
			txs = append(txs, tx)
		}
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].ID < txs[j].ID })

	hook := m.OnTransactionsByStatus
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return txs, nil
}

func (m *Memory) UpdateTransactionStatus(_ context.Context, txID int64, from, to keeper.TxStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailUpdateStatus != nil {
		if err := m.FailUpdateStatus(txID, from, to); err != nil {
			return false, err
		}
	}

	tx, ok := m.transactions[txID]
	if !ok || tx.Status != from {
		return false, nil
	}
	tx.Status = to
	m.transactions[txID] = tx
	return true, nil
}
