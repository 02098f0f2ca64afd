/*
Package sqlite provides the SQLite-backed implementation of the keeper's
storage interfaces.

PURPOSE:
  Implements keeper.Store (locks, runs, sandbox, transactions) plus the thin
  data-entry tables (entities) using SQLite. In production the same patterns
  apply to MySQL/PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  locks:                 key->holder records with server-side expiry
  position_keeper_runs:  append-only run records (audit/partition key)
  position_sandbox:      materialized grid, partitioned by run_id
  transactions:          data-entry records; keeper writes status only
  entities:              portfolios/counterparties/instruments (data entry)

LOCK SEMANTICS:
  Acquire is an INSERT; the primary key on lock_key makes contention a
  constraint violation. An expired record is deleted and re-acquired in the
  same call (stale-lock recovery, observable via log and metric); a live
  record from a different holder fails with ErrLockHeld. Release deletes
  only the caller's own record, so duplicate releases are no-ops.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. With a server database,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL for better concurrency: readers don't block,
  single writer at a time, better crash recovery.

USAGE:
  store, err := sqlite.New("./data/keeper.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - keeper/store.go: Interface definitions
  - keeper/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/panda/position-keeper/keeper"
)

const dateFormat = "2006-01-02"

// Store implements keeper.Store plus the data-entry persistence.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Run-exclusion locks (one row per key, expiry enforced on read)
	CREATE TABLE IF NOT EXISTS locks (
		lock_key TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		acquired_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);

	-- Position keeper runs (append-only; never deleted)
	CREATE TABLE IF NOT EXISTS position_keeper_runs (
		run_id INTEGER PRIMARY KEY AUTOINCREMENT,
		mode TEXT NOT NULL,
		holder TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	-- Materialized position grid, partitioned by run_id
	CREATE TABLE IF NOT EXISTS position_sandbox (
		sandbox_row_id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_date TEXT NOT NULL,
		position_type TEXT NOT NULL,
		portfolio_entity_id INTEGER NOT NULL,
		instrument_entity_id INTEGER NOT NULL,
		share_amount TEXT NOT NULL,
		market_value TEXT NOT NULL,
		run_id INTEGER NOT NULL
	);

	-- One cell per (date, type, portfolio, instrument) within a run
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sandbox_cell
		ON position_sandbox(position_date, position_type,
			portfolio_entity_id, instrument_entity_id, run_id);
	CREATE INDEX IF NOT EXISTS idx_sandbox_run
		ON position_sandbox(run_id);

	-- Data-entry transactions (keeper only mutates status)
	CREATE TABLE IF NOT EXISTS transactions (
		transaction_id INTEGER PRIMARY KEY AUTOINCREMENT,
		portfolio_entity_id INTEGER NOT NULL,
		contra_entity_id INTEGER NOT NULL,
		instrument_entity_id INTEGER NOT NULL,
		transaction_type_id INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'INCOMPLETE',
		trade_date TEXT NOT NULL,
		settle_date TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_status
		ON transactions(status);

	-- Entities (portfolios, counterparties, instruments)
	CREATE TABLE IF NOT EXISTS entities (
		entity_id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOCK STORE (keeper.LockStore interface)
// =============================================================================

// AcquireLock inserts a lock record, reclaiming an expired one in passing.
func (s *Store) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (keeper.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	lock := keeper.Lock{
		Key:        key,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	err := s.insertLock(ctx, lock)
	if err == nil {
		return lock, nil
	}
	if !isUniqueConstraintError(err) {
		return keeper.Lock{}, fmt.Errorf("failed to acquire lock: %w", err)
	}

	// A record exists. Expired records are treated as free and reclaimed;
	// a live record from another holder is a conflict.
	existing, err := s.readLock(ctx, key)
	if err != nil {
		return keeper.Lock{}, err
	}
	if existing == nil {
		// Deleted between our insert and read; try once more.
		if err := s.insertLock(ctx, lock); err != nil {
			return keeper.Lock{}, fmt.Errorf("failed to acquire lock: %w", err)
		}
		return lock, nil
	}

	if !existing.Expired(now) {
		return keeper.Lock{}, &keeper.LockHeldError{
			Key:       key,
			Holder:    existing.Holder,
			ExpiresAt: existing.ExpiresAt,
		}
	}

	log.Printf("[Store] reclaiming expired lock %q (holder=%s expired=%s)",
		key, existing.Holder, existing.ExpiresAt.Format(time.RFC3339))
	keeper.ObserveStaleLockReclaim()

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM locks WHERE lock_key = ? AND holder = ?",
		key, existing.Holder,
	); err != nil {
		return keeper.Lock{}, fmt.Errorf("failed to reclaim lock: %w", err)
	}
	if err := s.insertLock(ctx, lock); err != nil {
		// Lost the reclaim race to another acquirer.
		if isUniqueConstraintError(err) {
			return keeper.Lock{}, &keeper.LockHeldError{Key: key, ExpiresAt: lock.ExpiresAt}
		}
		return keeper.Lock{}, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return lock, nil
}

func (s *Store) insertLock(ctx context.Context, l keeper.Lock) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO locks (lock_key, holder, acquired_at, expires_at) VALUES (?, ?, ?, ?)",
		l.Key, l.Holder,
		l.AcquiredAt.Format(time.RFC3339),
		l.ExpiresAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) readLock(ctx context.Context, key string) (*keeper.Lock, error) {
	var (
		lock                  keeper.Lock
		acquiredAt, expiresAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT lock_key, holder, acquired_at, expires_at FROM locks WHERE lock_key = ?",
		key,
	).Scan(&lock.Key, &lock.Holder, &acquiredAt, &expiresAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock: %w", err)
	}

	lock.AcquiredAt, _ = time.Parse(time.RFC3339, acquiredAt)
	lock.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)
	return &lock, nil
}

// ReleaseLock deletes the lock only if held by holder. No-op otherwise.
func (s *Store) ReleaseLock(ctx context.Context, key, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM locks WHERE lock_key = ? AND holder = ?",
		key, holder,
	)
	return err
}

// LockStatus returns the live lock for key, or nil when free or expired.
func (s *Store) LockStatus(ctx context.Context, key string) (*keeper.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lock, err := s.readLock(ctx, key)
	if err != nil {
		return nil, err
	}
	if lock == nil || lock.Expired(time.Now().UTC()) {
		return nil, nil
	}
	return lock, nil
}

// =============================================================================
// RUN STORE (keeper.RunStore interface)
// =============================================================================

// CreateRun appends a run record and returns its id.
func (s *Store) CreateRun(ctx context.Context, mode keeper.Mode, holder string, startedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO position_keeper_runs (mode, holder, started_at) VALUES (?, ?, ?)",
		string(mode), holder, startedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create run: %w", err)
	}
	return res.LastInsertId()
}

// CompleteRun stamps the run's completion time.
func (s *Store) CompleteRun(ctx context.Context, runID int64, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE position_keeper_runs SET completed_at = ? WHERE run_id = ?",
		completedAt.UTC().Format(time.RFC3339), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return keeper.ErrRunNotFound
	}
	return nil
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, runID int64) (keeper.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT run_id, mode, holder, started_at, completed_at FROM position_keeper_runs WHERE run_id = ?",
		runID,
	)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return keeper.Run{}, keeper.ErrRunNotFound
	}
	return run, err
}

// ListRuns returns runs newest-first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]keeper.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT run_id, mode, holder, started_at, completed_at FROM position_keeper_runs ORDER BY run_id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []keeper.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (keeper.Run, error) {
	var (
		run         keeper.Run
		mode        string
		startedAt   string
		completedAt sql.NullString
	)
	if err := row.Scan(&run.ID, &mode, &run.Holder, &startedAt, &completedAt); err != nil {
		return run, err
	}
	run.Mode = keeper.Mode(mode)
	run.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		run.CompletedAt = &t
	}
	return run, nil
}

// =============================================================================
// SANDBOX STORE (keeper.SandboxStore interface)
// =============================================================================

// DeleteSandboxRows discards the run's grid partition.
func (s *Store) DeleteSandboxRows(ctx context.Context, runID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM position_sandbox WHERE run_id = ?", runID)
	return err
}

// InsertSandboxRows bulk-inserts grid rows atomically.
func (s *Store) InsertSandboxRows(ctx context.Context, rows []keeper.SandboxRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO position_sandbox
		(position_date, position_type, portfolio_entity_id,
		 instrument_entity_id, share_amount, market_value, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.PositionDate.Format(dateFormat),
			string(r.PositionType),
			r.PortfolioEntityID,
			r.InstrumentEntityID,
			r.ShareAmount.String(),
			r.MarketValue.String(),
			r.RunID,
		); err != nil {
			return fmt.Errorf("failed to insert sandbox row: %w", err)
		}
	}

	return tx.Commit()
}

// CountSandboxRows returns the run's partition size.
func (s *Store) CountSandboxRows(ctx context.Context, runID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM position_sandbox WHERE run_id = ?", runID,
	).Scan(&count)
	return count, err
}

// SandboxRowsByRun returns the run's rows in grid order.
func (s *Store) SandboxRowsByRun(ctx context.Context, runID int64) ([]keeper.SandboxRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT sandbox_row_id, position_date, position_type,
		       portfolio_entity_id, instrument_entity_id,
		       share_amount, market_value, run_id
		FROM position_sandbox
		WHERE run_id = ?
		ORDER BY position_date, portfolio_entity_id, instrument_entity_id, position_type
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []keeper.SandboxRow
	for rows.Next() {
		var (
			r                        keeper.SandboxRow
			positionDate, posType    string
			shareAmount, marketValue string
		)
		if err := rows.Scan(&r.ID, &positionDate, &posType,
			&r.PortfolioEntityID, &r.InstrumentEntityID,
			&shareAmount, &marketValue, &r.RunID); err != nil {
			return nil, err
		}
		r.PositionDate, _ = time.Parse(dateFormat, positionDate)
		r.PositionType = keeper.PositionType(posType)
		r.ShareAmount, _ = decimal.NewFromString(shareAmount)
		r.MarketValue, _ = decimal.NewFromString(marketValue)
		result = append(result, r)
	}
	return result, rows.Err()
}

// =============================================================================
// TRANSACTION STORE (keeper.TransactionStore interface)
// =============================================================================

// TransactionsByStatus returns transactions in any of the given statuses.
func (s *Store) TransactionsByStatus(ctx context.Context, statuses ...keeper.TxStatus) ([]keeper.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	query := fmt.Sprintf(`
		SELECT transaction_id, portfolio_entity_id, contra_entity_id,
		       instrument_entity_id, transaction_type_id, status,
		       trade_date, settle_date
		FROM transactions
		WHERE status IN (%s)
		ORDER BY transaction_id
	`, strings.Join(placeholders, ", "))

	return s.queryTransactions(ctx, query, args...)
}

// UpdateTransactionStatus conditionally moves a transaction between
// statuses. Returns false when the record is no longer in the expected
// status (already moved by another actor).
func (s *Store) UpdateTransactionStatus(ctx context.Context, txID int64, from, to keeper.TxStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE transactions SET status = ?, updated_at = ? WHERE transaction_id = ? AND status = ?",
		string(to), time.Now().UTC().Format(time.RFC3339), txID, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update transaction status: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]keeper.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []keeper.Transaction
	for rows.Next() {
		var (
			tx                    keeper.Transaction
			status                string
			tradeDate, settleDate string
		)
		if err := rows.Scan(&tx.ID, &tx.PortfolioEntityID, &tx.ContraEntityID,
			&tx.InstrumentEntityID, &tx.TransactionTypeID, &status,
			&tradeDate, &settleDate); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Status = keeper.TxStatus(status)
		tx.TradeDate, _ = time.Parse(dateFormat, tradeDate)
		tx.SettleDate, _ = time.Parse(dateFormat, settleDate)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// =============================================================================
// DATA ENTRY - transactions
// =============================================================================

// CreateTransaction inserts a data-entry transaction and returns its id.
func (s *Store) CreateTransaction(ctx context.Context, tx keeper.Transaction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := tx.Status
	if status == "" {
		status = keeper.StatusIncomplete
	}
	now := time.Now().UTC().Format(time.RFC3339)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions
		(portfolio_entity_id, contra_entity_id, instrument_entity_id,
		 transaction_type_id, status, trade_date, settle_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.PortfolioEntityID, tx.ContraEntityID, tx.InstrumentEntityID,
		tx.TransactionTypeID, string(status),
		tx.TradeDate.Format(dateFormat), tx.SettleDate.Format(dateFormat),
		now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create transaction: %w", err)
	}
	return res.LastInsertId()
}

// GetTransaction returns a transaction by id, or nil if absent.
func (s *Store) GetTransaction(ctx context.Context, txID int64) (*keeper.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs, err := s.queryTransactions(ctx, `
		SELECT transaction_id, portfolio_entity_id, contra_entity_id,
		       instrument_entity_id, transaction_type_id, status,
		       trade_date, settle_date
		FROM transactions
		WHERE transaction_id = ?
	`, txID)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

// ListTransactions returns all transactions, optionally filtered by status.
func (s *Store) ListTransactions(ctx context.Context, status keeper.TxStatus) ([]keeper.Transaction, error) {
	if status != "" {
		return s.TransactionsByStatus(ctx, status)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryTransactions(ctx, `
		SELECT transaction_id, portfolio_entity_id, contra_entity_id,
		       instrument_entity_id, transaction_type_id, status,
		       trade_date, settle_date
		FROM transactions
		ORDER BY transaction_id
	`)
}

// =============================================================================
// DATA ENTRY - entities
// =============================================================================

// Entity is a portfolio, counterparty, or instrument record.
type Entity struct {
	ID        int64
	Name      string
	Type      string
	CreatedAt time.Time
}

// CreateEntity inserts an entity and returns its id.
func (s *Store) CreateEntity(ctx context.Context, e Entity) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO entities (name, entity_type, created_at) VALUES (?, ?, ?)",
		e.Name, e.Type, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create entity: %w", err)
	}
	return res.LastInsertId()
}

// ListEntities returns all entities ordered by name.
func (s *Store) ListEntities(ctx context.Context) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT entity_id, name, entity_type, created_at FROM entities ORDER BY name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var (
			e         Entity
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Name, &e.Type, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
