/*
handlers.go - HTTP API handlers for the position keeper

PURPOSE:
  Exposes the position-keeper engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Position keeper:
    POST   /api/position-keeper/start         Run in incremental mode
    POST   /api/position-keeper/start/{mode}  Run in an explicit mode
    POST   /api/position-keeper/stop          Request the active run to abort
    GET    /api/position-keeper/status        Lock + worker + state view
    GET    /api/position-keeper/runs          Run history
    GET    /api/position-keeper/runs/{id}/sandbox  Sandbox partition of a run

  Data entry:
    GET    /api/transactions         List transactions (?status= filter)
    POST   /api/transactions         Create transaction
    GET    /api/transactions/{id}    Get transaction
    POST   /api/transactions/{id}/queue  INCOMPLETE -> QUEUED
    GET    /api/entities             List entities
    POST   /api/entities             Create entity

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (lock held by another run)
  - 503: Worker failed to become ready
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - keeper/orchestrator.go: Propagation policy behind these codes
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/panda/position-keeper/keeper"
	"github.com/panda/position-keeper/store/sqlite"
)

const dateFormat = "2006-01-02"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        *sqlite.Store
	Orchestrator *keeper.Orchestrator
}

// NewHandler creates a new handler over the store and orchestrator.
func NewHandler(store *sqlite.Store, orch *keeper.Orchestrator) *Handler {
	return &Handler{Store: store, Orchestrator: orch}
}

// =============================================================================
// POSITION KEEPER HANDLERS
// =============================================================================

// StartRun executes one position-keeper run and blocks until it terminates.
// POST /api/position-keeper/start
// POST /api/position-keeper/start/{mode}
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	mode := keeper.ParseMode(chi.URLParam(r, "mode"))

	result, err := h.Orchestrator.Start(r.Context(), mode)
	if err != nil {
		switch {
		case keeper.IsConflict(err):
			writeError(w, http.StatusConflict, "Another run is already active", err)
		case errors.Is(err, keeper.ErrWorkerUnready):
			writeError(w, http.StatusServiceUnavailable, "Computation worker not ready", err)
		default:
			writeError(w, http.StatusInternalServerError, "Run failed", err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, StartRunResponse{
		Message:            "run completed",
		Mode:               string(result.Mode),
		RunID:              result.RunID,
		SandboxRowsCreated: result.SandboxRows,
		Statistics:         result.Stats,
		Cleanup:            result.Cleanup,
	})
}

// StopRun asks the active run to abort and reports the current view.
// POST /api/position-keeper/stop
func (h *Handler) StopRun(w http.ResponseWriter, r *http.Request) {
	observed := h.Orchestrator.RequestStop()

	msg := "no run active"
	if observed {
		msg = "stop requested"
	}

	resp := StopRunResponse{Message: msg, Stopping: observed}
	if view, err := h.statusView(r); err == nil {
		resp.StatusResponse = view
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetStatus returns the lock, instance, and lifecycle view.
// GET /api/position-keeper/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.statusView(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read status", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) statusView(r *http.Request) (StatusResponse, error) {
	lock, instance, err := h.Orchestrator.Status(r.Context())
	if err != nil {
		return StatusResponse{}, err
	}

	view := StatusResponse{
		State:          string(h.Orchestrator.State()),
		LockStatus:     "free",
		InstanceStatus: instance,
	}
	if lock != nil {
		view.LockStatus = "held"
		view.Holder = lock.Holder
		view.ExpiresAt = lock.ExpiresAt.Format(time.RFC3339)
	}
	return view, nil
}

// ListRuns returns run history, newest first.
// GET /api/position-keeper/runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = parsed
	}

	runs, err := h.Store.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}

	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = RunDTO{
			RunID:     run.ID,
			Mode:      string(run.Mode),
			Holder:    run.Holder,
			StartedAt: run.StartedAt.Format(time.RFC3339),
		}
		if run.CompletedAt != nil {
			s := run.CompletedAt.Format(time.RFC3339)
			dtos[i].CompletedAt = &s
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRunSandbox returns the sandbox partition materialized for a run.
// GET /api/position-keeper/runs/{id}/sandbox
func (h *Handler) GetRunSandbox(w http.ResponseWriter, r *http.Request) {
	runID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid run id", err)
		return
	}

	if _, err := h.Store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, keeper.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "Run not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to read run", err)
		return
	}

	rows, err := h.Store.SandboxRowsByRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read sandbox", err)
		return
	}

	type rowDTO struct {
		PositionDate       string `json:"position_date"`
		PositionType       string `json:"position_type"`
		PortfolioEntityID  int64  `json:"portfolio_entity_id"`
		InstrumentEntityID int64  `json:"instrument_entity_id"`
		ShareAmount        string `json:"share_amount"`
		MarketValue        string `json:"market_value"`
	}
	dtos := make([]rowDTO, len(rows))
	for i, row := range rows {
		dtos[i] = rowDTO{
			PositionDate:       row.PositionDate.Format(dateFormat),
			PositionType:       string(row.PositionType),
			PortfolioEntityID:  row.PortfolioEntityID,
			InstrumentEntityID: row.InstrumentEntityID,
			ShareAmount:        row.ShareAmount.String(),
			MarketValue:        row.MarketValue.String(),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// DATA ENTRY - TRANSACTIONS
// =============================================================================

// ListTransactions returns transactions, optionally filtered by status.
// GET /api/transactions?status=QUEUED
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	status := keeper.TxStatus(r.URL.Query().Get("status"))

	txs, err := h.Store.ListTransactions(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateTransaction creates a data-entry transaction.
// POST /api/transactions
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tradeDate, err := time.Parse(dateFormat, req.TradeDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid trade_date (expected YYYY-MM-DD)", err)
		return
	}
	settleDate, err := time.Parse(dateFormat, req.SettleDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid settle_date (expected YYYY-MM-DD)", err)
		return
	}
	if req.PortfolioEntityID == 0 || req.ContraEntityID == 0 || req.InstrumentEntityID == 0 {
		writeError(w, http.StatusBadRequest, "portfolio, contra, and instrument entity ids are required", nil)
		return
	}

	tx := keeper.Transaction{
		PortfolioEntityID:  req.PortfolioEntityID,
		ContraEntityID:     req.ContraEntityID,
		InstrumentEntityID: req.InstrumentEntityID,
		TransactionTypeID:  req.TransactionTypeID,
		Status:             keeper.TxStatus(req.Status),
		TradeDate:          tradeDate,
		SettleDate:         settleDate,
	}

	id, err := h.Store.CreateTransaction(r.Context(), tx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create transaction", err)
		return
	}

	created, err := h.Store.GetTransaction(r.Context(), id)
	if err != nil || created == nil {
		writeError(w, http.StatusInternalServerError, "Failed to read back transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*created))
}

// GetTransaction returns a single transaction.
// GET /api/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transaction id", err)
		return
	}

	tx, err := h.Store.GetTransaction(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read transaction", err)
		return
	}
	if tx == nil {
		writeError(w, http.StatusNotFound, "Transaction not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// QueueTransaction moves a completed entry into the keeper's working set.
// Only INCOMPLETE transactions are eligible.
// POST /api/transactions/{id}/queue
func (h *Handler) QueueTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transaction id", err)
		return
	}

	moved, err := h.Store.UpdateTransactionStatus(r.Context(), id,
		keeper.StatusIncomplete, keeper.StatusQueued)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to queue transaction", err)
		return
	}
	if !moved {
		writeError(w, http.StatusConflict, "Transaction is not INCOMPLETE", nil)
		return
	}

	tx, err := h.Store.GetTransaction(r.Context(), id)
	if err != nil || tx == nil {
		writeError(w, http.StatusInternalServerError, "Failed to read back transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// =============================================================================
// DATA ENTRY - ENTITIES
// =============================================================================

// ListEntities returns all entities.
// GET /api/entities
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := h.Store.ListEntities(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list entities", err)
		return
	}

	dtos := make([]EntityDTO, len(entities))
	for i, e := range entities {
		dtos[i] = EntityDTO{ID: e.ID, Name: e.Name, Type: e.Type}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateEntity creates a portfolio, counterparty, or instrument.
// POST /api/entities
func (h *Handler) CreateEntity(w http.ResponseWriter, r *http.Request) {
	var req CreateEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "name and type are required", nil)
		return
	}

	id, err := h.Store.CreateEntity(r.Context(), sqlite.Entity{Name: req.Name, Type: req.Type})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create entity", err)
		return
	}
	writeJSON(w, http.StatusCreated, EntityDTO{ID: id, Name: req.Name, Type: req.Type})
}

// =============================================================================
// HELPERS
// =============================================================================

func toTransactionDTO(tx keeper.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:                 tx.ID,
		PortfolioEntityID:  tx.PortfolioEntityID,
		ContraEntityID:     tx.ContraEntityID,
		InstrumentEntityID: tx.InstrumentEntityID,
		TransactionTypeID:  tx.TransactionTypeID,
		Status:             string(tx.Status),
		TradeDate:          tx.TradeDate.Format(dateFormat),
		SettleDate:         tx.SettleDate.Format(dateFormat),
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
