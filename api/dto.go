/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/panda/position-keeper/keeper"
)

// =============================================================================
// POSITION KEEPER
// =============================================================================

// StartRunResponse reports the terminal outcome of a run.
type StartRunResponse struct {
	Message            string         `json:"message"`
	Mode               string         `json:"mode"`
	RunID              int64          `json:"run_id"`
	SandboxRowsCreated int            `json:"sandbox_rows_created"`
	Statistics         keeper.Stats   `json:"statistics"`
	Cleanup            keeper.Cleanup `json:"cleanup"`
}

// StopRunResponse reports whether a stop request was observed by a run,
// along with the current lock/instance view.
type StopRunResponse struct {
	Message  string `json:"message"`
	Stopping bool   `json:"stopping"`
	StatusResponse
}

// StatusResponse is the lock/instance/state view. Holder and ExpiresAt are
// only present while the lock is held.
type StatusResponse struct {
	State          string              `json:"state"`
	LockStatus     string              `json:"lock_status"` // free | held
	Holder         string              `json:"holder,omitempty"`
	ExpiresAt      string              `json:"expires_at,omitempty"`
	InstanceStatus keeper.WorkerStatus `json:"instance_status"`
}

// RunDTO represents a historical run record.
type RunDTO struct {
	RunID       int64   `json:"run_id"`
	Mode        string  `json:"mode"`
	Holder      string  `json:"holder"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// =============================================================================
// DATA ENTRY
// =============================================================================

// TransactionDTO represents a data-entry transaction in API responses.
type TransactionDTO struct {
	ID                 int64  `json:"id"`
	PortfolioEntityID  int64  `json:"portfolio_entity_id"`
	ContraEntityID     int64  `json:"contra_entity_id"`
	InstrumentEntityID int64  `json:"instrument_entity_id"`
	TransactionTypeID  int64  `json:"transaction_type_id"`
	Status             string `json:"status"`
	TradeDate          string `json:"trade_date"`
	SettleDate         string `json:"settle_date"`
}

// CreateTransactionRequest is the request to create a transaction.
type CreateTransactionRequest struct {
	PortfolioEntityID  int64  `json:"portfolio_entity_id"`
	ContraEntityID     int64  `json:"contra_entity_id"`
	InstrumentEntityID int64  `json:"instrument_entity_id"`
	TransactionTypeID  int64  `json:"transaction_type_id"`
	Status             string `json:"status,omitempty"`
	TradeDate          string `json:"trade_date"`
	SettleDate         string `json:"settle_date"`
}

// EntityDTO represents a portfolio, counterparty, or instrument.
type EntityDTO struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// CreateEntityRequest is the request to create an entity.
type CreateEntityRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
