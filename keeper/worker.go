/*
worker.go - Contracts for the external computation worker

PURPOSE:
  The per-transaction position math runs in a long-lived external process
  with its own boot time. The keeper treats it as a managed remote resource:
  a lifecycle controller brings it up and tears it down, and a processor
  performs the actual per-transaction call.

STATUS COMPOSITION:
  Two independently-observable signals (resource up/down, service
  active/inactive) compose into one overall status so callers never reason
  about the two axes separately:

    resource   service    overall
    running    active     running
    running    inactive   starting
    pending    any        starting
    stopped    any        stopped
    stopping   any        stopped
    otherwise             error

SEE ALSO:
  - worker/manager.go: Managed implementation
  - orchestrator.go: How the run drives these contracts
*/
package keeper

import (
	"context"
	"time"
)

// =============================================================================
// TWO-AXIS STATUS
// =============================================================================

// ResourceState is the coarse state of the compute resource itself.
type ResourceState string

const (
	ResourceRunning  ResourceState = "running"
	ResourcePending  ResourceState = "pending"
	ResourceStopping ResourceState = "stopping"
	ResourceStopped  ResourceState = "stopped"
	ResourceUnknown  ResourceState = "unknown"
)

// ServiceState is the state of the keeper service inside the resource.
type ServiceState string

const (
	ServiceActive   ServiceState = "active"
	ServiceInactive ServiceState = "inactive"
	ServiceUnknown  ServiceState = "unknown"
)

// OverallStatus is the single summary composed from the two axes.
type OverallStatus string

const (
	OverallRunning  OverallStatus = "running"
	OverallStarting OverallStatus = "starting"
	OverallStopped  OverallStatus = "stopped"
	OverallError    OverallStatus = "error"
)

// WorkerStatus is the composed view of the worker resource.
type WorkerStatus struct {
	ResourceState ResourceState `json:"resource_state"`
	ServiceState  ServiceState  `json:"service_state"`
	Overall       OverallStatus `json:"overall_status"`
}

// ComposeStatus folds the two axes into one summary.
func ComposeStatus(rs ResourceState, ss ServiceState) WorkerStatus {
	status := WorkerStatus{ResourceState: rs, ServiceState: ss}
	switch {
	case rs == ResourceRunning && ss == ServiceActive:
		status.Overall = OverallRunning
	case rs == ResourceRunning || rs == ResourcePending:
		status.Overall = OverallStarting
	case rs == ResourceStopped || rs == ResourceStopping:
		status.Overall = OverallStopped
	default:
		status.Overall = OverallError
	}
	return status
}

// Ready reports whether the worker can accept per-transaction dispatches.
func (s WorkerStatus) Ready() bool {
	return s.Overall == OverallRunning
}

// =============================================================================
// CONTRACTS
// =============================================================================

// WorkerController manages the remote computation resource as a unit.
type WorkerController interface {
	// EnsureReady starts the resource if needed, then polls until its
	// service reports active, bounded by timeout. Exceeding the bound
	// returns a *WorkerUnreadyError (the run treats it as an abort trigger,
	// never a silent continue).
	EnsureReady(ctx context.Context, timeout time.Duration) (WorkerStatus, error)

	// Release is a best-effort idempotent shutdown. Double-release is not
	// an error.
	Release(ctx context.Context) error

	// Status observes both axes and composes them.
	Status(ctx context.Context) (WorkerStatus, error)
}

// Processor performs the per-transaction position computation. The
// arithmetic itself is the worker's business; the keeper only cares
// whether the call succeeded within its deadline.
type Processor interface {
	Process(ctx context.Context, runID int64, tx Transaction) error
}
