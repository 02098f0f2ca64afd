/*
Package worker manages the external position-computation resource.

PURPOSE:
  The per-transaction position math runs in a long-lived process with real
  boot time. This package implements keeper.WorkerController over two
  independently-observable signals:

    Resource:     the compute unit itself (instance up/down)
    ServiceProbe: the keeper service inside it (active/inactive)

  composed into a single overall status, so callers never reason about the
  two axes separately.

IMPLEMENTATIONS:
  Manager:   the controller (start-if-stopped, poll-until-active, bounded)
  Simulated: an in-process resource with configurable boot time, used by
             the default deployment and by tests. A cloud-instance resource
             satisfies the same two small interfaces.

SEE ALSO:
  - keeper/worker.go: Contracts and status composition
*/
package worker

import (
	"context"
	"log"
	"time"

	"github.com/panda/position-keeper/keeper"
)

// Resource is the coarse-grained compute unit. Start and Stop are
// non-blocking requests; readiness is observed, not awaited, so the
// controller owns the bounded wait.
type Resource interface {
	State(ctx context.Context) (keeper.ResourceState, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ServiceProbe observes the keeper service inside the resource.
type ServiceProbe interface {
	ServiceState(ctx context.Context) (keeper.ServiceState, error)
}

// Manager implements keeper.WorkerController over a Resource and its probe.
type Manager struct {
	resource Resource
	probe    ServiceProbe

	// PollInterval paces readiness polling during EnsureReady.
	PollInterval time.Duration
}

// NewManager creates a controller for the given resource.
func NewManager(resource Resource, probe ServiceProbe) *Manager {
	return &Manager{
		resource:     resource,
		probe:        probe,
		PollInterval: time.Second,
	}
}

// Status observes both axes and composes them. Observation errors degrade to
// the unknown state rather than failing the status call.
func (m *Manager) Status(ctx context.Context) (keeper.WorkerStatus, error) {
	rs, err := m.resource.State(ctx)
	if err != nil {
		rs = keeper.ResourceUnknown
	}

	ss := keeper.ServiceUnknown
	if rs == keeper.ResourceRunning {
		if observed, err := m.probe.ServiceState(ctx); err == nil {
			ss = observed
		}
	} else if rs == keeper.ResourceStopped || rs == keeper.ResourceStopping {
		ss = keeper.ServiceInactive
	}

	return keeper.ComposeStatus(rs, ss), nil
}

// EnsureReady starts the resource if it is down, then polls until the
// service reports active, bounded by timeout. Exceeding the bound returns a
// *keeper.WorkerUnreadyError.
func (m *Manager) EnsureReady(ctx context.Context, timeout time.Duration) (keeper.WorkerStatus, error) {
	status, err := m.Status(ctx)
	if err != nil {
		return status, err
	}

	if status.Ready() {
		return status, nil
	}

	if status.ResourceState == keeper.ResourceStopped ||
		status.ResourceState == keeper.ResourceStopping ||
		status.ResourceState == keeper.ResourceUnknown {
		log.Printf("[Worker] starting compute resource (state=%s)", status.ResourceState)
		if err := m.resource.Start(ctx); err != nil {
			return status, err
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-deadline.C:
			return status, &keeper.WorkerUnreadyError{Timeout: timeout, LastStatus: status}
		case <-ticker.C:
			status, err = m.Status(ctx)
			if err != nil {
				return status, err
			}
			if status.Ready() {
				log.Printf("[Worker] compute resource ready")
				return status, nil
			}
		}
	}
}

// Release requests a shutdown. Releasing an already-stopped resource is a
// no-op; double release is not an error.
func (m *Manager) Release(ctx context.Context) error {
	status, err := m.Status(ctx)
	if err != nil {
		return err
	}
	if status.ResourceState == keeper.ResourceStopped ||
		status.ResourceState == keeper.ResourceStopping {
		return nil
	}
	log.Printf("[Worker] stopping compute resource")
	return m.resource.Stop(ctx)
}
