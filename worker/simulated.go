/*
simulated.go - In-process compute resource

PURPOSE:
  Stands in for the remote compute instance when the keeper runs
  self-contained (development, tests, single-node deployments). Boot is not
  instantaneous: the resource spends BootDelay pending, and the service
  needs a further ServiceDelay before it reports active, so the controller's
  bounded-wait logic is exercised for real.
*/
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/panda/position-keeper/keeper"
)

// Simulated is an in-process Resource + ServiceProbe with boot latency.
type Simulated struct {
	// BootDelay is how long the resource stays pending after Start.
	BootDelay time.Duration

	// ServiceDelay is how long after boot the service stays inactive.
	ServiceDelay time.Duration

	mu        sync.Mutex
	running   bool
	startedAt time.Time
}

// NewSimulated creates a stopped resource with the given boot profile.
func NewSimulated(bootDelay, serviceDelay time.Duration) *Simulated {
	return &Simulated{BootDelay: bootDelay, ServiceDelay: serviceDelay}
}

// State reports the resource axis.
func (s *Simulated) State(context.Context) (keeper.ResourceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return keeper.ResourceStopped, nil
	}
	if time.Since(s.startedAt) < s.BootDelay {
		return keeper.ResourcePending, nil
	}
	return keeper.ResourceRunning, nil
}

// ServiceState reports the service axis.
func (s *Simulated) ServiceState(context.Context) (keeper.ServiceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || time.Since(s.startedAt) < s.BootDelay+s.ServiceDelay {
		return keeper.ServiceInactive, nil
	}
	return keeper.ServiceActive, nil
}

// Start boots the resource. Starting a running resource is a no-op.
func (s *Simulated) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.running = true
		s.startedAt = time.Now()
	}
	return nil
}

// Stop shuts the resource down. Idempotent.
func (s *Simulated) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	return nil
}
