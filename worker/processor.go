/*
processor.go - Per-transaction dispatch

PURPOSE:
  Implements keeper.Processor for the in-process deployment. The share and
  market-value arithmetic belongs to the computation service; this processor
  owns the dispatch mechanics (deadline awareness, simulated service
  latency) so the run plumbing, statuses, and statistics are fully real.
*/
package worker

import (
	"context"
	"time"

	"github.com/panda/position-keeper/keeper"
)

// Local dispatches transactions to the in-process compute resource.
type Local struct {
	// Latency models the per-call service time. Zero means immediate.
	Latency time.Duration
}

// Process acknowledges the transaction after the service latency elapses,
// honouring the caller's per-call deadline.
func (l *Local) Process(ctx context.Context, runID int64, tx keeper.Transaction) error {
	if l.Latency <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(l.Latency)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
