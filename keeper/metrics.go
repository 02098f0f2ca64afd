// metrics.go - Prometheus metrics for position-keeper runs.
//
// Exposed series:
//   keeper_runs_total{mode,outcome}        - Runs by mode and terminal outcome
//   keeper_transactions_total{result}      - Per-transaction dispatch results
//   keeper_sandbox_rows_generated          - Rows materialized by the last run
//   keeper_lock_stale_reclaims_total       - Expired locks silently reclaimed
//   keeper_orphans_marked_total            - Transactions reconciled to UNKNOWN
//
// Registered in init() and served by the HTTP router at /metrics.
package keeper

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_runs_total",
			Help: "Position keeper runs by mode and outcome",
		},
		[]string{"mode", "outcome"}, // outcome: completed|aborted|conflict
	)

	transactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_transactions_total",
			Help: "Per-transaction dispatch results",
		},
		[]string{"result"}, // result: success|failure
	)

	sandboxRowsGenerated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_sandbox_rows_generated",
			Help: "Sandbox rows materialized by the most recent run",
		},
	)

	// Stale-lock reclaim is expected after a holder crash, but a steady rate
	// means runs are outliving their TTL.
	staleLockReclaims = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_lock_stale_reclaims_total",
			Help: "Expired run locks reclaimed without manual intervention",
		},
	)

	orphansMarked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_orphans_marked_total",
			Help: "Claimed transactions reconciled to UNKNOWN",
		},
	)
)

func init() {
	prometheus.MustRegister(
		runsTotal,
		transactionsTotal,
		sandboxRowsGenerated,
		staleLockReclaims,
		orphansMarked,
	)
}

// ObserveStaleLockReclaim records that an expired lock was reclaimed. Called
// by lock-store implementations so reclaim is observable regardless of which
// store backs the keeper.
func ObserveStaleLockReclaim() {
	staleLockReclaims.Inc()
}
