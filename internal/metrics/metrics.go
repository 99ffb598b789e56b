package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PassesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "passpilot_passes_issued_total",
		Help: "Passes issued.",
	})
	PassesReturned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "passpilot_passes_returned_total",
		Help: "Passes returned, including nightly sweeps.",
	})
	PassesRevoked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "passpilot_passes_revoked_total",
		Help: "Passes revoked by an administrator.",
	})
	ResetSweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "passpilot_reset_sweep_runs_total",
		Help: "Nightly reset sweep executions.",
	})
	ResetSweepFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "passpilot_reset_sweep_failures_total",
		Help: "Per-school failures during reset sweeps.",
	})
	ResetPassesSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "passpilot_reset_passes_swept_total",
		Help: "Passes force-returned by reset sweeps.",
	})
)
