// Package metrics holds the process-wide Prometheus collectors for the
// ledger engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsProcessed counts worker executions by action and outcome
	// (processed, failed, occ_timeout, dead_letter).
	CommandsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_commands_processed_total",
		Help: "Commands executed by action and outcome.",
	}, []string{"action", "outcome"})

	// ProcessingDuration observes end-to-end worker execution time.
	ProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_command_processing_seconds",
		Help:    "Worker execution duration by action.",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	// OCCRetries counts stale-row retries inside workers.
	OCCRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_occ_retries_total",
		Help: "Optimistic-concurrency retries performed by workers.",
	})

	// ClaimConflicts counts claims lost to another processor.
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_claim_conflicts_total",
		Help: "Queue item claims that lost the race.",
	})

	// ActiveProcessors tracks live per-tenant processors.
	ActiveProcessors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_active_processors",
		Help: "Currently running per-tenant processors.",
	})

	// LinkJobs counts link fan-out job outcomes (done, retried).
	LinkJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_link_jobs_total",
		Help: "Journal link fan-out jobs by outcome.",
	}, []string{"outcome"})
)
