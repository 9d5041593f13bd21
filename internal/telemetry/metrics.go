package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmissionsTotal     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_submissions_total", Help: "Tracked jobs submitted to the queue backend"})
	SubmissionsThrottled = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_submissions_throttled_total", Help: "Submissions rejected by the per-company rate limit"})
	ReconcileRuns        = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_reconcile_runs_total", Help: "Reconciliation cycles executed"})
	ReconcileTransitions = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_reconcile_transitions_total", Help: "Tracker rows changed by reconciliation"})
	ReconcileErrors      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_reconcile_errors_total", Help: "Per-job reconciliation failures"})
	ChainsFired          = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_chains_fired_total", Help: "Dependent jobs submitted after a success"})
	ChainsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_chain_failures_total", Help: "Chains abandoned after submission retries ran out"})
	AgeSweptTrackers     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_age_swept_trackers_total", Help: "Terminal trackers evicted by the age sweep"})
	OrphanSweptTrackers  = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_orphan_swept_trackers_total", Help: "Orphaned trackers evicted by the orphan sweep"})
	WorkerSuccess        = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_worker_success_total", Help: "Jobs completed successfully by this worker"})
	WorkerFailures       = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_worker_failures_total", Help: "Jobs that finished with an error"})
	ActiveTrackersGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_trackers_active", Help: "Non-terminal trackers at the last reconciliation"})
	QueueDepthGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_queue_depth", Help: "Ready queue depth across named queues"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmissionsTotal,
			SubmissionsThrottled,
			ReconcileRuns,
			ReconcileTransitions,
			ReconcileErrors,
			ChainsFired,
			ChainsFailed,
			AgeSweptTrackers,
			OrphanSweptTrackers,
			WorkerSuccess,
			WorkerFailures,
			ActiveTrackersGauge,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
