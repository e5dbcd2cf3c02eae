package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

// Module provides the shared metrics recorder.
var Module = fx.Provide(NewMetrics)

// Metrics aggregates the service-level prometheus counters.
type Metrics struct {
	ingestEvents  *prometheus.CounterVec
	pushes        *prometheus.CounterVec
	reconcileRuns *prometheus.CounterVec
	queueJobs     *prometheus.CounterVec
	driverRetries prometheus.Counter
	backfillOps   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		ingestEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meterflow_ingest_events_total",
			Help: "Ingested usage events by outcome.",
		}, []string{"tenant", "metric", "status"}),
		pushes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meterflow_billing_pushes_total",
			Help: "Usage pushes to the billing provider by outcome.",
		}, []string{"tenant", "outcome"}),
		reconcileRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meterflow_reconcile_runs_total",
			Help: "Reconciliation runs by outcome.",
		}, []string{"outcome"}),
		queueJobs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meterflow_queue_jobs_total",
			Help: "Queue jobs by type and outcome.",
		}, []string{"type", "outcome"}),
		driverRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meterflow_billing_driver_retries_total",
			Help: "Transient provider errors retried by the billing driver.",
		}),
		backfillOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meterflow_backfill_operations_total",
			Help: "Backfill operations by terminal status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) IncIngestEvent(tenant, metric, status string) {
	if m == nil {
		return
	}
	m.ingestEvents.WithLabelValues(tenant, metric, status).Inc()
}

func (m *Metrics) IncPush(tenant, outcome string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(tenant, outcome).Inc()
}

func (m *Metrics) IncReconcileRun(outcome string) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncQueueJob(jobType, outcome string) {
	if m == nil {
		return
	}
	m.queueJobs.WithLabelValues(jobType, outcome).Inc()
}

func (m *Metrics) IncDriverRetry() {
	if m == nil {
		return
	}
	m.driverRetries.Inc()
}

func (m *Metrics) IncBackfillOp(status string) {
	if m == nil {
		return
	}
	m.backfillOps.WithLabelValues(status).Inc()
}
