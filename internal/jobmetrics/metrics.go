// Package jobmetrics exposes Prometheus collectors for billing runs and
// background jobs.
package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/warehouse-billing/billing"
)

// Metrics implements billing.Observer and tracks asynq job executions.
type Metrics struct {
	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	lines        *prometheus.CounterVec
	lockContends prometheus.Counter
	jobs         *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
}

var _ billing.Observer = (*Metrics)(nil)

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the metrics against the provided registerer. When
// the registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// RunFinished records a terminal run status and its wall time.
func (m *Metrics) RunFinished(status billing.RunStatus, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(status)).Inc()
	m.runDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

func (m *Metrics) LineFinished(method billing.BillingMethod, status billing.LineStatus) {
	if m == nil {
		return
	}
	m.lines.WithLabelValues(string(method), string(status)).Inc()
}

func (m *Metrics) LockContended() {
	if m == nil {
		return
	}
	m.lockContends.Inc()
}

// Tracker provides lifecycle instrumentation for a single job execution.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End records duration and outcome, returning err untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	t.metrics.jobs.WithLabelValues(t.job, status).Inc()
	t.metrics.jobDuration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_runs_total",
			Help: "Billing runs partitioned by terminal status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billing_run_duration_seconds",
			Help:    "Wall time of billing runs from lock to commit.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		lines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_lines_total",
			Help: "Contract line results partitioned by billing method and status.",
		}, []string{"method", "status"}),
		lockContends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_lock_contention_total",
			Help: "Run lock attempts that found the key held.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_jobs_total",
			Help: "Background job executions partitioned by job name and status.",
		}, []string{"job", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billing_job_duration_seconds",
			Help:    "Duration in seconds of background job executions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
	}
	registerer.MustRegister(m.runs, m.runDuration, m.lines, m.lockContends, m.jobs, m.jobDuration)
	return m
}
