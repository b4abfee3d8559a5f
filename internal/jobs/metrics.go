// Package jobs holds the Prometheus metrics shared by background sweeps such
// as the purchase reconcile job.
package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricJobRunsTotal       = "payment_job_runs_total"
	MetricJobDuration        = "payment_job_duration_seconds"
	MetricJobErrorsTotal     = "payment_job_errors_total"
	MetricJobItemsTotal      = "payment_job_items_total"
	MetricJobLastSuccessTime = "payment_job_last_success_timestamp_seconds"
)

// Job types, one per phase of the reconcile sweep.
const (
	JobTypeGrantRepair       = "access_grant_repair"
	JobTypePendingReconcile  = "pending_reconcile"
	JobTypeAbandonedPurchase = "abandoned_purchase_cleanup"
)

// Run statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Item results counted by AddItems.
const (
	ItemRepaired   = "repaired"
	ItemReconciled = "reconciled"
	ItemAbandoned  = "abandoned"
)

// Reporter is what a background job needs to report its runs.
// *Metrics implements it.
type Reporter interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
	AddItems(jobType, result string, n int)
	SetLastSuccess(jobType string, at time.Time)
}

// Metrics contains Prometheus metrics for background job operations.
type Metrics struct {
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	items       *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
}

// NewMetrics creates unregistered job metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricJobRunsTotal,
				Help: "Background job phase runs by job type and status",
			},
			[]string{"job_type", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: MetricJobDuration,
				Help: "Background job phase duration in seconds",
				// Each phase makes at most BatchSize gateway calls.
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"job_type"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricJobErrorsTotal,
				Help: "Background job errors by job type and error type",
			},
			[]string{"job_type", "error_type"},
		),
		items: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricJobItemsTotal,
				Help: "Purchases changed by background jobs, by job type and result",
			},
			[]string{"job_type", "result"},
		),
		lastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricJobLastSuccessTime,
				Help: "Unix time of the last successful run of each job phase",
			},
			[]string{"job_type"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncJobsTotal counts one phase run with StatusSuccess or StatusFailure.
func (m *Metrics) IncJobsTotal(jobType, status string) {
	m.runs.WithLabelValues(jobType, status).Inc()
}

// ObserveJobDuration records a phase duration sample.
func (m *Metrics) ObserveJobDuration(jobType string, seconds float64) {
	m.duration.WithLabelValues(jobType).Observe(seconds)
}

// IncJobErrors counts an error such as "timeout", "database_error" or
// "reconcile_error".
func (m *Metrics) IncJobErrors(jobType, errorType string) {
	m.errors.WithLabelValues(jobType, errorType).Inc()
}

// AddItems counts n purchases that a phase changed. n <= 0 is ignored.
func (m *Metrics) AddItems(jobType, result string, n int) {
	if n <= 0 {
		return
	}
	m.items.WithLabelValues(jobType, result).Add(float64(n))
}

// SetLastSuccess records when a phase last finished without failure.
// Alert on staleness rather than on individual failures.
func (m *Metrics) SetLastSuccess(jobType string, at time.Time) {
	m.lastSuccess.WithLabelValues(jobType).Set(float64(at.Unix()))
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.runs, m.duration, m.errors, m.items, m.lastSuccess}
}
