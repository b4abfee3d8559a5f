package payment

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricGatewayRequestDuration    = "payment_gateway_request_duration_seconds"
	MetricSessionsTotal             = "payment_sessions_total"
	MetricReconciliationsTotal      = "payment_reconciliations_total"
	MetricNotificationFailuresTotal = "payment_notification_failures_total"
)

// Session outcome label values.
const (
	OutcomeCreated      = "created"
	OutcomeGatewayError = "gateway_error"
	OutcomeRejected     = "rejected"
)

// Metrics contains Prometheus metrics for the payment pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatewayDuration      *prometheus.HistogramVec
	sessions             *prometheus.CounterVec
	reconciliations      *prometheus.CounterVec
	notificationFailures *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		gatewayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricGatewayRequestDuration,
				Help:    "Histogram of outbound payment gateway call latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"provider", "operation"},
		),
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricSessionsTotal,
				Help: "Total number of payment session creation attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricReconciliationsTotal,
				Help: "Total number of reconcile calls by provider, trigger and outcome",
			},
			[]string{"provider", "trigger", "outcome"},
		),
		notificationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricNotificationFailuresTotal,
				Help: "Total number of swallowed notification sink failures",
			},
			[]string{"provider", "event"},
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

// ObserveGatewayRequest records the latency of one gateway call.
func (m *Metrics) ObserveGatewayRequest(provider, operation string, seconds float64) {
	if m == nil {
		return
	}
	m.gatewayDuration.WithLabelValues(provider, operation).Observe(seconds)
}

// IncSessions counts a session creation attempt.
// outcome: OutcomeCreated, OutcomeGatewayError or OutcomeRejected
func (m *Metrics) IncSessions(provider, outcome string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(provider, outcome).Inc()
}

// IncReconciliations counts a reconcile result.
// outcome: the ReconcileOutcome value, or "error"
func (m *Metrics) IncReconciliations(provider, trigger, outcome string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(provider, trigger, outcome).Inc()
}

// IncNotificationFailures counts a sink error that was logged and dropped.
func (m *Metrics) IncNotificationFailures(provider, event string) {
	if m == nil {
		return
	}
	m.notificationFailures.WithLabelValues(provider, event).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.gatewayDuration,
		m.sessions,
		m.reconciliations,
		m.notificationFailures,
	}
}
