package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names exported by the HTTP layer.
const (
	MetricRateLimitRequests     = "rate_limit_requests_total"
	MetricRateLimitBlocked      = "rate_limit_blocked_total"
	MetricRateLimitRedisErrors  = "rate_limit_redis_errors_total"
	MetricIdempotentReplays     = "idempotent_replays_total"
	MetricHTTPRequestDuration   = "http_request_duration_seconds"
	MetricHTTPRequestsTotal     = "http_requests_total"
	MetricHTTPRequestSizeBytes  = "http_request_size_bytes"
	MetricHTTPResponseSizeBytes = "http_response_size_bytes"
)

// Metrics contains Prometheus metrics for middleware operations.
// All operations are thread-safe.
type Metrics struct {
	rateLimitRequests    *prometheus.CounterVec
	rateLimitBlocked     *prometheus.CounterVec
	rateLimitRedisErrors prometheus.Counter
	idempotentReplays    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestSize      *prometheus.HistogramVec
	httpResponseSize     *prometheus.HistogramVec
}

// NewMetrics creates unregistered middleware metrics; call Register.
func NewMetrics() *Metrics {
	httpLabels := []string{"method", "route", "status"}
	return &Metrics{
		rateLimitRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRateLimitRequests,
				Help: "Rate limit checks by route and limit scope",
			},
			[]string{"route", "scope"},
		),
		rateLimitBlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRateLimitBlocked,
				Help: "Requests rejected with 429 by route and limit scope",
			},
			[]string{"route", "scope"},
		),
		rateLimitRedisErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricRateLimitRedisErrors,
				Help: "Redis failures during rate limiting; requests were allowed",
			},
		),
		idempotentReplays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricIdempotentReplays,
				Help: "Responses served from the idempotency cache",
			},
			[]string{"route"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: MetricHTTPRequestDuration,
				Help: "HTTP request duration in seconds",
				// Gateway round trips dominate; PayPay can take several seconds.
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			httpLabels,
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricHTTPRequestsTotal,
				Help: "Total number of HTTP requests",
			},
			httpLabels,
		),
		httpRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricHTTPRequestSizeBytes,
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(64, 4, 7),
			},
			httpLabels,
		),
		httpResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricHTTPResponseSizeBytes,
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(64, 4, 7),
			},
			httpLabels,
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

// IncRateLimitRequests counts a rate limit check. scope is the limit name
// ("session", "status", "global").
func (m *Metrics) IncRateLimitRequests(route, scope string) {
	m.rateLimitRequests.WithLabelValues(route, scope).Inc()
}

// IncRateLimitBlocked counts a rejected request.
func (m *Metrics) IncRateLimitBlocked(route, scope string) {
	m.rateLimitBlocked.WithLabelValues(route, scope).Inc()
}

// IncRateLimitRedisErrors counts a fail-open event.
func (m *Metrics) IncRateLimitRedisErrors() {
	m.rateLimitRedisErrors.Inc()
}

// IncIdempotentReplays counts a cached response served for route.
func (m *Metrics) IncIdempotentReplays(route string) {
	m.idempotentReplays.WithLabelValues(route).Inc()
}

// ObserveHTTPRequest records one finished request.
func (m *Metrics) ObserveHTTPRequest(method, route, status string, duration float64, requestSize, responseSize int64) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": status,
	}
	m.httpRequestDuration.With(labels).Observe(duration)
	m.httpRequestsTotal.With(labels).Inc()
	m.httpRequestSize.With(labels).Observe(float64(requestSize))
	m.httpResponseSize.With(labels).Observe(float64(responseSize))
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.rateLimitRequests,
		m.rateLimitBlocked,
		m.rateLimitRedisErrors,
		m.idempotentReplays,
		m.httpRequestDuration,
		m.httpRequestsTotal,
		m.httpRequestSize,
		m.httpResponseSize,
	}
}
