package api

import (
	"net/http"
	"time"

	"github.com/onnwee/otsukisama/internal/health"
)

// defaultReadyTimeout bounds each readiness check.
const defaultReadyTimeout = 3 * time.Second

// HealthHandlers provides liveness and readiness endpoints.
type HealthHandlers struct {
	components []health.Component
	timeout    time.Duration
}

// NewHealthHandlers creates health handlers over the given components. A
// zero timeout uses 3s per check.
func NewHealthHandlers(components []health.Component, timeout time.Duration) *HealthHandlers {
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	return &HealthHandlers{components: components, timeout: timeout}
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health. If the process can answer, it is alive.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r.Context(), http.StatusOK, HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": health.StatusOK},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready. A failing critical dependency (database, Redis
// when configured) returns 503; an open gateway breaker only reports
// "degraded".
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	report := health.Run(r.Context(), h.components, h.timeout)

	status, code := "healthy", http.StatusOK
	if !report.Ready {
		status, code = "unhealthy", http.StatusServiceUnavailable
	} else {
		for _, v := range report.Checks {
			if v == health.StatusDegraded {
				status = "degraded"
				break
			}
		}
	}

	writeJSON(w, r.Context(), code, HealthResponse{
		Status:    status,
		Checks:    report.Checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
