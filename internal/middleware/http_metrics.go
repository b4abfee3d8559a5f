package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

var staticRoutes = map[string]bool{
	"/":             true,
	"/health":       true,
	"/ready":        true,
	"/metrics":      true,
}

var paymentActions = map[string]bool{
	"session": true,
	"status":  true,
	"charge":  true,
}

// normalizePath maps request paths to route patterns so metric labels stay
// bounded: /api/payments/paypay/session becomes
// /api/payments/{provider}/session and /api/access/D123 becomes
// /api/access/{diagnosisId}. Unknown paths collapse to "other".
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 4 && parts[0] == "api" && parts[1] == "payments" && paymentActions[parts[3]]:
		return "/api/payments/{provider}/" + parts[3]
	case len(parts) == 2 && parts[0] == "webhooks":
		return "/webhooks/{provider}"
	case len(parts) == 3 && parts[0] == "api" && parts[1] == "access":
		return "/api/access/{diagnosisId}"
	case len(parts) == 3 && parts[0] == "api" && parts[1] == "products":
		return "/api/products/{diagnosisId}"
	}
	return "other"
}

func isHealthPath(path string) bool {
	return path == "/health" || path == "/ready"
}

type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	mrw.wroteHeader = true
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

func (mrw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return mrw.ResponseWriter
}

// HTTPMetrics records request duration, sizes and counts per normalized
// route. Liveness and readiness checks are skipped.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isHealthPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}

			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}
