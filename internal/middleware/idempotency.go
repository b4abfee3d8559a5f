package middleware

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/otsukisama/internal/idempotency"
)

// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotentReplayHeader marks a response served from the cache.
const IdempotentReplayHeader = "Idempotent-Replayed"

type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if !w.written {
		w.statusCode = statusCode
		w.written = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b[:n])
	return n, err
}

func (w *idempotencyResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Idempotency replays cached 2xx responses for POST requests that carry an
// Idempotency-Key header. routes holds normalized route patterns, for example
// "/api/payments/{provider}/session". Requests without the header pass
// through untouched; a client that retries session creation with the same
// key gets the original payment session back. metrics may be nil.
func Idempotency(repo idempotency.Repository, routes map[string]bool, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := normalizePath(r.URL.Path)
			key := r.Header.Get(IdempotencyKeyHeader)
			if r.Method != http.MethodPost || !routes[route] || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			if err := idempotency.ValidateKey(key); err != nil {
				code := "invalid_idempotency_key"
				if errors.Is(err, idempotency.ErrKeyTooLong) {
					code = "idempotency_key_too_long"
				}
				writeJSONError(w, ctx, http.StatusBadRequest, code, err.Error())
				return
			}

			// Keys are scoped by the raw path so one key can be reused across
			// providers without colliding.
			scoped := idempotency.ScopedKey(r.URL.Path, key)

			existing, err := repo.Get(ctx, scoped)
			switch {
			case err == nil:
				slog.InfoContext(ctx, "replaying cached response", "route", route, "status", existing.StatusCode)
				if metrics != nil {
					metrics.IncIdempotentReplays(route)
				}
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set(IdempotentReplayHeader, "true")
				w.WriteHeader(existing.StatusCode)
				_, _ = io.WriteString(w, existing.ResponseBody)
				return
			case !errors.Is(err, idempotency.ErrKeyNotFound):
				slog.ErrorContext(ctx, "failed to check idempotency key", "route", route, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			capture := &idempotencyResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode < 200 || capture.statusCode >= 300 {
				return
			}
			body := capture.body.String()
			record := &idempotency.Record{
				Key:          scoped,
				Method:       r.Method,
				Route:        route,
				ResponseHash: idempotency.ComputeResponseHash(body),
				ResponseBody: body,
				StatusCode:   capture.statusCode,
			}
			if err := repo.Store(ctx, record); err != nil && !errors.Is(err, idempotency.ErrKeyExists) {
				slog.ErrorContext(ctx, "failed to store idempotency key", "route", route, "error", err)
			}
		})
	}
}
