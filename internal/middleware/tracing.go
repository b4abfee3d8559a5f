package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/otsukisama/internal/tracing"
)

// Tracing starts a server span per request, continuing any W3C traceparent
// the caller sent. Spans are named after the normalized route and carry the
// request id and payment provider. Health checks are not traced.
func Tracing(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		tagged := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			span := trace.SpanFromContext(r.Context())
			if id := GetRequestID(r.Context()); id != "" {
				span.SetAttributes(attribute.String("http.request_id", id))
			}
			if p := providerFromPath(r.URL.Path); p != "" {
				span.SetAttributes(tracing.AttrProvider.String(p))
			}
			next.ServeHTTP(w, r)
		})
		return otelhttp.NewHandler(tagged, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + normalizePath(r.URL.Path)
			}),
			otelhttp.WithFilter(func(r *http.Request) bool {
				return !isHealthPath(r.URL.Path)
			}),
		)
	}
}

// providerFromPath returns the {provider} segment of payment and webhook
// routes, or "".
func providerFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "api" && parts[1] == "payments":
		return parts[2]
	case len(parts) == 2 && parts[0] == "webhooks":
		return parts[1]
	}
	return ""
}

// SpanIDs returns the trace and span id active in ctx, both "" without a
// sampled or remote span.
func SpanIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
