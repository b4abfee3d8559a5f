// Package middleware provides HTTP middleware components for the payment API.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"
)

type userIDKey struct{}

type errorCodeKey struct{}

// SetUserID stores the LINE user id a request acts for.
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// GetUserID returns the user id from context, or "".
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey{}).(string); ok {
		return id
	}
	return ""
}

// SetErrorCode stores an error code in the context.
func SetErrorCode(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, errorCodeKey{}, code)
}

// GetErrorCode retrieves the error code from context. Returns empty string if not present.
func GetErrorCode(ctx context.Context) string {
	if code, ok := ctx.Value(errorCodeKey{}).(string); ok {
		return code
	}
	return ""
}

// UpdateResponseContext copies the error code and user id carried by ctx onto
// the logging writer wrapping w. Handlers derive a new context when they fail,
// which the logging middleware cannot otherwise see.
func UpdateResponseContext(w http.ResponseWriter, ctx context.Context) {
	for w != nil {
		if rw, ok := w.(*responseWriter); ok {
			if code := GetErrorCode(ctx); code != "" {
				rw.errorCode = code
			}
			if id := GetUserID(ctx); id != "" {
				rw.userID = id
			}
			return
		}
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			return
		}
		w = u.Unwrap()
	}
}

// responseWriter wraps http.ResponseWriter to capture status code and response size.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int
	wroteHeader bool
	errorCode   string
	userID      string
}

// WriteHeader records the first status code only.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// NewLogger creates an slog.Logger based on the environment.
// In production it emits JSON at info level, otherwise text at debug level.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}
	return slog.New(handler)
}

// Logging logs one line per request with method, route, status, latency,
// request id, trace id, user id and, for 4xx/5xx responses, the error code.
//
// Raw paths are not logged: they carry diagnosis ids. The normalized route is.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("route", normalizePath(r.URL.Path)),
				slog.Int("status", rw.statusCode),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.Int("size", rw.size),
			}
			if requestID := GetRequestID(r.Context()); requestID != "" {
				attrs = append(attrs, slog.String("request_id", requestID))
			}
			if traceID, _ := SpanIDs(r.Context()); traceID != "" {
				attrs = append(attrs, slog.String("trace_id", traceID))
			}

			userID := rw.userID
			if userID == "" {
				userID = GetUserID(r.Context())
			}
			if userID != "" {
				attrs = append(attrs, slog.String("user_id", userID))
			}

			if rw.statusCode >= 400 {
				code := rw.errorCode
				if code == "" {
					code = GetErrorCode(r.Context())
				}
				if code != "" {
					attrs = append(attrs, slog.String("error_code", code))
				}
			}

			level := slog.LevelInfo
			switch {
			case rw.statusCode >= 500:
				level = slog.LevelError
			case rw.statusCode >= 400:
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "request completed", attrs...)
		})
	}
}
