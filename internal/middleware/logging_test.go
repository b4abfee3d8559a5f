package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func jsonLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("failed to decode log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestLogging_Fields(t *testing.T) {
	var buf bytes.Buffer
	handler := RequestID(Logging(jsonLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true}`))
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/payments/paypay/status", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry := decodeLogLine(t, &buf)
	if entry["level"] != "INFO" {
		t.Errorf("level = %v, want INFO", entry["level"])
	}
	if entry["route"] != "/api/payments/{provider}/status" {
		t.Errorf("route = %v", entry["route"])
	}
	if entry["request_id"] != "req-1" {
		t.Errorf("request_id = %v", entry["request_id"])
	}
	if entry["status"] != float64(200) || entry["size"] != float64(16) {
		t.Errorf("status/size = %v/%v", entry["status"], entry["size"])
	}
	if _, ok := entry["error_code"]; ok {
		t.Error("error_code should be absent on success")
	}
	if _, ok := entry["trace_id"]; ok {
		t.Error("trace_id should be absent without a span")
	}
}

func TestLogging_TraceIDInsideSpan(t *testing.T) {
	recorder := withRecorder(t)
	var buf bytes.Buffer
	handler := Tracing("otsukisama")(Logging(jsonLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/products/d1", nil))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	entry := decodeLogLine(t, &buf)
	if entry["trace_id"] != spans[0].SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v, want %s", entry["trace_id"], spans[0].SpanContext().TraceID())
	}
}

func TestLogging_ErrorCodeFromHandlerContext(t *testing.T) {
	var buf bytes.Buffer
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := SetUserID(r.Context(), "U123")
		writeJSONError(w, ctx, http.StatusConflict, "already_purchased", "dup")
	})
	// The metrics writer sits between the logger and the handler, so the
	// code has to travel through Unwrap.
	handler := Logging(jsonLogger(&buf))(HTTPMetrics(NewMetrics())(inner))

	req := httptest.NewRequest(http.MethodPost, "/api/payments/payjp/session", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entry := decodeLogLine(t, &buf)
	if entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", entry["level"])
	}
	if entry["error_code"] != "already_purchased" {
		t.Errorf("error_code = %v, want already_purchased", entry["error_code"])
	}
	if entry["user_id"] != "U123" {
		t.Errorf("user_id = %v, want U123", entry["user_id"])
	}
	if !strings.Contains(rr.Body.String(), `"code":"already_purchased"`) {
		t.Errorf("unexpected body %s", rr.Body.String())
	}
}

func TestLogging_ServerErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	handler := Logging(jsonLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/access/D1", nil))

	entry := decodeLogLine(t, &buf)
	if entry["level"] != "ERROR" || entry["status"] != float64(http.StatusBadGateway) {
		t.Errorf("unexpected entry: %v", entry)
	}
	if strings.Contains(buf.String(), "D1") {
		t.Error("raw diagnosis id should not be logged")
	}
}

func TestUpdateResponseContext_PlainWriter(t *testing.T) {
	// No logging writer in the chain: must not panic.
	UpdateResponseContext(httptest.NewRecorder(), SetErrorCode(context.Background(), "x"))
}

func TestUserIDContext(t *testing.T) {
	if GetUserID(context.Background()) != "" {
		t.Error("expected empty user id")
	}
	if got := GetUserID(SetUserID(context.Background(), "U1")); got != "U1" {
		t.Errorf("GetUserID() = %q", got)
	}
}

func TestNewLogger(t *testing.T) {
	if NewLogger("production") == nil || NewLogger("development") == nil {
		t.Fatal("NewLogger returned nil")
	}
	if !NewLogger("development").Enabled(context.Background(), slog.LevelDebug) {
		t.Error("development logger should enable debug")
	}
	if NewLogger("production").Enabled(context.Background(), slog.LevelDebug) {
		t.Error("production logger should not enable debug")
	}
}
