package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/onnwee/otsukisama/internal/idempotency"
)

var sessionRoutes = map[string]bool{"/api/payments/{provider}/session": true}

func countingHandler(calls *int32, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"purchaseId":"pur_%d"}`, n)
	})
}

func post(h http.Handler, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestIdempotency_ReplaysSuccess(t *testing.T) {
	var calls int32
	h := Idempotency(idempotency.NewInMemoryRepository(), sessionRoutes, NewMetrics())(countingHandler(&calls, http.StatusOK))

	first := post(h, "/api/payments/paypay/session", "k1")
	second := post(h, "/api/payments/paypay/session", "k1")

	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replayed body %q != original %q", second.Body.String(), first.Body.String())
	}
	if second.Header().Get(IdempotentReplayHeader) != "true" {
		t.Error("replay header missing")
	}
	if first.Header().Get(IdempotentReplayHeader) != "" {
		t.Error("original response should not be marked as replay")
	}

	// Same key on another provider is a different session.
	other := post(h, "/api/payments/payjp/session", "k1")
	if calls != 2 || other.Body.String() == first.Body.String() {
		t.Errorf("key should be scoped by path: calls=%d body=%s", calls, other.Body.String())
	}
}

func TestIdempotency_PassThrough(t *testing.T) {
	var calls int32
	h := Idempotency(idempotency.NewInMemoryRepository(), sessionRoutes, nil)(countingHandler(&calls, http.StatusOK))

	post(h, "/api/payments/paypay/session", "")
	post(h, "/api/payments/paypay/session", "")
	post(h, "/api/payments/paypay/status", "k")
	post(h, "/api/payments/paypay/status", "k")

	if calls != 4 {
		t.Errorf("handler calls = %d, want 4", calls)
	}
}

func TestIdempotency_ErrorsAreNotCached(t *testing.T) {
	var calls int32
	h := Idempotency(idempotency.NewInMemoryRepository(), sessionRoutes, nil)(countingHandler(&calls, http.StatusBadGateway))

	post(h, "/api/payments/paypay/session", "k1")
	post(h, "/api/payments/paypay/session", "k1")

	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
}

func TestIdempotency_KeyTooLong(t *testing.T) {
	var calls int32
	h := Idempotency(idempotency.NewInMemoryRepository(), sessionRoutes, nil)(countingHandler(&calls, http.StatusOK))

	rr := post(h, "/api/payments/paypay/session", strings.Repeat("k", idempotency.MaxKeyLength+1))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "idempotency_key_too_long") {
		t.Errorf("body = %s", rr.Body.String())
	}
	if calls != 0 {
		t.Error("handler should not run")
	}
}
