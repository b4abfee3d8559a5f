package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRouter_Fallbacks(t *testing.T) {
	h := NewRouter(RouterConfig{
		Payments: NewPaymentHandlers(&fakeService{}, fakeVerifier{}),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
	})

	rr := do(t, h, http.MethodGet, "/", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "otsukisama-payments") {
		t.Errorf("GET / = %d %s", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodGet, "/nope", "")
	if rr.Code != http.StatusNotFound || decodeError(t, rr).Code != ErrCodeNotFound {
		t.Errorf("unknown path = %d %s", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "# metrics" {
		t.Errorf("metrics = %d %s", rr.Code, rr.Body.String())
	}

	// Unmounted groups fall through to the JSON 404.
	rr = do(t, h, http.MethodGet, "/health", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("health without handlers = %d, want 404", rr.Code)
	}
}

func TestRouter_Guards(t *testing.T) {
	var guarded []string
	guard := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				guarded = append(guarded, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := NewRouter(RouterConfig{
		Payments:     NewPaymentHandlers(&fakeService{}, fakeVerifier{}),
		SessionGuard: guard("session"),
		StatusGuard:  guard("status"),
	})

	for _, path := range []string{"/api/payments/paypay/session", "/api/payments/paypay/status", "/api/payments/payjp/charge"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{"))
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	want := []string{"session", "status", "status"}
	if strings.Join(guarded, ",") != strings.Join(want, ",") {
		t.Errorf("guards ran %v, want %v", guarded, want)
	}
}
