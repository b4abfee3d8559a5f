package api

import (
	"net/http"
)

// Middleware wraps a single route.
type Middleware func(http.Handler) http.Handler

// RouterConfig holds the handlers mounted by NewRouter. Nil handler groups
// are not mounted; nil middlewares are skipped.
type RouterConfig struct {
	Payments *PaymentHandlers
	Webhooks *WebhookHandlers
	Access   *AccessHandlers
	Health   *HealthHandlers
	Metrics  http.Handler

	// SessionGuard wraps session creation (rate limit, idempotency).
	SessionGuard Middleware
	// StatusGuard wraps status checks and card charges.
	StatusGuard Middleware
}

// NewRouter builds the route table.
func NewRouter(cfg RouterConfig) *http.ServeMux {
	mux := http.NewServeMux()
	wrap := func(m Middleware, h http.HandlerFunc) http.Handler {
		if m == nil {
			return h
		}
		return m(h)
	}

	if p := cfg.Payments; p != nil {
		mux.Handle("POST /api/payments/{provider}/session", wrap(cfg.SessionGuard, p.CreateSession))
		mux.Handle("POST /api/payments/{provider}/status", wrap(cfg.StatusGuard, p.CheckStatus))
		mux.Handle("POST /api/payments/payjp/charge", wrap(cfg.StatusGuard, p.Charge))
	}
	if cfg.Webhooks != nil {
		mux.HandleFunc("POST /webhooks/{provider}", cfg.Webhooks.HandleWebhook)
	}
	if a := cfg.Access; a != nil {
		mux.HandleFunc("GET /api/access/{diagnosisId}", a.GetAccess)
		mux.HandleFunc("GET /api/products/{diagnosisId}", a.GetProduct)
	}
	if h := cfg.Health; h != nil {
		mux.HandleFunc("GET /health", h.Health)
		mux.HandleFunc("GET /ready", h.Ready)
	}
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" && r.Method == http.MethodGet {
			writeJSON(w, r.Context(), http.StatusOK, map[string]string{"service": "otsukisama-payments"})
			return
		}
		writeCodedError(w, r, http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	})
	return mux
}
