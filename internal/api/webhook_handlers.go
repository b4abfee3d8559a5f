package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/otsukisama/internal/payment"
)

// maxWebhookBytes bounds provider webhook bodies.
const maxWebhookBytes = 1 << 20

// NotificationHandler applies a provider webhook delivery.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, provider payment.Provider, header http.Header, body []byte) (*payment.ReconcileResult, error)
}

// WebhookHandlers holds dependencies for webhook-related HTTP handlers.
type WebhookHandlers struct {
	notifications NotificationHandler
}

// NewWebhookHandlers creates a new WebhookHandlers instance.
func NewWebhookHandlers(notifications NotificationHandler) *WebhookHandlers {
	return &WebhookHandlers{notifications: notifications}
}

// WebhookResponse acknowledges a delivery.
type WebhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}

// HandleWebhook verifies and applies a gateway notification.
// POST /webhooks/{provider}
//
// Once the payload is authenticated the gateway always gets 200, even when
// processing failed, so it does not retry-storm us; the error is logged and
// the reconcile job picks the purchase up. Only a bad signature is rejected.
func (h *WebhookHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	provider, err := payment.ParseProvider(r.PathValue("provider"))
	if err != nil {
		writeCodedError(w, r, http.StatusNotFound, ErrCodeUnknownProvider, "unknown provider")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeCodedError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "failed to read request body")
		return
	}

	res, err := h.notifications.HandleNotification(ctx, provider, r.Header, body)
	switch {
	case errors.Is(err, payment.ErrInvalidSignature):
		slog.WarnContext(ctx, "webhook signature verification failed", "provider", provider)
		writeCodedError(w, r, http.StatusBadRequest, ErrCodeInvalidSignature, "invalid signature")
		return
	case err != nil:
		slog.ErrorContext(ctx, "webhook processing failed", "provider", provider, "error", err)
		writeJSON(w, ctx, http.StatusOK, WebhookResponse{Received: true})
		return
	}

	resp := WebhookResponse{Received: true}
	if res != nil {
		resp.Outcome = string(res.Outcome)
	}
	writeJSON(w, ctx, http.StatusOK, resp)
}
