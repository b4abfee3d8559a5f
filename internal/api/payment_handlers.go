package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/otsukisama/internal/auth"
	"github.com/onnwee/otsukisama/internal/middleware"
	"github.com/onnwee/otsukisama/internal/payment"
	"github.com/onnwee/otsukisama/internal/validate"
)

// PaymentService is the orchestrator surface the payment handlers call.
type PaymentService interface {
	CreateSession(ctx context.Context, in payment.CreateSessionInput) (*payment.SessionOutcome, error)
	Lookup(ctx context.Context, in payment.ReconcileInput) (*payment.PurchaseRecord, error)
	Reconcile(ctx context.Context, in payment.ReconcileInput) (*payment.ReconcileResult, error)
	ChargeCard(ctx context.Context, purchaseID, token string) (*payment.ReconcileResult, error)
}

// RedirectVerifier checks the ctx token carried on return URLs.
type RedirectVerifier interface {
	Verify(token string) (*auth.RedirectContext, error)
}

// PaymentHandlers holds dependencies for payment-related HTTP handlers.
type PaymentHandlers struct {
	service  PaymentService
	verifier RedirectVerifier
}

// NewPaymentHandlers creates a new PaymentHandlers instance.
func NewPaymentHandlers(service PaymentService, verifier RedirectVerifier) *PaymentHandlers {
	return &PaymentHandlers{service: service, verifier: verifier}
}

// SessionRequest is the body of a session creation request.
type SessionRequest struct {
	DiagnosisID string `json:"diagnosisId"`
	UserID      string `json:"userId"`
}

// SessionResponse is returned when a payment session was opened.
type SessionResponse struct {
	Success     bool   `json:"success"`
	RedirectURL string `json:"redirectUrl"`
	PaymentID   string `json:"paymentId"`
	PurchaseID  string `json:"purchaseId"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
	Deeplink    string `json:"deeplink,omitempty"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

// CreateSession opens a payment session with the provider in the path.
// POST /api/payments/{provider}/session
func (h *PaymentHandlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.provider(w, r)
	if !ok {
		return
	}

	var req SessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeCodedError(w, r, http.StatusBadRequest, ErrCodeBadRequest, msgInvalidRequest)
		return
	}
	if req.DiagnosisID == "" {
		writeCodedError(w, r, http.StatusBadRequest, ErrCodeValidation, "diagnosisId is required")
		return
	}
	if !validIDs(w, r, [2]string{"diagnosisId", req.DiagnosisID}, [2]string{"userId", req.UserID}) {
		return
	}
	ctx := withUser(w, r.Context(), req.UserID)

	out, err := h.service.CreateSession(ctx, payment.CreateSessionInput{
		Provider:    provider,
		DiagnosisID: req.DiagnosisID,
		UserID:      req.UserID,
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		writePaymentError(w, r.WithContext(ctx), err,
			"provider", provider, "diagnosis_id", req.DiagnosisID)
		return
	}

	resp := SessionResponse{
		Success:     true,
		RedirectURL: out.RedirectURL,
		PaymentID:   out.PaymentID,
		PurchaseID:  out.PurchaseID,
		Deeplink:    out.Deeplink,
		Amount:      out.Amount,
		Currency:    out.Currency,
	}
	if out.ExpiresAt != nil {
		resp.ExpiresAt = out.ExpiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, ctx, http.StatusOK, resp)
}

// StatusRequest is the body of a status check. The success page sends the
// ctx token from its return URL; polling clients send the ids they hold.
type StatusRequest struct {
	MerchantPaymentID string `json:"merchantPaymentId"`
	CorrelationID     string `json:"correlationId"`
	PaymentID         string `json:"paymentId"`
	PurchaseID        string `json:"purchaseId"`
	Ctx               string `json:"ctx"`
	DiagnosisID       string `json:"diagnosisId"`
	UserID            string `json:"userId"`
}

func (s StatusRequest) correlation() string {
	switch {
	case s.MerchantPaymentID != "":
		return s.MerchantPaymentID
	case s.CorrelationID != "":
		return s.CorrelationID
	}
	return s.PaymentID
}

// StatusResponse reports the purchase state after reconciliation.
type StatusResponse struct {
	Success          bool   `json:"success"`
	Status           string `json:"status"`
	PurchaseID       string `json:"purchaseId,omitempty"`
	DiagnosisID      string `json:"diagnosisId,omitempty"`
	AlreadyProcessed bool   `json:"alreadyProcessed,omitempty"`
	Message          string `json:"message,omitempty"`
}

// CheckStatus asks the gateway for the payment state and reconciles. The
// client never supplies the status itself.
// POST /api/payments/{provider}/status
func (h *PaymentHandlers) CheckStatus(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.provider(w, r)
	if !ok {
		return
	}

	var req StatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeCodedError(w, r, http.StatusBadRequest, ErrCodeBadRequest, msgInvalidRequest)
		return
	}

	if !validIDs(w, r,
		[2]string{"purchaseId", req.PurchaseID},
		[2]string{"merchantPaymentId", req.correlation()},
		[2]string{"userId", req.UserID},
	) {
		return
	}

	in := payment.ReconcileInput{
		Provider:      provider,
		Trigger:       payment.TriggerPoll,
		PurchaseID:    req.PurchaseID,
		CorrelationID: req.correlation(),
	}
	userID := req.UserID

	if req.Ctx != "" {
		rc, err := h.verifier.Verify(req.Ctx)
		if err == nil && rc.Provider != "" && rc.Provider != string(provider) {
			err = auth.ErrInvalidToken
		}
		if err != nil {
			writePaymentError(w, r, err, "provider", provider)
			return
		}
		in.Trigger = payment.TriggerRedirect
		in.PurchaseID = rc.PurchaseID
		userID = rc.UserID
	}
	if in.PurchaseID == "" && in.CorrelationID == "" {
		writeCodedError(w, r, http.StatusBadRequest, ErrCodeValidation, "purchaseId or merchantPaymentId is required")
		return
	}
	ctx := withUser(w, r.Context(), userID)
	r = r.WithContext(ctx)

	// Ownership is checked before the gateway is asked, so another user's
	// purchase cannot be moved through this endpoint.
	rec, err := h.service.Lookup(ctx, in)
	if err != nil {
		writePaymentError(w, r, err,
			"provider", provider, "purchase_id", in.PurchaseID, "correlation_id", in.CorrelationID)
		return
	}
	if !ownedBy(rec, userID) {
		writeCodedError(w, r, http.StatusNotFound, ErrCodeNotFound, msgNotFound)
		return
	}
	in.PurchaseID = rec.PurchaseID

	res, err := h.service.Reconcile(ctx, in)
	if err != nil && !(errors.Is(err, payment.ErrGrantFailed) && res != nil) {
		writePaymentError(w, r, err,
			"provider", provider, "purchase_id", in.PurchaseID, "correlation_id", in.CorrelationID)
		return
	}
	if err != nil {
		// Completed but not yet granted; the reconcile job repairs the grant.
		slog.ErrorContext(ctx, "access grant pending after completion", "purchase_id", res.Purchase.PurchaseID, "error", err)
	}
	writeJSON(w, ctx, http.StatusOK, statusResponse(res))
}

// ChargeRequest is the body of a PAY.JP card charge.
type ChargeRequest struct {
	PurchaseID string `json:"purchaseId"`
	Token      string `json:"token"`
}

// Charge charges a tokenized card for a pending purchase.
// POST /api/payments/payjp/charge
func (h *PaymentHandlers) Charge(w http.ResponseWriter, r *http.Request) {
	var req ChargeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeCodedError(w, r, http.StatusBadRequest, ErrCodeBadRequest, msgInvalidRequest)
		return
	}
	if req.PurchaseID == "" || req.Token == "" {
		writeCodedError(w, r, http.StatusBadRequest, ErrCodeValidation, "purchaseId and token are required")
		return
	}
	if !validIDs(w, r, [2]string{"purchaseId", req.PurchaseID}, [2]string{"token", req.Token}) {
		return
	}

	res, err := h.service.ChargeCard(r.Context(), req.PurchaseID, req.Token)
	if err != nil && !(errors.Is(err, payment.ErrGrantFailed) && res != nil) {
		writePaymentError(w, r, err, "purchase_id", req.PurchaseID)
		return
	}
	if res.Outcome == payment.OutcomeFailed {
		writeCodedError(w, r, http.StatusPaymentRequired, ErrCodeCardDeclined, res.Message)
		return
	}
	writeJSON(w, r.Context(), http.StatusOK, statusResponse(res))
}

func (h *PaymentHandlers) provider(w http.ResponseWriter, r *http.Request) (payment.Provider, bool) {
	provider, err := payment.ParseProvider(r.PathValue("provider"))
	if err != nil {
		writeCodedError(w, r, http.StatusNotFound, ErrCodeUnknownProvider, msgUnknownMethod)
		return "", false
	}
	return provider, true
}

func statusResponse(res *payment.ReconcileResult) StatusResponse {
	resp := StatusResponse{
		Status:           string(payment.StatusPending),
		AlreadyProcessed: res.AlreadyProcessed(),
		Message:          res.Message,
	}
	if res.Purchase != nil {
		resp.Status = string(res.Purchase.Status)
		resp.PurchaseID = res.Purchase.PurchaseID
		resp.DiagnosisID = res.Purchase.DiagnosisID
	}
	switch payment.PurchaseStatus(resp.Status) {
	case payment.StatusPending, payment.StatusCompleted:
		resp.Success = true
	}
	return resp
}

// ownedBy is false only when both sides name a user and they differ.
func ownedBy(rec *payment.PurchaseRecord, userID string) bool {
	if rec == nil || userID == "" || rec.UserID == "" || rec.UserID == payment.AnonymousUserID {
		return true
	}
	return rec.UserID == userID
}

func withUser(w http.ResponseWriter, ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	ctx = middleware.SetUserID(ctx, userID)
	middleware.UpdateResponseContext(w, ctx)
	return ctx
}

// validIDs writes a validation error and returns false when any non-empty
// identifier is malformed.
func validIDs(w http.ResponseWriter, r *http.Request, fields ...[2]string) bool {
	if err := validate.Fields(fields...); err != nil {
		writeCodedError(w, r, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return false
	}
	return true
}
