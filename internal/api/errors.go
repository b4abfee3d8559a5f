// Package api provides the HTTP handlers of the payment service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/otsukisama/internal/auth"
	"github.com/onnwee/otsukisama/internal/middleware"
	"github.com/onnwee/otsukisama/internal/payment"
)

// Error codes returned in the error envelope.
const (
	ErrCodeValidation          = "validation_error"
	ErrCodeBadRequest          = "bad_request"
	ErrCodeNotFound            = "not_found"
	ErrCodeConflict            = "conflict"
	ErrCodeRateLimited         = "rate_limited"
	ErrCodeInternal            = "internal_error"
	ErrCodeUnknownProvider     = "unknown_provider"
	ErrCodeAlreadyPurchased    = "already_purchased"
	ErrCodePurchaseClosed      = "purchase_closed"
	ErrCodePaymentsUnavailable = "payments_unavailable"
	ErrCodeGateway             = "gateway_error"
	ErrCodeCardDeclined        = "card_declined"
	ErrCodeInvalidSignature    = "invalid_signature"
	ErrCodeInvalidToken        = "invalid_token"
)

// User-facing messages for failures that do not come from the orchestrator.
const (
	msgInvalidRequest = "リクエストの内容が正しくありません。"
	msgUnavailable    = "現在決済をご利用いただけません。時間をおいて再度お試しください。"
	msgNotFound       = "購入情報が見つかりません。"
	msgUnknownMethod  = "この決済方法はご利用いただけません。"
	msgExpiredLink    = "リンクの有効期限が切れています。もう一度お試しください。"
)

// ErrorResponse is the standard error body:
// {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standardized JSON error response. The error code in
// ctx, if any, is passed on to the logging middleware.
//
//	ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
//	api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "購入情報が見つかりません。")
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.UpdateResponseContext(w, ctx)

	data, err := json.Marshal(ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// writeCodedError sets the error code on the context and writes the envelope.
func writeCodedError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	ctx := middleware.SetErrorCode(r.Context(), code)
	WriteError(w, ctx, status, code, message)
}

// StatusCodeMapping returns the HTTP status for an error code.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest, ErrCodeInvalidSignature, ErrCodeInvalidToken:
		return http.StatusBadRequest
	case ErrCodeNotFound, ErrCodeUnknownProvider:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeAlreadyPurchased, ErrCodePurchaseClosed:
		return http.StatusConflict
	case ErrCodeCardDeclined:
		return http.StatusPaymentRequired
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeGateway:
		return http.StatusBadGateway
	case ErrCodePaymentsUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// classify maps a payment error to an error code and a message safe to show
// to the user. Raw gateway bodies never leave this function.
func classify(err error) (code, message string) {
	var declined *payment.DeclinedError
	var gwErr *payment.GatewayError
	switch {
	case errors.Is(err, payment.ErrConfiguration):
		return ErrCodePaymentsUnavailable, msgUnavailable
	case errors.Is(err, payment.ErrUnknownProvider):
		return ErrCodeUnknownProvider, msgUnknownMethod
	case errors.Is(err, payment.ErrAlreadyPurchased):
		return ErrCodeAlreadyPurchased, payment.MessagePurchased
	case errors.Is(err, payment.ErrPurchaseNotFound), errors.Is(err, payment.ErrPaymentNotFound),
		errors.Is(err, payment.ErrCorrelationConflict):
		return ErrCodeNotFound, msgNotFound
	case errors.Is(err, payment.ErrPurchaseClosed):
		return ErrCodePurchaseClosed, payment.MessageFailed
	case errors.Is(err, payment.ErrUnsupportedOperation):
		return ErrCodeBadRequest, msgUnknownMethod
	case errors.Is(err, payment.ErrInvalidSignature):
		return ErrCodeInvalidSignature, msgInvalidRequest
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return ErrCodeInvalidToken, msgExpiredLink
	case errors.As(err, &declined):
		return ErrCodeCardDeclined, declined.Message
	case errors.As(err, &gwErr):
		return ErrCodeGateway, payment.MessageProcessing
	default:
		return ErrCodeInternal, payment.MessageProcessing
	}
}

// writePaymentError logs err with its full context and answers with the
// classified, user-safe envelope.
func writePaymentError(w http.ResponseWriter, r *http.Request, err error, attrs ...any) {
	code, message := classify(err)
	status := StatusCodeMapping(code)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.Log(r.Context(), level, "payment request failed", append(attrs, "error_code", code, "error", err)...)
	writeCodedError(w, r, status, code, message)
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

// maxRequestBytes bounds client request bodies.
const maxRequestBytes = 16 << 10
