package payment

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks missing credentials or store connections.
	ErrConfiguration = errors.New("payment configuration error")

	// ErrPaymentsUnavailable is returned when no purchase store is wired.
	ErrPaymentsUnavailable = fmt.Errorf("%w: payments unavailable", ErrConfiguration)

	// ErrUnknownProvider is returned for a provider with no registered gateway.
	ErrUnknownProvider = errors.New("unknown payment provider")

	// ErrPurchaseNotFound is returned when a purchase record is not found.
	ErrPurchaseNotFound = errors.New("purchase not found")

	// ErrDuplicatePurchase is returned when a purchase id or correlation id collides.
	ErrDuplicatePurchase = errors.New("purchase already exists")

	// ErrPaymentNotFound means the gateway has no payment for the correlation id.
	// It is not retryable: the payment was never initiated.
	ErrPaymentNotFound = errors.New("payment not found at gateway")

	// ErrInvalidSignature is returned when a webhook signature does not verify.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrAlreadyPurchased is returned when the user already has full access.
	ErrAlreadyPurchased = errors.New("diagnosis already purchased")

	// ErrPurchaseClosed is returned when an operation needs a pending purchase.
	ErrPurchaseClosed = errors.New("purchase is no longer pending")

	// ErrCorrelationConflict is returned when a gateway payment is bound to a
	// different purchase than the one being reconciled.
	ErrCorrelationConflict = errors.New("payment belongs to another purchase")

	// ErrInvalidTransition is returned for a target status a method cannot set.
	ErrInvalidTransition = errors.New("invalid purchase status transition")

	// ErrUnsupportedOperation is returned when a gateway lacks a capability.
	ErrUnsupportedOperation = errors.New("operation not supported by provider")
)

// ConfigurationError names the setting that is missing.
type ConfigurationError struct {
	Field string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("payment configuration error: %s is required", e.Field)
}

// Unwrap lets errors.Is match ErrConfiguration.
func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// GatewayError is a network or parse failure talking to a provider.
// The raw body is kept for server-side diagnosis only. Callers may retry.
type GatewayError struct {
	Provider   Provider
	Op         string
	HTTPStatus int
	Body       []byte
	Err        error
}

func (e *GatewayError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s %s: http %d: %v", e.Provider, e.Op, e.HTTPStatus, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// DeclinedError is an explicit rejection by the provider. It is terminal for
// the attempt; the user should start a new session.
type DeclinedError struct {
	Provider Provider
	Code     string
	Message  string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("%s declined: %s (%s)", e.Provider, e.Message, e.Code)
}

// IsRetryable reports whether a caller may try the same operation again later.
func IsRetryable(err error) bool {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return true
	}
	return false
}
