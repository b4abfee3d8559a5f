package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/onnwee/otsukisama/internal/tracing"
)

// StripeSignatureHeader is the header carrying Stripe's webhook signature.
const StripeSignatureHeader = "Stripe-Signature"

// CheckoutAPI is the slice of the Stripe SDK the gateway uses. It exists so
// tests can substitute a fake.
type CheckoutAPI interface {
	NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	GetCheckoutSession(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// stripeCheckoutAPI implements CheckoutAPI with a per-instance key instead of
// the package-level stripe.Key.
type stripeCheckoutAPI struct {
	client *session.Client
}

// NewStripeCheckoutAPI creates a Checkout API client for the given secret key.
func NewStripeCheckoutAPI(apiKey string) CheckoutAPI {
	return &stripeCheckoutAPI{
		client: &session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: apiKey},
	}
}

func (a *stripeCheckoutAPI) NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return a.client.New(params)
}

func (a *stripeCheckoutAPI) GetCheckoutSession(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return a.client.Get(id, params)
}

// StripeConfig holds the options for the Stripe Checkout gateway.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	API           CheckoutAPI // defaults to the live SDK client
	Timeout       time.Duration
	Metrics       *Metrics
	Logger        *slog.Logger
}

// StripeGateway sells the report through a hosted Checkout Session.
type StripeGateway struct {
	api           CheckoutAPI
	webhookSecret string
	timeout       time.Duration
	breaker       *gobreaker.CircuitBreaker
	metrics       *Metrics
	logger        *slog.Logger
}

// NewStripeGateway validates configuration and builds a Stripe gateway.
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	if cfg.API == nil {
		if cfg.SecretKey == "" {
			return nil, &ConfigurationError{Field: "STRIPE_API_KEY"}
		}
		cfg.API = NewStripeCheckoutAPI(cfg.SecretKey)
	}
	if cfg.WebhookSecret == "" {
		return nil, &ConfigurationError{Field: "STRIPE_WEBHOOK_SECRET"}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultGatewayTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &StripeGateway{
		api:           cfg.API,
		webhookSecret: cfg.WebhookSecret,
		timeout:       cfg.Timeout,
		breaker:       newBreaker(string(ProviderStripe), cfg.Logger),
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
	}, nil
}

// Provider implements Gateway.
func (g *StripeGateway) Provider() Provider { return ProviderStripe }

// HealthCheck reports an open circuit breaker.
func (g *StripeGateway) HealthCheck(ctx context.Context) error { return breakerHealth(ProviderStripe, g.breaker) }

// CreateSession creates a one-item payment-mode Checkout Session. The purchase
// id rides along as client reference and metadata.
func (g *StripeGateway) CreateSession(ctx context.Context, req *SessionRequest) (*SessionResult, error) {
	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = string(stripe.CurrencyJPY)
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.ItemName),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		SuccessURL:        stripe.String(req.RedirectURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.PurchaseID),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{
				"purchase_id":  req.PurchaseID,
				"user_id":      req.UserID,
				"diagnosis_id": req.DiagnosisID,
			},
		},
	}
	if req.CancelURL == "" {
		params.CancelURL = stripe.String(req.RedirectURL)
	}
	params.AddMetadata("purchase_id", req.PurchaseID)
	params.AddMetadata("user_id", req.UserID)
	params.AddMetadata("diagnosis_id", req.DiagnosisID)

	sess, err := g.call(ctx, "create_session", func(ctx context.Context) (*stripe.CheckoutSession, error) {
		params.Context = ctx
		return g.api.NewCheckoutSession(params)
	})
	if err != nil {
		return nil, err
	}

	result := &SessionResult{CorrelationID: sess.ID, URL: sess.URL}
	if sess.ExpiresAt > 0 {
		exp := time.Unix(sess.ExpiresAt, 0).UTC()
		result.ExpiresAt = &exp
	}
	return result, nil
}

// QueryStatus retrieves a Checkout Session.
func (g *StripeGateway) QueryStatus(ctx context.Context, correlationID string) (*StatusResult, error) {
	sess, err := g.call(ctx, "get_session", func(ctx context.Context) (*stripe.CheckoutSession, error) {
		params := &stripe.CheckoutSessionParams{}
		params.Context = ctx
		return g.api.GetCheckoutSession(correlationID, params)
	})
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("stripe session %s: %w", correlationID, ErrPaymentNotFound)
		}
		return nil, err
	}
	return stripeSessionStatus(sess), nil
}

// ParseNotification verifies and parses a Stripe event.
func (g *StripeGateway) ParseNotification(ctx context.Context, header http.Header, body []byte) (*Notification, error) {
	event, err := webhook.ConstructEventWithOptions(body, header.Get(StripeSignatureHeader), g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if event.Data == nil {
		return nil, fmt.Errorf("stripe event %s has no data", event.ID)
	}

	n := &Notification{
		Provider:  ProviderStripe,
		EventID:   event.ID,
		EventType: string(event.Type),
		Verified:  true,
	}

	switch event.Type {
	case "checkout.session.completed",
		"checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed",
		"checkout.session.expired":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("failed to parse checkout session: %w", err)
		}
		status := stripeSessionStatus(&sess)
		switch event.Type {
		case "checkout.session.async_payment_succeeded":
			status.State = StateSucceeded
		case "checkout.session.async_payment_failed":
			status.State = StateFailed
			status.FailureMessage = "決済が完了しませんでした。もう一度お試しください。"
		case "checkout.session.expired":
			status.State = StateCanceled
		}
		n.CorrelationID = sess.ID
		n.PurchaseID = sess.ClientReferenceID
		n.UserID = sess.Metadata["user_id"]
		n.DiagnosisID = sess.Metadata["diagnosis_id"]
		n.Amount = sess.AmountTotal
		n.Status = *status

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("failed to parse charge: %w", err)
		}
		n.PurchaseID = charge.Metadata["purchase_id"]
		n.UserID = charge.Metadata["user_id"]
		n.DiagnosisID = charge.Metadata["diagnosis_id"]
		n.Amount = charge.Amount
		n.Status = StatusResult{
			State:          StateRefunded,
			GatewayStatus:  "refunded",
			Amount:         charge.Amount,
			Currency:       strings.ToUpper(string(charge.Currency)),
			TransactionID:  charge.ID,
			AmountRefunded: charge.AmountRefunded,
		}

	default:
		n.Status = StatusResult{State: StatePending, GatewayStatus: string(event.Type)}
	}
	return n, nil
}

// call runs one SDK request under the breaker, timeout, span and metrics.
func (g *StripeGateway) call(ctx context.Context, op string, fn func(context.Context) (*stripe.CheckoutSession, error)) (*stripe.CheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	ctx, endSpan := tracing.StartGatewaySpan(ctx, string(ProviderStripe), op)
	start := time.Now()

	var clientErr error
	result, err := g.breaker.Execute(func() (interface{}, error) {
		sess, err := fn(ctx)
		if err != nil {
			var stripeErr *stripe.Error
			if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode > 0 && stripeErr.HTTPStatusCode < 500 {
				// 4xx answers mean Stripe is up; keep them out of the failure ratio.
				clientErr = err
				return nil, nil
			}
			return nil, err
		}
		return sess, nil
	})
	if g.metrics != nil {
		g.metrics.ObserveGatewayRequest(string(ProviderStripe), op, time.Since(start).Seconds())
	}

	if clientErr != nil {
		endSpan(clientErr)
		var stripeErr *stripe.Error
		errors.As(clientErr, &stripeErr)
		if stripeErr.HTTPStatusCode == http.StatusNotFound {
			return nil, clientErr
		}
		return nil, &GatewayError{Provider: ProviderStripe, Op: op, HTTPStatus: stripeErr.HTTPStatusCode, Body: []byte(stripeErr.Msg), Err: clientErr}
	}
	if err != nil {
		endSpan(err)
		return nil, &GatewayError{Provider: ProviderStripe, Op: op, Err: err}
	}
	endSpan(nil)
	return result.(*stripe.CheckoutSession), nil
}

func stripeSessionStatus(sess *stripe.CheckoutSession) *StatusResult {
	s := &StatusResult{
		CorrelationID: sess.ID,
		PurchaseID:    sess.ClientReferenceID,
		GatewayStatus: string(sess.Status) + "/" + string(sess.PaymentStatus),
		Amount:        sess.AmountTotal,
		Currency:      strings.ToUpper(string(sess.Currency)),
	}
	if sess.PaymentIntent != nil {
		s.TransactionID = sess.PaymentIntent.ID
	}
	switch {
	case sess.Status == stripe.CheckoutSessionStatusComplete &&
		sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusUnpaid:
		s.State = StateSucceeded
	case sess.Status == stripe.CheckoutSessionStatusExpired:
		s.State = StateCanceled
	default:
		s.State = StatePending
	}
	return s
}
