package payment

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// PayJPAPIURL is the PAY.JP REST host.
const PayJPAPIURL = "https://api.pay.jp"

// PayJPWebhookTokenHeader carries the shared token PAY.JP sends with webhooks.
const PayJPWebhookTokenHeader = "X-Payjp-Webhook-Token"

// declinedMessage is shown to users whose card was refused.
const declinedMessage = "カードが拒否されました。別のカードをお試しください。"

// PayJPConfig holds the credentials and options for the PAY.JP gateway.
type PayJPConfig struct {
	SecretKey    string
	BaseURL      string
	CheckoutURL  string // hosted card form that tokenizes the card and posts it back
	WebhookToken string
	Timeout      time.Duration
	HTTPClient   *http.Client
	Metrics      *Metrics
	Logger       *slog.Logger
}

// PayJPGateway charges tokenized cards. Sessions are local: the card form is
// served by us and the charge id becomes the correlation id once charged.
type PayJPGateway struct {
	transport    *transport
	checkoutURL  string
	webhookToken string
	logger       *slog.Logger
}

// NewPayJPGateway validates credentials and builds a PAY.JP gateway.
func NewPayJPGateway(cfg PayJPConfig) (*PayJPGateway, error) {
	signer, err := NewBasicSigner(cfg.SecretKey)
	if err != nil {
		return nil, err
	}
	if cfg.CheckoutURL == "" {
		return nil, &ConfigurationError{Field: "BASE_URL"}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = PayJPAPIURL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PayJPGateway{
		transport: newTransport(TransportConfig{
			Provider:   ProviderPayJP,
			BaseURL:    cfg.BaseURL,
			Signer:     signer,
			Timeout:    cfg.Timeout,
			HTTPClient: cfg.HTTPClient,
			Metrics:    cfg.Metrics,
			Logger:     cfg.Logger,
		}),
		checkoutURL:  cfg.CheckoutURL,
		webhookToken: cfg.WebhookToken,
		logger:       cfg.Logger,
	}, nil
}

// Provider implements Gateway.
func (g *PayJPGateway) Provider() Provider { return ProviderPayJP }

// HealthCheck reports an open circuit breaker.
func (g *PayJPGateway) HealthCheck(ctx context.Context) error { return g.transport.healthCheck() }

type payjpCharge struct {
	ID             string         `json:"id"`
	Object         string         `json:"object"`
	Amount         int64          `json:"amount"`
	Currency       string         `json:"currency"`
	Paid           bool           `json:"paid"`
	Captured       bool           `json:"captured"`
	Refunded       bool           `json:"refunded"`
	AmountRefunded int64          `json:"amount_refunded"`
	FailureCode    string         `json:"failure_code"`
	FailureMessage string         `json:"failure_message"`
	Created        int64          `json:"created"`
	Metadata       map[string]any `json:"metadata"`
}

type payjpErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Status  int    `json:"status"`
		Type    string `json:"type"`
	} `json:"error"`
}

type payjpEvent struct {
	ID   string      `json:"id"`
	Type string      `json:"type"`
	Data payjpCharge `json:"data"`
}

// CreateSession returns the hosted card form URL. No remote call is made.
func (g *PayJPGateway) CreateSession(ctx context.Context, req *SessionRequest) (*SessionResult, error) {
	q := url.Values{}
	q.Set("purchaseId", req.PurchaseID)
	q.Set("amount", strconv.FormatInt(req.Amount, 10))
	q.Set("redirect", req.RedirectURL)

	sep := "?"
	if strings.Contains(g.checkoutURL, "?") {
		sep = "&"
	}
	return &SessionResult{
		URL: g.checkoutURL + sep + q.Encode(),
	}, nil
}

// Charge creates a captured charge for a card token. A refusal by the card
// issuer is returned as a *DeclinedError.
func (g *PayJPGateway) Charge(ctx context.Context, token string, req *SessionRequest) (*StatusResult, error) {
	if token == "" {
		return nil, fmt.Errorf("payjp charge: card token is required")
	}
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", "jpy")
	form.Set("card", token)
	form.Set("capture", "true")
	if req.Description != "" {
		form.Set("description", req.Description)
	}
	form.Set("metadata[purchase_id]", req.PurchaseID)
	form.Set("metadata[user_id]", req.UserID)
	form.Set("metadata[diagnosis_id]", req.DiagnosisID)

	resp, err := g.transport.do(ctx, "create_charge", http.MethodPost, "/v1/charges",
		"application/x-www-form-urlencoded", []byte(form.Encode()))
	if err != nil {
		return nil, err
	}

	if !resp.Success {
		var apiErr payjpErrorResponse
		_ = json.Unmarshal(resp.Data, &apiErr)
		if resp.HTTPStatus == http.StatusPaymentRequired || apiErr.Error.Type == "card_error" {
			return nil, &DeclinedError{Provider: ProviderPayJP, Code: apiErr.Error.Code, Message: declinedMessage}
		}
		return nil, &GatewayError{
			Provider:   ProviderPayJP,
			Op:         "create_charge",
			HTTPStatus: resp.HTTPStatus,
			Body:       resp.Data,
			Err:        fmt.Errorf("%s: %s", apiErr.Error.Code, apiErr.Error.Message),
		}
	}

	var charge payjpCharge
	if err := json.Unmarshal(resp.Data, &charge); err != nil {
		return nil, &GatewayError{Provider: ProviderPayJP, Op: "create_charge", HTTPStatus: resp.HTTPStatus, Body: resp.Data, Err: err}
	}
	return charge.status(), nil
}

// QueryStatus retrieves a charge by id.
func (g *PayJPGateway) QueryStatus(ctx context.Context, correlationID string) (*StatusResult, error) {
	resp, err := g.transport.do(ctx, "get_charge", http.MethodGet, "/v1/charges/"+url.PathEscape(correlationID), "", nil)
	if err != nil {
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && gwErr.HTTPStatus == http.StatusNotFound {
			return nil, fmt.Errorf("payjp charge %s: %w", correlationID, ErrPaymentNotFound)
		}
		return nil, err
	}
	if resp.HTTPStatus == http.StatusNotFound {
		return nil, fmt.Errorf("payjp charge %s: %w", correlationID, ErrPaymentNotFound)
	}
	if !resp.Success {
		return nil, &GatewayError{
			Provider:   ProviderPayJP,
			Op:         "get_charge",
			HTTPStatus: resp.HTTPStatus,
			Body:       resp.Data,
			Err:        fmt.Errorf("unexpected status"),
		}
	}

	var charge payjpCharge
	if err := json.Unmarshal(resp.Data, &charge); err != nil {
		return nil, &GatewayError{Provider: ProviderPayJP, Op: "get_charge", HTTPStatus: resp.HTTPStatus, Body: resp.Data, Err: err}
	}
	return charge.status(), nil
}

// ParseNotification parses a PAY.JP charge event. When a webhook token is
// configured the request must carry it.
func (g *PayJPGateway) ParseNotification(ctx context.Context, header http.Header, body []byte) (*Notification, error) {
	verified := false
	if g.webhookToken != "" {
		got := header.Get(PayJPWebhookTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(g.webhookToken)) != 1 {
			return nil, ErrInvalidSignature
		}
		verified = true
	}

	var evt payjpEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("failed to parse payjp event: %w", err)
	}
	if evt.ID == "" {
		return nil, fmt.Errorf("payjp event missing id")
	}

	status := evt.Data.status()
	switch evt.Type {
	case "charge.succeeded", "charge.captured":
		status.State = StateSucceeded
	case "charge.failed":
		status.State = StateFailed
	case "charge.refunded":
		status.State = StateRefunded
	default:
		status.State = StatePending
	}

	md := evt.Data.Metadata
	return &Notification{
		Provider:      ProviderPayJP,
		EventID:       evt.ID,
		EventType:     evt.Type,
		CorrelationID: evt.Data.ID,
		PurchaseID:    cast.ToString(md["purchase_id"]),
		UserID:        cast.ToString(md["user_id"]),
		DiagnosisID:   cast.ToString(md["diagnosis_id"]),
		Amount:        evt.Data.Amount,
		Status:        *status,
		Verified:      verified,
	}, nil
}

func (c *payjpCharge) status() *StatusResult {
	s := &StatusResult{
		CorrelationID:  c.ID,
		PurchaseID:     cast.ToString(c.Metadata["purchase_id"]),
		Amount:         c.Amount,
		Currency:       strings.ToUpper(c.Currency),
		TransactionID:  c.ID,
		FailureCode:    c.FailureCode,
		AmountRefunded: c.AmountRefunded,
	}
	switch {
	case c.Refunded:
		s.State = StateRefunded
		s.GatewayStatus = "refunded"
	case c.Paid && c.Captured:
		s.State = StateSucceeded
		s.GatewayStatus = "captured"
	case c.FailureCode != "":
		s.State = StateFailed
		s.GatewayStatus = "failed"
		s.FailureMessage = declinedMessage
	default:
		s.State = StatePending
		s.GatewayStatus = "pending"
	}
	if c.Created > 0 && s.State == StateSucceeded {
		at := time.Unix(c.Created, 0).UTC()
		s.AcceptedAt = &at
	}
	return s
}
