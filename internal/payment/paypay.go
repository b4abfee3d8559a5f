package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cast"
)

// PayPay API hosts.
const (
	PayPayProductionURL = "https://api.paypay.ne.jp"
	PayPaySandboxURL    = "https://stg-api.sandbox.paypay.ne.jp"
)

// PayPay result codes and statuses used by the gateway.
const (
	paypayResultSuccess  = "SUCCESS"
	paypayResultNotFound = "DYNAMIC_QR_PAYMENT_NOT_FOUND"

	paypayRedirectDeepLink = "APP_DEEP_LINK"
	paypayRedirectWebLink  = "WEB_LINK"

	// PayPayWebhookSignatureHeader carries hex(HMAC-SHA256(body, webhook secret)).
	PayPayWebhookSignatureHeader = "X-Webhook-Signature"
)

// PayPayConfig holds the credentials and options for the PayPay gateway.
type PayPayConfig struct {
	ClientID      string
	Secret        string
	MerchantID    string
	Production    bool
	BaseURL       string // overrides the host selected by Production
	WebhookSecret string
	Timeout       time.Duration
	HTTPClient    *http.Client
	Metrics       *Metrics
	Logger        *slog.Logger
}

// PayPayGateway creates dynamic QR codes and reads their payment status.
type PayPayGateway struct {
	transport     *transport
	webhookSecret string
	logger        *slog.Logger
}

// NewPayPayGateway validates credentials and builds a PayPay gateway.
func NewPayPayGateway(cfg PayPayConfig) (*PayPayGateway, error) {
	signer, err := NewPayPaySigner(cfg.ClientID, cfg.Secret)
	if err != nil {
		return nil, err
	}
	if cfg.MerchantID == "" {
		return nil, &ConfigurationError{Field: "PAYPAY_MERCHANT_ID"}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = PayPaySandboxURL
		if cfg.Production {
			baseURL = PayPayProductionURL
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &PayPayGateway{
		transport: newTransport(TransportConfig{
			Provider:   ProviderPayPay,
			BaseURL:    baseURL,
			Signer:     signer,
			Headers:    map[string]string{"X-ASSUME-MERCHANT": cfg.MerchantID},
			Timeout:    cfg.Timeout,
			HTTPClient: cfg.HTTPClient,
			Metrics:    cfg.Metrics,
			Logger:     cfg.Logger,
		}),
		webhookSecret: cfg.WebhookSecret,
		logger:        cfg.Logger,
	}, nil
}

// Provider implements Gateway.
func (g *PayPayGateway) Provider() Provider { return ProviderPayPay }

// HealthCheck reports an open circuit breaker.
func (g *PayPayGateway) HealthCheck(ctx context.Context) error { return g.transport.healthCheck() }

type paypayMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type paypayOrderItem struct {
	Name      string      `json:"name"`
	Category  string      `json:"category,omitempty"`
	Quantity  int         `json:"quantity"`
	ProductID string      `json:"productId,omitempty"`
	UnitPrice paypayMoney `json:"unitPrice"`
}

type paypayCreateCodeRequest struct {
	MerchantPaymentID string            `json:"merchantPaymentId"`
	Amount            paypayMoney       `json:"amount"`
	CodeType          string            `json:"codeType"`
	OrderDescription  string            `json:"orderDescription,omitempty"`
	OrderItems        []paypayOrderItem `json:"orderItems"`
	RequestedAt       int64             `json:"requestedAt"`
	RedirectURL       string            `json:"redirectUrl"`
	RedirectType      string            `json:"redirectType"`
	UserAgent         string            `json:"userAgent,omitempty"`
	IsAuthorization   bool              `json:"isAuthorization"`
}

type paypayResultInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	CodeID  string `json:"codeId"`
}

type paypayCreateCodeResponse struct {
	ResultInfo paypayResultInfo `json:"resultInfo"`
	Data       struct {
		CodeID            string `json:"codeId"`
		URL               string `json:"url"`
		Deeplink          string `json:"deeplink"`
		ExpiryDate        int64  `json:"expiryDate"`
		MerchantPaymentID string `json:"merchantPaymentId"`
	} `json:"data"`
}

type paypayPaymentDetailsResponse struct {
	ResultInfo paypayResultInfo `json:"resultInfo"`
	Data       struct {
		PaymentID         string      `json:"paymentId"`
		TransactionID     string      `json:"transactionId"`
		Status            string      `json:"status"`
		AcceptedAt        int64       `json:"acceptedAt"`
		MerchantPaymentID string      `json:"merchantPaymentId"`
		Amount            paypayMoney `json:"amount"`
	} `json:"data"`
}

// CreateSession creates an ORDER_QR code. Mobile requests ask for an app
// deeplink redirect; the deeplink is only surfaced to mobile callers.
func (g *PayPayGateway) CreateSession(ctx context.Context, req *SessionRequest) (*SessionResult, error) {
	currency := req.Currency
	if currency == "" {
		currency = "JPY"
	}
	redirectType := paypayRedirectWebLink
	if req.Mobile {
		redirectType = paypayRedirectDeepLink
	}

	payload := paypayCreateCodeRequest{
		MerchantPaymentID: req.MerchantReference,
		Amount:            paypayMoney{Amount: req.Amount, Currency: currency},
		CodeType:          "ORDER_QR",
		OrderDescription:  req.Description,
		OrderItems: []paypayOrderItem{{
			Name:      req.ItemName,
			Category:  "DIAGNOSIS",
			Quantity:  1,
			ProductID: req.ProductID,
			UnitPrice: paypayMoney{Amount: req.Amount, Currency: currency},
		}},
		RequestedAt:  time.Now().Unix(),
		RedirectURL:  req.RedirectURL,
		RedirectType: redirectType,
		UserAgent:    req.UserAgent,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode paypay create request: %w", err)
	}

	resp, err := g.transport.do(ctx, "create_code", http.MethodPost, "/v2/codes", "application/json", body)
	if err != nil {
		return nil, err
	}

	var out paypayCreateCodeResponse
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, &GatewayError{Provider: ProviderPayPay, Op: "create_code", HTTPStatus: resp.HTTPStatus, Body: resp.Data, Err: err}
	}
	if !resp.Success || out.ResultInfo.Code != paypayResultSuccess {
		return nil, &GatewayError{
			Provider:   ProviderPayPay,
			Op:         "create_code",
			HTTPStatus: resp.HTTPStatus,
			Body:       resp.Data,
			Err:        fmt.Errorf("result %s: %s", out.ResultInfo.Code, out.ResultInfo.Message),
		}
	}

	result := &SessionResult{
		CorrelationID: req.MerchantReference,
		URL:           out.Data.URL,
		Metadata: Metadata{
			MetaCodeURL: out.Data.URL,
			"code_id":   out.Data.CodeID,
		},
	}
	if req.Mobile {
		result.Deeplink = out.Data.Deeplink
	}
	if out.Data.ExpiryDate > 0 {
		exp := time.Unix(out.Data.ExpiryDate, 0).UTC()
		result.ExpiresAt = &exp
	}
	return result, nil
}

// QueryStatus reads the payment details for a merchant payment id.
func (g *PayPayGateway) QueryStatus(ctx context.Context, correlationID string) (*StatusResult, error) {
	path := "/v2/codes/payments/" + url.PathEscape(correlationID)
	resp, err := g.transport.do(ctx, "get_payment", http.MethodGet, path, "", nil)
	if err != nil {
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && gwErr.HTTPStatus == http.StatusNotFound {
			return nil, fmt.Errorf("paypay payment %s: %w", correlationID, ErrPaymentNotFound)
		}
		return nil, err
	}

	var out paypayPaymentDetailsResponse
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, &GatewayError{Provider: ProviderPayPay, Op: "get_payment", HTTPStatus: resp.HTTPStatus, Body: resp.Data, Err: err}
	}

	if resp.HTTPStatus == http.StatusNotFound || out.ResultInfo.Code == paypayResultNotFound {
		return nil, fmt.Errorf("paypay payment %s: %w", correlationID, ErrPaymentNotFound)
	}
	if !resp.Success || out.ResultInfo.Code != paypayResultSuccess {
		return nil, &GatewayError{
			Provider:   ProviderPayPay,
			Op:         "get_payment",
			HTTPStatus: resp.HTTPStatus,
			Body:       resp.Data,
			Err:        fmt.Errorf("result %s: %s", out.ResultInfo.Code, out.ResultInfo.Message),
		}
	}

	status := &StatusResult{
		State:         paypayState(out.Data.Status),
		CorrelationID: correlationID,
		GatewayStatus: out.Data.Status,
		Amount:        out.Data.Amount.Amount,
		Currency:      out.Data.Amount.Currency,
		TransactionID: out.Data.PaymentID,
	}
	if status.TransactionID == "" {
		status.TransactionID = out.Data.TransactionID
	}
	if out.Data.AcceptedAt > 0 {
		at := time.Unix(out.Data.AcceptedAt, 0).UTC()
		status.AcceptedAt = &at
	}
	if status.State == StateFailed {
		status.FailureCode = out.Data.Status
		status.FailureMessage = "決済が完了しませんでした。もう一度お試しください。"
	}
	return status, nil
}

// ParseNotification parses a PayPay transaction webhook. When a webhook
// secret is configured the signature header must match.
func (g *PayPayGateway) ParseNotification(ctx context.Context, header http.Header, body []byte) (*Notification, error) {
	verified := false
	if g.webhookSecret != "" {
		if !verifyHexHMAC(body, header.Get(PayPayWebhookSignatureHeader), g.webhookSecret) {
			return nil, ErrInvalidSignature
		}
		verified = true
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse paypay notification: %w", err)
	}

	merchantPaymentID := cast.ToString(raw["merchant_order_id"])
	if merchantPaymentID == "" {
		merchantPaymentID = cast.ToString(raw["merchantPaymentId"])
	}
	if merchantPaymentID == "" {
		return nil, fmt.Errorf("paypay notification missing merchant_order_id")
	}

	state := cast.ToString(raw["state"])
	if state == "" {
		state = cast.ToString(raw["status"])
	}

	n := &Notification{
		Provider:      ProviderPayPay,
		EventID:       merchantPaymentID + ":" + state,
		EventType:     cast.ToString(raw["notification_type"]),
		CorrelationID: merchantPaymentID,
		Amount:        cast.ToInt64(raw["order_amount"]),
		Verified:      verified,
		Status: StatusResult{
			State:         paypayState(state),
			CorrelationID: merchantPaymentID,
			GatewayStatus: state,
			Amount:        cast.ToInt64(raw["order_amount"]),
			Currency:      "JPY",
			TransactionID: cast.ToString(raw["order_id"]),
		},
	}
	if paidAt := cast.ToInt64(raw["paid_at"]); paidAt > 0 {
		at := time.Unix(paidAt, 0).UTC()
		n.Status.AcceptedAt = &at
	}
	return n, nil
}

// paypayState maps PayPay payment statuses onto normalized states.
func paypayState(status string) PaymentState {
	switch status {
	case "COMPLETED":
		return StateSucceeded
	case "FAILED":
		return StateFailed
	case "CANCELED", "EXPIRED":
		return StateCanceled
	case "REFUNDED":
		return StateRefunded
	default:
		// CREATED, AUTHORIZED, REAUTHORIZING and unknown values
		return StatePending
	}
}

func verifyHexHMAC(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
