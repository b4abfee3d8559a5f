package payment

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"time"
)

// PaymentState is a provider status normalized across gateways.
type PaymentState string

// Normalized payment states.
const (
	StatePending   PaymentState = "pending"
	StateSucceeded PaymentState = "succeeded"
	StateFailed    PaymentState = "failed"
	StateCanceled  PaymentState = "canceled"
	StateRefunded  PaymentState = "refunded"
)

// Terminal reports whether the state will not change on its own.
func (s PaymentState) Terminal() bool {
	return s != StatePending && s != ""
}

// SessionRequest describes the order sent to a gateway's create endpoint.
type SessionRequest struct {
	PurchaseID        string
	MerchantReference string // locally generated id sent to the provider
	UserID            string
	DiagnosisID       string
	Amount            int64
	Currency          string
	ProductID         string
	ItemName          string
	Description       string
	RedirectURL       string
	CancelURL         string
	Mobile            bool
	UserAgent         string
}

// SessionResult is a gateway's answer to a create-session call.
type SessionResult struct {
	CorrelationID string
	URL           string
	Deeplink      string
	ExpiresAt     *time.Time
	Metadata      Metadata
}

// RedirectTarget picks the deeplink on mobile when the provider returned one,
// otherwise the web URL. Desktop never gets a deeplink.
func (r *SessionResult) RedirectTarget(mobile bool) string {
	if mobile && r.Deeplink != "" {
		return r.Deeplink
	}
	return r.URL
}

// StatusResult is the normalized outcome of a status query or charge.
type StatusResult struct {
	State          PaymentState
	CorrelationID  string
	GatewayStatus  string
	Amount         int64
	Currency       string
	TransactionID  string
	AcceptedAt     *time.Time
	FailureCode    string
	FailureMessage string
	AmountRefunded int64

	// PurchaseID is the purchase the provider tagged the payment with, when
	// it echoes one back.
	PurchaseID string
}

// Details converts the result into metadata merged onto the purchase record.
func (s *StatusResult) Details() Metadata {
	md := Metadata{MetaGatewayStatus: s.GatewayStatus}
	if s.TransactionID != "" {
		md[MetaTransactionID] = s.TransactionID
	}
	if s.AcceptedAt != nil {
		md[MetaAcceptedAt] = s.AcceptedAt.UTC().Format(time.RFC3339)
	}
	if s.FailureCode != "" {
		md[MetaFailureCode] = s.FailureCode
	}
	if s.FailureMessage != "" {
		md[MetaFailureMessage] = s.FailureMessage
	}
	if s.AmountRefunded > 0 {
		md[MetaAmountRefunded] = s.AmountRefunded
	}
	return md
}

// Notification is a parsed webhook delivery.
type Notification struct {
	Provider      Provider
	EventID       string
	EventType     string
	CorrelationID string
	PurchaseID    string
	UserID        string
	DiagnosisID   string
	Amount        int64
	Status        StatusResult
	// Verified is true when the payload's signature was checked against a
	// shared secret. Unverified payloads are only used to locate the purchase.
	Verified bool
}

// Gateway is the capability every payment provider variant supplies.
type Gateway interface {
	Provider() Provider
	CreateSession(ctx context.Context, req *SessionRequest) (*SessionResult, error)
	QueryStatus(ctx context.Context, correlationID string) (*StatusResult, error)
	ParseNotification(ctx context.Context, header http.Header, body []byte) (*Notification, error)
}

// CardCharger is implemented by gateways that charge a tokenized card directly.
type CardCharger interface {
	Charge(ctx context.Context, token string, req *SessionRequest) (*StatusResult, error)
}

// Registry maps providers to their gateways.
type Registry struct {
	gateways map[Provider]Gateway
}

// NewRegistry creates a registry. Nil gateways are skipped.
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[Provider]Gateway)}
	for _, gw := range gateways {
		if gw != nil {
			r.gateways[gw.Provider()] = gw
		}
	}
	return r
}

// Get returns the gateway for p.
func (r *Registry) Get(p Provider) (Gateway, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, p)
	}
	gw, ok := r.gateways[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, p)
	}
	return gw, nil
}

// Providers lists the registered providers.
func (r *Registry) Providers() []Provider {
	out := make([]Provider, 0, len(r.gateways))
	for p := range r.gateways {
		out = append(out, p)
	}
	return out
}

var mobileUserAgent = regexp.MustCompile(`(?i)iPhone|iPad|iPod|Android`)

// IsMobileUserAgent reports whether ua belongs to a mobile OS browser.
func IsMobileUserAgent(ua string) bool {
	return mobileUserAgent.MatchString(ua)
}
