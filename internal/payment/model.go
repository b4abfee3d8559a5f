// Package payment provides purchase records, payment gateway clients and the
// orchestration that turns a paid session into granted report access.
package payment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
)

// Provider identifies a payment gateway.
type Provider string

// Supported providers.
const (
	ProviderPayPay Provider = "paypay"
	ProviderPayJP  Provider = "payjp"
	ProviderStripe Provider = "stripe"
)

// ParseProvider validates a provider name taken from a route or payload.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(s); p {
	case ProviderPayPay, ProviderPayJP, ProviderStripe:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

// PurchaseStatus is the lifecycle state of a purchase record.
// Once completed a purchase only moves to refunded.
type PurchaseStatus string

// Purchase statuses. These values are mirrored by the purchases.status CHECK constraint.
const (
	StatusPending   PurchaseStatus = "pending"
	StatusCompleted PurchaseStatus = "completed"
	StatusFailed    PurchaseStatus = "failed"
	StatusCanceled  PurchaseStatus = "canceled"
	StatusRefunded  PurchaseStatus = "refunded"
)

// Terminal reports whether no further reconcile step can move the status.
func (s PurchaseStatus) Terminal() bool {
	return s == StatusFailed || s == StatusCanceled || s == StatusRefunded
}

// Metadata keys stored in the purchase metadata blob.
const (
	MetaCorrelationID     = "correlation_id"
	MetaTransactionID     = "transaction_id"
	MetaProductID         = "product_id"
	MetaProductName       = "product_name"
	MetaCodeURL           = "code_url"
	MetaFailureCode       = "failure_code"
	MetaFailureMessage    = "failure_message"
	MetaGatewayStatus     = "gateway_status"
	MetaAcceptedAt        = "accepted_at"
	MetaAmountRefunded    = "amount_refunded"
	MetaLateRecord        = "late_record"
	MetaCompletionTrigger = "completion_trigger"
)

// Metadata is the schemaless per-provider blob attached to a purchase.
type Metadata map[string]any

// String returns the value for key coerced to a string.
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	return cast.ToString(m[key])
}

// Merge copies other into m, overwriting existing keys. A nil m is allocated.
func (m Metadata) Merge(other Metadata) Metadata {
	if m == nil {
		m = make(Metadata, len(other))
	}
	for k, v := range other {
		m[k] = v
	}
	return m
}

func (m Metadata) clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// PurchaseRecord is one attempt to buy the full report for a diagnosis.
type PurchaseRecord struct {
	PurchaseID  string         `json:"purchase_id"`
	UserID      string         `json:"user_id"`
	DiagnosisID string         `json:"diagnosis_id"`
	Provider    Provider       `json:"provider"`
	Amount      int64          `json:"amount"`
	Currency    string         `json:"currency"`
	Status      PurchaseStatus `json:"status"`
	Metadata    Metadata       `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CorrelationID returns the provider-assigned identifier stored in metadata.
func (p *PurchaseRecord) CorrelationID() string {
	return p.Metadata.String(MetaCorrelationID)
}

func (p *PurchaseRecord) clone() *PurchaseRecord {
	c := *p
	c.Metadata = p.Metadata.clone()
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// AnonymousUserID is used when a session is created without a LINE user id.
const AnonymousUserID = "anonymous"

// NewPurchaseID returns an opaque id of the form pur_<unix-ms>_<random>.
func NewPurchaseID(now time.Time) string {
	suffix := uuid.New().String()
	return fmt.Sprintf("pur_%d_%s", now.UnixMilli(), suffix[:8]+suffix[9:13])
}
