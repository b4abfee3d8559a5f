package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v81"
)

// fakeCheckoutAPI is a CheckoutAPI for tests.
type fakeCheckoutAPI struct {
	newFunc func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	getFunc func(id string) (*stripe.CheckoutSession, error)
}

func (f *fakeCheckoutAPI) NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return f.newFunc(params)
}

func (f *fakeCheckoutAPI) GetCheckoutSession(id string, _ *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return f.getFunc(id)
}

// generateStripeSignature builds a Stripe-Signature header: t=timestamp,v1=hex(hmac).
func generateStripeSignature(payload []byte, secret string, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func TestNewStripeGateway_RequiresWebhookSecret(t *testing.T) {
	_, err := NewStripeGateway(StripeConfig{SecretKey: "sk_test"})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestStripeGateway_CreateSession(t *testing.T) {
	var captured *stripe.CheckoutSessionParams
	api := &fakeCheckoutAPI{
		newFunc: func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
			captured = params
			return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/pay/cs_test_1", ExpiresAt: 1700003600}, nil
		},
	}
	gw, err := NewStripeGateway(StripeConfig{API: api, WebhookSecret: "whsec_test"})
	if err != nil {
		t.Fatalf("NewStripeGateway() error = %v", err)
	}

	res, err := gw.CreateSession(context.Background(), &SessionRequest{
		PurchaseID:  "pur_1",
		UserID:      "U1",
		DiagnosisID: "D1",
		Amount:      2980,
		Currency:    "JPY",
		ItemName:    "おつきさま診断 完全版",
		RedirectURL: "https://example.com/payment-success.html",
		Mobile:      true,
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if res.CorrelationID != "cs_test_1" || res.Deeplink != "" {
		t.Errorf("unexpected result %+v", res)
	}
	if res.RedirectTarget(true) != res.URL {
		t.Error("stripe sessions have no deeplink and must fall back to the url")
	}
	if *captured.ClientReferenceID != "pur_1" || captured.Metadata["diagnosis_id"] != "D1" {
		t.Errorf("purchase context not attached: %+v", captured)
	}
	if *captured.LineItems[0].PriceData.UnitAmount != 2980 || *captured.LineItems[0].PriceData.Currency != "jpy" {
		t.Errorf("unexpected line item %+v", captured.LineItems[0].PriceData)
	}
	if captured.Context == nil {
		t.Error("request context should be propagated to the SDK")
	}
}

func TestStripeGateway_QueryStatus(t *testing.T) {
	tests := []struct {
		name string
		sess *stripe.CheckoutSession
		want PaymentState
	}{
		{"paid", &stripe.CheckoutSession{ID: "cs_1", Status: stripe.CheckoutSessionStatusComplete, PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid}, StateSucceeded},
		{"complete but unpaid", &stripe.CheckoutSession{ID: "cs_1", Status: stripe.CheckoutSessionStatusComplete, PaymentStatus: stripe.CheckoutSessionPaymentStatusUnpaid}, StatePending},
		{"open", &stripe.CheckoutSession{ID: "cs_1", Status: stripe.CheckoutSessionStatusOpen}, StatePending},
		{"expired", &stripe.CheckoutSession{ID: "cs_1", Status: stripe.CheckoutSessionStatusExpired}, StateCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeCheckoutAPI{getFunc: func(id string) (*stripe.CheckoutSession, error) { return tt.sess, nil }}
			gw, err := NewStripeGateway(StripeConfig{API: api, WebhookSecret: "whsec_test"})
			if err != nil {
				t.Fatalf("NewStripeGateway() error = %v", err)
			}
			res, err := gw.QueryStatus(context.Background(), "cs_1")
			if err != nil {
				t.Fatalf("QueryStatus() error = %v", err)
			}
			if res.State != tt.want {
				t.Errorf("State = %s, want %s", res.State, tt.want)
			}
		})
	}
}

func TestStripeGateway_QueryStatus_Errors(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		api := &fakeCheckoutAPI{getFunc: func(id string) (*stripe.CheckoutSession, error) {
			return nil, &stripe.Error{HTTPStatusCode: http.StatusNotFound, Code: stripe.ErrorCodeResourceMissing, Msg: "No such checkout.session"}
		}}
		gw, _ := NewStripeGateway(StripeConfig{API: api, WebhookSecret: "whsec_test"})
		if _, err := gw.QueryStatus(context.Background(), "cs_x"); !errors.Is(err, ErrPaymentNotFound) {
			t.Fatalf("expected ErrPaymentNotFound, got %v", err)
		}
	})

	t.Run("network failure", func(t *testing.T) {
		api := &fakeCheckoutAPI{getFunc: func(id string) (*stripe.CheckoutSession, error) {
			return nil, errors.New("connection reset")
		}}
		gw, _ := NewStripeGateway(StripeConfig{API: api, WebhookSecret: "whsec_test"})
		_, err := gw.QueryStatus(context.Background(), "cs_1")
		if !IsRetryable(err) {
			t.Fatalf("expected retryable gateway error, got %v", err)
		}
	})
}

func TestStripeGateway_ParseNotification(t *testing.T) {
	secret := "whsec_test"
	gw, err := NewStripeGateway(StripeConfig{API: &fakeCheckoutAPI{}, WebhookSecret: secret})
	if err != nil {
		t.Fatalf("NewStripeGateway() error = %v", err)
	}

	event := map[string]interface{}{
		"id":   "evt_1",
		"type": "checkout.session.completed",
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":                  "cs_1",
				"object":              "checkout.session",
				"status":              "complete",
				"payment_status":      "paid",
				"amount_total":        2980,
				"client_reference_id": "pur_1",
				"metadata":            map[string]string{"user_id": "U1", "diagnosis_id": "D1"},
			},
		},
	}
	body, _ := json.Marshal(event)

	t.Run("valid signature", func(t *testing.T) {
		h := http.Header{}
		h.Set(StripeSignatureHeader, generateStripeSignature(body, secret, time.Now().Unix()))
		n, err := gw.ParseNotification(context.Background(), h, body)
		if err != nil {
			t.Fatalf("ParseNotification() error = %v", err)
		}
		if !n.Verified || n.EventID != "evt_1" || n.CorrelationID != "cs_1" || n.PurchaseID != "pur_1" {
			t.Errorf("unexpected notification %+v", n)
		}
		if n.Status.State != StateSucceeded || n.UserID != "U1" || n.DiagnosisID != "D1" {
			t.Errorf("unexpected status %+v", n)
		}
	})

	t.Run("invalid signature", func(t *testing.T) {
		h := http.Header{}
		h.Set(StripeSignatureHeader, "t=1234567890,v1=invalidsignature")
		if _, err := gw.ParseNotification(context.Background(), h, body); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("expected ErrInvalidSignature, got %v", err)
		}
	})

	t.Run("missing signature", func(t *testing.T) {
		if _, err := gw.ParseNotification(context.Background(), http.Header{}, body); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("expected ErrInvalidSignature, got %v", err)
		}
	})
}
