package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/onnwee/otsukisama/internal/access"
	"github.com/onnwee/otsukisama/internal/auth"
	"github.com/onnwee/otsukisama/internal/catalog"
	"github.com/onnwee/otsukisama/internal/notify"
	"github.com/onnwee/otsukisama/internal/payment"
)

// stubGateway is a PayPay stand-in whose webhooks are trusted and whose
// status query reports whatever state the test set.
type stubGateway struct {
	mu          sync.Mutex
	redirectURL string
	state       payment.PaymentState
	queries     int
}

func (g *stubGateway) Provider() payment.Provider { return payment.ProviderPayPay }

func (g *stubGateway) CreateSession(ctx context.Context, req *payment.SessionRequest) (*payment.SessionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.redirectURL = req.RedirectURL
	return &payment.SessionResult{
		CorrelationID: "corr_" + req.PurchaseID,
		URL:           "https://qr.paypay.ne.jp/" + req.PurchaseID,
		Deeplink:      "paypay://payment?link_key=" + req.PurchaseID,
	}, nil
}

func (g *stubGateway) QueryStatus(ctx context.Context, correlationID string) (*payment.StatusResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries++
	return &payment.StatusResult{State: g.state, CorrelationID: correlationID, GatewayStatus: string(g.state)}, nil
}

func (g *stubGateway) ParseNotification(ctx context.Context, header http.Header, body []byte) (*payment.Notification, error) {
	var payload struct {
		EventID   string `json:"event_id"`
		PaymentID string `json:"merchant_payment_id"`
		Amount    int64  `json:"amount"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, payment.ErrInvalidSignature
	}
	return &payment.Notification{
		Provider:      payment.ProviderPayPay,
		EventID:       payload.EventID,
		EventType:     "COMPLETED",
		CorrelationID: payload.PaymentID,
		Status: payment.StatusResult{
			State:         payment.StateSucceeded,
			CorrelationID: payload.PaymentID,
			GatewayStatus: "COMPLETED",
			Amount:        payload.Amount,
		},
		Verified: true,
	}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingSink struct {
	mu        sync.Mutex
	completed []notify.Event
}

func (s *countingSink) PurchaseCompleted(ctx context.Context, e notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, e)
	return nil
}

func (s *countingSink) PurchaseReverted(ctx context.Context, e notify.Event) error { return nil }

func TestPaymentFlow_WebhookThenRedirect(t *testing.T) {
	gw := &stubGateway{state: payment.StatePending}
	grants := access.NewInMemoryStore()
	sink := &countingSink{}
	tokens := auth.NewJWTService("test-secret-that-is-long-enough-32b")

	orch, err := payment.NewOrchestrator(payment.OrchestratorConfig{
		Gateways:  payment.NewRegistry(gw),
		Purchases: payment.NewInMemoryPurchaseStore(),
		Grants:    grants,
		Catalog:   catalog.StaticCatalog{"D1": {ProductID: "p1", Name: "完全版", Price: 2980, Currency: "JPY"}},
		Sink:      sink,
		Tokens:    tokens,
		BaseURL:   "https://otsukisama.example",
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	h := NewRouter(RouterConfig{
		Payments: NewPaymentHandlers(orch, tokens),
		Webhooks: NewWebhookHandlers(orch),
		Access:   NewAccessHandlers(grants, catalog.StaticCatalog{}),
	})

	// 1. Open a session.
	rr := do(t, h, http.MethodPost, "/api/payments/paypay/session", `{"diagnosisId":"D1","userId":"U1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("session status = %d, body %s", rr.Code, rr.Body.String())
	}
	var session SessionResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &session)
	if session.Amount != 2980 || session.PaymentID != "corr_"+session.PurchaseID {
		t.Fatalf("unexpected session %+v", session)
	}

	// 2. Poll while the user is still in the PayPay app.
	rr = do(t, h, http.MethodPost, "/api/payments/paypay/status", `{"merchantPaymentId":"`+session.PaymentID+`","userId":"U1"}`)
	var status StatusResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &status)
	if rr.Code != http.StatusOK || status.Status != "pending" || !status.Success {
		t.Fatalf("poll = %d %+v", rr.Code, status)
	}

	// 3. The webhook completes the purchase.
	webhook := `{"event_id":"evt_1","merchant_payment_id":"` + session.PaymentID + `","amount":2980}`
	rr = do(t, h, http.MethodPost, "/webhooks/paypay", webhook)
	var ack WebhookResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &ack)
	if ack.Outcome != string(payment.OutcomeCompleted) {
		t.Fatalf("webhook outcome = %q", ack.Outcome)
	}

	// 4. A redelivery is deduplicated.
	rr = do(t, h, http.MethodPost, "/webhooks/paypay", webhook)
	_ = json.Unmarshal(rr.Body.Bytes(), &ack)
	if ack.Outcome != string(payment.OutcomeAlreadyProcessed) {
		t.Errorf("redelivery outcome = %q", ack.Outcome)
	}

	// 5. The user lands on the success page carrying the signed ctx token.
	u, err := url.Parse(gw.redirectURL)
	if err != nil {
		t.Fatal(err)
	}
	ctxToken := u.Query().Get("ctx")
	if ctxToken == "" {
		t.Fatalf("return URL has no ctx token: %s", gw.redirectURL)
	}
	rr = do(t, h, http.MethodPost, "/api/payments/paypay/status", `{"ctx":"`+ctxToken+`"}`)
	_ = json.Unmarshal(rr.Body.Bytes(), &status)
	if rr.Code != http.StatusOK || status.Status != "completed" || !status.AlreadyProcessed {
		t.Errorf("redirect status = %d %+v", rr.Code, status)
	}

	// 6. Access is full and exactly one notification went out.
	rr = do(t, h, http.MethodGet, "/api/access/D1?userId=U1", "")
	var acc AccessResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &acc)
	if !acc.HasFull || acc.PurchaseID != session.PurchaseID {
		t.Errorf("access = %+v", acc)
	}
	if len(sink.completed) != 1 {
		t.Errorf("notifications = %d, want 1", len(sink.completed))
	}

	// 7. A second session for the same diagnosis is refused.
	rr = do(t, h, http.MethodPost, "/api/payments/paypay/session", `{"diagnosisId":"D1","userId":"U1"}`)
	if rr.Code != http.StatusConflict {
		t.Errorf("repeat session status = %d, want 409", rr.Code)
	}
}
