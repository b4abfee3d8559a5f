package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/otsukisama/internal/auth"
	"github.com/onnwee/otsukisama/internal/payment"
)

type fakeService struct {
	sessionIn  payment.CreateSessionInput
	session    *payment.SessionOutcome
	sessionErr error

	lookup    *payment.PurchaseRecord
	lookupErr error

	reconcileIn    payment.ReconcileInput
	reconcile      *payment.ReconcileResult
	reconcileErr   error
	reconcileCalls int

	chargeArgs [2]string
	charge     *payment.ReconcileResult
	chargeErr  error
}

func (f *fakeService) CreateSession(ctx context.Context, in payment.CreateSessionInput) (*payment.SessionOutcome, error) {
	f.sessionIn = in
	return f.session, f.sessionErr
}

// Lookup defaults to the purchase the reconcile result carries.
func (f *fakeService) Lookup(ctx context.Context, in payment.ReconcileInput) (*payment.PurchaseRecord, error) {
	switch {
	case f.lookupErr != nil:
		return nil, f.lookupErr
	case f.lookup != nil:
		return f.lookup, nil
	case f.reconcile != nil && f.reconcile.Purchase != nil:
		return f.reconcile.Purchase, nil
	}
	return pendingPurchase(payment.StatusPending, "U1"), nil
}

func (f *fakeService) Reconcile(ctx context.Context, in payment.ReconcileInput) (*payment.ReconcileResult, error) {
	f.reconcileIn = in
	f.reconcileCalls++
	return f.reconcile, f.reconcileErr
}

func (f *fakeService) ChargeCard(ctx context.Context, purchaseID, token string) (*payment.ReconcileResult, error) {
	f.chargeArgs = [2]string{purchaseID, token}
	return f.charge, f.chargeErr
}

type fakeVerifier map[string]*auth.RedirectContext

func (f fakeVerifier) Verify(token string) (*auth.RedirectContext, error) {
	rc, ok := f[token]
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return rc, nil
}

func newTestRouter(svc *fakeService) http.Handler {
	verifier := fakeVerifier{
		"good": {PurchaseID: "pur_1", UserID: "U1", DiagnosisID: "D1", Provider: "paypay"},
	}
	return NewRouter(RouterConfig{Payments: NewPaymentHandlers(svc, verifier)})
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func pendingPurchase(status payment.PurchaseStatus, userID string) *payment.PurchaseRecord {
	return &payment.PurchaseRecord{
		PurchaseID:  "pur_1",
		UserID:      userID,
		DiagnosisID: "D1",
		Provider:    payment.ProviderPayPay,
		Status:      status,
	}
}

func TestCreateSession(t *testing.T) {
	expires := time.Date(2026, 10, 17, 12, 5, 0, 0, time.UTC)
	svc := &fakeService{session: &payment.SessionOutcome{
		PurchaseID:  "pur_1",
		PaymentID:   "corr_1",
		RedirectURL: "paypay://payment?link_key=corr_1",
		Deeplink:    "paypay://payment?link_key=corr_1",
		ExpiresAt:   &expires,
		Amount:      2980,
		Currency:    "JPY",
	}}
	h := newTestRouter(svc)

	rr := do(t, h, http.MethodPost, "/api/payments/paypay/session", `{"diagnosisId":"D1","userId":"U1"}`, "User-Agent", "iPhone")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp SessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.PurchaseID != "pur_1" || resp.PaymentID != "corr_1" || resp.Deeplink == "" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.ExpiresAt != "2026-10-17T12:05:00Z" {
		t.Errorf("expiresAt = %q", resp.ExpiresAt)
	}
	want := payment.CreateSessionInput{Provider: payment.ProviderPayPay, DiagnosisID: "D1", UserID: "U1", UserAgent: "iPhone"}
	if svc.sessionIn != want {
		t.Errorf("service input = %+v, want %+v", svc.sessionIn, want)
	}
}

func TestCreateSession_Errors(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"unknown provider", "/api/payments/bitcoin/session", `{"diagnosisId":"D1"}`, nil, http.StatusNotFound, ErrCodeUnknownProvider},
		{"malformed body", "/api/payments/paypay/session", `{`, nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"missing diagnosis", "/api/payments/paypay/session", `{"userId":"U1"}`, nil, http.StatusBadRequest, ErrCodeValidation},
		{"malformed diagnosis", "/api/payments/paypay/session", `{"diagnosisId":"D1; drop table","userId":"U1"}`, nil, http.StatusBadRequest, ErrCodeValidation},
		{"malformed user", "/api/payments/paypay/session", `{"diagnosisId":"D1","userId":"<script>"}`, nil, http.StatusBadRequest, ErrCodeValidation},
		{"already purchased", "/api/payments/paypay/session", `{"diagnosisId":"D1"}`, payment.ErrAlreadyPurchased, http.StatusConflict, ErrCodeAlreadyPurchased},
		{"gateway down", "/api/payments/payjp/session", `{"diagnosisId":"D1"}`,
			fmt.Errorf("create: %w", &payment.GatewayError{Provider: payment.ProviderPayJP, Op: "x"}), http.StatusBadGateway, ErrCodeGateway},
		{"no store", "/api/payments/paypay/session", `{"diagnosisId":"D1"}`, payment.ErrPaymentsUnavailable, http.StatusServiceUnavailable, ErrCodePaymentsUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(&fakeService{sessionErr: tt.err})
			rr := do(t, h, http.MethodPost, tt.path, tt.body)
			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if got := decodeError(t, rr); got.Code != tt.wantErr {
				t.Errorf("code = %s, want %s", got.Code, tt.wantErr)
			}
		})
	}
}

func TestCheckStatus_Poll(t *testing.T) {
	svc := &fakeService{reconcile: &payment.ReconcileResult{
		Outcome:  payment.OutcomeCompleted,
		Purchase: pendingPurchase(payment.StatusCompleted, "U1"),
		Message:  payment.MessageCompleted,
	}}
	h := newTestRouter(svc)

	rr := do(t, h, http.MethodPost, "/api/payments/paypay/status", `{"merchantPaymentId":"corr_1","diagnosisId":"D1","userId":"U1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp StatusResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if !resp.Success || resp.Status != "completed" || resp.PurchaseID != "pur_1" || resp.AlreadyProcessed {
		t.Errorf("unexpected response %+v", resp)
	}
	if svc.reconcileIn.Trigger != payment.TriggerPoll || svc.reconcileIn.CorrelationID != "corr_1" || svc.reconcileIn.Status != nil {
		t.Errorf("unexpected reconcile input %+v", svc.reconcileIn)
	}
}

func TestCheckStatus_RedirectToken(t *testing.T) {
	svc := &fakeService{reconcile: &payment.ReconcileResult{
		Outcome:  payment.OutcomeAlreadyProcessed,
		Purchase: pendingPurchase(payment.StatusCompleted, "U1"),
		Message:  payment.MessageCompleted,
	}}
	h := newTestRouter(svc)

	rr := do(t, h, http.MethodPost, "/api/payments/paypay/status", `{"ctx":"good","purchaseId":"pur_forged"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp StatusResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if !resp.AlreadyProcessed || !resp.Success {
		t.Errorf("unexpected response %+v", resp)
	}
	if svc.reconcileIn.Trigger != payment.TriggerRedirect || svc.reconcileIn.PurchaseID != "pur_1" {
		t.Errorf("token should drive the purchase id: %+v", svc.reconcileIn)
	}
}

func TestCheckStatus_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		owner    string
		wantCode int
		wantErr  string
	}{
		{"bad token", "/api/payments/paypay/status", `{"ctx":"forged"}`, "U1", http.StatusBadRequest, ErrCodeInvalidToken},
		{"token for other provider", "/api/payments/payjp/status", `{"ctx":"good"}`, "U1", http.StatusBadRequest, ErrCodeInvalidToken},
		{"no identifiers", "/api/payments/paypay/status", `{"userId":"U1"}`, "U1", http.StatusBadRequest, ErrCodeValidation},
		{"other user's purchase", "/api/payments/paypay/status", `{"purchaseId":"pur_1","userId":"U2"}`, "U1", http.StatusNotFound, ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{reconcile: &payment.ReconcileResult{
				Outcome:  payment.OutcomeStillPending,
				Purchase: pendingPurchase(payment.StatusPending, tt.owner),
			}}
			rr := do(t, newTestRouter(svc), http.MethodPost, tt.path, tt.body)
			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if got := decodeError(t, rr); got.Code != tt.wantErr {
				t.Errorf("code = %s, want %s", got.Code, tt.wantErr)
			}
		})
	}
}

func TestCheckStatus_OwnershipCheckedBeforeReconcile(t *testing.T) {
	t.Run("other user's purchase", func(t *testing.T) {
		svc := &fakeService{lookup: pendingPurchase(payment.StatusPending, "U1")}
		rr := do(t, newTestRouter(svc), http.MethodPost, "/api/payments/payjp/status",
			`{"purchaseId":"pur_1","merchantPaymentId":"ch_1","userId":"U2"}`)
		if rr.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rr.Code)
		}
		if svc.reconcileCalls != 0 {
			t.Errorf("Reconcile called %d times for a foreign purchase", svc.reconcileCalls)
		}
	})

	t.Run("unknown purchase", func(t *testing.T) {
		svc := &fakeService{lookupErr: fmt.Errorf("%w: purchase %q", payment.ErrPurchaseNotFound, "pur_x")}
		rr := do(t, newTestRouter(svc), http.MethodPost, "/api/payments/paypay/status", `{"purchaseId":"pur_x"}`)
		if rr.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rr.Code)
		}
		if svc.reconcileCalls != 0 {
			t.Error("Reconcile called for an unknown purchase")
		}
	})

	t.Run("lookup by correlation pins the purchase", func(t *testing.T) {
		svc := &fakeService{reconcile: &payment.ReconcileResult{
			Outcome:  payment.OutcomeStillPending,
			Purchase: pendingPurchase(payment.StatusPending, "U1"),
		}}
		rr := do(t, newTestRouter(svc), http.MethodPost, "/api/payments/paypay/status", `{"merchantPaymentId":"corr_1","userId":"U1"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
		}
		if svc.reconcileIn.PurchaseID != "pur_1" {
			t.Errorf("reconcile purchase = %q, want pur_1", svc.reconcileIn.PurchaseID)
		}
	})
}

func TestCheckStatus_CorrelationConflictIsNotFound(t *testing.T) {
	svc := &fakeService{reconcileErr: fmt.Errorf("%w: payjp payment ch_1 is bound to another purchase", payment.ErrCorrelationConflict)}
	rr := do(t, newTestRouter(svc), http.MethodPost, "/api/payments/payjp/status", `{"purchaseId":"pur_1","merchantPaymentId":"ch_1"}`)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
	if got := decodeError(t, rr); got.Code != ErrCodeNotFound {
		t.Errorf("code = %s, want %s", got.Code, ErrCodeNotFound)
	}
}

func TestCheckStatus_FailedPayment(t *testing.T) {
	svc := &fakeService{reconcile: &payment.ReconcileResult{
		Outcome:  payment.OutcomeFailed,
		Purchase: pendingPurchase(payment.StatusFailed, "U1"),
		Message:  payment.MessageFailed,
	}}
	rr := do(t, newTestRouter(svc), http.MethodPost, "/api/payments/paypay/status", `{"purchaseId":"pur_1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp StatusResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Success || resp.Status != "failed" || resp.Message != payment.MessageFailed {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestCheckStatus_GrantFailureStillReportsCompleted(t *testing.T) {
	svc := &fakeService{
		reconcile: &payment.ReconcileResult{
			Outcome:  payment.OutcomeCompleted,
			Purchase: pendingPurchase(payment.StatusCompleted, "U1"),
			Message:  payment.MessageCompleted,
		},
		reconcileErr: fmt.Errorf("%w: db down", payment.ErrGrantFailed),
	}
	rr := do(t, newTestRouter(svc), http.MethodPost, "/api/payments/paypay/status", `{"purchaseId":"pur_1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
}

func TestCheckStatus_GatewayErrorIsRetryable(t *testing.T) {
	svc := &fakeService{reconcileErr: &payment.GatewayError{Provider: payment.ProviderPayPay, Op: "get_payment", Body: []byte("<html>")}}
	rr := do(t, newTestRouter(svc), http.MethodPost, "/api/payments/paypay/status", `{"purchaseId":"pur_1"}`)
	if rr.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "<html>") {
		t.Error("raw gateway body leaked to client")
	}
}

func TestCharge(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		svc := &fakeService{charge: &payment.ReconcileResult{
			Outcome:  payment.OutcomeCompleted,
			Purchase: pendingPurchase(payment.StatusCompleted, "U1"),
		}}
		rr := do(t, newTestRouter(svc), http.MethodPost, "/api/payments/payjp/charge", `{"purchaseId":"pur_1","token":"tok_1"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
		}
		if svc.chargeArgs != [2]string{"pur_1", "tok_1"} {
			t.Errorf("charge args = %v", svc.chargeArgs)
		}
	})

	t.Run("declined", func(t *testing.T) {
		svc := &fakeService{charge: &payment.ReconcileResult{
			Outcome:  payment.OutcomeFailed,
			Purchase: pendingPurchase(payment.StatusFailed, "U1"),
			Message:  "カードが拒否されました。別のカードをお試しください。",
		}}
		rr := do(t, newTestRouter(svc), http.MethodPost, "/api/payments/payjp/charge", `{"purchaseId":"pur_1","token":"tok_1"}`)
		if rr.Code != http.StatusPaymentRequired {
			t.Fatalf("status = %d, want 402", rr.Code)
		}
		got := decodeError(t, rr)
		if got.Code != ErrCodeCardDeclined || !strings.Contains(got.Message, "カード") {
			t.Errorf("unexpected error %+v", got)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		rr := do(t, newTestRouter(&fakeService{}), http.MethodPost, "/api/payments/payjp/charge", `{"purchaseId":"pur_1"}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rr.Code)
		}
	})

	t.Run("closed purchase", func(t *testing.T) {
		svc := &fakeService{
			charge:    &payment.ReconcileResult{Outcome: payment.OutcomeCanceled, Purchase: pendingPurchase(payment.StatusCanceled, "U1")},
			chargeErr: payment.ErrPurchaseClosed,
		}
		rr := do(t, newTestRouter(svc), http.MethodPost, "/api/payments/payjp/charge", `{"purchaseId":"pur_1","token":"tok_1"}`)
		if rr.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", rr.Code)
		}
	})
}
