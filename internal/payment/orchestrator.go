package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onnwee/otsukisama/internal/access"
	"github.com/onnwee/otsukisama/internal/archive"
	"github.com/onnwee/otsukisama/internal/auth"
	"github.com/onnwee/otsukisama/internal/catalog"
	"github.com/onnwee/otsukisama/internal/notify"
	"github.com/onnwee/otsukisama/internal/tracing"
)

// Trigger names the path that asked for a reconcile.
type Trigger string

const (
	TriggerWebhook  Trigger = "webhook"
	TriggerPoll     Trigger = "poll"
	TriggerRedirect Trigger = "redirect"
	TriggerCharge   Trigger = "charge"
	TriggerJob      Trigger = "job"
)

// ReconcileOutcome is what a reconcile call observed or did.
type ReconcileOutcome string

const (
	OutcomeCompleted        ReconcileOutcome = "completed"
	OutcomeAlreadyProcessed ReconcileOutcome = "already_processed"
	OutcomeStillPending     ReconcileOutcome = "still_pending"
	OutcomeFailed           ReconcileOutcome = "failed"
	OutcomeCanceled         ReconcileOutcome = "canceled"
	OutcomeRefunded         ReconcileOutcome = "refunded"
)

// ErrGrantFailed is returned when a purchase was completed but the access
// grant could not be written. The purchase stays completed; the reconcile
// job writes the grant later.
var ErrGrantFailed = errors.New("access grant failed after completion")

// ErrAmountMismatch is returned when the gateway reports a different amount
// than the purchase was created for.
var ErrAmountMismatch = errors.New("paid amount does not match purchase")

// User-facing messages. Raw provider errors are never shown.
const (
	MessageCompleted  = "ご購入ありがとうございます。完全版をご覧いただけます。"
	MessagePending    = "決済を確認しています。しばらくお待ちください。"
	MessageFailed     = "決済が完了しませんでした。お手数ですが、もう一度お試しください。"
	MessageCanceled   = "決済がキャンセルされました。"
	MessageRefunded   = "このご購入は返金済みです。"
	MessageProcessing = "決済処理中にエラーが発生しました。時間をおいて再度お試しください。"
	MessagePurchased  = "この診断は既に購入済みです"
)

// AccessGrants is the part of access.Store the orchestrator needs.
type AccessGrants interface {
	GrantFull(ctx context.Context, userID, resourceID, purchaseID string) (access.Change, error)
	Get(ctx context.Context, userID, resourceID string) (*access.Grant, error)
	Revoke(ctx context.Context, userID, resourceID, purchaseID string) (access.Change, error)
}

// TokenIssuer signs the redirect context carried on return URLs.
type TokenIssuer interface {
	Issue(rc auth.RedirectContext) (string, error)
}

// OrchestratorConfig wires the orchestrator's collaborators.
type OrchestratorConfig struct {
	Gateways  *Registry
	Purchases PurchaseStore // nil means payments are unavailable
	Grants    AccessGrants
	Webhooks  WebhookRepository
	Catalog   catalog.Catalog
	Sink      notify.Sink
	Archiver  archive.Archiver
	Tokens    TokenIssuer
	Metrics   *Metrics
	Logger    *slog.Logger

	// BaseURL is the public origin used to build return URLs.
	BaseURL     string
	SuccessPath string // default /payment-success.html
	CancelPath  string // default /payment-cancel.html
	Currency    string // default JPY
	Now         func() time.Time
}

// Orchestrator is the single place where sessions are created and purchases
// are reconciled. It holds no per-purchase state; the purchase store's
// conditional transitions are the only serialization point.
type Orchestrator struct {
	gateways    *Registry
	purchases   PurchaseStore
	grants      AccessGrants
	webhooks    WebhookRepository
	catalog     catalog.Catalog
	sink        notify.Sink
	archiver    archive.Archiver
	tokens      TokenIssuer
	metrics     *Metrics
	logger      *slog.Logger
	baseURL     string
	successPath string
	cancelPath  string
	currency    string
	now         func() time.Time
}

// NewOrchestrator builds an orchestrator. Missing optional collaborators get
// no-op or in-memory stand-ins; a missing purchase store or grant store makes
// every operation return ErrPaymentsUnavailable.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Gateways == nil {
		return nil, &ConfigurationError{Field: "gateways"}
	}
	if cfg.BaseURL == "" {
		return nil, &ConfigurationError{Field: "BASE_URL"}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Webhooks == nil {
		cfg.Webhooks = NewInMemoryWebhookRepository()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.WithFallback(nil, cfg.Logger)
	}
	if cfg.Sink == nil {
		cfg.Sink = notify.NopSink{}
	}
	if cfg.Archiver == nil {
		cfg.Archiver = archive.NopArchiver{}
	}
	if cfg.SuccessPath == "" {
		cfg.SuccessPath = "/payment-success.html"
	}
	if cfg.CancelPath == "" {
		cfg.CancelPath = "/payment-cancel.html"
	}
	if cfg.Currency == "" {
		cfg.Currency = catalog.DefaultCurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		gateways:    cfg.Gateways,
		purchases:   cfg.Purchases,
		grants:      cfg.Grants,
		webhooks:    cfg.Webhooks,
		catalog:     cfg.Catalog,
		sink:        cfg.Sink,
		archiver:    cfg.Archiver,
		tokens:      cfg.Tokens,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		successPath: cfg.SuccessPath,
		cancelPath:  cfg.CancelPath,
		currency:    cfg.Currency,
		now:         cfg.Now,
	}, nil
}

func (o *Orchestrator) available() error {
	if o.purchases == nil || o.grants == nil {
		return ErrPaymentsUnavailable
	}
	return nil
}

// CreateSessionInput is a request to start paying for a diagnosis.
type CreateSessionInput struct {
	Provider    Provider
	DiagnosisID string
	UserID      string
	UserAgent   string
}

// SessionOutcome is returned to the client that asked for a session.
type SessionOutcome struct {
	PurchaseID  string
	PaymentID   string // provider correlation id, or the purchase id when none exists yet
	RedirectURL string // deeplink on mobile when the provider returned one
	Deeplink    string // only set for mobile clients
	ExpiresAt   *time.Time
	Amount      int64
	Currency    string
}

// CreateSession prices the diagnosis, opens a gateway session and records a
// pending purchase. The purchase row is only written after the gateway
// accepted the session, so a failed or timed-out call leaves nothing behind.
func (o *Orchestrator) CreateSession(ctx context.Context, in CreateSessionInput) (out *SessionOutcome, err error) {
	if err := o.available(); err != nil {
		return nil, err
	}
	if in.DiagnosisID == "" {
		return nil, errors.New("diagnosis id is required")
	}
	gw, err := o.gateways.Get(in.Provider)
	if err != nil {
		return nil, err
	}

	ctx, endSpan := tracing.StartSpan(ctx, "payment.create_session",
		tracing.AttrProvider.String(string(in.Provider)), tracing.AttrDiagnosisID.String(in.DiagnosisID))
	defer func() { endSpan(err) }()

	item, err := o.catalog.Lookup(ctx, in.DiagnosisID)
	if err != nil {
		o.logger.WarnContext(ctx, "catalog lookup failed, using default item",
			slog.String("diagnosis_id", in.DiagnosisID),
			slog.String("error", err.Error()))
		item = catalog.DefaultItem(in.DiagnosisID)
	}

	userID := in.UserID
	if userID == "" {
		userID = item.OwnerUserID
	}
	if userID == "" {
		userID = AnonymousUserID
	}

	if userID != AnonymousUserID {
		grant, err := o.grants.Get(ctx, userID, in.DiagnosisID)
		switch {
		case err == nil && grant.EffectiveLevel(o.now()).AtLeast(access.LevelFull):
			o.metrics.IncSessions(string(in.Provider), OutcomeRejected)
			return nil, ErrAlreadyPurchased
		case err != nil && !errors.Is(err, access.ErrGrantNotFound):
			o.logger.WarnContext(ctx, "failed to check existing access",
				slog.String("user_id", userID),
				slog.String("diagnosis_id", in.DiagnosisID),
				slog.String("error", err.Error()))
		}
	}

	now := o.now()
	purchaseID := NewPurchaseID(now)
	mobile := IsMobileUserAgent(in.UserAgent)
	currency := item.Currency
	if currency == "" {
		currency = o.currency
	}

	returnURL, cancelURL, err := o.returnURLs(in.Provider, purchaseID, userID, in.DiagnosisID)
	if err != nil {
		return nil, err
	}

	req := &SessionRequest{
		PurchaseID:        purchaseID,
		MerchantReference: fmt.Sprintf("diag_%s_%d", in.DiagnosisID, now.UnixMilli()),
		UserID:            userID,
		DiagnosisID:       in.DiagnosisID,
		Amount:            item.Price,
		Currency:          currency,
		ProductID:         item.ProductID,
		ItemName:          item.Name,
		Description:       item.Description,
		RedirectURL:       returnURL,
		CancelURL:         cancelURL,
		Mobile:            mobile,
		UserAgent:         in.UserAgent,
	}

	session, err := gw.CreateSession(ctx, req)
	if err != nil {
		o.metrics.IncSessions(string(in.Provider), OutcomeGatewayError)
		o.archiveGatewayError(ctx, in.Provider, purchaseID, err)
		o.logger.ErrorContext(ctx, "failed to create payment session",
			slog.String("provider", string(in.Provider)),
			slog.String("purchase_id", purchaseID),
			slog.String("diagnosis_id", in.DiagnosisID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to create %s session for purchase %s: %w", in.Provider, purchaseID, err)
	}

	md := Metadata{
		MetaProductID:   item.ProductID,
		MetaProductName: item.Name,
		MetaCodeURL:     session.URL,
	}.Merge(session.Metadata)
	if session.CorrelationID != "" {
		md[MetaCorrelationID] = session.CorrelationID
	}
	record := &PurchaseRecord{
		PurchaseID:  purchaseID,
		UserID:      userID,
		DiagnosisID: in.DiagnosisID,
		Provider:    in.Provider,
		Amount:      item.Price,
		Currency:    currency,
		Status:      StatusPending,
		Metadata:    md,
	}
	if err := o.purchases.Create(ctx, record); err != nil {
		o.metrics.IncSessions(string(in.Provider), OutcomeGatewayError)
		return nil, fmt.Errorf("failed to record purchase %s (correlation %s): %w", purchaseID, session.CorrelationID, err)
	}

	o.metrics.IncSessions(string(in.Provider), OutcomeCreated)
	o.logger.InfoContext(ctx, "payment session created",
		slog.String("provider", string(in.Provider)),
		slog.String("purchase_id", purchaseID),
		slog.String("correlation_id", session.CorrelationID),
		slog.Int64("amount", item.Price),
		slog.Bool("mobile", mobile))

	out = &SessionOutcome{
		PurchaseID:  purchaseID,
		PaymentID:   session.CorrelationID,
		RedirectURL: session.RedirectTarget(mobile),
		ExpiresAt:   session.ExpiresAt,
		Amount:      item.Price,
		Currency:    currency,
	}
	if out.PaymentID == "" {
		out.PaymentID = purchaseID
	}
	if mobile {
		out.Deeplink = session.Deeplink
	}
	return out, nil
}

// returnURLs tags the success URL with everything the landing page needs to
// reconcile without server-side session state.
func (o *Orchestrator) returnURLs(provider Provider, purchaseID, userID, diagnosisID string) (string, string, error) {
	q := url.Values{}
	q.Set("id", diagnosisID)
	q.Set("userId", userID)
	q.Set("purchaseId", purchaseID)
	q.Set("provider", string(provider))
	if o.tokens != nil {
		token, err := o.tokens.Issue(auth.RedirectContext{
			PurchaseID:  purchaseID,
			UserID:      userID,
			DiagnosisID: diagnosisID,
			Provider:    string(provider),
		})
		if err != nil {
			return "", "", fmt.Errorf("failed to sign redirect context: %w", err)
		}
		q.Set("ctx", token)
	}
	success := o.baseURL + o.successPath + "?" + q.Encode()

	cq := url.Values{}
	cq.Set("id", diagnosisID)
	cq.Set("userId", userID)
	cq.Set("purchaseId", purchaseID)
	cancel := o.baseURL + o.cancelPath + "?" + cq.Encode()
	return success, cancel, nil
}

// ReconcileInput identifies a purchase and, optionally, a trusted status.
type ReconcileInput struct {
	Provider      Provider
	Trigger       Trigger
	PurchaseID    string
	CorrelationID string
	// Status is a provider report whose origin was verified (signed webhook
	// or our own authenticated API call). When nil the gateway is queried.
	Status *StatusResult
}

// ReconcileResult reports the purchase state after a reconcile call.
type ReconcileResult struct {
	Outcome  ReconcileOutcome
	Purchase *PurchaseRecord
	Message  string
}

// AlreadyProcessed reports a no-op reconcile of a finished purchase.
func (r *ReconcileResult) AlreadyProcessed() bool {
	return r.Outcome == OutcomeAlreadyProcessed
}

// StillPending reports that the payment has not reached a terminal state.
func (r *ReconcileResult) StillPending() bool {
	return r.Outcome == OutcomeStillPending
}

// Reconcile is the chokepoint for webhook, poll, redirect, charge and job
// triggers. Only the caller that wins the pending -> completed transition
// grants access and notifies; every other caller observes already_processed.
func (o *Orchestrator) Reconcile(ctx context.Context, in ReconcileInput) (res *ReconcileResult, err error) {
	if err := o.available(); err != nil {
		return nil, err
	}

	ctx, endSpan := tracing.StartSpan(ctx, "payment.reconcile",
		tracing.AttrProvider.String(string(in.Provider)), tracing.AttrTrigger.String(string(in.Trigger)))
	defer func() { endSpan(err) }()
	defer func() {
		outcome := "error"
		if res != nil {
			outcome = string(res.Outcome)
		}
		o.metrics.IncReconciliations(string(in.Provider), string(in.Trigger), outcome)
	}()

	rec, err := o.resolve(ctx, in)
	if err != nil {
		return nil, err
	}
	if in.Provider == "" {
		in.Provider = rec.Provider
	}
	tracing.SetAttributes(ctx, tracing.AttrPurchaseID.String(rec.PurchaseID))
	logger := o.logger.With(
		slog.String("purchase_id", rec.PurchaseID),
		slog.String("provider", string(rec.Provider)),
		slog.String("trigger", string(in.Trigger)))

	switch rec.Status {
	case StatusCompleted:
		return o.reconcileCompleted(ctx, logger, rec, in)
	case StatusRefunded:
		return &ReconcileResult{Outcome: OutcomeAlreadyProcessed, Purchase: rec, Message: MessageRefunded}, nil
	case StatusFailed, StatusCanceled:
		return closedResult(rec), nil
	}

	status := in.Status
	queried := ""
	if status == nil {
		corr := rec.CorrelationID()
		if corr == "" {
			corr = in.CorrelationID
		}
		if corr == "" {
			return &ReconcileResult{Outcome: OutcomeStillPending, Purchase: rec, Message: MessagePending}, nil
		}
		status, err = o.queryStatus(ctx, rec, corr)
		if err != nil {
			return nil, err
		}
		queried = corr
	}

	switch status.State {
	case StateSucceeded, StateFailed, StateCanceled, StateRefunded:
	default:
		return &ReconcileResult{Outcome: OutcomeStillPending, Purchase: rec, Message: MessagePending}, nil
	}

	if err := o.claim(ctx, logger, rec, status, queried); err != nil {
		return nil, err
	}

	switch status.State {
	case StateSucceeded:
		return o.complete(ctx, logger, rec, in.Trigger, status)
	case StateFailed:
		return o.fail(ctx, logger, rec, StatusFailed, status)
	default:
		return o.fail(ctx, logger, rec, StatusCanceled, status)
	}
}

// claim binds the reported payment to rec before a transition acts on it.
// A payment already bound to another purchase, or one the gateway tags with
// another purchase id, is ErrCorrelationConflict and leaves rec untouched.
func (o *Orchestrator) claim(ctx context.Context, logger *slog.Logger, rec *PurchaseRecord, status *StatusResult, queried string) error {
	if status.PurchaseID != "" && status.PurchaseID != rec.PurchaseID {
		logger.WarnContext(ctx, "gateway payment belongs to another purchase",
			slog.String("payment_purchase_id", status.PurchaseID))
		return fmt.Errorf("%w: %s payment for purchase %s reported against %s",
			ErrCorrelationConflict, rec.Provider, status.PurchaseID, rec.PurchaseID)
	}

	corr := status.CorrelationID
	if corr == "" {
		corr = queried
	}
	current := rec.CorrelationID()
	switch {
	case corr == "" || corr == current:
		return nil
	case current != "":
		logger.WarnContext(ctx, "gateway payment does not match purchase correlation",
			slog.String("correlation_id", corr),
			slog.String("purchase_correlation_id", current))
		return fmt.Errorf("%w: purchase %s is bound to %s, not %s", ErrCorrelationConflict, rec.PurchaseID, current, corr)
	}

	err := o.purchases.AttachCorrelation(ctx, rec.PurchaseID, corr)
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicatePurchase):
		logger.WarnContext(ctx, "gateway payment already claimed by another purchase",
			slog.String("correlation_id", corr))
		return fmt.Errorf("%w: %s payment %s is bound to another purchase", ErrCorrelationConflict, rec.Provider, corr)
	default:
		return fmt.Errorf("failed to claim correlation %s for purchase %s: %w", corr, rec.PurchaseID, err)
	}

	rec.Metadata = rec.Metadata.clone().Merge(Metadata{MetaCorrelationID: corr})
	return nil
}

// Lookup resolves the purchase a reconcile input refers to without touching
// the gateway or changing state.
func (o *Orchestrator) Lookup(ctx context.Context, in ReconcileInput) (*PurchaseRecord, error) {
	if err := o.available(); err != nil {
		return nil, err
	}
	return o.resolve(ctx, in)
}

// resolve looks the purchase up by id first, then by correlation id.
func (o *Orchestrator) resolve(ctx context.Context, in ReconcileInput) (*PurchaseRecord, error) {
	var (
		rec *PurchaseRecord
		err error
	)
	if in.PurchaseID != "" {
		rec, err = o.purchases.GetByID(ctx, in.PurchaseID)
		if err != nil && !errors.Is(err, ErrPurchaseNotFound) {
			return nil, fmt.Errorf("failed to load purchase %s: %w", in.PurchaseID, err)
		}
	}
	if rec == nil && in.CorrelationID != "" {
		if in.Provider == "" {
			return nil, fmt.Errorf("%w: provider is required to look up correlation %s", ErrPurchaseNotFound, in.CorrelationID)
		}
		rec, err = o.purchases.FindByCorrelation(ctx, in.Provider, in.CorrelationID)
		if err != nil && !errors.Is(err, ErrPurchaseNotFound) {
			return nil, fmt.Errorf("failed to find purchase by %s correlation %s: %w", in.Provider, in.CorrelationID, err)
		}
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: purchase %q correlation %q", ErrPurchaseNotFound, in.PurchaseID, in.CorrelationID)
	}
	if in.Provider != "" && rec.Provider != in.Provider {
		return nil, fmt.Errorf("%w: purchase %s belongs to %s", ErrPurchaseNotFound, rec.PurchaseID, rec.Provider)
	}
	return rec, nil
}

func (o *Orchestrator) queryStatus(ctx context.Context, rec *PurchaseRecord, correlationID string) (*StatusResult, error) {
	gw, err := o.gateways.Get(rec.Provider)
	if err != nil {
		return nil, err
	}
	status, err := gw.QueryStatus(ctx, correlationID)
	if err != nil {
		o.archiveGatewayError(ctx, rec.Provider, rec.PurchaseID, err)
		return nil, fmt.Errorf("failed to query %s status for purchase %s (correlation %s): %w",
			rec.Provider, rec.PurchaseID, correlationID, err)
	}
	return status, nil
}

// reconcileCompleted never writes grants. It only acts on a refund report.
func (o *Orchestrator) reconcileCompleted(ctx context.Context, logger *slog.Logger, rec *PurchaseRecord, in ReconcileInput) (*ReconcileResult, error) {
	already := &ReconcileResult{Outcome: OutcomeAlreadyProcessed, Purchase: rec, Message: MessageCompleted}

	status := in.Status
	if status == nil && in.Trigger == TriggerWebhook && rec.CorrelationID() != "" {
		// An unsigned webhook for a completed purchase may announce a refund.
		s, err := o.queryStatus(ctx, rec, rec.CorrelationID())
		if err != nil {
			logger.WarnContext(ctx, "failed to confirm webhook for completed purchase", slog.String("error", err.Error()))
			return already, nil
		}
		status = s
	}
	if status == nil || status.State != StateRefunded {
		return already, nil
	}
	return o.refund(ctx, logger, rec, status)
}

func (o *Orchestrator) complete(ctx context.Context, logger *slog.Logger, rec *PurchaseRecord, trigger Trigger, status *StatusResult) (*ReconcileResult, error) {
	if status.Amount > 0 && rec.Amount > 0 && status.Amount != rec.Amount {
		logger.ErrorContext(ctx, "paid amount does not match purchase",
			slog.Int64("expected", rec.Amount),
			slog.Int64("paid", status.Amount))
		return nil, fmt.Errorf("%w: purchase %s expected %d got %d", ErrAmountMismatch, rec.PurchaseID, rec.Amount, status.Amount)
	}

	details := status.Details()
	details[MetaCompletionTrigger] = string(trigger)
	updated, won, err := o.purchases.MarkCompleted(ctx, rec.PurchaseID, details)
	if errors.Is(err, ErrPurchaseClosed) {
		return closedResult(updated), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to complete purchase %s (correlation %s): %w", rec.PurchaseID, rec.CorrelationID(), err)
	}
	if !won {
		return &ReconcileResult{Outcome: OutcomeAlreadyProcessed, Purchase: updated, Message: MessageCompleted}, nil
	}

	logger.InfoContext(ctx, "purchase completed", slog.String("transaction_id", status.TransactionID))

	result := &ReconcileResult{Outcome: OutcomeCompleted, Purchase: updated, Message: MessageCompleted}
	if _, err := o.grants.GrantFull(ctx, updated.UserID, updated.DiagnosisID, updated.PurchaseID); err != nil {
		logger.ErrorContext(ctx, "failed to grant access for completed purchase",
			slog.String("user_id", updated.UserID),
			slog.String("diagnosis_id", updated.DiagnosisID),
			slog.String("error", err.Error()))
		return result, fmt.Errorf("%w: purchase %s: %w", ErrGrantFailed, updated.PurchaseID, err)
	}

	o.notifyCompleted(ctx, logger, updated)
	return result, nil
}

func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, rec *PurchaseRecord, target PurchaseStatus, status *StatusResult) (*ReconcileResult, error) {
	details := status.Details()
	if _, ok := details[MetaFailureMessage]; !ok && target == StatusFailed {
		details[MetaFailureMessage] = MessageFailed
	}
	updated, won, err := o.purchases.MarkTerminal(ctx, rec.PurchaseID, target, details)
	if err != nil {
		return nil, fmt.Errorf("failed to mark purchase %s %s: %w", rec.PurchaseID, target, err)
	}
	if won {
		logger.InfoContext(ctx, "purchase closed without payment",
			slog.String("status", string(target)),
			slog.String("gateway_status", status.GatewayStatus),
			slog.String("failure_code", status.FailureCode))
		return closedResult(updated), nil
	}
	if updated.Status == StatusCompleted {
		return &ReconcileResult{Outcome: OutcomeAlreadyProcessed, Purchase: updated, Message: MessageCompleted}, nil
	}
	return closedResult(updated), nil
}

func (o *Orchestrator) refund(ctx context.Context, logger *slog.Logger, rec *PurchaseRecord, status *StatusResult) (*ReconcileResult, error) {
	updated, won, err := o.purchases.MarkRefunded(ctx, rec.PurchaseID, status.Details())
	if err != nil {
		return nil, fmt.Errorf("failed to mark purchase %s refunded: %w", rec.PurchaseID, err)
	}
	if !won {
		return &ReconcileResult{Outcome: OutcomeAlreadyProcessed, Purchase: updated, Message: MessageRefunded}, nil
	}
	logger.InfoContext(ctx, "purchase refunded", slog.Int64("amount_refunded", status.AmountRefunded))

	if _, err := o.grants.Revoke(ctx, updated.UserID, updated.DiagnosisID, updated.PurchaseID); err != nil {
		logger.ErrorContext(ctx, "failed to revoke access for refunded purchase", slog.String("error", err.Error()))
		return &ReconcileResult{Outcome: OutcomeRefunded, Purchase: updated, Message: MessageRefunded},
			fmt.Errorf("failed to revoke access for refunded purchase %s: %w", updated.PurchaseID, err)
	}
	if err := o.sink.PurchaseReverted(ctx, eventFor(updated)); err != nil {
		o.metrics.IncNotificationFailures(string(updated.Provider), "reverted")
		logger.WarnContext(ctx, "refund notification failed", slog.String("error", err.Error()))
	}
	return &ReconcileResult{Outcome: OutcomeRefunded, Purchase: updated, Message: MessageRefunded}, nil
}

// notifyCompleted is best effort: failures are logged and counted only.
func (o *Orchestrator) notifyCompleted(ctx context.Context, logger *slog.Logger, rec *PurchaseRecord) {
	if err := o.sink.PurchaseCompleted(ctx, eventFor(rec)); err != nil {
		o.metrics.IncNotificationFailures(string(rec.Provider), "completed")
		logger.WarnContext(ctx, "completion notification failed", slog.String("error", err.Error()))
	}
}

func eventFor(rec *PurchaseRecord) notify.Event {
	return notify.Event{
		PurchaseID:  rec.PurchaseID,
		UserID:      rec.UserID,
		DiagnosisID: rec.DiagnosisID,
		Provider:    string(rec.Provider),
		Amount:      rec.Amount,
		Currency:    rec.Currency,
	}
}

func closedResult(rec *PurchaseRecord) *ReconcileResult {
	res := &ReconcileResult{Purchase: rec}
	switch rec.Status {
	case StatusCanceled:
		res.Outcome = OutcomeCanceled
		res.Message = MessageCanceled
	case StatusRefunded:
		res.Outcome = OutcomeRefunded
		res.Message = MessageRefunded
	case StatusCompleted:
		res.Outcome = OutcomeAlreadyProcessed
		res.Message = MessageCompleted
	default:
		res.Outcome = OutcomeFailed
		res.Message = MessageFailed
		if msg := rec.Metadata.String(MetaFailureMessage); msg != "" {
			res.Message = msg
		}
	}
	return res
}

// ChargeCard charges a PAY.JP card token for a pending purchase and
// reconciles with the charge result. A declined card closes the purchase as
// failed; the user has to start a new session.
func (o *Orchestrator) ChargeCard(ctx context.Context, purchaseID, token string) (res *ReconcileResult, err error) {
	if err := o.available(); err != nil {
		return nil, err
	}
	rec, err := o.purchases.GetByID(ctx, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load purchase %s: %w", purchaseID, err)
	}
	switch rec.Status {
	case StatusPending:
	case StatusCompleted:
		return &ReconcileResult{Outcome: OutcomeAlreadyProcessed, Purchase: rec, Message: MessageCompleted}, nil
	default:
		return closedResult(rec), ErrPurchaseClosed
	}

	gw, err := o.gateways.Get(rec.Provider)
	if err != nil {
		return nil, err
	}
	charger, ok := gw.(CardCharger)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot charge card tokens", ErrUnsupportedOperation, rec.Provider)
	}

	ctx, endSpan := tracing.StartSpan(ctx, "payment.charge_card",
		tracing.AttrProvider.String(string(rec.Provider)), tracing.AttrPurchaseID.String(rec.PurchaseID))
	defer func() { endSpan(err) }()

	status, err := charger.Charge(ctx, token, &SessionRequest{
		PurchaseID:  rec.PurchaseID,
		UserID:      rec.UserID,
		DiagnosisID: rec.DiagnosisID,
		Amount:      rec.Amount,
		Currency:    rec.Currency,
		ProductID:   rec.Metadata.String(MetaProductID),
		ItemName:    rec.Metadata.String(MetaProductName),
		Description: fmt.Sprintf("%s - %s", catalog.DefaultItemName, rec.DiagnosisID),
	})
	var declined *DeclinedError
	if errors.As(err, &declined) {
		return o.fail(ctx, o.logger.With(slog.String("purchase_id", rec.PurchaseID)), rec, StatusFailed, &StatusResult{
			State:          StateFailed,
			GatewayStatus:  "declined",
			FailureCode:    declined.Code,
			FailureMessage: declined.Message,
		})
	}
	if err != nil {
		o.archiveGatewayError(ctx, rec.Provider, rec.PurchaseID, err)
		return nil, fmt.Errorf("failed to charge purchase %s: %w", rec.PurchaseID, err)
	}

	return o.Reconcile(ctx, ReconcileInput{
		Provider:   rec.Provider,
		Trigger:    TriggerCharge,
		PurchaseID: rec.PurchaseID,
		Status:     status,
	})
}

// HandleNotification verifies and applies a webhook delivery. Events are
// deduplicated by provider event id and recorded only after they moved the
// purchase to a terminal state, so a failed or premature delivery is retried
// in full.
func (o *Orchestrator) HandleNotification(ctx context.Context, provider Provider, header http.Header, body []byte) (res *ReconcileResult, err error) {
	if err := o.available(); err != nil {
		return nil, err
	}
	gw, err := o.gateways.Get(provider)
	if err != nil {
		return nil, err
	}

	ctx, endSpan := tracing.StartSpan(ctx, "payment.handle_notification",
		tracing.AttrProvider.String(string(provider)))
	defer func() { endSpan(err) }()

	n, err := gw.ParseNotification(ctx, header, body)
	if err != nil {
		o.archive(ctx, archive.KindWebhook, provider, "unparsed", body)
		return nil, err
	}
	o.archive(ctx, archive.KindWebhook, provider, n.EventID, body)

	logger := o.logger.With(
		slog.String("provider", string(provider)),
		slog.String("event_id", n.EventID),
		slog.String("event_type", n.EventType))

	processed, err := o.webhooks.HasProcessed(ctx, provider, n.EventID)
	if err != nil {
		logger.WarnContext(ctx, "failed to check webhook event log", slog.String("error", err.Error()))
	}
	if processed {
		logger.InfoContext(ctx, "webhook event already processed")
		return &ReconcileResult{Outcome: OutcomeAlreadyProcessed}, nil
	}

	in := ReconcileInput{
		Provider:      provider,
		Trigger:       TriggerWebhook,
		PurchaseID:    n.PurchaseID,
		CorrelationID: n.CorrelationID,
	}
	if n.Verified {
		status := n.Status
		in.Status = &status
	}

	res, err = o.Reconcile(ctx, in)
	if errors.Is(err, ErrPurchaseNotFound) {
		res, err = o.reconcileLate(ctx, logger, n, in)
	}
	if err != nil {
		return res, err
	}

	if res != nil && res.StillPending() {
		// The gateway has not confirmed a terminal state yet; a redelivery of
		// this event has to be reconciled again.
		logger.InfoContext(ctx, "webhook left purchase pending, event not recorded")
		return res, nil
	}

	if err := o.webhooks.RecordEvent(ctx, provider, n.EventID, n.EventType); err != nil && !errors.Is(err, ErrEventAlreadyProcessed) {
		logger.WarnContext(ctx, "failed to record webhook event", slog.String("error", err.Error()))
	}
	return res, nil
}

// reconcileLate handles a webhook that arrived before its purchase row. When
// the payload identifies the user and diagnosis a pending row is inserted and
// reconciled; otherwise the event is left for manual reconciliation.
func (o *Orchestrator) reconcileLate(ctx context.Context, logger *slog.Logger, n *Notification, in ReconcileInput) (*ReconcileResult, error) {
	if n.UserID == "" || n.DiagnosisID == "" || n.Status.State != StateSucceeded {
		logger.WarnContext(ctx, "webhook does not match any purchase",
			slog.String("correlation_id", n.CorrelationID),
			slog.String("purchase_id", n.PurchaseID))
		return nil, fmt.Errorf("%w: %s event %s", ErrPurchaseNotFound, n.Provider, n.EventID)
	}

	purchaseID := n.PurchaseID
	if purchaseID == "" {
		purchaseID = NewPurchaseID(o.now())
	}
	md := Metadata{MetaLateRecord: true}
	if n.CorrelationID != "" {
		md[MetaCorrelationID] = n.CorrelationID
	}
	amount := n.Amount
	if amount == 0 {
		amount = n.Status.Amount
	}
	currency := n.Status.Currency
	if currency == "" {
		currency = o.currency
	}
	record := &PurchaseRecord{
		PurchaseID:  purchaseID,
		UserID:      n.UserID,
		DiagnosisID: n.DiagnosisID,
		Provider:    n.Provider,
		Amount:      amount,
		Currency:    currency,
		Status:      StatusPending,
		Metadata:    md,
	}
	if err := o.purchases.Create(ctx, record); err != nil && !errors.Is(err, ErrDuplicatePurchase) {
		return nil, fmt.Errorf("failed to insert late purchase %s: %w", purchaseID, err)
	}
	logger.InfoContext(ctx, "inserted purchase for early webhook", slog.String("purchase_id", purchaseID))

	in.PurchaseID = purchaseID
	return o.Reconcile(ctx, in)
}

// archiveGatewayError stores the raw body of a provider error response.
func (o *Orchestrator) archiveGatewayError(ctx context.Context, provider Provider, purchaseID string, err error) {
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || len(gwErr.Body) == 0 {
		return
	}
	o.archive(ctx, archive.KindGatewayError, provider, purchaseID, gwErr.Body)
}

func (o *Orchestrator) archive(ctx context.Context, kind string, provider Provider, reference string, body []byte) {
	if len(body) == 0 {
		return
	}
	if _, err := o.archiver.Archive(ctx, archive.Payload{
		Kind:      kind,
		Provider:  string(provider),
		Reference: reference,
		Body:      body,
	}); err != nil {
		o.logger.WarnContext(ctx, "failed to archive raw payload",
			slog.String("kind", kind),
			slog.String("provider", string(provider)),
			slog.String("reference", reference),
			slog.String("error", err.Error()))
	}
}
