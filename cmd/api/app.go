package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/otsukisama/internal/access"
	"github.com/onnwee/otsukisama/internal/api"
	"github.com/onnwee/otsukisama/internal/archive"
	"github.com/onnwee/otsukisama/internal/auth"
	"github.com/onnwee/otsukisama/internal/catalog"
	"github.com/onnwee/otsukisama/internal/config"
	"github.com/onnwee/otsukisama/internal/health"
	"github.com/onnwee/otsukisama/internal/idempotency"
	"github.com/onnwee/otsukisama/internal/jobs"
	"github.com/onnwee/otsukisama/internal/middleware"
	"github.com/onnwee/otsukisama/internal/notify"
	"github.com/onnwee/otsukisama/internal/payment"
	"github.com/onnwee/otsukisama/internal/reconcile"
)

const serviceName = "otsukisama-payments"

// dependencies are the stores and clients opened by main. Tests pass
// in-memory stores.
type dependencies struct {
	purchases payment.PurchaseStore
	grants    access.Store
	webhooks  payment.WebhookRepository
	catalog   catalog.Catalog
	// redis is nil when REDIS_URL is unset.
	redis redis.Cmdable
	// components are the critical readiness checks (database, redis).
	components []health.Component
	// gatewayHTTP overrides the HTTP client used for PayPay and PAY.JP.
	gatewayHTTP *http.Client
	// paypayBaseURL overrides the PayPay host.
	paypayBaseURL string
}

// application is the wired server and the background work it owns.
type application struct {
	handler      http.Handler
	orchestrator *payment.Orchestrator
	job          *reconcile.Job
	registry     *prometheus.Registry

	idempotency idempotency.Repository
	rateStore   *middleware.InMemoryRateLimitStore // nil when limits live in Redis
}

func newApplication(cfg *config.Config, deps dependencies, logger *slog.Logger) (*application, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	httpMetrics := middleware.NewMetrics()
	paymentMetrics := payment.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	for _, m := range []interface{ Register(prometheus.Registerer) error }{httpMetrics, paymentMetrics, jobMetrics} {
		if err := m.Register(registry); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	gateways, err := newGateways(cfg, deps, paymentMetrics, logger)
	if err != nil {
		return nil, err
	}

	sink := newSink(cfg, deps.redis, logger)
	archiver, err := newArchiver(cfg, logger)
	if err != nil {
		return nil, err
	}
	prices := catalog.WithFallback(deps.catalog, logger)
	tokens := auth.NewJWTServiceWithRotation(cfg.RedirectTokenSecret, cfg.RedirectTokenPreviousSecret)

	orch, err := payment.NewOrchestrator(payment.OrchestratorConfig{
		Gateways:    payment.NewRegistry(gateways...),
		Purchases:   deps.purchases,
		Grants:      deps.grants,
		Webhooks:    deps.webhooks,
		Catalog:     prices,
		Sink:        sink,
		Archiver:    archiver,
		Tokens:      tokens,
		Metrics:     paymentMetrics,
		Logger:      logger,
		BaseURL:     cfg.BaseURL,
		SuccessPath: cfg.SuccessPath,
		CancelPath:  cfg.CancelPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payment orchestrator: %w", err)
	}

	job := reconcile.NewJob(reconcile.JobConfig{
		Interval:   cfg.ReconcileInterval,
		Logger:     logger,
		JobMetrics: jobMetrics,
	}, deps.purchases, deps.grants, orch, sink)

	app := &application{orchestrator: orch, job: job, registry: registry}

	var limits middleware.RateLimitStore
	if deps.redis != nil {
		limits = middleware.NewRedisRateLimitStore(deps.redis, httpMetrics, logger)
		app.idempotency = idempotency.NewRedisRepository(deps.redis, idempotency.DefaultExpiry)
	} else {
		app.rateStore = middleware.NewInMemoryRateLimitStore()
		limits = app.rateStore
		app.idempotency = idempotency.NewInMemoryRepository()
	}
	perMinute := func(n int) middleware.RateLimitConfig {
		return middleware.RateLimitConfig{RequestsPerWindow: n, WindowDuration: time.Minute}
	}
	keyFunc := middleware.IPKeyFunc()
	sessionLimit := middleware.RateLimiter(limits, middleware.ScopeSession, perMinute(cfg.RateLimitSession), keyFunc, httpMetrics)
	statusLimit := middleware.RateLimiter(limits, middleware.ScopeStatus, perMinute(cfg.RateLimitStatus), keyFunc, httpMetrics)
	globalLimit := middleware.RateLimiter(limits, middleware.ScopeGlobal, perMinute(cfg.RateLimitGlobal), keyFunc, httpMetrics)
	replay := middleware.Idempotency(app.idempotency, map[string]bool{"/api/payments/{provider}/session": true}, httpMetrics)

	components := append([]health.Component{}, deps.components...)
	for _, gw := range gateways {
		if c, ok := gw.(health.Checker); ok {
			components = append(components, health.Component{Name: string(gw.Provider()), Checker: c})
		}
	}

	router := api.NewRouter(api.RouterConfig{
		Payments: api.NewPaymentHandlers(orch, tokens),
		Webhooks: api.NewWebhookHandlers(orch),
		Access:   api.NewAccessHandlers(deps.grants, prices),
		Health:   api.NewHealthHandlers(components, 0),
		Metrics:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		SessionGuard: func(next http.Handler) http.Handler {
			return sessionLimit(replay(next))
		},
		StatusGuard: statusLimit,
	})

	// RequestID -> Tracing -> Logging -> HTTPMetrics -> CORS -> RateLimit -> router
	var handler http.Handler = router
	handler = globalLimit(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig(cfg.CORSOrigins))(handler)
	handler = middleware.HTTPMetrics(httpMetrics)(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.Tracing(serviceName)(handler)
	app.handler = middleware.RequestID(handler)

	return app, nil
}

// newGateways builds PayPay and whichever optional providers are configured.
func newGateways(cfg *config.Config, deps dependencies, metrics *payment.Metrics, logger *slog.Logger) ([]payment.Gateway, error) {
	paypay, err := payment.NewPayPayGateway(payment.PayPayConfig{
		ClientID:      cfg.PayPayAPIKey,
		Secret:        cfg.PayPayAPISecret,
		MerchantID:    cfg.PayPayMerchantID,
		Production:    cfg.PayPayProduction,
		BaseURL:       deps.paypayBaseURL,
		WebhookSecret: cfg.PayPayWebhookSecret,
		Timeout:       cfg.GatewayTimeout,
		HTTPClient:    deps.gatewayHTTP,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure PayPay: %w", err)
	}
	gateways := []payment.Gateway{paypay}

	if cfg.PayJPEnabled() {
		payjp, err := payment.NewPayJPGateway(payment.PayJPConfig{
			SecretKey:    cfg.PayJPSecretKey,
			CheckoutURL:  cfg.PayJPCheckoutURL,
			WebhookToken: cfg.PayJPWebhookToken,
			Timeout:      cfg.GatewayTimeout,
			HTTPClient:   deps.gatewayHTTP,
			Metrics:      metrics,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure PAY.JP: %w", err)
		}
		gateways = append(gateways, payjp)
	}

	if cfg.StripeEnabled() {
		stripe, err := payment.NewStripeGateway(payment.StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			Timeout:       cfg.GatewayTimeout,
			Metrics:       metrics,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure Stripe: %w", err)
		}
		gateways = append(gateways, stripe)
	}
	return gateways, nil
}

// newSink sends completion notices to LINE at most once per purchase. The
// claim lives in Redis when available so several instances agree.
func newSink(cfg *config.Config, rdb redis.Cmdable, logger *slog.Logger) notify.Sink {
	if !cfg.LineEnabled() {
		return notify.NopSink{}
	}
	messenger, err := notify.NewLineMessenger(cfg.LineChannelAccessToken, "")
	if err != nil {
		logger.Error("LINE notifications disabled", "error", err)
		return notify.NopSink{}
	}
	line := notify.NewLineSink(messenger, notify.LineConfig{
		PremiumRichMenuID: cfg.LinePremiumRichMenuID,
		DefaultRichMenuID: cfg.LineDefaultRichMenuID,
		ResultURL:         cfg.LineResultURL,
		Logger:            logger,
	})

	var guard notify.Guard = notify.NewMemoryGuard()
	if rdb != nil {
		guard = notify.NewRedisGuard(rdb, notify.DefaultClaimTTL)
	}
	return notify.NewOnceSink(line, guard, logger)
}

func newArchiver(cfg *config.Config, logger *slog.Logger) (archive.Archiver, error) {
	if !cfg.ArchiveEnabled() {
		return archive.NopArchiver{}, nil
	}
	a, err := archive.NewS3Archiver(archive.Config{
		BucketName:      cfg.ArchiveBucket,
		AccessKeyID:     cfg.ArchiveAccessKeyID,
		SecretAccessKey: cfg.ArchiveSecretAccessKey,
		Endpoint:        cfg.ArchiveEndpoint,
		Region:          cfg.ArchiveRegion,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure payload archive: %w", err)
	}
	return a, nil
}

// startBackground runs the reconcile job and cache cleanup until ctx is done.
func (a *application) startBackground(ctx context.Context, logger *slog.Logger) error {
	if err := a.job.Start(ctx); err != nil {
		return fmt.Errorf("failed to start reconcile job: %w", err)
	}
	if a.rateStore != nil {
		go a.rateStore.RunCleanup(ctx, time.Minute)
	}
	go idempotency.RunPeriodicCleanup(ctx, a.idempotency, time.Hour, idempotency.DefaultExpiry, logger)
	return nil
}

func (a *application) stopBackground() {
	a.job.Stop()
}
