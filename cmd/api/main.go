// Package main is the entry point for the payment API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/otsukisama/internal/access"
	"github.com/onnwee/otsukisama/internal/catalog"
	"github.com/onnwee/otsukisama/internal/config"
	"github.com/onnwee/otsukisama/internal/db"
	"github.com/onnwee/otsukisama/internal/health"
	"github.com/onnwee/otsukisama/internal/middleware"
	"github.com/onnwee/otsukisama/internal/payment"
	"github.com/onnwee/otsukisama/internal/tracing"
	"github.com/onnwee/otsukisama/migrations"
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "optional YAML config file; environment variables take precedence")
	flag.Parse()

	if *help {
		fmt.Println("Otsukisama Payment API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	logger := middleware.NewLogger(envOf(cfg))
	slog.SetDefault(logger)
	if len(errs) > 0 {
		for _, err := range errs {
			logger.Error("invalid configuration", "error", err)
		}
		os.Exit(1)
	}
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func envOf(cfg *config.Config) string {
	if cfg == nil {
		return config.DefaultEnv
	}
	return cfg.Env
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:  serviceName,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporterType,
		OTLPEndpoint: cfg.TracingOTLPEndpoint,
		SamplingRate: cfg.TracingSampleRate,
		InsecureMode: cfg.TracingInsecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to flush traces", "error", err)
		}
	}()

	conn, err := db.Open(ctx, cfg.DatabaseURL, db.DefaultPoolConfig)
	if err != nil {
		return err
	}
	defer conn.Close()

	if cfg.RunMigrations {
		if err := db.Migrate(ctx, conn, migrations.FS, logger); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
	}

	grants := access.NewPostgresStore(conn, logger)
	deps := dependencies{
		purchases: payment.NewPostgresPurchaseStore(conn, logger),
		grants:    grants,
		webhooks:  payment.NewPostgresWebhookRepository(conn, logger),
		catalog:   catalog.NewPostgresCatalog(conn, logger),
		components: []health.Component{
			{Name: "database", Checker: health.NewDBChecker(conn), Critical: true},
		},
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		deps.redis = rdb
		deps.components = append(deps.components, health.Component{Name: "redis", Checker: health.NewRedisChecker(rdb), Critical: true})
	}

	app, err := newApplication(cfg, deps, logger)
	if err != nil {
		return err
	}

	bgCtx, cancelBackground := context.WithCancel(ctx)
	defer cancelBackground()
	if err := app.startBackground(bgCtx, logger); err != nil {
		return err
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      app.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	app.stopBackground()
	cancelBackground()
	return nil
}
