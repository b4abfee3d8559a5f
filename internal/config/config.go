// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/onnwee/otsukisama/internal/validate"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database
	DatabaseURL string `koanf:"database_url"`

	// Public origin used to build payment return URLs
	BaseURL     string `koanf:"base_url"`
	SuccessPath string `koanf:"success_path"`
	CancelPath  string `koanf:"cancel_path"`

	// Redirect context token signing. The previous secret is accepted for
	// verification during rotation.
	RedirectTokenSecret         string `koanf:"redirect_token_secret"`
	RedirectTokenPreviousSecret string `koanf:"redirect_token_previous_secret"`

	// PayPay (required)
	PayPayAPIKey        string `koanf:"paypay_api_key"`
	PayPayAPISecret     string `koanf:"paypay_api_secret"`
	PayPayMerchantID    string `koanf:"paypay_merchant_id"`
	PayPayProduction    bool   `koanf:"paypay_production"`
	PayPayWebhookSecret string `koanf:"paypay_webhook_secret"`

	// PAY.JP (optional group)
	PayJPSecretKey    string `koanf:"payjp_secret_key"`
	PayJPWebhookToken string `koanf:"payjp_webhook_token"`
	PayJPCheckoutURL  string `koanf:"payjp_checkout_url"`

	// Stripe (optional group)
	StripeSecretKey     string `koanf:"stripe_secret_key"`
	StripeWebhookSecret string `koanf:"stripe_webhook_secret"`

	// Gateway call timeout
	GatewayTimeout time.Duration `koanf:"gateway_timeout"`

	// LINE (optional group)
	LineChannelAccessToken string `koanf:"line_channel_access_token"`
	LinePremiumRichMenuID  string `koanf:"line_premium_rich_menu_id"`
	LineDefaultRichMenuID  string `koanf:"line_default_rich_menu_id"`
	LineResultURL          string `koanf:"line_result_url"`

	// Redis (optional): shared rate limits, idempotency cache, notification guard
	RedisURL string `koanf:"redis_url"`

	// Raw payload archive on an S3-compatible bucket (optional group)
	ArchiveBucket          string `koanf:"archive_bucket"`
	ArchiveAccessKeyID     string `koanf:"archive_access_key_id"`
	ArchiveSecretAccessKey string `koanf:"archive_secret_access_key"`
	ArchiveEndpoint        string `koanf:"archive_endpoint"`
	ArchiveRegion          string `koanf:"archive_region"`

	// Tracing
	TracingEnabled      bool    `koanf:"tracing_enabled"`
	TracingExporterType string  `koanf:"tracing_exporter_type"`
	TracingOTLPEndpoint string  `koanf:"tracing_otlp_endpoint"`
	TracingSampleRate   float64 `koanf:"tracing_sample_rate"`
	TracingInsecure     bool    `koanf:"tracing_insecure"`

	// Rate limits, requests per minute per client
	RateLimitGlobal  int `koanf:"rate_limit_global"`
	RateLimitSession int `koanf:"rate_limit_session"`
	RateLimitStatus  int `koanf:"rate_limit_status"`

	// CORS allowed origins (LIFF front-end)
	CORSOrigins []string `koanf:"cors_origins"`

	// Background reconciliation
	ReconcileInterval time.Duration `koanf:"reconcile_interval"`
	RunMigrations     bool          `koanf:"run_migrations"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL         = errors.New("DATABASE_URL is required")
	ErrMissingBaseURL             = errors.New("BASE_URL is required")
	ErrInvalidBaseURL             = errors.New("BASE_URL must be an absolute http(s) URL")
	ErrInvalidLinkURL             = errors.New("customer-facing URL must be public https")
	ErrMissingRedirectTokenSecret = errors.New("REDIRECT_TOKEN_SECRET is required")
	ErrShortRedirectTokenSecret   = errors.New("REDIRECT_TOKEN_SECRET must be at least 32 bytes")
	ErrMissingPayPayAPIKey        = errors.New("PAYPAY_API_KEY is required")
	ErrMissingPayPayAPISecret     = errors.New("PAYPAY_API_SECRET is required")
	ErrMissingPayPayMerchantID    = errors.New("PAYPAY_MERCHANT_ID is required")
	ErrMissingPayJPSecretKey      = errors.New("PAYJP_SECRET_KEY is required when PAY.JP is configured")
	ErrMissingPayJPWebhookToken   = errors.New("PAYJP_WEBHOOK_TOKEN is required when PAY.JP is configured")
	ErrMissingStripeSecretKey     = errors.New("STRIPE_SECRET_KEY is required when Stripe is configured")
	ErrMissingStripeWebhookSecret = errors.New("STRIPE_WEBHOOK_SECRET is required when Stripe is configured")
	ErrMissingLineChannelToken    = errors.New("LINE_CHANNEL_ACCESS_TOKEN is required when LINE is configured")
	ErrInvalidRedisURL            = errors.New("REDIS_URL is not a valid redis URL")
	ErrMissingArchiveBucket       = errors.New("ARCHIVE_BUCKET is required when the archive is configured")
	ErrMissingArchiveAccessKeyID  = errors.New("ARCHIVE_ACCESS_KEY_ID is required when the archive is configured")
	ErrMissingArchiveSecretKey    = errors.New("ARCHIVE_SECRET_ACCESS_KEY is required when the archive is configured")
	ErrMissingArchiveEndpoint     = errors.New("ARCHIVE_ENDPOINT is required when the archive is configured")
	ErrInvalidTracingExporter     = errors.New("TRACING_EXPORTER_TYPE must be otlp-http or otlp-grpc")
	ErrInvalidTracingSampleRate   = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidRateLimit           = errors.New("rate limits must be positive")
	ErrInvalidValue               = errors.New("invalid configuration value")
)

// Default values for non-secret configuration.
const (
	DefaultPort              = 8080
	DefaultEnv               = "development"
	DefaultSuccessPath       = "/payment-success.html"
	DefaultCancelPath        = "/payment-cancel.html"
	DefaultGatewayTimeout    = 10 * time.Second
	DefaultTracingExporter   = "otlp-http"
	DefaultTracingSampleRate = 0.1
	DefaultRateLimitGlobal   = 120
	DefaultRateLimitSession  = 10
	DefaultRateLimitStatus   = 60
	DefaultReconcileInterval = 5 * time.Minute
	MinRedirectSecretLength  = 32
)

// loader reads one setting from the environment first, then the file.
type loader struct {
	k    *koanf.Koanf
	errs []error
}

func (l *loader) raw(envKey, key string) (any, bool) {
	if val := os.Getenv(envKey); val != "" {
		return val, true
	}
	if l.k.Exists(key) {
		return l.k.Get(key), true
	}
	return nil, false
}

func (l *loader) string(envKey, key, def string) string {
	v, ok := l.raw(envKey, key)
	if !ok {
		return def
	}
	s := strings.TrimSpace(cast.ToString(v))
	if s == "" {
		return def
	}
	return s
}

func (l *loader) int(envKey, key string, def int) int {
	v, ok := l.raw(envKey, key)
	if !ok {
		return def
	}
	i, err := cast.ToIntE(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s must be a valid integer: %w", envKey, ErrInvalidValue))
		return def
	}
	return i
}

func (l *loader) bool(envKey, key string, def bool) bool {
	v, ok := l.raw(envKey, key)
	if !ok {
		return def
	}
	if s, isString := v.(string); isString {
		switch strings.ToLower(s) {
		case "yes", "on":
			return true
		case "no", "off":
			return false
		}
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s must be a boolean: %w", envKey, ErrInvalidValue))
		return def
	}
	return b
}

func (l *loader) float(envKey, key string, def float64) float64 {
	v, ok := l.raw(envKey, key)
	if !ok {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s must be a number: %w", envKey, ErrInvalidValue))
		return def
	}
	return f
}

func (l *loader) duration(envKey, key string, def time.Duration) time.Duration {
	v, ok := l.raw(envKey, key)
	if !ok {
		return def
	}
	d, err := cast.ToDurationE(v)
	if err != nil || d <= 0 {
		l.errs = append(l.errs, fmt.Errorf("%s must be a positive duration: %w", envKey, ErrInvalidValue))
		return def
	}
	return d
}

// list accepts a comma separated env value or a YAML sequence.
func (l *loader) list(envKey, key string) []string {
	v, ok := l.raw(envKey, key)
	if !ok {
		return nil
	}
	var items []string
	if s, isString := v.(string); isString {
		items = strings.Split(s, ",")
	} else {
		items = cast.ToStringSlice(v)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}
	l := &loader{k: k}

	cfg := &Config{
		Port:        l.int("PORT", "port", DefaultPort),
		Env:         firstNonEmpty(os.Getenv("APP_ENV"), os.Getenv("ENV"), l.string("GO_ENV", "env", DefaultEnv)),
		DatabaseURL: l.string("DATABASE_URL", "database_url", ""),

		BaseURL:     strings.TrimRight(l.string("BASE_URL", "base_url", ""), "/"),
		SuccessPath: l.string("PAYMENT_SUCCESS_PATH", "success_path", DefaultSuccessPath),
		CancelPath:  l.string("PAYMENT_CANCEL_PATH", "cancel_path", DefaultCancelPath),

		RedirectTokenSecret:         l.string("REDIRECT_TOKEN_SECRET", "redirect_token_secret", ""),
		RedirectTokenPreviousSecret: l.string("REDIRECT_TOKEN_PREVIOUS_SECRET", "redirect_token_previous_secret", ""),

		PayPayAPIKey:        l.string("PAYPAY_API_KEY", "paypay_api_key", ""),
		PayPayAPISecret:     l.string("PAYPAY_API_SECRET", "paypay_api_secret", ""),
		PayPayMerchantID:    l.string("PAYPAY_MERCHANT_ID", "paypay_merchant_id", ""),
		PayPayProduction:    l.bool("PAYPAY_PRODUCTION", "paypay_production", false),
		PayPayWebhookSecret: l.string("PAYPAY_WEBHOOK_SECRET", "paypay_webhook_secret", ""),

		PayJPSecretKey:    l.string("PAYJP_SECRET_KEY", "payjp_secret_key", ""),
		PayJPWebhookToken: l.string("PAYJP_WEBHOOK_TOKEN", "payjp_webhook_token", ""),
		PayJPCheckoutURL:  l.string("PAYJP_CHECKOUT_URL", "payjp_checkout_url", ""),

		StripeSecretKey:     l.string("STRIPE_SECRET_KEY", "stripe_secret_key", ""),
		StripeWebhookSecret: l.string("STRIPE_WEBHOOK_SECRET", "stripe_webhook_secret", ""),

		GatewayTimeout: l.duration("GATEWAY_TIMEOUT", "gateway_timeout", DefaultGatewayTimeout),

		LineChannelAccessToken: l.string("LINE_CHANNEL_ACCESS_TOKEN", "line_channel_access_token", ""),
		LinePremiumRichMenuID:  l.string("LINE_PREMIUM_RICH_MENU_ID", "line_premium_rich_menu_id", ""),
		LineDefaultRichMenuID:  l.string("LINE_DEFAULT_RICH_MENU_ID", "line_default_rich_menu_id", ""),
		LineResultURL:          l.string("LINE_RESULT_URL", "line_result_url", ""),

		RedisURL: l.string("REDIS_URL", "redis_url", ""),

		ArchiveBucket:          l.string("ARCHIVE_BUCKET", "archive_bucket", ""),
		ArchiveAccessKeyID:     l.string("ARCHIVE_ACCESS_KEY_ID", "archive_access_key_id", ""),
		ArchiveSecretAccessKey: l.string("ARCHIVE_SECRET_ACCESS_KEY", "archive_secret_access_key", ""),
		ArchiveEndpoint:        l.string("ARCHIVE_ENDPOINT", "archive_endpoint", ""),
		ArchiveRegion:          l.string("ARCHIVE_REGION", "archive_region", ""),

		TracingEnabled:      l.bool("TRACING_ENABLED", "tracing_enabled", false),
		TracingExporterType: l.string("TRACING_EXPORTER_TYPE", "tracing_exporter_type", DefaultTracingExporter),
		TracingOTLPEndpoint: l.string("TRACING_OTLP_ENDPOINT", "tracing_otlp_endpoint", ""),
		TracingSampleRate:   l.float("TRACING_SAMPLE_RATE", "tracing_sample_rate", DefaultTracingSampleRate),
		TracingInsecure:     l.bool("TRACING_INSECURE", "tracing_insecure", false),

		RateLimitGlobal:  l.int("RATE_LIMIT_GLOBAL", "rate_limit_global", DefaultRateLimitGlobal),
		RateLimitSession: l.int("RATE_LIMIT_SESSION", "rate_limit_session", DefaultRateLimitSession),
		RateLimitStatus:  l.int("RATE_LIMIT_STATUS", "rate_limit_status", DefaultRateLimitStatus),

		CORSOrigins: l.list("CORS_ALLOWED_ORIGINS", "cors_origins"),

		ReconcileInterval: l.duration("RECONCILE_INTERVAL", "reconcile_interval", DefaultReconcileInterval),
		RunMigrations:     l.bool("RUN_MIGRATIONS", "run_migrations", false),
	}

	// Validate and collect errors
	errs := append(l.errs, cfg.Validate()...)
	return cfg, errs
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Validate checks that all required configuration values are present.
// Optional groups are all-or-nothing: setting any value of a group requires
// the rest of it.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.BaseURL == "" {
		errs = append(errs, ErrMissingBaseURL)
	} else if _, err := validate.URL(c.BaseURL, validate.ReturnURLConstraints); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidBaseURL, err))
	}
	switch {
	case c.RedirectTokenSecret == "":
		errs = append(errs, ErrMissingRedirectTokenSecret)
	case len(c.RedirectTokenSecret) < MinRedirectSecretLength:
		errs = append(errs, ErrShortRedirectTokenSecret)
	}

	if c.PayPayAPIKey == "" {
		errs = append(errs, ErrMissingPayPayAPIKey)
	}
	if c.PayPayAPISecret == "" {
		errs = append(errs, ErrMissingPayPayAPISecret)
	}
	if c.PayPayMerchantID == "" {
		errs = append(errs, ErrMissingPayPayMerchantID)
	}

	if c.PayJPEnabled() || c.PayJPCheckoutURL != "" {
		if c.PayJPSecretKey == "" {
			errs = append(errs, ErrMissingPayJPSecretKey)
		}
		if c.PayJPWebhookToken == "" {
			errs = append(errs, ErrMissingPayJPWebhookToken)
		}
	}

	if c.StripeSecretKey != "" || c.StripeWebhookSecret != "" {
		if c.StripeSecretKey == "" {
			errs = append(errs, ErrMissingStripeSecretKey)
		}
		if c.StripeWebhookSecret == "" {
			errs = append(errs, ErrMissingStripeWebhookSecret)
		}
	}

	for name, link := range map[string]string{"PAYJP_CHECKOUT_URL": c.PayJPCheckoutURL, "LINE_RESULT_URL": c.LineResultURL} {
		if link == "" {
			continue
		}
		if _, err := validate.URL(link, validate.LinkURLConstraints); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %v", ErrInvalidLinkURL, name, err))
		}
	}

	if c.LinePremiumRichMenuID != "" || c.LineDefaultRichMenuID != "" || c.LineResultURL != "" {
		if c.LineChannelAccessToken == "" {
			errs = append(errs, ErrMissingLineChannelToken)
		}
	}

	if c.RedisURL != "" {
		if _, err := redis.ParseURL(c.RedisURL); err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidRedisURL, err))
		}
	}

	if c.ArchiveBucket != "" || c.ArchiveAccessKeyID != "" || c.ArchiveSecretAccessKey != "" || c.ArchiveEndpoint != "" {
		if c.ArchiveBucket == "" {
			errs = append(errs, ErrMissingArchiveBucket)
		}
		if c.ArchiveAccessKeyID == "" {
			errs = append(errs, ErrMissingArchiveAccessKeyID)
		}
		if c.ArchiveSecretAccessKey == "" {
			errs = append(errs, ErrMissingArchiveSecretKey)
		}
		if c.ArchiveEndpoint == "" {
			errs = append(errs, ErrMissingArchiveEndpoint)
		}
	}

	if c.TracingEnabled {
		if c.TracingExporterType != "otlp-http" && c.TracingExporterType != "otlp-grpc" {
			errs = append(errs, ErrInvalidTracingExporter)
		}
		if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
			errs = append(errs, ErrInvalidTracingSampleRate)
		}
	}

	if c.RateLimitGlobal <= 0 || c.RateLimitSession <= 0 || c.RateLimitStatus <= 0 {
		errs = append(errs, ErrInvalidRateLimit)
	}

	return errs
}

// PayJPEnabled reports whether the PAY.JP gateway should be registered.
func (c *Config) PayJPEnabled() bool {
	return c.PayJPSecretKey != "" || c.PayJPWebhookToken != ""
}

// StripeEnabled reports whether the Stripe gateway should be registered.
func (c *Config) StripeEnabled() bool {
	return c.StripeSecretKey != "" && c.StripeWebhookSecret != ""
}

// LineEnabled reports whether purchase notifications go to LINE.
func (c *Config) LineEnabled() bool {
	return c.LineChannelAccessToken != ""
}

// ArchiveEnabled reports whether raw gateway payloads are archived.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveBucket != "" && c.ArchiveAccessKeyID != "" && c.ArchiveSecretAccessKey != "" && c.ArchiveEndpoint != ""
}

// IsProduction reports whether the server runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                      fmt.Sprintf("%d", c.Port),
		"env":                       c.Env,
		"database_url":              maskDatabaseURL(c.DatabaseURL),
		"base_url":                  c.BaseURL,
		"redirect_token_secret":     maskSecret(c.RedirectTokenSecret),
		"paypay_api_key":            maskSecret(c.PayPayAPIKey),
		"paypay_api_secret":         maskSecret(c.PayPayAPISecret),
		"paypay_merchant_id":        c.PayPayMerchantID,
		"paypay_production":         fmt.Sprintf("%t", c.PayPayProduction),
		"payjp_secret_key":          maskPrefixedKey(c.PayJPSecretKey),
		"stripe_secret_key":         maskPrefixedKey(c.StripeSecretKey),
		"stripe_webhook_secret":     maskSecret(c.StripeWebhookSecret),
		"line_channel_access_token": maskSecret(c.LineChannelAccessToken),
		"redis_url":                 maskDatabaseURL(c.RedisURL),
		"archive_bucket":            c.ArchiveBucket,
		"archive_access_key_id":     maskSecret(c.ArchiveAccessKeyID),
		"archive_secret_access_key": maskSecret(c.ArchiveSecretAccessKey),
		"archive_endpoint":          c.ArchiveEndpoint,
		"tracing_enabled":           fmt.Sprintf("%t", c.TracingEnabled),
		"cors_origins":              strings.Join(c.CORSOrigins, ","),
		"reconcile_interval":        c.ReconcileInterval.String(),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskPrefixedKey keeps the sk_live_/sk_test_ prefix used by Stripe and PAY.JP keys.
func maskPrefixedKey(s string) string {
	if s == "" {
		return "<not set>"
	}
	parts := strings.SplitN(s, "_", 3)
	if len(parts) == 3 {
		return parts[0] + "_" + parts[1] + "_****"
	}
	return maskSecret(s)
}

// maskDatabaseURL masks the password in a connection URL (postgres, redis).
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	return s[:schemeEnd+3] + rest[:colonIndex] + ":****" + rest[atIndex:]
}
