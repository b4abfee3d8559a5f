package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var requiredEnv = map[string]string{
	"DATABASE_URL":          "postgres://app:pw@localhost/otsukisama",
	"BASE_URL":              "https://otsukisama.example/",
	"REDIRECT_TOKEN_SECRET": "0123456789abcdef0123456789abcdef",
	"PAYPAY_API_KEY":        "a_key_123",
	"PAYPAY_API_SECRET":     "a_secret_123",
	"PAYPAY_MERCHANT_ID":    "m-1",
}

var optionalEnv = []string{
	"PORT", "APP_ENV", "ENV", "GO_ENV",
	"PAYJP_SECRET_KEY", "PAYJP_WEBHOOK_TOKEN", "PAYJP_CHECKOUT_URL",
	"STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET",
	"LINE_CHANNEL_ACCESS_TOKEN", "LINE_PREMIUM_RICH_MENU_ID", "LINE_DEFAULT_RICH_MENU_ID", "LINE_RESULT_URL",
	"REDIS_URL", "ARCHIVE_BUCKET", "ARCHIVE_ACCESS_KEY_ID", "ARCHIVE_SECRET_ACCESS_KEY", "ARCHIVE_ENDPOINT",
	"TRACING_ENABLED", "TRACING_EXPORTER_TYPE", "TRACING_SAMPLE_RATE",
	"RATE_LIMIT_GLOBAL", "RATE_LIMIT_SESSION", "RATE_LIMIT_STATUS",
	"CORS_ALLOWED_ORIGINS", "GATEWAY_TIMEOUT", "RECONCILE_INTERVAL", "PAYPAY_PRODUCTION",
}

// setEnv sets vars for the duration of the test and clears every other
// variable Load reads.
func setEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for k := range requiredEnv {
		t.Setenv(k, "")
	}
	for _, k := range optionalEnv {
		t.Setenv(k, "")
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func withRequired(extra map[string]string) map[string]string {
	out := make(map[string]string, len(requiredEnv)+len(extra))
	for k, v := range requiredEnv {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func TestLoad_MissingMandatory(t *testing.T) {
	tests := []struct {
		name      string
		env       map[string]string
		wantCount int
		wantErr   error
	}{
		{"nothing set", map[string]string{}, 6, ErrMissingDatabaseURL},
		{"missing merchant", withRequired(map[string]string{"PAYPAY_MERCHANT_ID": ""}), 1, ErrMissingPayPayMerchantID},
		{"missing token secret", withRequired(map[string]string{"REDIRECT_TOKEN_SECRET": ""}), 1, ErrMissingRedirectTokenSecret},
		{"short token secret", withRequired(map[string]string{"REDIRECT_TOKEN_SECRET": "short"}), 1, ErrShortRedirectTokenSecret},
		{"relative base url", withRequired(map[string]string{"BASE_URL": "otsukisama.example"}), 1, ErrInvalidBaseURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, tt.env)
			_, errs := Load("")
			if len(errs) != tt.wantCount {
				t.Fatalf("got %d errors %v, want %d", len(errs), errs, tt.wantCount)
			}
			if !containsErr(errs, tt.wantErr) {
				t.Errorf("expected %v in %v", tt.wantErr, errs)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, requiredEnv)
	cfg, errs := Load("")
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.BaseURL != "https://otsukisama.example" {
		t.Errorf("BaseURL = %q, trailing slash should be trimmed", cfg.BaseURL)
	}
	if cfg.SuccessPath != DefaultSuccessPath || cfg.CancelPath != DefaultCancelPath {
		t.Errorf("paths = %q %q", cfg.SuccessPath, cfg.CancelPath)
	}
	if cfg.RateLimitSession != DefaultRateLimitSession || cfg.ReconcileInterval != DefaultReconcileInterval {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.PayJPEnabled() || cfg.StripeEnabled() || cfg.LineEnabled() || cfg.ArchiveEnabled() {
		t.Error("optional groups should be disabled by default")
	}
}

func TestLoad_OptionalGroupsAllOrNothing(t *testing.T) {
	tests := []struct {
		name    string
		extra   map[string]string
		wantErr error
	}{
		{"payjp without webhook token", map[string]string{"PAYJP_SECRET_KEY": "sk_test_1"}, ErrMissingPayJPWebhookToken},
		{"stripe without key", map[string]string{"STRIPE_WEBHOOK_SECRET": "whsec_1"}, ErrMissingStripeSecretKey},
		{"line menu without token", map[string]string{"LINE_PREMIUM_RICH_MENU_ID": "richmenu-1"}, ErrMissingLineChannelToken},
		{"archive without endpoint", map[string]string{
			"ARCHIVE_BUCKET": "payloads", "ARCHIVE_ACCESS_KEY_ID": "id", "ARCHIVE_SECRET_ACCESS_KEY": "secret",
		}, ErrMissingArchiveEndpoint},
		{"line link over http", map[string]string{"LINE_CHANNEL_ACCESS_TOKEN": "line-token", "LINE_RESULT_URL": "http://otsukisama.example/result"}, ErrInvalidLinkURL},
		{"checkout on localhost", map[string]string{"PAYJP_SECRET_KEY": "sk_test_1", "PAYJP_WEBHOOK_TOKEN": "whook_1", "PAYJP_CHECKOUT_URL": "https://localhost/checkout"}, ErrInvalidLinkURL},
		{"bad redis url", map[string]string{"REDIS_URL": "http://nope"}, ErrInvalidRedisURL},
		{"bad exporter", map[string]string{"TRACING_ENABLED": "true", "TRACING_EXPORTER_TYPE": "zipkin"}, ErrInvalidTracingExporter},
		{"bad sample rate", map[string]string{"TRACING_ENABLED": "on", "TRACING_SAMPLE_RATE": "1.5"}, ErrInvalidTracingSampleRate},
		{"zero rate limit", map[string]string{"RATE_LIMIT_STATUS": "0"}, ErrInvalidRateLimit},
		{"non-numeric port", map[string]string{"PORT": "eighty"}, ErrInvalidValue},
		{"bad duration", map[string]string{"RECONCILE_INTERVAL": "soon"}, ErrInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, withRequired(tt.extra))
			_, errs := Load("")
			if len(errs) != 1 || !errors.Is(errs[0], tt.wantErr) {
				t.Errorf("errors = %v, want exactly %v", errs, tt.wantErr)
			}
		})
	}
}

func TestLoad_FullOptionalConfig(t *testing.T) {
	setEnv(t, withRequired(map[string]string{
		"PAYJP_SECRET_KEY":          "sk_live_abcdef",
		"PAYJP_WEBHOOK_TOKEN":       "whook_1",
		"STRIPE_SECRET_KEY":         "sk_test_abcdef",
		"STRIPE_WEBHOOK_SECRET":     "whsec_1",
		"LINE_CHANNEL_ACCESS_TOKEN": "line-token-123456",
		"REDIS_URL":                 "redis://:pw@localhost:6379/0",
		"CORS_ALLOWED_ORIGINS":      "https://liff.line.me, https://otsukisama.example",
		"GATEWAY_TIMEOUT":           "5s",
		"PAYPAY_PRODUCTION":         "yes",
	}))
	cfg, errs := Load("")
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if !cfg.PayJPEnabled() || !cfg.StripeEnabled() || !cfg.LineEnabled() {
		t.Error("configured groups should be enabled")
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://otsukisama.example" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.GatewayTimeout != 5*time.Second {
		t.Errorf("GatewayTimeout = %s", cfg.GatewayTimeout)
	}
	if !cfg.PayPayProduction {
		t.Error("PAYPAY_PRODUCTION=yes should enable production")
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
port: 9090
database_url: postgres://file/db
base_url: https://file.example
redirect_token_secret: file-secret-file-secret-file-secret
paypay_api_key: file-key
paypay_api_secret: file-secret
paypay_merchant_id: file-merchant
rate_limit_session: 3
cors_origins:
  - https://liff.line.me
reconcile_interval: 1m
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	setEnv(t, map[string]string{"PAYPAY_MERCHANT_ID": "env-merchant"})

	cfg, errs := Load(path)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if cfg.Port != 9090 || cfg.RateLimitSession != 3 || cfg.ReconcileInterval != time.Minute {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.PayPayMerchantID != "env-merchant" {
		t.Errorf("env should override file, got %q", cfg.PayPayMerchantID)
	}
	if len(cfg.CORSOrigins) != 1 {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, errs := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "failed to load config file") {
		t.Errorf("errors = %v", errs)
	}
}

func TestLogSummary_MasksSecrets(t *testing.T) {
	cfg := &Config{
		DatabaseURL:            "postgres://app:hunter2@db/otsukisama",
		RedirectTokenSecret:    "0123456789abcdef0123456789abcdef",
		PayPayAPISecret:        "paypay-secret-value",
		StripeSecretKey:        "sk_live_abcdefgh",
		LineChannelAccessToken: "line-token-value",
		RedisURL:               "redis://:redispw@cache:6379",
	}
	summary := cfg.LogSummary()
	for key, val := range summary {
		for _, secret := range []string{"hunter2", "abcdef0123", "secret-value", "abcdefgh", "token-value", "redispw"} {
			if strings.Contains(val, secret) {
				t.Errorf("%s leaks secret: %s", key, val)
			}
		}
	}
	if summary["stripe_secret_key"] != "sk_live_****" {
		t.Errorf("stripe_secret_key = %s", summary["stripe_secret_key"])
	}
	if summary["database_url"] != "postgres://app:****@db/otsukisama" {
		t.Errorf("database_url = %s", summary["database_url"])
	}
	if summary["payjp_secret_key"] != "<not set>" {
		t.Errorf("payjp_secret_key = %s", summary["payjp_secret_key"])
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "<not set>"},
		{"short", "****"},
		{"longenough", "long****"},
	}
	for _, tt := range tests {
		if got := maskSecret(tt.in); got != tt.want {
			t.Errorf("maskSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func containsErr(errs []error, target error) bool {
	for _, err := range errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
