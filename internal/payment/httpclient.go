package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/onnwee/otsukisama/internal/tracing"
)

// DefaultGatewayTimeout bounds every outbound gateway call.
const DefaultGatewayTimeout = 10 * time.Second

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 1 << 20

// Response is the normalized shape of a signed gateway call.
type Response struct {
	Success    bool
	Data       json.RawMessage
	HTTPStatus int
}

// TransportConfig configures the signed HTTP layer shared by gateway variants.
type TransportConfig struct {
	Provider   Provider
	BaseURL    string
	Signer     Signer
	Headers    map[string]string
	Timeout    time.Duration
	HTTPClient *http.Client
	Metrics    *Metrics
	Logger     *slog.Logger
}

// transport performs signed calls through a per-provider circuit breaker.
type transport struct {
	provider Provider
	baseURL  string
	signer   Signer
	headers  map[string]string
	timeout  time.Duration
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	metrics  *Metrics
	logger   *slog.Logger
}

// errUpstream marks responses that should count against the breaker.
var errUpstream = errors.New("upstream unavailable")

func newTransport(cfg TransportConfig) *transport {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultGatewayTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger
	return &transport{
		provider: cfg.Provider,
		baseURL:  cfg.BaseURL,
		signer:   cfg.Signer,
		headers:  cfg.Headers,
		timeout:  cfg.Timeout,
		client:   cfg.HTTPClient,
		breaker:  newBreaker(string(cfg.Provider), logger),
		metrics:  cfg.Metrics,
		logger:   logger,
	}
}

// newBreaker opens after 5 requests in a 30s window with a 60% failure ratio.
func newBreaker(name string, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("gateway circuit breaker state changed",
				slog.String("provider", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

// healthCheck fails while the breaker is open.
func (t *transport) healthCheck() error {
	return breakerHealth(t.provider, t.breaker)
}

func breakerHealth(p Provider, cb *gobreaker.CircuitBreaker) error {
	if cb.State() == gobreaker.StateOpen {
		return &GatewayError{Provider: p, Op: "health", Err: gobreaker.ErrOpenState}
	}
	return nil
}

// do signs and sends one request. Non-2xx responses with a JSON body are
// returned as Success=false; transport failures, 5xx and malformed bodies
// are GatewayErrors.
func (t *transport) do(ctx context.Context, op, method, path, contentType string, body []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	ctx, endSpan := tracing.StartGatewaySpan(ctx, string(t.provider), op)
	start := time.Now()

	result, err := t.breaker.Execute(func() (interface{}, error) {
		return t.send(ctx, op, method, path, contentType, body)
	})
	if t.metrics != nil {
		t.metrics.ObserveGatewayRequest(string(t.provider), op, time.Since(start).Seconds())
	}

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &GatewayError{Provider: t.provider, Op: op, Err: err}
		}
		endSpan(err)
		return nil, err
	}
	endSpan(nil)
	return result.(*Response), nil
}

func (t *transport) send(ctx context.Context, op, method, path, contentType string, body []byte) (*Response, error) {
	signed, err := t.signer.Sign(method, path, body)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return nil, &GatewayError{Provider: t.provider, Op: op, Err: err}
	}
	req.Header.Set("Authorization", signed.Authorization)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &GatewayError{Provider: t.provider, Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &GatewayError{Provider: t.provider, Op: op, HTTPStatus: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 500 {
		return nil, &GatewayError{Provider: t.provider, Op: op, HTTPStatus: resp.StatusCode, Body: raw, Err: errUpstream}
	}

	if !json.Valid(raw) {
		return nil, &GatewayError{
			Provider:   t.provider,
			Op:         op,
			HTTPStatus: resp.StatusCode,
			Body:       raw,
			Err:        fmt.Errorf("malformed JSON response"),
		}
	}

	return &Response{
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		Data:       raw,
		HTTPStatus: resp.StatusCode,
	}, nil
}
