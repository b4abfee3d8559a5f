// Package tracing wires OpenTelemetry for the payment service: one tracer
// provider per process, spans around gateway calls and database access, and
// W3C trace context on inbound requests.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Exporter types accepted in Config.ExporterType.
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// exporterDialTimeout bounds exporter construction at startup.
const exporterDialTimeout = 10 * time.Second

var (
	// ErrMissingServiceName is returned when tracing is enabled without a service name.
	ErrMissingServiceName = errors.New("service name is required")
	// ErrInvalidSamplingRate is returned for a rate outside [0, 1].
	ErrInvalidSamplingRate = errors.New("sampling rate must be between 0 and 1")
	// ErrUnsupportedExporter is returned for an unknown exporter type.
	ErrUnsupportedExporter = errors.New("unsupported exporter type")
)

// Config holds the configuration for distributed tracing.
type Config struct {
	ServiceName    string
	ServiceVersion string // defaults to "dev"
	Enabled        bool
	Environment    string

	// ExporterType is ExporterOTLPHTTP (default) or ExporterOTLPGRPC.
	ExporterType string
	OTLPEndpoint string

	// SamplingRate is the fraction of new traces to sample. Spans whose
	// parent was sampled upstream are always kept.
	SamplingRate float64

	// InsecureMode disables TLS to the collector (local development).
	InsecureMode bool
}

func (c Config) validate() error {
	if c.ServiceName == "" {
		return ErrMissingServiceName
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("%w, got %f", ErrInvalidSamplingRate, c.SamplingRate)
	}
	switch c.ExporterType {
	case "", ExporterOTLPHTTP, ExporterOTLPGRPC:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedExporter, c.ExporterType)
}

// Provider owns the process tracer provider. The zero value is a disabled
// provider whose methods are safe to call.
type Provider struct {
	tp     *sdktrace.TracerProvider
	config Config
}

// NewProvider installs a global tracer provider and propagator when tracing
// is enabled. A disabled config returns a no-op provider.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		slog.Info("tracing disabled")
		return &Provider{config: cfg}, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "dev"
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), exporterDialTimeout)
	defer cancel()
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s exporter: %w", cfg.ExporterType, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SamplingRate)),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.Info("tracing initialized",
		"service", cfg.ServiceName,
		"exporter", cfg.ExporterType,
		"endpoint", cfg.OTLPEndpoint,
		"sampling_rate", cfg.SamplingRate,
		"environment", cfg.Environment,
	)
	return &Provider{tp: tp, config: cfg}, nil
}

// newSampler respects the caller's sampling decision and samples new root
// traces at rate.
func newSampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch rate {
	case 1:
		root = sdktrace.AlwaysSample()
	case 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if cfg.ExporterType == ExporterOTLPGRPC {
		var opts []otlptracegrpc.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.InsecureMode {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	}

	var opts []otlptracehttp.Option
	if cfg.OTLPEndpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
	}
	if cfg.InsecureMode {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}

// Shutdown flushes pending spans. Safe on a disabled or nil provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	slog.Info("shutting down tracer provider")
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}

// Tracer returns a tracer for the given name.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p == nil || p.tp == nil {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// IsEnabled returns whether tracing is enabled.
func (p *Provider) IsEnabled() bool {
	return p != nil && p.config.Enabled
}

