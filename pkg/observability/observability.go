// Package observability provides structured logging and OpenTelemetry
// tracing spans around the Safety Kernel's decision stages and the
// orchestrator's per-request loop. There is no metrics or exporter HTTP
// surface here — the tracer provider accepts an injected SpanProcessor so
// the embedding application decides how (or whether) spans leave the
// process; this package only creates and annotates them.
package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the tracing provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	SampleRate     float64
	// Processor, if set, receives every span this provider produces. Leave
	// nil to run with no span processor (spans are created and sampled,
	// but never exported anywhere) — useful for tests and for deployments
	// that have not opted into tracing export.
	Processor sdktrace.SpanProcessor
}

func DefaultConfig() Config {
	return Config{
		ServiceName:    "twinops",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		SampleRate:     1.0,
	}
}

// Provider owns the tracer used to wrap kernel stages and orchestrator
// requests.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	logger         *slog.Logger
}

// New creates a Provider and installs it as the global OTel tracer
// provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	logger := slog.Default().With("component", "observability")

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, err
	}

	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRate)
	if cfg.SampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else if cfg.SampleRate <= 0.0 {
		sampler = sdktrace.NeverSample()
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	if cfg.Processor != nil {
		opts = append(opts, sdktrace.WithSpanProcessor(cfg.Processor))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	p := &Provider{
		tracerProvider: tp,
		tracer:         tp.Tracer(cfg.ServiceName, trace.WithInstrumentationVersion(cfg.ServiceVersion)),
		logger:         logger,
	}
	logger.InfoContext(ctx, "tracing initialized", "service", cfg.ServiceName, "sample_rate", cfg.SampleRate)
	return p, nil
}

// Shutdown flushes and closes the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tracerProvider.Shutdown(ctx)
}

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// StartStageSpan starts a span named for one kernel pipeline stage
// (authorize, interlock, risk, approval, execute) or orchestrator phase.
func (p *Provider) StartStageSpan(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "twinops."+stage, trace.WithAttributes(attrs...))
}

// EndSpan records err (if any) on span and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
