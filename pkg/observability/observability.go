// Package observability provides OpenTelemetry tracing and metrics for keel.
//
// Traces and metrics are exported over OTLP gRPC. Kernel metrics track the
// write path: events appended, append latency, active runs, policy denials,
// and budget exhaustions.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g. "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0, default 1.0 (sample all)
	BatchTimeout   time.Duration // how long to wait before sending batched spans
	Enabled        bool
	Insecure       bool // dev only
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "keel",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	eventsAppended  metric.Int64Counter
	appendDuration  metric.Float64Histogram
	activeRuns      metric.Int64UpDownCounter
	policyDenials   metric.Int64Counter
	budgetExceeded  metric.Int64Counter
	streamDelivered metric.Int64Counter
}

// New creates a new observability provider. A disabled config returns a
// provider whose recording methods are no-ops.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("keel",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("keel",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initKernelMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init kernel metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)

	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)

	otel.SetMeterProvider(p.meterProvider)

	return nil
}

func (p *Provider) initKernelMetrics() error {
	var err error

	p.eventsAppended, err = p.meter.Int64Counter("keel.events.appended.total",
		metric.WithDescription("Total number of events appended to run logs"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	p.appendDuration, err = p.meter.Float64Histogram("keel.append.duration",
		metric.WithDescription("Durable append latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0),
	)
	if err != nil {
		return err
	}

	p.activeRuns, err = p.meter.Int64UpDownCounter("keel.runs.active",
		metric.WithDescription("Number of runs currently attached to the orchestrator"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	p.policyDenials, err = p.meter.Int64Counter("keel.policy.denials.total",
		metric.WithDescription("Total number of actions denied by policy"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}

	p.budgetExceeded, err = p.meter.Int64Counter("keel.budget.exceeded.total",
		metric.WithDescription("Total number of runs stopped by budget exhaustion"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	p.streamDelivered, err = p.meter.Int64Counter("keel.stream.delivered.total",
		metric.WithDescription("Total number of events delivered to stream subscribers"),
		metric.WithUnit("{event}"),
	)
	return err
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("keel")
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("keel")
	}
	return p.meter
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordAppend records one durable append and, when the caller measured
// it, its latency.
func (p *Provider) RecordAppend(ctx context.Context, duration time.Duration, attrs ...attribute.KeyValue) {
	if p.eventsAppended != nil {
		p.eventsAppended.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if p.appendDuration != nil && duration > 0 {
		p.appendDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RunAttached increments the active run gauge.
func (p *Provider) RunAttached(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.activeRuns != nil {
		p.activeRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RunDetached decrements the active run gauge.
func (p *Provider) RunDetached(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.activeRuns != nil {
		p.activeRuns.Add(ctx, -1, metric.WithAttributes(attrs...))
	}
}

// RecordPolicyDenial records a policy deny.
func (p *Provider) RecordPolicyDenial(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.policyDenials != nil {
		p.policyDenials.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordBudgetExceeded records a budget-exhausted run stop.
func (p *Provider) RecordBudgetExceeded(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.budgetExceeded != nil {
		p.budgetExceeded.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordStreamDelivery records events delivered to a subscriber.
func (p *Provider) RecordStreamDelivery(ctx context.Context, count int64, attrs ...attribute.KeyValue) {
	if p.streamDelivered != nil {
		p.streamDelivered.Add(ctx, count, metric.WithAttributes(attrs...))
	}
}

// TrackOperation starts a span and the active-operation bookkeeping for a
// named operation. The returned function finishes the span and records the
// outcome.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()

	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	return ctx, func(err error) {
		span.SetAttributes(attribute.Float64("duration_seconds", time.Since(start).Seconds()))
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
