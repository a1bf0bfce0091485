// Package observability provides OpenTelemetry tracing and metrics for
// the governance runtime: decision counts by outcome, execution
// latency, approval latency, and ledger append failures.
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

const instrumentationName = "warden.governance"

// Config configures the OTLP export.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "warden",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider owns the trace and metric providers plus the runtime's
// instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	log            *slog.Logger

	decisions       metric.Int64Counter
	executionDur    metric.Float64Histogram
	approvalLatency metric.Float64Histogram
	ledgerFailures  metric.Int64Counter
}

// New builds a Provider. A disabled config returns a no-op provider
// whose record methods are safe to call.
func New(ctx context.Context, config *Config, log *slog.Logger) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Provider{config: config, log: log}
	if !config.Enabled {
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
		return nil, fmt.Errorf("build resource: %w", err)
	}
	if err := p.initTraces(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetrics(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, err
	}
	log.Info("observability initialized",
		slog.String("endpoint", config.OTLPEndpoint),
		slog.Float64("sample_rate", config.SampleRate))
	return p, nil
}

func (p *Provider) initTraces(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	switch {
	case p.config.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	case p.config.SampleRate < 1:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.decisions, err = p.meter.Int64Counter("warden.decisions.total",
		metric.WithDescription("Governance decisions by outcome"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return err
	}
	p.executionDur, err = p.meter.Float64Histogram("warden.execution.duration",
		metric.WithDescription("Cartridge execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30))
	if err != nil {
		return err
	}
	p.approvalLatency, err = p.meter.Float64Histogram("warden.approval.latency",
		metric.WithDescription("Time from approval request to human response in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 10, 60, 300, 1800, 3600, 21600, 86400))
	if err != nil {
		return err
	}
	p.ledgerFailures, err = p.meter.Int64Counter("warden.ledger.append_failures",
		metric.WithDescription("Audit ledger append failures"),
		metric.WithUnit("{failure}"))
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.log.Error("trace provider shutdown failed", slog.Any("error", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.log.Error("meter provider shutdown failed", slog.Any("error", err))
		}
	}
	return nil
}

// Tracer returns the runtime tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// RecordDecision counts one governance decision.
func (p *Provider) RecordDecision(ctx context.Context, outcome, cartridgeID string) {
	if p.decisions != nil {
		p.decisions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcome),
			attribute.String("cartridge_id", cartridgeID),
		))
	}
}

// RecordExecution records one cartridge execution.
func (p *Provider) RecordExecution(ctx context.Context, d time.Duration, cartridgeID string, success bool) {
	if p.executionDur != nil {
		p.executionDur.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("cartridge_id", cartridgeID),
			attribute.Bool("success", success),
		))
	}
}

// RecordApprovalLatency records request-to-response time for one
// approval.
func (p *Provider) RecordApprovalLatency(ctx context.Context, d time.Duration, requirement string) {
	if p.approvalLatency != nil {
		p.approvalLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("requirement", requirement),
		))
	}
}

// RecordLedgerFailure counts one failed chain append.
func (p *Provider) RecordLedgerFailure(ctx context.Context) {
	if p.ledgerFailures != nil {
		p.ledgerFailures.Add(ctx, 1)
	}
}

// Span starts a span, returning a closer that records any error.
func (p *Provider) Span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
