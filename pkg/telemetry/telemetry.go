// Package telemetry wires OpenTelemetry tracing and metrics for the
// daemon: a Config struct with a DefaultConfig, OTLP gRPC exporters, and
// a graceful no-op Provider when
// Enabled is false, the common case for a local-first daemon with no
// network dependency.
package telemetry

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
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the telemetry Provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns the daemon's baseline telemetry config: disabled,
// since a local-first tool should never dial out unless explicitly asked.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "branchmindd",
		ServiceVersion: "dev",
		Environment:    "local",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider holds the assembled tracer/meter plus RED-style instruments
// named for storage transactions and job claims; no package in this
// module records into them.
type Provider struct {
	cfg            Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	TxCounter      metric.Int64Counter
	TxErrorCounter metric.Int64Counter
	TxDuration     metric.Float64Histogram
	JobQueueDepth  metric.Int64UpDownCounter
	LeaseExpired   metric.Int64Counter
}

// noopProvider builds a Provider backed by OpenTelemetry's global no-op
// implementations, so callers never need a nil check.
func noopProvider(logger *slog.Logger) *Provider {
	meter := otel.Meter("branchmind")
	tracer := otel.Tracer("branchmind")
	p := &Provider{tracer: tracer, meter: meter, logger: logger}
	p.mustInstruments()
	return p
}

// New builds a Provider. When cfg.Enabled is false it returns a working
// no-op provider (metrics/spans are recorded against the global no-op
// implementations and simply discarded) instead of an error, so callers
// never need to branch on whether telemetry is on.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return noopProvider(logger), func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
	}
	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: build trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
	)

	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: build metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	p := &Provider{
		cfg:            cfg,
		tracerProvider: tp,
		meterProvider:  mp,
		tracer:         tp.Tracer("branchmind"),
		meter:          mp.Meter("branchmind"),
		logger:         logger,
	}
	p.mustInstruments()

	shutdown := func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return err
		}
		return mp.Shutdown(ctx)
	}
	return p, shutdown, nil
}

func (p *Provider) mustInstruments() {
	var err error
	p.TxCounter, err = p.meter.Int64Counter("branchmind.store.transactions",
		metric.WithDescription("storage engine transactions committed"))
	logInstrumentErr(p.logger, err)
	p.TxErrorCounter, err = p.meter.Int64Counter("branchmind.store.transaction_errors",
		metric.WithDescription("storage engine transactions rolled back"))
	logInstrumentErr(p.logger, err)
	p.TxDuration, err = p.meter.Float64Histogram("branchmind.store.transaction_duration_ms",
		metric.WithDescription("storage engine transaction duration"), metric.WithUnit("ms"))
	logInstrumentErr(p.logger, err)
	p.JobQueueDepth, err = p.meter.Int64UpDownCounter("branchmind.jobs.queue_depth",
		metric.WithDescription("queued jobs per workspace"))
	logInstrumentErr(p.logger, err)
	p.LeaseExpired, err = p.meter.Int64Counter("branchmind.jobs.lease_expirations",
		metric.WithDescription("runner leases observed expired at claim time"))
	logInstrumentErr(p.logger, err)
}

func logInstrumentErr(logger *slog.Logger, err error) {
	if err != nil {
		logger.Warn("telemetry: failed to create instrument", "error", err)
	}
}

// StartSpan opens a span on the provider's tracer, a thin wrapper so
// storage-layer call sites don't need to import go.opentelemetry.io/otel
// directly.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
