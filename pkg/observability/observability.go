// Package observability exports the core's traces and metrics over OTLP gRPC.
// A disabled Provider hands out no-op instruments, so callers never branch on
// whether telemetry is on.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const scope = "phoenix.core"

// Config selects where telemetry goes.
type Config struct {
	Enabled        bool
	Endpoint       string // OTLP gRPC, host:port
	Insecure       bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	SampleRatio    float64
	ExportInterval time.Duration
}

// DefaultConfig is disabled; serve enables it when an endpoint is set.
func DefaultConfig() Config {
	return Config{
		Endpoint:       "localhost:4317",
		ServiceName:    "phoenix-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		SampleRatio:    1,
		ExportInterval: 15 * time.Second,
	}
}

// Provider owns the SDK pipelines and the core's instruments.
type Provider struct {
	tracer trace.Tracer
	meter  metric.Meter
	inst   instruments
	log    *slog.Logger

	shutdown []func(context.Context) error
}

// Disabled returns a provider whose instruments record nothing.
func Disabled() *Provider {
	p, err := build(tracenoop.NewTracerProvider().Tracer(scope), noop.NewMeterProvider().Meter(scope))
	if err != nil {
		// no-op instruments cannot fail to register
		panic(err)
	}
	return p
}

// NewWithMeterProvider records metrics into mp with tracing off. Tests pass
// an SDK provider with a manual reader.
func NewWithMeterProvider(mp metric.MeterProvider) (*Provider, error) {
	return build(tracenoop.NewTracerProvider().Tracer(scope), mp.Meter(scope))
}

func build(t trace.Tracer, m metric.Meter) (*Provider, error) {
	inst, err := newInstruments(m)
	if err != nil {
		return nil, fmt.Errorf("observability: register instruments: %w", err)
	}
	return &Provider{
		tracer: t,
		meter:  m,
		inst:   inst,
		log:    slog.Default().With("component", "observability"),
	}, nil
}

// New starts OTLP trace and metric pipelines and installs them as the global
// providers. A disabled cfg returns Disabled().
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		slog.Default().With("component", "observability").InfoContext(ctx, "observability disabled")
		return Disabled(), nil
	}

	// Schemaless: resource.Default carries the SDK's own schema URL.
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	spanExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spanExp.Shutdown(ctx)
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spanExp),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRatio))),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(interval))),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	p, err := build(tp.Tracer(scope, trace.WithInstrumentationVersion(cfg.ServiceVersion)),
		mp.Meter(scope, metric.WithInstrumentationVersion(cfg.ServiceVersion)))
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, err
	}
	p.shutdown = []func(context.Context) error{tp.Shutdown, mp.Shutdown}
	p.log.InfoContext(ctx, "observability initialized",
		"endpoint", cfg.Endpoint,
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
		"sample_ratio", cfg.SampleRatio,
	)
	return p, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(ratio)
	}
}

// Shutdown flushes pending telemetry.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// Tracer returns the core's tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Meter returns the core's meter.
func (p *Provider) Meter() metric.Meter { return p.meter }
