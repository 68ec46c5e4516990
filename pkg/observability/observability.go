// Package observability exports OpenTelemetry spans and counters for signed
// request verification, rate limiting and consensus runs.
//
// Every method is safe on a nil or disabled Provider.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/nexus/pkg/config"
)

const scope = "github.com/Mindburn-Labs/nexus"

// Config selects the OTLP/gRPC collector and sampling.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string
	Insecure       bool
	SampleRate     float64
	ExportInterval time.Duration
	Enabled        bool
}

// FromConfig derives exporter settings for service from the runtime config.
func FromConfig(service string, cfg *config.Config) Config {
	return Config{
		ServiceName:    service,
		ServiceVersion: "dev",
		Environment:    cfg.Environment,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		Insecure:       cfg.Observability.Insecure,
		SampleRate:     cfg.Observability.SampleRate,
		ExportInterval: 15 * time.Second,
		Enabled:        cfg.Observability.Enabled,
	}
}

// Provider owns the exporters and the instruments recorded by the core.
type Provider struct {
	tracer trace.Tracer

	operations metric.Int64Counter
	failures   metric.Int64Counter
	latency    metric.Float64Histogram
	auth       metric.Int64Counter
	limits     metric.Int64Counter
	decisions  metric.Int64Counter

	shutdown []func(context.Context) error
}

// Disabled returns a Provider that records nothing.
func Disabled() *Provider { return &Provider{} }

// New starts OTLP trace and metric export. A disabled config yields Disabled().
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return Disabled(), nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
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
	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRate))),
	)
	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(interval))),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	p, err := newProvider(tp, mp)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, err
	}
	p.shutdown = []func(context.Context) error{tp.Shutdown, mp.Shutdown}

	slog.InfoContext(ctx, "telemetry export started",
		"service", cfg.ServiceName,
		"endpoint", cfg.Endpoint,
		"sample_rate", cfg.SampleRate,
	)
	return p, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func newProvider(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	m := mp.Meter(scope)
	p := &Provider{tracer: tp.Tracer(scope)}

	var err error
	counter := func(name, desc string) metric.Int64Counter {
		c, e := m.Int64Counter(name, metric.WithDescription(desc))
		err = errors.Join(err, e)
		return c
	}
	p.operations = counter("nexus.operations", "Tracked operations started")
	p.failures = counter("nexus.operation.failures", "Tracked operations that returned an error")
	p.auth = counter("nexus.auth.attempts", "Signed request verdicts by outcome and rejection kind")
	p.limits = counter("nexus.ratelimit.decisions", "Rate limit verdicts by class")
	p.decisions = counter("nexus.consensus.decisions", "Proposals decided by this process")

	var herr error
	p.latency, herr = m.Float64Histogram("nexus.operation.duration",
		metric.WithDescription("Tracked operation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 30),
	)
	if err = errors.Join(err, herr); err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}
	return p, nil
}

func (p *Provider) enabled() bool { return p != nil && p.operations != nil }

// Shutdown flushes pending telemetry.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// Tracer returns the provider's tracer, or the global one when disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(scope)
	}
	return p.tracer
}

// TrackOperation opens a span named name. The returned func ends it and
// records the outcome.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	op := metric.WithAttributes(attribute.String("operation", name))
	if p.enabled() {
		p.operations.Add(ctx, 1, op)
	}
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if !p.enabled() {
			return
		}
		p.latency.Record(ctx, time.Since(start).Seconds(), op)
		if err != nil {
			p.failures.Add(ctx, 1, op)
		}
	}
}

// AuthAttempt counts one signed request verdict. kind is empty on accept.
func (p *Provider) AuthAttempt(ctx context.Context, accepted bool, kind string) {
	if !p.enabled() {
		return
	}
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	p.auth.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("kind", kind),
	))
}

// RateLimit counts one rate limit verdict for class.
func (p *Provider) RateLimit(ctx context.Context, class string, permitted bool) {
	if !p.enabled() {
		return
	}
	p.limits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", class),
		attribute.Bool("permitted", permitted),
	))
}

// Decision counts one proposal transition won by this process.
func (p *Provider) Decision(ctx context.Context, outcome string) {
	if !p.enabled() {
		return
	}
	p.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
