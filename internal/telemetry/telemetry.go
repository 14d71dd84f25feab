// Package telemetry wires OpenTelemetry tracing and metrics for revline.
// When disabled the global no-op providers stay in place and every
// instrument below is still safe to call.
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
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "revline"

type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	Insecure       bool
	SampleRate     float64
	ExportInterval time.Duration
}

// Provider owns the SDK providers when telemetry is enabled.
type Provider struct {
	cfg            Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	logger         *slog.Logger
}

func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{cfg: cfg, logger: logger.With("component", "telemetry")}
	if !cfg.Enabled {
		return p, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "revline"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
	}
	traceExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(p.meterProvider)
	p.logger.InfoContext(ctx, "telemetry enabled", "endpoint", cfg.OTLPEndpoint, "sample_rate", cfg.SampleRate)
	return p, nil
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown meter provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the revline tracer from the current global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Metrics holds the engine's instruments. A nil *Metrics records nothing.
type Metrics struct {
	scored          metric.Int64Counter
	scoringErrors   metric.Int64Counter
	scoringDuration metric.Float64Histogram
	routing         metric.Int64Counter
	collisions      metric.Int64Counter
	claimConflicts  metric.Int64Counter
}

// NewMetrics creates the instruments on meter, or on the global meter when nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &Metrics{}
	var err error
	if m.scored, err = meter.Int64Counter("revline.scoring.scored", metric.WithDescription("Constituents scored"), metric.WithUnit("{constituent}")); err != nil {
		return nil, err
	}
	if m.scoringErrors, err = meter.Int64Counter("revline.scoring.errors", metric.WithDescription("Constituents that failed to score"), metric.WithUnit("{constituent}")); err != nil {
		return nil, err
	}
	if m.scoringDuration, err = meter.Float64Histogram("revline.scoring.batch.duration", metric.WithDescription("Scoring batch duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.routing, err = meter.Int64Counter("revline.routing.decisions", metric.WithDescription("Routing decisions by outcome"), metric.WithUnit("{decision}")); err != nil {
		return nil, err
	}
	if m.collisions, err = meter.Int64Counter("revline.collisions", metric.WithDescription("Collisions detected by action"), metric.WithUnit("{collision}")); err != nil {
		return nil, err
	}
	if m.claimConflicts, err = meter.Int64Counter("revline.tasks.claim_conflicts", metric.WithDescription("Claims lost to a concurrent claimer"), metric.WithUnit("{claim}")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) ScoringBatch(ctx context.Context, scored, failed int, d time.Duration) {
	if m == nil {
		return
	}
	m.scored.Add(ctx, int64(scored))
	m.scoringErrors.Add(ctx, int64(failed))
	m.scoringDuration.Record(ctx, d.Seconds())
}

// RoutingOutcome counts one decision; outcome is one of routed, unchanged, partial, blocked, error.
func (m *Metrics) RoutingOutcome(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.routing.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) Collision(ctx context.Context, rule, action string) {
	if m == nil {
		return
	}
	m.collisions.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", rule), attribute.String("action", action)))
}

func (m *Metrics) ClaimConflict(ctx context.Context) {
	if m == nil {
		return
	}
	m.claimConflicts.Add(ctx, 1)
}
