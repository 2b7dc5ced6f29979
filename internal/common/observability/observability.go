package observability

import (
	"context"
	"errors"
	"time"

	"skyfi-billing/internal/common/config"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Observability owns the OTel meter and tracer providers. Meters are
// exported through the Prometheus registry; traces go to Jaeger when
// tracing is enabled.
type Observability struct {
	meterProvider  *metric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	jobCounter     otelmetric.Int64Counter
	jobDuration    otelmetric.Float64Histogram
	purchaseTime   otelmetric.Float64Histogram
}

// New registers the exporter with the default Prometheus registry.
func New(cfg config.TracingConfig, serviceName string) (*Observability, error) {
	return NewWithRegisterer(cfg, serviceName, promclient.DefaultRegisterer)
}

func NewWithRegisterer(cfg config.TracingConfig, serviceName string, reg promclient.Registerer) (*Observability, error) {
	if cfg.ServiceName != "" {
		serviceName = cfg.ServiceName
	}

	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	mp := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(mp)
	meter := mp.Meter(serviceName)

	o := &Observability{meterProvider: mp, tracer: noop.NewTracerProvider().Tracer(serviceName)}

	if o.jobCounter, err = meter.Int64Counter("jobs.processed",
		otelmetric.WithDescription("Number of jobs processed")); err != nil {
		return nil, err
	}
	if o.jobDuration, err = meter.Float64Histogram("jobs.duration",
		otelmetric.WithDescription("Job processing duration"),
		otelmetric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if o.purchaseTime, err = meter.Float64Histogram("purchases.duration",
		otelmetric.WithDescription("Time from purchase request to final outcome"),
		otelmetric.WithUnit("s")); err != nil {
		return nil, err
	}

	if cfg.Enabled && cfg.JaegerEndpoint != "" {
		tp, err := newTracerProvider(cfg.JaegerEndpoint, serviceName)
		if err != nil {
			return nil, err
		}
		o.tracerProvider = tp
		o.tracer = tp.Tracer(serviceName)
	}
	return o, nil
}

func newTracerProvider(endpoint, serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp, nil
}

// TracingEnabled reports whether spans leave the process.
func (o *Observability) TracingEnabled() bool {
	return o.tracerProvider != nil
}

func (o *Observability) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (o *Observability) RecordJobProcessed(ctx context.Context, taskType, status string, duration time.Duration) {
	attrs := otelmetric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.String("status", status),
	)
	o.jobCounter.Add(ctx, 1, attrs)
	o.jobDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordPurchase observes one finished purchase by outcome code.
func (o *Observability) RecordPurchase(ctx context.Context, outcome string, duration time.Duration) {
	o.purchaseTime.Record(ctx, duration.Seconds(), otelmetric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// Shutdown flushes pending spans and metrics.
func (o *Observability) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	if o.tracerProvider != nil {
		errs = append(errs, o.tracerProvider.Shutdown(ctx))
	}
	errs = append(errs, o.meterProvider.Shutdown(ctx))
	return errors.Join(errs...)
}
