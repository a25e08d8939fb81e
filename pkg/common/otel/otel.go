// Package otel wires OpenTelemetry tracing and metrics for blockscan.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/blockscan/pkg/common/logger"
)

// Config defines the information needed to init telemetry.
type Config struct {
	ServiceName        string
	ExporterEndpoint   string
	Probability        float64
	ResourceAttributes map[string]string
	InsecureExporter   bool
}

// Providers bundles the tracer and meter providers handed to components.
type Providers struct {
	Tracer trace.TracerProvider
	Meter  metric.MeterProvider
}

// InitTelemetry configures open telemetry for the process. An empty
// ExporterEndpoint yields noop providers so a local run never dials a
// collector. The returned shutdown flushes both providers.
func InitTelemetry(log *logger.Logger, cfg Config) (Providers, func(ctx context.Context), error) {
	if cfg.ExporterEndpoint == "" {
		return Providers{
			Tracer: tracenoop.NewTracerProvider(),
			Meter:  metricnoop.NewMeterProvider(),
		}, func(context.Context) {}, nil
	}

	res := resource.NewWithAttributes(semconv.SchemaURL, resourceAttributes(cfg)...)

	ctx, cancel := context.WithTimeout(context.Background(), exporterDialTimeout)
	defer cancel()

	spans, readings, err := newExporters(ctx, cfg)
	if err != nil {
		return Providers{}, nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Probability))),
		sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(2*time.Second)),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(readings, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// A scan is a short lived process; the final batch only leaves on shutdown.
	shutdown := func(ctx context.Context) {
		if err := errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx)); err != nil {
			log.Error(ctx, "failed to flush telemetry", "error", err)
		}
	}
	return Providers{Tracer: tp, Meter: mp}, shutdown, nil
}

const exporterDialTimeout = 5 * time.Second

func newExporters(ctx context.Context, cfg Config) (*otlptrace.Exporter, *otlpmetricgrpc.Exporter, error) {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.ExporterEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.ExporterEndpoint)}
	if cfg.InsecureExporter {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	readings, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, nil, fmt.Errorf("creating metric exporter: %w", err)
	}
	return spans, readings, nil
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() trace.Tracer { return tracenoop.NewTracerProvider().Tracer("noop") }

// zeroTraceID is logged for records written outside any sampled span.
const zeroTraceID = "00000000000000000000000000000000"

// GetTraceID returns the trace id of the span in ctx, or an all zero id.
func GetTraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return zeroTraceID
}

// resourceAttributes describes the process to the collector.
func resourceAttributes(cfg Config) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(cfg.ResourceAttributes)+1)
	attrs = append(attrs, semconv.ServiceNameKey.String(cfg.ServiceName))
	for k, v := range cfg.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}
