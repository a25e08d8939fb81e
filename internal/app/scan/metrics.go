package scan

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// ScanMetrics defines the measurements a Scanner records.
type ScanMetrics interface {
	IncPagesFetched(ctx context.Context)
	IncFetchErrors(ctx context.Context)
	IncRetries(ctx context.Context)
	AddIDsEmitted(ctx context.Context, n int)
	ObserveRunDuration(ctx context.Context, d time.Duration)
}

// Metrics implements ScanMetrics on an OpenTelemetry meter.
type Metrics struct {
	pagesFetched metric.Int64Counter
	fetchErrors  metric.Int64Counter
	retries      metric.Int64Counter
	idsEmitted   metric.Int64Counter
	runDuration  metric.Float64Histogram
}

const namespace = "blockscan"

// NewMetrics registers the scanner instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(Metrics)
	var err error

	if m.pagesFetched, err = meter.Int64Counter(
		"pages_fetched_total",
		metric.WithDescription("Total number of pages returned by the record store"),
	); err != nil {
		return nil, err
	}

	if m.fetchErrors, err = meter.Int64Counter(
		"fetch_errors_total",
		metric.WithDescription("Total number of failed page fetches"),
	); err != nil {
		return nil, err
	}

	if m.retries, err = meter.Int64Counter(
		"fetch_retries_total",
		metric.WithDescription("Total number of page fetch retries"),
	); err != nil {
		return nil, err
	}

	if m.idsEmitted, err = meter.Int64Counter(
		"ids_emitted_total",
		metric.WithDescription("Total number of matching identifiers reported"),
	); err != nil {
		return nil, err
	}

	if m.runDuration, err = meter.Float64Histogram(
		"run_duration_seconds",
		metric.WithDescription("Wall clock duration of a scan run"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) IncPagesFetched(ctx context.Context) { m.pagesFetched.Add(ctx, 1) }

func (m *Metrics) IncFetchErrors(ctx context.Context) { m.fetchErrors.Add(ctx, 1) }

func (m *Metrics) IncRetries(ctx context.Context) { m.retries.Add(ctx, 1) }

func (m *Metrics) AddIDsEmitted(ctx context.Context, n int) { m.idsEmitted.Add(ctx, int64(n)) }

func (m *Metrics) ObserveRunDuration(ctx context.Context, d time.Duration) {
	m.runDuration.Record(ctx, d.Seconds())
}

type noopMetrics struct{}

func (noopMetrics) IncPagesFetched(context.Context)                   {}
func (noopMetrics) IncFetchErrors(context.Context)                    {}
func (noopMetrics) IncRetries(context.Context)                        {}
func (noopMetrics) AddIDsEmitted(context.Context, int)                {}
func (noopMetrics) ObserveRunDuration(context.Context, time.Duration) {}
