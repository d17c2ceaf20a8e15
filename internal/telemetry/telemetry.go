// Package telemetry defines the OpenTelemetry instruments recorded by the
// engine. Instruments are created from whatever MeterProvider the process
// installs; without one the global no-op provider makes them free.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScopeName is the instrumentation scope for coedit meters.
const ScopeName = "github.com/roach88/coedit"

// Instrument names.
const (
	MutationsName        = "coedit.mutations.total"
	CASRetriesName       = "coedit.cas.retries.total"
	MutationDurationName = "coedit.mutation.duration"
)

// Metrics holds the engine's instruments. The zero value records nothing.
type Metrics struct {
	mutations metric.Int64Counter
	retries   metric.Int64Counter
	duration  metric.Float64Histogram
}

// New creates the instruments on meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.mutations, err = meter.Int64Counter(MutationsName,
		metric.WithDescription("Mutation requests by terminal outcome"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %s: %w", MutationsName, err)
	}

	m.retries, err = meter.Int64Counter(CASRetriesName,
		metric.WithDescription("Compare-and-swap races lost on the event head"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %s: %w", CASRetriesName, err)
	}

	m.duration, err = meter.Float64Histogram(MutationDurationName,
		metric.WithDescription("Mutation latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %s: %w", MutationDurationName, err)
	}
	return m, nil
}

// Global creates the instruments on the global MeterProvider.
func Global() (*Metrics, error) {
	return New(otel.Meter(ScopeName))
}

// RecordMutation counts one finished mutation and its latency.
func (m *Metrics) RecordMutation(ctx context.Context, outcome string, merged bool, d time.Duration) {
	if m == nil || m.mutations == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("merged", merged),
	)
	m.mutations.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRetry counts one lost head race.
func (m *Metrics) RecordRetry(ctx context.Context, attempt int) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
}
