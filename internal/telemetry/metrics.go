// Package telemetry holds the OpenTelemetry instruments, span helpers and
// HTTP middleware. Without a configured provider every call is a no-op.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "memorymesh"

// Metrics holds all memory-mesh metric instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	MessagesIngested  metric.Int64Counter
	EmbeddingCalls    metric.Int64Counter
	EmbeddingDuration metric.Float64Histogram
	JobOutcomes       metric.Int64Counter
	Searches          metric.Int64Counter
	SearchDuration    metric.Float64Histogram
	RetentionActions  metric.Int64Counter
	RetentionFailures metric.Int64Counter
	BreakerChanges    metric.Int64Counter
}

// NewMetrics creates all instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates all instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.MessagesIngested, err = meter.Int64Counter("memorymesh.messages.ingested",
		metric.WithDescription("Messages accepted by ingest")); err != nil {
		return nil, err
	}
	if m.EmbeddingCalls, err = meter.Int64Counter("memorymesh.embedding.calls",
		metric.WithDescription("Embedding provider calls")); err != nil {
		return nil, err
	}
	if m.EmbeddingDuration, err = meter.Float64Histogram("memorymesh.embedding.duration_seconds",
		metric.WithDescription("Embedding call latency in seconds")); err != nil {
		return nil, err
	}
	if m.JobOutcomes, err = meter.Int64Counter("memorymesh.jobs.outcomes",
		metric.WithDescription("Embedding job outcomes")); err != nil {
		return nil, err
	}
	if m.Searches, err = meter.Int64Counter("memorymesh.search.requests",
		metric.WithDescription("Search requests")); err != nil {
		return nil, err
	}
	if m.SearchDuration, err = meter.Float64Histogram("memorymesh.search.duration_seconds",
		metric.WithDescription("Search latency in seconds")); err != nil {
		return nil, err
	}
	if m.RetentionActions, err = meter.Int64Counter("memorymesh.retention.actions",
		metric.WithDescription("Messages archived or deleted by retention")); err != nil {
		return nil, err
	}
	if m.RetentionFailures, err = meter.Int64Counter("memorymesh.retention.failures",
		metric.WithDescription("Per-message retention failures")); err != nil {
		return nil, err
	}
	if m.BreakerChanges, err = meter.Int64Counter("memorymesh.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions")); err != nil {
		return nil, err
	}
	return m, nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Ingested records one accepted message.
func (m *Metrics) Ingested(ctx context.Context, mode string, status string) {
	if m == nil {
		return
	}
	m.MessagesIngested.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("embedding_status", status),
	))
}

// Embedded records one provider call and its latency.
func (m *Metrics) Embedded(ctx context.Context, provider string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome(err)),
	)
	m.EmbeddingCalls.Add(ctx, 1, attrs)
	m.EmbeddingDuration.Record(ctx, d.Seconds(), attrs)
}

// JobFinished records the outcome of one job attempt: completed, retried or failed.
func (m *Metrics) JobFinished(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.JobOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", result)))
}

// Searched records one search request.
func (m *Metrics) Searched(ctx context.Context, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome(err)))
	m.Searches.Add(ctx, 1, attrs)
	m.SearchDuration.Record(ctx, d.Seconds(), attrs)
}

// RetentionApplied records mutations and failures of one retention run.
func (m *Metrics) RetentionApplied(ctx context.Context, tenantID string, archived, deleted, failures int) {
	if m == nil {
		return
	}
	tenant := attribute.String("tenant_id", tenantID)
	if archived > 0 {
		m.RetentionActions.Add(ctx, int64(archived), metric.WithAttributes(tenant, attribute.String("action", "archive")))
	}
	if deleted > 0 {
		m.RetentionActions.Add(ctx, int64(deleted), metric.WithAttributes(tenant, attribute.String("action", "delete")))
	}
	if failures > 0 {
		m.RetentionFailures.Add(ctx, int64(failures), metric.WithAttributes(tenant))
	}
}

// BreakerChanged records a breaker transition into state.
func (m *Metrics) BreakerChanged(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.BreakerChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}
