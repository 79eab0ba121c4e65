package telemetry

import (
	"context"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "memorymesh"

// StartIngestSpan starts a span for ingesting one message.
func StartIngestSpan(ctx context.Context, tenantID, conversationID string, async bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "ingest",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("conversation.id", conversationID),
			attribute.Bool("ingest.async", async),
		),
	)
}

// StartJobSpan starts a span for one embedding job attempt.
func StartJobSpan(ctx context.Context, jobID, messageID string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "embedding_job",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("message.id", messageID),
			attribute.Int("job.attempt", attempt),
		),
	)
}

// StartSearchSpan starts a span for a search request.
func StartSearchSpan(ctx context.Context, tenantID string, topK int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "search",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.Int("search.top_k", topK),
		),
	)
}

// StartRetentionSpan starts a span for one tenant's retention run.
func StartRetentionSpan(ctx context.Context, tenantID string, dryRun bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "retention",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.Bool("retention.dry_run", dryRun),
		),
	)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// HTTPMiddleware wraps handlers with OpenTelemetry HTTP instrumentation.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName)
	}
}
