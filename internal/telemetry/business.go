package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CollectionTracer provides spans for the data collection paths. It carries
// no state; the spans go through the globally installed tracer provider.
type CollectionTracer struct{}

// NewCollectionTracer creates a new instance of CollectionTracer.
func NewCollectionTracer() *CollectionTracer {
	return &CollectionTracer{}
}

// TraceGatherRun starts a span covering one bulk metrics collection.
func (ct *CollectionTracer) TraceGatherRun(ctx context.Context, symbols int) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, "gather_metrics")
	span.SetAttributes(attribute.Int("symbols", symbols))
	return ctx, span
}

// RecordGatherOutcome attaches the run identity and counters to a gather span.
func (ct *CollectionTracer) RecordGatherOutcome(span trace.Span, runID string, stored, fallbacks, failed int) {
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.Int("stored", stored),
		attribute.Int("fallbacks", fallbacks),
		attribute.Int("failed", failed),
	)
	if failed > 0 {
		span.SetStatus(codes.Error, "some symbols failed to store")
	}
}

// TraceBackfill starts a span covering one historical candle download.
func (ct *CollectionTracer) TraceBackfill(ctx context.Context, symbols int, interval string) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, "download_historical_data")
	span.SetAttributes(
		attribute.Int("symbols", symbols),
		attribute.String("interval", interval),
	)
	return ctx, span
}

// EndWithError ends a span, recording err when it is non-nil.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
