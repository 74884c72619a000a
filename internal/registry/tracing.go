package registry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	id "beacon/pkg/domain"
)

const instrumentationName = "beacon/registry"

// Span attribute keys.
const (
	AttrSiteID      = "site.id"
	AttrCacheHit    = "cache.hit"
	AttrCircuitOpen = "circuit.open"
)

func defaultTracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// startSpan opens a span named registry.<op> carrying the site id.
func startSpan(ctx context.Context, tr trace.Tracer, op string, siteID id.SiteID) (context.Context, trace.Span) {
	return tr.Start(ctx, "registry."+op, trace.WithAttributes(attribute.String(AttrSiteID, siteID.String())))
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
