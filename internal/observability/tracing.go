// Package observability holds the tracing and logging plumbing shared by the
// HTTP server and the SQS relay.
package observability

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "eventbroker"

// Tracer wraps an OTel tracer with the spans the broker emits. With no
// provider installed the global tracer is a no-op.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer uses the global tracer provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

// NewTracerWithProvider is used by tests that install an in-memory provider.
func NewTracerWithProvider(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(tracerName)}
}

// StartDeliverySpan starts the span covering one relay of a notification.
func (t *Tracer) StartDeliverySpan(ctx context.Context, clientID, messageID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "broker.delivery",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("broker.client_id", clientID),
			attribute.String("broker.message_id", messageID),
		),
	)
}

// EndDeliverySpan records the downstream status (0 when there was no HTTP
// response) and ends the span.
func (t *Tracer) EndDeliverySpan(span trace.Span, event string, statusCode int, err error) {
	if event != "" {
		span.SetAttributes(attribute.String("broker.event", event))
	}
	if statusCode > 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", statusCode))
	}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case statusCode >= http.StatusBadRequest:
		span.SetStatus(codes.Error, http.StatusText(statusCode))
	}
	span.End()
}

// StartServerSpan starts the span for an inbound HTTP request.
func (t *Tracer) StartServerSpan(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("http.route", route),
		),
	)
}
