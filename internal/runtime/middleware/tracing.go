package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/flowbus/internal/runtime/attributes"
)

// TracerName is the instrumentation name of spans started by the bus.
const TracerName = "github.com/drblury/flowbus"

// TracePropagation reads the trace context the publisher injected into the
// message attributes and starts a consumer span linked to it. Baggage is
// carried into the handler context. Nil arguments use the global provider
// and propagator.
func TracePropagation(tp trace.TracerProvider, propagator propagation.TextMapPropagator) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, hc *HandleContext) (bool, error) {
			provider := tp
			if provider == nil {
				provider = otel.GetTracerProvider()
			}
			prop := propagator
			if prop == nil {
				prop = otel.GetTextMapPropagator()
			}

			ctx = prop.Extract(ctx, attributes.Carrier(hc.Attributes))
			opts := []trace.SpanStartOption{
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithNewRoot(),
				trace.WithAttributes(
					attribute.String("messaging.operation", "process"),
					attribute.String("messaging.destination.name", hc.Queue),
					attribute.String("messaging.message.id", hc.MessageID),
					attribute.String("messaging.message.subject", hc.Subject),
					attribute.Int("messaging.message.receive_count", hc.ReceiveCount),
				),
			}
			if remote := trace.SpanContextFromContext(ctx); remote.IsValid() {
				opts = append(opts, trace.WithLinks(trace.Link{SpanContext: remote}))
			}

			ctx, span := provider.Tracer(TracerName).Start(ctx, hc.Queue+" process", opts...)
			defer span.End()

			handled, err := next(ctx, hc)
			switch {
			case err != nil:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case !handled:
				span.SetStatus(codes.Error, "message not handled")
			}
			span.SetAttributes(attribute.Bool("flowbus.handled", handled))
			return handled, err
		}
	}
}

// InjectTraceContext writes the span context and baggage of ctx into attrs
// so consumers can link to it.
func InjectTraceContext(ctx context.Context, attrs attributes.MessageAttributes, propagator propagation.TextMapPropagator) {
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	propagator.Inject(ctx, attributes.Carrier(attrs))
}
