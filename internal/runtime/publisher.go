package runtime

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/flowbus/internal/runtime/attributes"
	"github.com/drblury/flowbus/internal/runtime/convert"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	"github.com/drblury/flowbus/internal/runtime/messages"
	"github.com/drblury/flowbus/internal/runtime/middleware"
	"github.com/drblury/flowbus/transport"
)

// PublishErrorHandler decides what happens to a failed publish. Returning
// true swallows the error: Publish then reports success with a result whose
// Swallowed flag is set.
type PublishErrorHandler func(err error, msg messages.Message) bool

// PublishResult describes one publish call.
type PublishResult struct {
	MessageID   string
	Subject     string
	Destination transport.Destination
	Bridge      string
	Swallowed   bool
	Err         error
}

type publisherEntry struct {
	subject string
	dest    transport.Destination
	bridge  string
}

type publisherOptions struct {
	bridge string
}

// PublisherOption customises RegisterPublisher.
type PublisherOption func(*publisherOptions)

// WithBridge publishes through the named bridge instead of the consumption
// transport. The bridge must be configured.
func WithBridge(name string) PublisherOption {
	return func(o *publisherOptions) { o.bridge = name }
}

type publishOptions struct {
	attrs attributes.MessageAttributes
}

// PublishOption customises a single Publish call.
type PublishOption func(*publishOptions)

// WithAttributes merges attrs into the published message attributes.
func WithAttributes(attrs attributes.MessageAttributes) PublishOption {
	return func(o *publishOptions) { o.attrs = o.attrs.WithAll(attrs) }
}

// RegisterPublisher routes messages of type T to dest. A JSON serializer is
// registered for T unless one exists. Registering the same publisher twice
// is not an error; registering T with a different destination replaces it.
func RegisterPublisher[T any](b *Bus, dest transport.Destination, opts ...PublisherOption) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	subject := messages.SubjectFor[T]()
	if _, ok := b.converter.Serializers().Get(subject); !ok {
		b.converter.Serializers().Register(subject, messages.NewJSONSerializer[T]())
	}
	return b.registerPublisher(subject, dest, opts...)
}

// RegisterProtoPublisher routes protobuf messages of type P to dest. Bodies
// are protojson.
func RegisterProtoPublisher[P proto.Message](b *Bus, dest transport.Destination, opts ...PublisherOption) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	subject := messages.SubjectFor[P]()
	if _, ok := b.converter.Serializers().Get(subject); !ok {
		b.converter.Serializers().Register(subject, messages.NewProtoSerializer[P]())
	}
	return b.registerPublisher(subject, dest, opts...)
}

func (b *Bus) registerPublisher(subject string, dest transport.Destination, opts ...PublisherOption) error {
	if dest.Name == "" {
		return errspkg.ErrDestinationRequired
	}
	var o publisherOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.bridge != "" {
		if _, ok := b.transport.Bridge(o.bridge); !ok {
			return fmt.Errorf("%w: bridge %q is not configured", errspkg.ErrPublisherRequired, o.bridge)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishers[subject] = publisherEntry{subject: subject, dest: dest, bridge: o.bridge}
	b.Logger.Debug("Registered publisher", loggingpkg.LogFields{
		"subject":     subject,
		"destination": dest.String(),
		"bridge":      o.bridge,
	})
	return nil
}

// Publish stamps msg, injects the trace context of ctx into its attributes
// and sends it to the destination registered for its type.
func (b *Bus) Publish(ctx context.Context, msg messages.Message, opts ...PublishOption) (PublishResult, error) {
	if b == nil {
		return PublishResult{}, errspkg.ErrBusRequired
	}
	if msg == nil {
		return PublishResult{}, errspkg.ErrMessageRequired
	}

	subject := messages.SubjectOf(msg)
	b.mu.RLock()
	entry, ok := b.publishers[subject]
	b.mu.RUnlock()
	if !ok {
		return PublishResult{Subject: subject}, fmt.Errorf("%w: %s", errspkg.ErrPublisherNotRegistered, subject)
	}

	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := b.tracerProvider().Tracer(middleware.TracerName).Start(ctx, "publish "+subject,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.operation", "publish"),
			attribute.String("messaging.destination.name", entry.dest.Name),
		),
	)
	defer span.End()

	result := PublishResult{
		MessageID:   messages.Stamp(msg, b.now(), b.component),
		Subject:     subject,
		Destination: entry.dest,
		Bridge:      entry.bridge,
	}
	attrs := o.attrs.Clone()
	middleware.InjectTraceContext(ctx, attrs, b.propagator)

	env, err := b.converter.ConvertForPublish(msg, subject, attrs, entry.dest.Kind, convert.CompressionOptions{
		Encoding:  b.Conf.CompressionEncoding,
		Threshold: b.Conf.CompressionThreshold,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	if err := b.publisherFor(entry).Publish(ctx, entry.dest, env); err != nil {
		pubErr := &errspkg.PublishError{Subject: subject, Destination: entry.dest.String(), Err: err}
		span.RecordError(pubErr)
		span.SetStatus(codes.Error, pubErr.Error())
		result.Err = pubErr
		if b.onPublishError != nil && b.onPublishError(pubErr, msg) {
			result.Swallowed = true
			b.metrics.RecordPublish(subject, entry.dest.String(), PublishResultSwallowed)
			b.Logger.Info("Publish failure swallowed", loggingpkg.LogFields{
				"subject":     subject,
				"destination": entry.dest.String(),
				"error":       err.Error(),
			})
			return result, nil
		}
		b.metrics.RecordPublish(subject, entry.dest.String(), PublishResultFailed)
		b.Logger.Error("Failed to publish message", pubErr, loggingpkg.LogFields{
			"subject":     subject,
			"destination": entry.dest.String(),
			"message_id":  result.MessageID,
		})
		return result, pubErr
	}

	b.metrics.RecordPublish(subject, entry.dest.String(), PublishResultOK)
	b.Logger.Trace("Published message", loggingpkg.LogFields{
		"subject":     subject,
		"destination": entry.dest.String(),
		"message_id":  result.MessageID,
	})
	return result, nil
}

func (b *Bus) publisherFor(entry publisherEntry) transport.Publisher {
	if entry.bridge != "" {
		if p, ok := b.transport.Bridge(entry.bridge); ok {
			return p
		}
	}
	return b.transport.Client
}

func (b *Bus) tracerProvider() trace.TracerProvider {
	if b.tracer != nil {
		return b.tracer
	}
	return otel.GetTracerProvider()
}

// Publishers lists the registered publishers.
func (b *Bus) Publishers() []PublisherInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]PublisherInfo, 0, len(b.publishers))
	for _, p := range b.publishers {
		out = append(out, PublisherInfo{Subject: p.subject, Destination: p.dest.String(), Bridge: p.bridge})
	}
	sortPublishers(out)
	return out
}
