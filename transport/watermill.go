package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowbus/internal/runtime/attributes"
)

// WatermillPublisher adapts a Watermill publisher to Publisher so bridge
// transports (Kafka, RabbitMQ, NATS, HTTP, Go channels) can carry envelopes.
// The destination name becomes the Watermill topic for both queue and topic
// destinations, and attributes become message metadata.
type WatermillPublisher struct {
	publisher message.Publisher
}

// NewWatermillPublisher wraps pub.
func NewWatermillPublisher(pub message.Publisher) *WatermillPublisher {
	return &WatermillPublisher{publisher: pub}
}

// Publish implements Publisher.
func (w *WatermillPublisher) Publish(ctx context.Context, dest Destination, env Envelope) error {
	if w.publisher == nil {
		return errors.New("watermill publisher is not initialised")
	}
	msg := ToWatermillMessage(env)
	msg.SetContext(ctx)
	return w.publisher.Publish(dest.Name, msg)
}

// Close implements Closer.
func (w *WatermillPublisher) Close() error {
	if w.publisher == nil {
		return nil
	}
	return w.publisher.Close()
}

// ToWatermillMessage converts an envelope into a Watermill message with a
// fresh UUID. A topic subject is carried in the Subject metadata entry.
func ToWatermillMessage(env Envelope) *message.Message {
	msg := message.NewMessage(watermill.NewUUID(), []byte(env.Body))
	msg.Metadata = attributes.ToWatermill(env.Attributes)
	if env.Subject != "" && msg.Metadata.Get(attributes.KeySubject) == "" {
		msg.Metadata.Set(attributes.KeySubject, env.Subject)
	}
	return msg
}

// FromWatermillMessage is the inverse of ToWatermillMessage.
func FromWatermillMessage(msg *message.Message) Envelope {
	attrs := attributes.FromWatermill(msg.Metadata)
	return Envelope{
		Body:       string(msg.Payload),
		Attributes: attrs,
		Subject:    attrs.GetString(attributes.KeySubject),
	}
}

var (
	_ Publisher = (*WatermillPublisher)(nil)
	_ Closer    = (*WatermillPublisher)(nil)
)
