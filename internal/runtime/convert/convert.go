// Package convert translates between transport envelopes and domain
// messages. It recognises the three body shapes a queue can deliver:
// topic notifications, the queue wrapper written by queue publishers, and
// raw payloads. It also applies and removes body compression.
package convert

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/drblury/flowbus/internal/runtime/attributes"
	"github.com/drblury/flowbus/internal/runtime/compression"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	"github.com/drblury/flowbus/internal/runtime/jsoncodec"
	"github.com/drblury/flowbus/internal/runtime/messages"
	"github.com/drblury/flowbus/transport"
)

// Shape is the body layout a delivery arrived in.
type Shape int

const (
	ShapeRaw Shape = iota
	ShapeNotification
	ShapeQueueWrapper
)

func (s Shape) String() string {
	switch s {
	case ShapeNotification:
		return "notification"
	case ShapeQueueWrapper:
		return "queue_wrapper"
	default:
		return "raw"
	}
}

// QueueMessage is the body queue publishers write.
type QueueMessage struct {
	Subject string `json:"Subject"`
	Message string `json:"Message"`
}

// CompressionOptions enables publish-side compression. Bodies whose size,
// attributes included, is above Threshold bytes are compressed with Encoding.
type CompressionOptions struct {
	Encoding  string
	Threshold int
}

// Unwrapped is a delivery with its transport wrapping removed and its
// payload decompressed.
type Unwrapped struct {
	Shape      Shape
	Subject    string
	Body       string
	Attributes attributes.MessageAttributes
}

// Received is a decoded delivery.
type Received struct {
	Message    messages.Message
	Subject    string
	Attributes attributes.MessageAttributes
	Delivery   transport.Delivery
}

// Converter is stateless apart from its read-only registries and is safe to
// share between workers.
type Converter struct {
	serializers *messages.Registry
	compressors *compression.Registry
}

// New returns a Converter. A nil compression registry means no encoding is
// known.
func New(serializers *messages.Registry, compressors *compression.Registry) *Converter {
	if serializers == nil {
		serializers = messages.NewRegistry()
	}
	if compressors == nil {
		compressors = compression.NewRegistry(nil)
	}
	return &Converter{serializers: serializers, compressors: compressors}
}

// Serializers returns the subject registry.
func (c *Converter) Serializers() *messages.Registry { return c.serializers }

// Compressors returns the compression registry.
func (c *Converter) Compressors() *compression.Registry { return c.compressors }

// Unwrap detects the body shape of d, extracts its subject and attributes and
// decompresses the payload. Notification attributes come from the document;
// the other shapes use the transport's attributes. The subject is resolved
// from the notification or wrapper, then the Subject attribute.
func (c *Converter) Unwrap(d transport.Delivery) (Unwrapped, error) {
	if d.Body == "" {
		return Unwrapped{}, c.decodeError(d, errspkg.ErrEmptyBody)
	}

	out := Unwrapped{Shape: ShapeRaw, Body: d.Body, Attributes: d.Attributes}
	if n, ok := parseNotification(d.Body); ok {
		attrs, err := notificationAttributes(n.MessageAttributes)
		if err != nil {
			return Unwrapped{}, c.decodeError(d, err)
		}
		out = Unwrapped{Shape: ShapeNotification, Subject: n.Subject, Body: n.Message, Attributes: attrs}
	} else if w, ok := parseQueueMessage(d.Body); ok {
		out = Unwrapped{Shape: ShapeQueueWrapper, Subject: w.Subject, Body: w.Message, Attributes: d.Attributes}
	}
	if out.Attributes == nil {
		out.Attributes = attributes.MessageAttributes{}
	}
	if out.Subject == "" {
		out.Subject = out.Attributes.GetString(attributes.KeySubject)
	}

	if encoding := out.Attributes.GetString(attributes.KeyContentEncoding); encoding != "" {
		compressor, ok := c.compressors.Get(encoding)
		if !ok {
			return Unwrapped{}, c.decodeError(d, &errspkg.EncodingNotRegisteredError{Encoding: encoding})
		}
		body, err := compressor.Decompress(out.Body)
		if err != nil {
			return Unwrapped{}, c.decodeError(d, fmt.Errorf("decompress %s: %w", encoding, err))
		}
		out.Body = body
	}
	return out, nil
}

// ConvertForReceive unwraps d and deserializes it with the serializer
// registered for its subject. defaultSubject is used when the delivery names
// none, which is the case for raw deliveries on single-type queues.
func (c *Converter) ConvertForReceive(d transport.Delivery, defaultSubject string) (*Received, error) {
	u, err := c.Unwrap(d)
	if err != nil {
		return nil, err
	}
	subject := u.Subject
	if subject == "" {
		subject = defaultSubject
	}
	serializer, ok := c.serializers.Get(subject)
	if !ok {
		return nil, &errspkg.UnroutableError{Queue: d.Queue, Subject: subject}
	}
	return c.Decode(d, u, subject, serializer)
}

// Decode deserializes an unwrapped delivery with s.
func (c *Converter) Decode(d transport.Delivery, u Unwrapped, subject string, s messages.Serializer) (*Received, error) {
	msg, err := s.Deserialize(u.Body)
	if err != nil {
		return nil, c.decodeError(d, err)
	}
	return &Received{Message: msg, Subject: subject, Attributes: u.Attributes, Delivery: d}, nil
}

// ConvertForPublish serializes msg with the serializer registered for
// subject and shapes the envelope for the destination kind. Queue envelopes
// carry a QueueMessage body whose inner Message is compressed; topic
// envelopes carry the payload itself, compressed whole, and name the subject
// on the envelope.
func (c *Converter) ConvertForPublish(msg messages.Message, subject string, attrs attributes.MessageAttributes, kind transport.DestinationKind, opts CompressionOptions) (transport.Envelope, error) {
	if msg == nil {
		return transport.Envelope{}, errspkg.ErrMessageRequired
	}
	serializer, ok := c.serializers.Get(subject)
	if !ok {
		return transport.Envelope{}, fmt.Errorf("flowbus: no serializer registered for subject %q", subject)
	}

	var compressor compression.Compressor
	if opts.Encoding != "" {
		if compressor, ok = c.compressors.Get(opts.Encoding); !ok {
			return transport.Envelope{}, &errspkg.EncodingNotRegisteredError{Encoding: opts.Encoding, Publishing: true}
		}
	}

	payload, err := serializer.Serialize(msg)
	if err != nil {
		return transport.Envelope{}, fmt.Errorf("serialize %s: %w", subject, err)
	}
	attrs = attrs.Clone()

	wrap := func(inner string) (string, error) {
		if kind != transport.DestinationQueue {
			return inner, nil
		}
		return jsoncodec.MarshalString(QueueMessage{Subject: subject, Message: inner})
	}

	body, err := wrap(payload)
	if err != nil {
		return transport.Envelope{}, err
	}
	if compressor != nil && MessageSize(body, attrs) > opts.Threshold {
		compressed, err := compressor.Compress(payload)
		if err != nil {
			return transport.Envelope{}, fmt.Errorf("compress %s: %w", opts.Encoding, err)
		}
		if body, err = wrap(compressed); err != nil {
			return transport.Envelope{}, err
		}
		attrs[attributes.KeyContentEncoding] = attributes.String(opts.Encoding)
	}

	env := transport.Envelope{Body: body, Attributes: attrs}
	if kind == transport.DestinationTopic {
		env.Subject = subject
	}
	return env, nil
}

// MessageSize is the size a message counts against transport limits: the
// UTF-8 body plus every attribute's key, data type and value.
func MessageSize(body string, attrs attributes.MessageAttributes) int {
	return len(body) + attrs.Size()
}

func (c *Converter) decodeError(d transport.Delivery, err error) error {
	return &errspkg.DecodeError{Queue: d.Queue, MessageID: d.MessageID, Err: err}
}

func parseNotification(body string) (transport.Notification, bool) {
	if !looksLikeObject(body) {
		return transport.Notification{}, false
	}
	var probe map[string]any
	if err := jsoncodec.UnmarshalString(body, &probe); err != nil {
		return transport.Notification{}, false
	}
	if probe["Type"] != transport.NotificationType {
		return transport.Notification{}, false
	}
	if _, ok := probe["Message"].(string); !ok {
		return transport.Notification{}, false
	}
	var n transport.Notification
	if err := jsoncodec.UnmarshalString(body, &n); err != nil {
		return transport.Notification{}, false
	}
	return n, true
}

// parseQueueMessage accepts exactly the two QueueMessage fields so payloads
// that happen to have a Message field stay raw.
func parseQueueMessage(body string) (QueueMessage, bool) {
	if !looksLikeObject(body) {
		return QueueMessage{}, false
	}
	var probe map[string]any
	if err := jsoncodec.UnmarshalString(body, &probe); err != nil || len(probe) != 2 {
		return QueueMessage{}, false
	}
	subject, ok := probe["Subject"].(string)
	if !ok {
		return QueueMessage{}, false
	}
	message, ok := probe["Message"].(string)
	if !ok {
		return QueueMessage{}, false
	}
	return QueueMessage{Subject: subject, Message: message}, true
}

func looksLikeObject(body string) bool {
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

func notificationAttributes(in map[string]transport.NotificationAttribute) (attributes.MessageAttributes, error) {
	out := make(attributes.MessageAttributes, len(in))
	var errs []error
	for k, v := range in {
		value := attributes.AttributeValue{DataType: v.Type, StringValue: v.Value}
		if value.IsBinary() {
			raw, err := base64.StdEncoding.DecodeString(v.Value)
			if err != nil {
				errs = append(errs, fmt.Errorf("attribute %s: %w", k, err))
				continue
			}
			value = attributes.AttributeValue{DataType: v.Type, BinaryValue: raw}
		}
		out[k] = value
	}
	return out, errors.Join(errs...)
}
