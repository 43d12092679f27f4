package transport

import (
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	"github.com/drblury/flowbus/internal/runtime/jsoncodec"
)

// NotificationType is the Type field of a topic notification document.
const NotificationType = "Notification"

// NotificationAttribute is one attribute inside a notification document.
// Binary values are base64 encoded.
type NotificationAttribute struct {
	Type  string `json:"Type"`
	Value string `json:"Value"`
}

// Notification is the document a topic delivers to subscribed queues when
// raw delivery is off.
type Notification struct {
	Type              string                           `json:"Type"`
	MessageID         string                           `json:"MessageId"`
	TopicArn          string                           `json:"TopicArn"`
	Subject           string                           `json:"Subject,omitempty"`
	Message           string                           `json:"Message"`
	Timestamp         string                           `json:"Timestamp"`
	MessageAttributes map[string]NotificationAttribute `json:"MessageAttributes,omitempty"`
}

// NotificationBody renders env as the notification a topic subscriber
// receives. Transports that emulate topics locally use it.
func NotificationBody(topic string, env Envelope) (string, error) {
	n := Notification{
		Type:      NotificationType,
		MessageID: uuid.NewString(),
		TopicArn:  topic,
		Subject:   env.Subject,
		Message:   env.Body,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if len(env.Attributes) > 0 {
		n.MessageAttributes = make(map[string]NotificationAttribute, len(env.Attributes))
		for k, v := range env.Attributes {
			value := v.StringValue
			if v.IsBinary() {
				value = base64.StdEncoding.EncodeToString(v.BinaryValue)
			}
			n.MessageAttributes[k] = NotificationAttribute{Type: v.DataType, Value: value}
		}
	}
	return jsoncodec.MarshalString(n)
}
