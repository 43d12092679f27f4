// Package transport defines the capability contract the consumption pipeline
// needs from a queue service, plus a registry of named transport builders.
// Each implementation (aws, memory, and the publish-only bridges) lives in
// its own sub-package and registers itself with the registry.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/flowbus/internal/runtime/attributes"
)

// MaxReceiveBatch is the largest number of messages a single receive call may
// return.
const MaxReceiveBatch = 10

// Envelope is the serialized form of one message: the body text plus typed
// attributes. Subject is only used by topic destinations.
type Envelope struct {
	Body       string
	Attributes attributes.MessageAttributes
	Subject    string
}

// Delivery is one received copy of a message. ReceiptHandle identifies this
// delivery for Delete and ChangeVisibility.
type Delivery struct {
	Envelope

	Queue         string
	MessageID     string
	ReceiptHandle string
	ReceiveCount  int
	SentAt        time.Time
}

// DestinationKind selects between point-to-point queues and fan-out topics.
type DestinationKind int

const (
	DestinationQueue DestinationKind = iota
	DestinationTopic
)

func (k DestinationKind) String() string {
	switch k {
	case DestinationQueue:
		return "queue"
	case DestinationTopic:
		return "topic"
	default:
		return fmt.Sprintf("DestinationKind(%d)", int(k))
	}
}

// Destination names a publish target.
type Destination struct {
	Kind DestinationKind
	Name string
}

func (d Destination) String() string {
	return d.Kind.String() + ":" + d.Name
}

// Receiver long-polls a queue for at most max deliveries, waiting up to wait
// for the first one to arrive.
type Receiver interface {
	Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]Delivery, error)
}

// ErrReceiptInvalid is wrapped by Acknowledger errors when the service no
// longer accepts a receipt handle, typically because the visibility timeout
// expired and the message was received again.
var ErrReceiptInvalid = errors.New("transport: receipt handle is no longer valid")

// Acknowledger settles deliveries.
type Acknowledger interface {
	Delete(ctx context.Context, queue, receiptHandle string) error
	ChangeVisibility(ctx context.Context, queue, receiptHandle string, timeout time.Duration) error
}

// Publisher sends an envelope to a destination.
type Publisher interface {
	Publish(ctx context.Context, dest Destination, env Envelope) error
}

// Client is a full queue service client.
type Client interface {
	Receiver
	Acknowledger
	Publisher
}

// QueueResolver is implemented by clients that can verify a queue exists
// before polling starts.
type QueueResolver interface {
	ResolveQueue(ctx context.Context, queue string) error
}

// Closer is implemented by publishers that hold connections.
type Closer interface {
	Close() error
}

// Transport is what a Builder produces. Client is nil for publish-only
// transports.
type Transport struct {
	Client    Client
	Publisher Publisher
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the values transports read. The config package implements
// it so transports do not depend on the full configuration type.
type Config interface {
	// GetTransport returns the name of the consumption transport.
	GetTransport() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
	GetVisibilityTimeout() time.Duration

	// SQL queues
	GetSQLiteFile() string
	GetPostgresURL() string

	// Bridges
	GetKafkaBrokers() []string
	GetRabbitMQURL() string
	GetNATSURL() string
	GetHTTPPublisherURL() string
}
