package transport

// Capabilities describes what a transport can do for the bus.
type Capabilities struct {
	// Name is the registry name of the transport.
	Name string

	// SupportsReceive indicates the transport implements Receiver and
	// Acknowledger and can therefore back subscription groups.
	SupportsReceive bool

	// SupportsVisibility indicates ChangeVisibility actually delays
	// redelivery, which the visibility extension and backoff middlewares need.
	SupportsVisibility bool

	// SupportsTopics indicates topic destinations fan out to subscribers.
	SupportsTopics bool

	// SupportsNativeDLQ indicates a redrive policy can route poison messages.
	SupportsNativeDLQ bool

	// SupportsAttributes indicates typed attributes survive the round trip.
	// Bridges flatten attributes into string headers.
	SupportsAttributes bool

	// MaxMessageSize in bytes, body and attributes combined (0 = unknown).
	MaxMessageSize int64

	// MaxBatchSize is the largest receive batch (0 = not applicable).
	MaxBatchSize int
}

// CanConsume reports whether the transport can back a subscription group.
func (c Capabilities) CanConsume() bool {
	return c.SupportsReceive
}

// NeedsCompression reports whether a body of size bytes is over the
// transport limit and should be compressed before publishing.
func (c Capabilities) NeedsCompression(size int) bool {
	return c.MaxMessageSize > 0 && int64(size) > c.MaxMessageSize
}

// Predefined capability sets.
var (
	AWSCapabilities = Capabilities{
		Name:               "aws",
		SupportsReceive:    true,
		SupportsVisibility: true,
		SupportsTopics:     true,
		SupportsNativeDLQ:  true,
		SupportsAttributes: true,
		MaxMessageSize:     262144, // 256KB
		MaxBatchSize:       MaxReceiveBatch,
	}

	MemoryCapabilities = Capabilities{
		Name:               "memory",
		SupportsReceive:    true,
		SupportsVisibility: true,
		SupportsTopics:     true,
		SupportsAttributes: true,
		MaxBatchSize:       MaxReceiveBatch,
	}

	// SQLiteCapabilities for the SQLite-backed durable queue.
	SQLiteCapabilities = Capabilities{
		Name:               "sqlite",
		SupportsReceive:    true,
		SupportsVisibility: true,
		SupportsTopics:     true,
		SupportsNativeDLQ:  true,
		SupportsAttributes: true,
		MaxBatchSize:       MaxReceiveBatch,
	}

	// PostgresCapabilities for the PostgreSQL-backed durable queue.
	PostgresCapabilities = Capabilities{
		Name:               "postgres",
		SupportsReceive:    true,
		SupportsVisibility: true,
		SupportsTopics:     true,
		SupportsNativeDLQ:  true,
		SupportsAttributes: true,
		MaxBatchSize:       MaxReceiveBatch,
	}

	ChannelCapabilities = Capabilities{
		Name:           "channel",
		SupportsTopics: true,
	}

	KafkaCapabilities = Capabilities{
		Name:           "kafka",
		SupportsTopics: true,
		MaxMessageSize: 1048576, // Default 1MB
	}

	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsTopics:    true,
		SupportsNativeDLQ: true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		SupportsTopics: true,
		MaxMessageSize: 1048576, // Default 1MB
	}

	HTTPCapabilities = Capabilities{
		Name: "http",
	}
)

// GetCapabilities looks up capabilities in the default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
