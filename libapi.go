package flowbus

import (
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/flowbus/internal/runtime"
	"github.com/drblury/flowbus/internal/runtime/attributes"
	"github.com/drblury/flowbus/internal/runtime/compression"
	configpkg "github.com/drblury/flowbus/internal/runtime/config"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	idspkg "github.com/drblury/flowbus/internal/runtime/ids"
	jsoncodec "github.com/drblury/flowbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	"github.com/drblury/flowbus/internal/runtime/messages"
	"github.com/drblury/flowbus/internal/runtime/middleware"
	transportpkg "github.com/drblury/flowbus/internal/runtime/transport"
	"github.com/drblury/flowbus/transport"
)

type (
	Config           = configpkg.Config
	GroupConfig      = configpkg.GroupConfig
	Bus              = runtimepkg.Bus
	BusDependencies  = runtimepkg.BusDependencies
	TransportSet     = transportpkg.Set
	TransportFactory = transportpkg.Factory

	SubscriptionGroup = runtimepkg.SubscriptionGroup

	Message         = messages.Message
	BaseMessage     = messages.BaseMessage
	Serializer      = messages.Serializer
	HandleContext   = middleware.HandleContext
	Handler         = middleware.Handler
	Middleware      = middleware.Middleware
	HandlerOption   = runtimepkg.HandlerOption
	PublisherOption = runtimepkg.PublisherOption
	PublishOption   = runtimepkg.PublishOption
	PublishResult   = runtimepkg.PublishResult

	TypedHandler[T any]           = runtimepkg.TypedHandler[T]
	ProtoHandler[P proto.Message] = runtimepkg.ProtoHandler[P]
	MessageHandlerRegistration    = runtimepkg.MessageHandlerRegistration
	PublishErrorHandler           = runtimepkg.PublishErrorHandler
	MessageAttributes             = attributes.MessageAttributes
	Destination                   = transport.Destination
	Envelope                      = transport.Envelope
	TransportCapabilities         = transport.Capabilities
	TransportBuilder              = transport.Builder
	TransportRegistry             = transport.Registry
	RedrivePolicy                 = transport.RedrivePolicy
	CompressionRegistry           = compression.Registry
	SerializerRegistry            = messages.Registry
	MiddlewareBuilder             = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration        = runtimepkg.MiddlewareRegistration
	BackoffMiddlewareConfig       = runtimepkg.BackoffMiddlewareConfig
	LogFields                     = loggingpkg.LogFields
	ServiceLogger                 = loggingpkg.ServiceLogger
	HandlerInfo                   = runtimepkg.HandlerInfo
	HandlerStats                  = runtimepkg.HandlerStats
	InterrogationResult           = runtimepkg.InterrogationResult
	BusMetrics                    = runtimepkg.BusMetrics
	MetricsSnapshot               = runtimepkg.MetricsSnapshot
	ConfigValidationError         = errspkg.ConfigValidationError
	DecodeError                   = errspkg.DecodeError
	EncodingNotRegisteredError    = errspkg.EncodingNotRegisteredError
	UnroutableError               = errspkg.UnroutableError
	PublishError                  = errspkg.PublishError

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory
)

var (
	NewBus         = runtimepkg.NewBus
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	RegisterMessageHandler = runtimepkg.RegisterMessageHandler
	WithHandlerName        = runtimepkg.WithHandlerName
	WithHandlerMiddleware  = runtimepkg.WithHandlerMiddleware
	WithSerializer         = runtimepkg.WithSerializer
	WithBridge             = runtimepkg.WithBridge
	WithAttributes         = runtimepkg.WithAttributes

	DefaultMiddlewares            = runtimepkg.DefaultMiddlewares
	TracerMiddleware              = runtimepkg.TracerMiddleware
	LogMessagesMiddleware         = runtimepkg.LogMessagesMiddleware
	MetricsMiddleware             = runtimepkg.MetricsMiddleware
	TimeoutMiddleware             = runtimepkg.TimeoutMiddleware
	BackoffMiddleware             = runtimepkg.BackoffMiddleware
	VisibilityExtensionMiddleware = runtimepkg.VisibilityExtensionMiddleware
	PauseOnErrorMiddleware        = runtimepkg.PauseOnErrorMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	NewAttributes           = attributes.New
	StringAttribute         = attributes.String
	BinaryAttribute         = attributes.Binary
	NewSerializerRegistry   = messages.NewRegistry
	DefaultCompressors      = compression.DefaultRegistry
	DefaultTransportFactory = transportpkg.DefaultFactory
	NewTransportFactory     = transportpkg.NewFactory

	// Modular transport registry.
	// Import individual transports via: _ "github.com/drblury/flowbus/transport/aws"
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities
	ParseRedrivePolicy       = transport.ParseRedrivePolicy

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrBusRequired            = errspkg.ErrBusRequired
	ErrHandlerRequired        = errspkg.ErrHandlerRequired
	ErrQueueRequired          = errspkg.ErrQueueRequired
	ErrGroupRequired          = errspkg.ErrGroupRequired
	ErrUnknownQueue           = errspkg.ErrUnknownQueue
	ErrNoHandlers             = errspkg.ErrNoHandlers
	ErrPublisherNotRegistered = errspkg.ErrPublisherNotRegistered
	ErrDestinationRequired    = errspkg.ErrDestinationRequired
	ErrMessageRequired        = errspkg.ErrMessageRequired
	ErrConfigRequired         = errspkg.ErrConfigRequired
	ErrBusStarted             = errspkg.ErrBusStarted
	ErrBusNotStarted          = errspkg.ErrBusNotStarted
	ErrGroupStopTimeout       = errspkg.ErrGroupStopTimeout
	ErrInvalidGroupConfig     = errspkg.ErrInvalidGroupConfig
	ErrNotHandled             = runtimepkg.ErrNotHandled
	IsDecodeError             = errspkg.IsDecodeError
	IsUnroutable              = errspkg.IsUnroutable

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	// NewMessageID returns a time-ordered ULID.
	NewMessageID = idspkg.NewMessageID
)

// Content encodings understood by the default compressor registry.
const (
	EncodingGzipBase64 = compression.EncodingGzipBase64
	EncodingZstdBase64 = compression.EncodingZstdBase64
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryDecode     = runtimepkg.ErrorCategoryDecode
	ErrorCategoryRejected   = runtimepkg.ErrorCategoryRejected
	ErrorCategoryPanic      = runtimepkg.ErrorCategoryPanic
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

// Queue names a queue destination.
func Queue(name string) Destination {
	return Destination{Kind: transport.DestinationQueue, Name: name}
}

// Topic names a topic destination.
func Topic(name string) Destination {
	return Destination{Kind: transport.DestinationTopic, Name: name}
}

func RegisterHandler[T any](bus *Bus, queue string, handler TypedHandler[T], opts ...HandlerOption) error {
	return runtimepkg.RegisterHandler(bus, queue, handler, opts...)
}

func RegisterProtoHandler[P proto.Message](bus *Bus, queue string, handler ProtoHandler[P], opts ...HandlerOption) error {
	return runtimepkg.RegisterProtoHandler(bus, queue, handler, opts...)
}

func RegisterPublisher[T any](bus *Bus, dest Destination, opts ...PublisherOption) error {
	return runtimepkg.RegisterPublisher[T](bus, dest, opts...)
}

func RegisterProtoPublisher[P proto.Message](bus *Bus, dest Destination, opts ...PublisherOption) error {
	return runtimepkg.RegisterProtoPublisher[P](bus, dest, opts...)
}

// RegisterJSONSerializer registers the JSON serializer for T on r and
// returns its subject.
func RegisterJSONSerializer[T any](r *SerializerRegistry) string {
	return messages.RegisterJSON[T](r)
}
