package runtime

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/flowbus/internal/runtime/dispatch"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	"github.com/drblury/flowbus/internal/runtime/messages"
	"github.com/drblury/flowbus/internal/runtime/middleware"
)

// TypedHandler handles one decoded message. Returning true marks the message
// handled and it is deleted; false or an error leaves it for redelivery.
type TypedHandler[T any] func(ctx context.Context, msg *T, hc *middleware.HandleContext) (bool, error)

// ProtoHandler is TypedHandler for generated protobuf types, where P is
// already a pointer.
type ProtoHandler[P proto.Message] func(ctx context.Context, msg P, hc *middleware.HandleContext) (bool, error)

type handlerOptions struct {
	name        string
	serializer  messages.Serializer
	middlewares []middleware.Middleware
}

// HandlerOption customises a handler registration.
type HandlerOption func(*handlerOptions)

// WithHandlerName overrides the default "<Subject>Handler" name.
func WithHandlerName(name string) HandlerOption {
	return func(o *handlerOptions) { o.name = name }
}

// WithHandlerMiddleware adds middlewares that only wrap this handler. They
// run inside the bus chain.
func WithHandlerMiddleware(mws ...middleware.Middleware) HandlerOption {
	return func(o *handlerOptions) { o.middlewares = append(o.middlewares, mws...) }
}

// WithSerializer replaces the serializer used to decode the message type.
func WithSerializer(s messages.Serializer) HandlerOption {
	return func(o *handlerOptions) { o.serializer = s }
}

// MessageHandlerRegistration wires an untyped handler for a subject. The
// decoded message is available as hc.Message.
type MessageHandlerRegistration struct {
	Name       string
	Queue      string
	Subject    string
	Serializer messages.Serializer
	Handler    middleware.Handler
	// Middlewares only wrap this handler.
	Middlewares []middleware.Middleware
}

// RegisterHandler routes messages of type T arriving on queue to handler. The
// queue joins a group of its own name unless a group already owns it.
// Registering the same (queue, type) again replaces the previous handler.
func RegisterHandler[T any](b *Bus, queue string, handler TypedHandler[T], opts ...HandlerOption) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	o := applyHandlerOptions(opts)
	if o.serializer == nil {
		o.serializer = messages.NewJSONSerializer[T]()
	}

	thunk := func(ctx context.Context, hc *middleware.HandleContext) (bool, error) {
		msg, ok := hc.Message.(*T)
		if !ok {
			return false, fmt.Errorf("flowbus: handler for %s received %T", hc.Subject, hc.Message)
		}
		return handler(ctx, msg, hc)
	}
	return b.registerHandler(MessageHandlerRegistration{
		Name:        o.name,
		Queue:       queue,
		Subject:     messages.SubjectFor[T](),
		Serializer:  o.serializer,
		Handler:     thunk,
		Middlewares: o.middlewares,
	})
}

// RegisterProtoHandler routes protobuf messages of type P arriving on queue
// to handler. Bodies are protojson.
func RegisterProtoHandler[P proto.Message](b *Bus, queue string, handler ProtoHandler[P], opts ...HandlerOption) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	o := applyHandlerOptions(opts)
	if o.serializer == nil {
		o.serializer = messages.NewProtoSerializer[P]()
	}

	thunk := func(ctx context.Context, hc *middleware.HandleContext) (bool, error) {
		msg, ok := hc.Message.(P)
		if !ok {
			return false, fmt.Errorf("flowbus: handler for %s received %T", hc.Subject, hc.Message)
		}
		return handler(ctx, msg, hc)
	}
	return b.registerHandler(MessageHandlerRegistration{
		Name:        o.name,
		Queue:       queue,
		Subject:     messages.SubjectFor[P](),
		Serializer:  o.serializer,
		Handler:     thunk,
		Middlewares: o.middlewares,
	})
}

// RegisterMessageHandler attaches an untyped handler to the bus.
func RegisterMessageHandler(b *Bus, cfg MessageHandlerRegistration) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	return b.registerHandler(cfg)
}

func applyHandlerOptions(opts []HandlerOption) handlerOptions {
	var o handlerOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (b *Bus) registerHandler(cfg MessageHandlerRegistration) error {
	if cfg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if cfg.Queue == "" {
		return errspkg.ErrQueueRequired
	}
	if cfg.Subject == "" {
		return fmt.Errorf("%w: subject is required", errspkg.ErrHandlerRequired)
	}
	if cfg.Serializer == nil {
		return fmt.Errorf("%w: serializer is required for %s", errspkg.ErrHandlerRequired, cfg.Subject)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Subject + "Handler"
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errspkg.ErrBusStarted
	}

	if _, ok := b.converter.Serializers().Get(cfg.Subject); !ok {
		b.converter.Serializers().Register(cfg.Subject, cfg.Serializer)
	}

	stats := newHandlerStats(b.getResourceTracker())
	info := &HandlerInfo{Name: cfg.Name, Queue: cfg.Queue, Subject: cfg.Subject, Stats: stats}

	mws := make([]middleware.Middleware, 0, len(cfg.Middlewares)+1)
	mws = append(mws, stats.instrument(b.getErrorClassifier()))
	mws = append(mws, cfg.Middlewares...)

	b.ensureQueueGroupLocked(cfg.Queue)
	replaced := b.handlers.Set(cfg.Queue, dispatch.Entry{
		Name:        cfg.Name,
		Subject:     cfg.Subject,
		Serializer:  cfg.Serializer,
		Handler:     cfg.Handler,
		Middlewares: mws,
	})
	if replaced {
		b.removeStatsLocked(cfg.Queue, cfg.Subject)
		b.Logger.Info("Replaced handler", loggingpkg.LogFields{"queue": cfg.Queue, "subject": cfg.Subject, "handler": cfg.Name})
	}
	b.stats = append(b.stats, info)
	b.Logger.Debug("Registered handler", loggingpkg.LogFields{"queue": cfg.Queue, "subject": cfg.Subject, "handler": cfg.Name})
	return nil
}

func (b *Bus) removeStatsLocked(queue, subject string) {
	kept := b.stats[:0]
	for _, info := range b.stats {
		if info.Queue == queue && info.Subject == subject {
			continue
		}
		kept = append(kept, info)
	}
	b.stats = kept
}

// Handlers returns the registered handlers with their live statistics.
func (b *Bus) Handlers() []*HandlerInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*HandlerInfo(nil), b.stats...)
}
