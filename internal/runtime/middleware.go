package runtime

import (
	"errors"
	"time"

	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	"github.com/drblury/flowbus/internal/runtime/middleware"
)

// MiddlewareBuilder constructs a middleware using the bus it is registered on.
// Returning a nil middleware skips the registration.
type MiddlewareBuilder func(*Bus) (middleware.Middleware, error)

// MiddlewareRegistration captures how a middleware is added to the bus chain.
type MiddlewareRegistration struct {
	Name       string
	Middleware middleware.Middleware
	Builder    MiddlewareBuilder
}

// BackoffMiddlewareConfig customises the message backoff middleware.
type BackoffMiddlewareConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (cfg BackoffMiddlewareConfig) withDefaults() BackoffMiddlewareConfig {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Minute
	}
	return cfg
}

// DefaultMiddlewares returns the chain NewBus installs unless disabled. Every
// chain additionally runs inside exception containment.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		TracerMiddleware(),
		LogMessagesMiddleware(nil),
		MetricsMiddleware(),
	}
}

// TracerMiddleware links a consumer span to the trace context carried in the
// message attributes.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(b *Bus) (middleware.Middleware, error) {
			return middleware.TracePropagation(b.tracer, b.propagator), nil
		},
	}
}

// LogMessagesMiddleware logs every dispatch outcome. A nil logger uses the
// per-message logger.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "log_messages",
		Middleware: middleware.Logging(logger),
	}
}

// MetricsMiddleware records handler durations and exposes /metrics on the
// configured port. It is a no-op unless metrics are enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(b *Bus) (middleware.Middleware, error) {
			if !b.Conf.MetricsEnabled {
				return nil, nil
			}
			if b.Conf.MetricsPort > 0 {
				b.RegisterHTTPHandler(b.Conf.MetricsPort, "/metrics", b.metrics.Handler())
			}
			return middleware.Stopwatch(func(hc *middleware.HandleContext, elapsed time.Duration, handled bool, err error) {
				b.metrics.ObserveHandler(hc.Queue, hc.Subject, elapsed, handled && err == nil)
			}), nil
		},
	}
}

// TimeoutMiddleware fails handlers that run longer than d.
func TimeoutMiddleware(d time.Duration) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "timeout",
		Middleware: middleware.Timeout(d),
	}
}

// BackoffMiddleware delays the redelivery of failed messages by changing
// their visibility based on the receive count.
func BackoffMiddleware(cfg BackoffMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name: "backoff",
		Builder: func(b *Bus) (middleware.Middleware, error) {
			if !b.transport.Capabilities.SupportsVisibility {
				b.Logger.Info("Transport cannot delay redelivery, backoff middleware disabled", loggingpkg.LogFields{"transport": b.transport.Name})
				return nil, nil
			}
			return middleware.Backoff(middleware.ExponentialBackoff(normalized.InitialInterval, normalized.MaxInterval), b.Logger), nil
		},
	}
}

// VisibilityExtensionMiddleware keeps long running messages invisible.
func VisibilityExtensionMiddleware(interval, extendBy time.Duration) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "visibility_extension",
		Builder: func(b *Bus) (middleware.Middleware, error) {
			return middleware.VisibilityExtension(interval, extendBy, b.Logger), nil
		},
	}
}

// PauseOnErrorMiddleware pauses the whole bus when a handler fails with an
// error matching filter, resuming after resumeAfter when it is positive.
func PauseOnErrorMiddleware(filter func(error) bool, resumeAfter time.Duration) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "pause_on_error",
		Builder: func(b *Bus) (middleware.Middleware, error) {
			return middleware.PauseOnError(busPauser{b}, filter, resumeAfter, b.Logger), nil
		},
	}
}

// busPauser pauses on behalf of PauseOnError. Its Resume leaves a pause
// requested through Bus.Pause in place.
type busPauser struct{ b *Bus }

func (p busPauser) Pause()         { p.b.setPaused(true) }
func (p busPauser) IsPaused() bool { return p.b.IsPaused() }

func (p busPauser) Resume() {
	if p.b.manualPause.Load() {
		return
	}
	p.b.setPaused(false)
}

// RegisterMiddleware appends the supplied middleware to the bus chain.
func (b *Bus) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if b == nil {
		return errors.New("bus is not initialised")
	}

	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if b.isStarted() {
		return errspkg.ErrBusStarted
	}

	var mw middleware.Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(b)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, namedMiddleware{name: cfg.Name, mw: mw})
	return nil
}

// MiddlewareNames lists the registered middlewares in chain order.
func (b *Bus) MiddlewareNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.middlewares))
	for _, m := range b.middlewares {
		name := m.name
		if name == "" {
			name = "anonymous_middleware"
		}
		names = append(names, name)
	}
	return names
}
