package runtime

import (
	"context"
	"time"

	"github.com/drblury/flowbus/internal/runtime/attributes"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	"github.com/drblury/flowbus/internal/runtime/middleware"
)

// JobContext describes one handler invocation to hooks.
type JobContext struct {
	// HandlerName is the name the handler was registered with.
	HandlerName string
	Queue       string
	Subject     string
	MessageID   string
	Attributes  attributes.MessageAttributes
	// ReceiveCount is 1 on first delivery.
	ReceiveCount int
	Context      context.Context
	StartedAt    time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
}

// JobHooks are optional callbacks around every handler invocation.
type JobHooks struct {
	// OnJobStart runs before the handler.
	OnJobStart func(ctx JobContext)

	// OnJobDone runs when the handler returned true without an error.
	OnJobDone func(ctx JobContext)

	// OnJobError runs when the handler failed or returned false; in the
	// latter case err is ErrNotHandled.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks. The hooks from other run after those of h.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware registers hooks on the bus chain.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: jobHooksMiddleware(hooks),
	}
}

func jobHooksMiddleware(hooks JobHooks) middleware.Middleware {
	return func(next middleware.Handler) middleware.Handler {
		return func(ctx context.Context, hc *middleware.HandleContext) (bool, error) {
			job := JobContext{
				HandlerName:  hc.HandlerName,
				Queue:        hc.Queue,
				Subject:      hc.Subject,
				MessageID:    hc.MessageID,
				Attributes:   hc.Attributes,
				ReceiveCount: hc.ReceiveCount,
				Context:      ctx,
				StartedAt:    time.Now(),
			}
			if hooks.OnJobStart != nil {
				hooks.OnJobStart(job)
			}

			handled, err := next(ctx, hc)
			job.Duration = time.Since(job.StartedAt)

			switch {
			case err != nil:
				if hooks.OnJobError != nil {
					hooks.OnJobError(job, err)
				}
			case !handled:
				if hooks.OnJobError != nil {
					hooks.OnJobError(job, ErrNotHandled)
				}
			default:
				if hooks.OnJobDone != nil {
					hooks.OnJobDone(job)
				}
			}
			return handled, err
		}
	}
}

// LoggingHooks logs job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", loggingpkg.LogFields{
				"handler":       ctx.HandlerName,
				"queue":         ctx.Queue,
				"message_id":    ctx.MessageID,
				"receive_count": ctx.ReceiveCount,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"handler":     ctx.HandlerName,
				"queue":       ctx.Queue,
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"handler":       ctx.HandlerName,
				"queue":         ctx.Queue,
				"message_id":    ctx.MessageID,
				"duration_ms":   ctx.Duration.Milliseconds(),
				"receive_count": ctx.ReceiveCount,
			})
		},
	}
}

// MetricsHooks reports job events to plain callbacks.
func MetricsHooks(onStart, onDone, onError func(handlerName, queue string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.HandlerName, ctx.Queue)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.HandlerName, ctx.Queue)
			}
		},
		OnJobError: func(ctx JobContext, _ error) {
			if onError != nil {
				onError(ctx.HandlerName, ctx.Queue)
			}
		},
	}
}

// AlertingHooks calls alertFunc for every failed job.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{OnJobError: alertFunc}
}
