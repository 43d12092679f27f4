package middleware

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	"github.com/drblury/flowbus/transport"
)

// PanicError is recorded when a handler panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// ExceptionContainment turns handler errors and panics into a false result.
// The cause is recorded on the HandleContext and logged, never returned.
func ExceptionContainment(logger loggingpkg.ServiceLogger) Middleware {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, hc *HandleContext) (handled bool, err error) {
			defer func() {
				if r := recover(); r != nil {
					perr := &PanicError{Value: r, Stack: string(debug.Stack())}
					hc.RecordError(perr)
					logger.Error("Handler panicked", perr, fieldsOf(hc))
					handled, err = false, nil
				}
			}()

			handled, err = next(ctx, hc)
			if err != nil {
				hc.RecordError(err)
				logger.Error("Handler failed", err, fieldsOf(hc))
				return false, nil
			}
			return handled, nil
		}
	}
}

// Stopwatch measures every invocation and reports it to observe.
func Stopwatch(observe func(hc *HandleContext, elapsed time.Duration, handled bool, err error)) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, hc *HandleContext) (bool, error) {
			start := time.Now()
			handled, err := next(ctx, hc)
			if observe != nil {
				observe(hc, time.Since(start), handled, err)
			}
			return handled, err
		}
	}
}

// ErrHandlerTimeout is returned when Timeout gives up on a handler.
var ErrHandlerTimeout = errors.New("flowbus: handler timed out")

// Timeout bounds the time the rest of the chain may take. On expiry the
// handler's context is cancelled and Timeout waits for it to return before
// reporting false with ErrHandlerTimeout, so the worker stays occupied until
// the handler is done with the HandleContext.
func Timeout(d time.Duration) Middleware {
	return func(next Handler) Handler {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, hc *HandleContext) (bool, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			type result struct {
				handled bool
				err     error
			}
			done := make(chan result, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- result{err: &PanicError{Value: r, Stack: string(debug.Stack())}}
					}
				}()
				handled, err := next(ctx, hc)
				done <- result{handled: handled, err: err}
			}()

			select {
			case r := <-done:
				return r.handled, r.err
			case <-ctx.Done():
				cancel()
				if r := <-done; r.err != nil {
					return false, fmt.Errorf("%w after %s: %w", ErrHandlerTimeout, d, r.err)
				}
				return false, fmt.Errorf("%w after %s", ErrHandlerTimeout, d)
			}
		}
	}
}

// Logging logs every outcome at debug level and failures at error level.
func Logging(logger loggingpkg.ServiceLogger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, hc *HandleContext) (bool, error) {
			log := logger
			if log == nil {
				log = hc.Logger
			}
			if log == nil {
				return next(ctx, hc)
			}
			log.Debug("Handling message", fieldsOf(hc))
			handled, err := next(ctx, hc)
			fields := fieldsOf(hc)
			fields["handled"] = handled
			if err != nil {
				log.Error("Message handling returned an error", err, fields)
			} else {
				log.Debug("Message handled", fields)
			}
			return handled, err
		}
	}
}

// Pauser is the part of the pause signal PauseOnError needs.
type Pauser interface {
	Pause()
	Resume()
	IsPaused() bool
}

// PauseOnError pauses consumption when the handler fails with an error
// matching filter (every error when filter is nil). When resumeAfter is
// positive consumption resumes automatically. At most one resume is pending
// at a time, and a pause that was already in place is never lifted.
func PauseOnError(p Pauser, filter func(error) bool, resumeAfter time.Duration, logger loggingpkg.ServiceLogger) Middleware {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	var (
		mu      sync.Mutex
		pending bool
	)
	trip := func() (paused bool) {
		mu.Lock()
		defer mu.Unlock()
		if pending || p.IsPaused() {
			return false
		}
		p.Pause()
		if resumeAfter > 0 {
			pending = true
			time.AfterFunc(resumeAfter, func() {
				mu.Lock()
				defer mu.Unlock()
				pending = false
				p.Resume()
			})
		}
		return true
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, hc *HandleContext) (bool, error) {
			handled, err := next(ctx, hc)
			if err != nil && (filter == nil || filter(err)) && trip() {
				fields := fieldsOf(hc)
				fields["resume_after"] = resumeAfter.String()
				logger.Error("Pausing consumption after handler error", err, fields)
			}
			return handled, err
		}
	}
}

// VisibilityExtension keeps a long running message invisible by extending
// its visibility to extendBy every interval until the handler returns.
func VisibilityExtension(interval, extendBy time.Duration, logger loggingpkg.ServiceLogger) Middleware {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return func(next Handler) Handler {
		if interval <= 0 || extendBy <= 0 {
			return next
		}
		return func(ctx context.Context, hc *HandleContext) (bool, error) {
			stop := make(chan struct{})
			finished := make(chan struct{})
			go func() {
				defer close(finished)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-stop:
						return
					case <-ctx.Done():
						return
					case <-ticker.C:
						err := hc.UpdateVisibility(ctx, extendBy)
						if errors.Is(err, transport.ErrReceiptInvalid) {
							fields := fieldsOf(hc)
							fields["error"] = err.Error()
							logger.Info("Receipt expired, no longer extending visibility", fields)
							return
						}
						if err != nil {
							logger.Error("Failed to extend message visibility", err, fieldsOf(hc))
						}
					}
				}
			}()
			defer func() {
				close(stop)
				<-finished
			}()
			return next(ctx, hc)
		}
	}
}

// BackoffPolicy derives the redelivery delay of a failed message from its
// receive count.
type BackoffPolicy func(receiveCount int) time.Duration

// ExponentialBackoff doubles initial per receive, capped at max.
func ExponentialBackoff(initial, max time.Duration) BackoffPolicy {
	return func(receiveCount int) time.Duration {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = initial
		bo.MaxInterval = max
		bo.Multiplier = 2
		bo.RandomizationFactor = 0
		delay := bo.NextBackOff()
		for i := 1; i < receiveCount; i++ {
			delay = bo.NextBackOff()
		}
		return delay
	}
}

// Backoff delays the redelivery of failed messages by changing their
// visibility to policy(receiveCount).
func Backoff(policy BackoffPolicy, logger loggingpkg.ServiceLogger) Middleware {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return func(next Handler) Handler {
		if policy == nil {
			return next
		}
		return func(ctx context.Context, hc *HandleContext) (bool, error) {
			handled, err := next(ctx, hc)
			if handled && err == nil {
				return handled, err
			}
			delay := policy(hc.ReceiveCount)
			if verr := hc.UpdateVisibility(context.WithoutCancel(ctx), delay); verr != nil && !errors.Is(verr, ErrVisibilityUnavailable) {
				logger.Error("Failed to back off message", verr, fieldsOf(hc))
			}
			return handled, err
		}
	}
}

func fieldsOf(hc *HandleContext) loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"queue":         hc.Queue,
		"subject":       hc.Subject,
		"message_id":    hc.MessageID,
		"receive_count": hc.ReceiveCount,
	}
}
