// Package dispatch runs the worker pool of a subscription group: each worker
// pulls a delivery, decodes it, runs the middleware chain and handler and
// settles the delivery according to the outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/drblury/flowbus/internal/runtime/convert"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	"github.com/drblury/flowbus/internal/runtime/middleware"
	"github.com/drblury/flowbus/transport"
)

// UnroutablePolicy decides what happens to a message nobody handles.
type UnroutablePolicy int

const (
	// UnroutableAcknowledge deletes the message.
	UnroutableAcknowledge UnroutablePolicy = iota
	// UnroutableLeave leaves it for redelivery and, eventually, the
	// queue's dead letter queue.
	UnroutableLeave
)

func (p UnroutablePolicy) String() string {
	if p == UnroutableLeave {
		return "leave"
	}
	return "acknowledge"
}

// ParseUnroutablePolicy accepts "acknowledge", "leave" or "" (acknowledge).
func ParseUnroutablePolicy(s string) (UnroutablePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "acknowledge":
		return UnroutableAcknowledge, nil
	case "leave":
		return UnroutableLeave, nil
	default:
		return UnroutableAcknowledge, fmt.Errorf("flowbus: unknown unroutable policy %q", s)
	}
}

// Outcome is the disposition of one delivery.
type Outcome int

const (
	// OutcomeHandled: the handler returned true and the message was deleted.
	OutcomeHandled Outcome = iota
	// OutcomeRejected: the handler returned false or failed; left for redelivery.
	OutcomeRejected
	// OutcomeDecodeFailed: the body could not be decoded; left for redelivery.
	OutcomeDecodeFailed
	// OutcomeUnroutable: no handler for the subject on the queue.
	OutcomeUnroutable
	// OutcomeDeleteFailed: the handler succeeded but the delete call failed.
	OutcomeDeleteFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHandled:
		return "handled"
	case OutcomeRejected:
		return "rejected"
	case OutcomeDecodeFailed:
		return "decode_failed"
	case OutcomeUnroutable:
		return "unroutable"
	case OutcomeDeleteFailed:
		return "delete_failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result describes one dispatched delivery.
type Result struct {
	Group    string
	Queue    string
	Subject  string
	Handler  string
	Outcome  Outcome
	Duration time.Duration
	Err      error
}

// Observer receives a Result per delivery, plus one per failed delete.
// Implementations must be safe for concurrent use.
type Observer interface {
	Dispatched(Result)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Result)

func (f ObserverFunc) Dispatched(r Result) { f(r) }

// Config sizes the worker pool.
type Config struct {
	Group            string
	Queues           []string
	Concurrency      int
	UnroutablePolicy UnroutablePolicy
}

type route struct {
	entry   Entry
	handler middleware.Handler
}

// Dispatcher is the worker pool of one group. The middleware chain of every
// route is built once, in New.
type Dispatcher struct {
	cfg       Config
	handlers  *HandlerMap
	converter *convert.Converter
	ack       transport.Acknowledger
	logger    loggingpkg.ServiceLogger
	observers []Observer
	routes    map[string]map[string]route
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observers = append(d.observers, o)
		}
	}
}

// New builds a dispatcher for cfg.Queues. Exception containment is always
// the outermost behaviour; mws follow in order, then each entry's own
// middlewares.
func New(cfg Config, handlers *HandlerMap, converter *convert.Converter, ack transport.Acknowledger, logger loggingpkg.ServiceLogger, mws []middleware.Middleware, opts ...Option) *Dispatcher {
	if logger == nil {
		panic("flowbus: ServiceLogger cannot be nil")
	}
	if handlers == nil || converter == nil || ack == nil {
		panic("flowbus: dispatcher dependencies cannot be nil")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	d := &Dispatcher{
		cfg:       cfg,
		handlers:  handlers,
		converter: converter,
		ack:       ack,
		logger:    logger.With(loggingpkg.LogFields{"group": cfg.Group}),
		routes:    make(map[string]map[string]route),
	}
	for _, opt := range opts {
		opt(d)
	}

	containment := middleware.ExceptionContainment(d.logger)
	for _, queue := range cfg.Queues {
		byQueue := make(map[string]route)
		for _, e := range handlers.Entries(queue) {
			chain := make([]middleware.Middleware, 0, 1+len(mws)+len(e.Middlewares))
			chain = append(chain, containment)
			chain = append(chain, mws...)
			chain = append(chain, e.Middlewares...)
			byQueue[e.Subject] = route{entry: e, handler: middleware.Chain(e.Handler, chain...)}
		}
		d.routes[queue] = byQueue
	}
	return d
}

// Concurrency returns the number of workers.
func (d *Dispatcher) Concurrency() int { return d.cfg.Concurrency }

// Run starts Concurrency workers reading from in and blocks until all have
// returned. Workers exit when in is closed and drained, or when ctx is
// cancelled; a worker busy with a delivery finishes it first. Handlers run
// with a context that is not cancelled by ctx.
func (d *Dispatcher) Run(ctx context.Context, in <-chan transport.Delivery) error {
	p := pool.New().WithMaxGoroutines(d.cfg.Concurrency)
	for i := 0; i < d.cfg.Concurrency; i++ {
		p.Go(func() {
			d.work(ctx, in)
		})
	}
	p.Wait()
	return nil
}

func (d *Dispatcher) work(ctx context.Context, in <-chan transport.Delivery) {
	handlerCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case del, ok := <-in:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				// Left for redelivery once its visibility timeout expires.
				return
			}
			d.Dispatch(handlerCtx, del)
		}
	}
}

// Dispatch processes one delivery to completion and returns its outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, del transport.Delivery) Outcome {
	start := time.Now()
	fields := loggingpkg.LogFields{"queue": del.Queue, "message_id": del.MessageID}

	u, err := d.converter.Unwrap(del)
	if err != nil {
		d.logger.Error("Failed to decode message", err, fields)
		d.report(Result{Queue: del.Queue, Outcome: OutcomeDecodeFailed, Duration: time.Since(start), Err: err})
		return OutcomeDecodeFailed
	}

	subject := u.Subject
	if subject == "" {
		subject = d.handlers.DefaultSubject(del.Queue)
	}
	if subject == "" {
		err := &errspkg.DecodeError{Queue: del.Queue, MessageID: del.MessageID, Err: errspkg.ErrSubjectMissing}
		d.logger.Error("Failed to decode message", err, fields)
		d.report(Result{Queue: del.Queue, Outcome: OutcomeDecodeFailed, Duration: time.Since(start), Err: err})
		return OutcomeDecodeFailed
	}
	fields["subject"] = subject

	r, ok := d.routes[del.Queue][subject]
	if !ok {
		return d.unroutable(ctx, del, subject, fields, start)
	}

	received, err := d.converter.Decode(del, u, subject, r.entry.Serializer)
	if err != nil {
		d.logger.Error("Failed to decode message", err, fields)
		d.report(Result{Queue: del.Queue, Subject: subject, Handler: r.entry.Name, Outcome: OutcomeDecodeFailed, Duration: time.Since(start), Err: err})
		return OutcomeDecodeFailed
	}

	hc := &middleware.HandleContext{
		Queue:         del.Queue,
		Group:         d.cfg.Group,
		Subject:       subject,
		MessageID:     del.MessageID,
		ReceiptHandle: del.ReceiptHandle,
		ReceiveCount:  del.ReceiveCount,
		SentAt:        del.SentAt,
		Attributes:    received.Attributes,
		Message:       received.Message,
		HandlerName:   r.entry.Name,
		Logger:        d.logger.With(fields),
	}
	hc.SetVisibilityChanger(d.ack)

	handled, _ := r.handler(ctx, hc)
	result := Result{Queue: del.Queue, Subject: subject, Handler: r.entry.Name, Duration: time.Since(start), Err: hc.Err()}
	if !handled {
		result.Outcome = OutcomeRejected
		d.report(result)
		return OutcomeRejected
	}

	result.Outcome = OutcomeHandled
	d.report(result)
	if err := d.ack.Delete(ctx, del.Queue, del.ReceiptHandle); err != nil {
		if errors.Is(err, transport.ErrReceiptInvalid) {
			fields["error"] = err.Error()
			d.logger.Info("Receipt expired before the handled message was deleted", fields)
		} else {
			d.logger.Error("Failed to delete handled message", err, fields)
		}
		d.report(Result{Queue: del.Queue, Subject: subject, Handler: r.entry.Name, Outcome: OutcomeDeleteFailed, Duration: time.Since(start), Err: err})
		return OutcomeDeleteFailed
	}
	return OutcomeHandled
}

func (d *Dispatcher) unroutable(ctx context.Context, del transport.Delivery, subject string, fields loggingpkg.LogFields, start time.Time) Outcome {
	err := &errspkg.UnroutableError{Queue: del.Queue, Subject: subject}
	fields["policy"] = d.cfg.UnroutablePolicy.String()
	d.logger.Info("No handler registered for message", fields)
	d.report(Result{Queue: del.Queue, Subject: subject, Outcome: OutcomeUnroutable, Duration: time.Since(start), Err: err})

	if d.cfg.UnroutablePolicy == UnroutableAcknowledge {
		if derr := d.ack.Delete(ctx, del.Queue, del.ReceiptHandle); derr != nil {
			d.logger.Error("Failed to delete unroutable message", derr, fields)
			d.report(Result{Queue: del.Queue, Subject: subject, Outcome: OutcomeDeleteFailed, Duration: time.Since(start), Err: derr})
		}
	}
	return OutcomeUnroutable
}

func (d *Dispatcher) report(r Result) {
	r.Group = d.cfg.Group
	for _, o := range d.observers {
		o.Dispatched(r)
	}
}
