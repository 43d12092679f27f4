// Package group coordinates one subscription group: the receive sources of
// its queues, the bounded channel they share and the dispatcher pool that
// drains it.
package group

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/drblury/flowbus/internal/runtime/convert"
	"github.com/drblury/flowbus/internal/runtime/dispatch"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	"github.com/drblury/flowbus/internal/runtime/middleware"
	"github.com/drblury/flowbus/internal/runtime/receive"
	"github.com/drblury/flowbus/transport"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("flowbus: subscription group already started")

// Config describes one subscription group.
type Config struct {
	Name        string
	Concurrency int
	BufferSize  int
	Queues      []string
	// Receive is the template for every queue's poll loop; Queue is set per
	// source.
	Receive          receive.SourceConfig
	UnroutablePolicy dispatch.UnroutablePolicy
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errspkg.ErrGroupRequired)
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("%w: concurrency limit must be positive, got %d", errspkg.ErrInvalidGroupConfig, c.Concurrency))
	}
	if c.BufferSize < 1 {
		errs = append(errs, fmt.Errorf("%w: buffer size must be positive, got %d", errspkg.ErrInvalidGroupConfig, c.BufferSize))
	}
	if len(c.Queues) == 0 {
		errs = append(errs, fmt.Errorf("%w: at least one queue is required", errspkg.ErrInvalidGroupConfig))
	}
	seen := make(map[string]struct{}, len(c.Queues))
	for _, q := range c.Queues {
		if q == "" {
			errs = append(errs, errspkg.ErrQueueRequired)
			continue
		}
		if _, dup := seen[q]; dup {
			errs = append(errs, fmt.Errorf("%w: queue %q listed twice", errspkg.ErrInvalidGroupConfig, q))
		}
		seen[q] = struct{}{}
	}
	return errors.Join(errs...)
}

// Deps are the collaborators shared by every group of a bus.
type Deps struct {
	Client      transport.Client
	Handlers    *dispatch.HandlerMap
	Converter   *convert.Converter
	Pause       *receive.PauseSignal
	Middlewares []middleware.Middleware
	Logger      loggingpkg.ServiceLogger

	SourceObserver   receive.Observer
	DispatchObserver dispatch.Observer
}

// Coordinator starts and stops one group. Start and Stop may each be called
// once.
type Coordinator struct {
	cfg  Config
	deps Deps

	mu             sync.Mutex
	started        bool
	mux            *receive.Multiplexer
	cancelSources  context.CancelFunc
	cancelDispatch context.CancelFunc
	done           chan struct{}
}

// New validates cfg and returns an idle coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Logger == nil {
		panic("flowbus: ServiceLogger cannot be nil")
	}
	if deps.Client == nil {
		return nil, errspkg.ErrClientRequired
	}
	if deps.Handlers == nil || deps.Converter == nil {
		return nil, fmt.Errorf("%w: handlers and converter are required", errspkg.ErrInvalidGroupConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Queues = append([]string(nil), cfg.Queues...)
	deps.Logger = deps.Logger.With(loggingpkg.LogFields{"group": cfg.Name})
	return &Coordinator{cfg: cfg, deps: deps, done: make(chan struct{})}, nil
}

// Name returns the group name.
func (c *Coordinator) Name() string { return c.cfg.Name }

// Config returns a copy of the group configuration.
func (c *Coordinator) Config() Config {
	cfg := c.cfg
	cfg.Queues = append([]string(nil), c.cfg.Queues...)
	return cfg
}

// Buffered returns how many deliveries wait in the group channel.
func (c *Coordinator) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mux == nil {
		return 0
	}
	return c.mux.Buffered()
}

// Running reports whether the group has started and not yet finished.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done is closed once every worker has returned after Stop or after ctx
// passed to Start is cancelled.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Start checks that every queue exists and has a handler, then starts the
// sources and the dispatcher pool in the background. Cancelling ctx has the
// same effect as Stop without a deadline.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}

	for _, q := range c.cfg.Queues {
		if !c.deps.Handlers.Has(q) {
			return fmt.Errorf("%w %q", errspkg.ErrNoHandlers, q)
		}
		if resolver, ok := c.deps.Client.(transport.QueueResolver); ok {
			if err := resolver.ResolveQueue(ctx, q); err != nil {
				return fmt.Errorf("%w: %q: %w", errspkg.ErrUnknownQueue, q, err)
			}
		}
	}

	var sourceOpts []receive.SourceOption
	if c.deps.SourceObserver != nil {
		sourceOpts = append(sourceOpts, receive.WithObserver(c.deps.SourceObserver))
	}
	sources := make([]*receive.Source, 0, len(c.cfg.Queues))
	for _, q := range c.cfg.Queues {
		sc := c.cfg.Receive
		sc.Queue = q
		sources = append(sources, receive.NewSource(c.deps.Client, c.deps.Pause, sc, c.deps.Logger, sourceOpts...))
	}
	c.mux = receive.NewMultiplexer(c.cfg.BufferSize, c.deps.Logger, sources...)

	var dispatchOpts []dispatch.Option
	if c.deps.DispatchObserver != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithObserver(c.deps.DispatchObserver))
	}
	dispatcher := dispatch.New(dispatch.Config{
		Group:            c.cfg.Name,
		Queues:           c.cfg.Queues,
		Concurrency:      c.cfg.Concurrency,
		UnroutablePolicy: c.cfg.UnroutablePolicy,
	}, c.deps.Handlers, c.deps.Converter, c.deps.Client, c.deps.Logger, c.deps.Middlewares, dispatchOpts...)

	sourceCtx, cancelSources := context.WithCancel(ctx)
	dispatchCtx, cancelDispatch := context.WithCancel(context.WithoutCancel(ctx))
	c.cancelSources = cancelSources
	c.cancelDispatch = cancelDispatch
	c.started = true

	mux := c.mux
	go func() {
		_ = mux.Run(sourceCtx)
	}()
	go func() {
		defer close(c.done)
		defer cancelDispatch()
		_ = dispatcher.Run(dispatchCtx, mux.Messages())
		c.deps.Logger.Info("Subscription group stopped", nil)
	}()

	c.deps.Logger.Info("Subscription group started", loggingpkg.LogFields{
		"queues":      c.cfg.Queues,
		"concurrency": c.cfg.Concurrency,
		"buffer_size": c.cfg.BufferSize,
	})
	return nil
}

// Stop cancels the sources, lets the workers drain the channel and waits for
// the in-flight handlers. When ctx ends first the workers stop pulling, the
// remaining deliveries are left for redelivery and ErrGroupStopTimeout is
// returned; running handlers still finish in the background.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	cancelSources, cancelDispatch := c.cancelSources, c.cancelDispatch
	c.mu.Unlock()

	cancelSources()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		cancelDispatch()
		c.deps.Logger.Error("Subscription group did not drain in time", ctx.Err(), loggingpkg.LogFields{"buffered": c.Buffered()})
		return fmt.Errorf("%w: %s", errspkg.ErrGroupStopTimeout, c.cfg.Name)
	}
}
