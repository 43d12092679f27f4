package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/flowbus/internal/runtime/compression"
	configpkg "github.com/drblury/flowbus/internal/runtime/config"
	"github.com/drblury/flowbus/internal/runtime/convert"
	"github.com/drblury/flowbus/internal/runtime/dispatch"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	"github.com/drblury/flowbus/internal/runtime/group"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	"github.com/drblury/flowbus/internal/runtime/messages"
	"github.com/drblury/flowbus/internal/runtime/middleware"
	"github.com/drblury/flowbus/internal/runtime/receive"
	transportpkg "github.com/drblury/flowbus/internal/runtime/transport"
)

// BusDependencies holds the optional collaborators of a Bus. Leave fields nil
// to use the defaults.
type BusDependencies struct {
	TransportFactory          transportpkg.Factory
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips the default middleware chain when true.
	Compressors               *compression.Registry
	Serializers               *messages.Registry
	TracerProvider            trace.TracerProvider
	Propagator                propagation.TextMapPropagator
	MetricsRegisterer         prometheus.Registerer
	PublishErrorHandler       PublishErrorHandler
	ErrorClassifier           ErrorClassifier
	// Component is stamped as RaisingComponent on published messages.
	Component string
	// Now replaces time.Now when stamping messages.
	Now func() time.Time
}

// SubscriptionGroup declares a named set of queues sharing one worker pool.
// Zero limits fall back to the configured group overrides, then the bus
// defaults.
type SubscriptionGroup struct {
	Name             string
	Queues           []string
	ConcurrencyLimit int
	BufferSize       int
}

type groupEntry struct {
	spec        SubscriptionGroup
	coordinator *group.Coordinator
}

// Bus wires transports, subscription groups, handlers and publishers. Register
// groups, handlers and publishers before calling Start.
type Bus struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport  transportpkg.Set
	converter  *convert.Converter
	handlers   *dispatch.HandlerMap
	pause      *receive.PauseSignal
	metrics    *BusMetrics
	propagator propagation.TextMapPropagator
	tracer     trace.TracerProvider

	component      string
	now            func() time.Time
	onPublishError PublishErrorHandler

	// lifecycleMu orders middleware builders against Start.
	lifecycleMu sync.Mutex
	mu          sync.RWMutex
	groups      []*groupEntry
	publishers  map[string]publisherEntry
	middlewares []namedMiddleware
	stats       []*HandlerInfo
	started     bool
	stopped     bool
	manualPause atomic.Bool

	errorClassifier ErrorClassifier
	resourceTracker *resourceTracker

	httpServers   map[int]*http.ServeMux
	httpRunning   []*http.Server
	httpServersMu sync.Mutex
	webUIMounted  bool
}

type namedMiddleware struct {
	name string
	mw   middleware.Middleware
}

// NewBus validates conf, builds the transports and registers the middleware
// chain. Groups declared in conf.Groups are added immediately.
func NewBus(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps BusDependencies) (*Bus, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		panic("flowbus: ServiceLogger cannot be nil")
	}
	withDefaults := conf.WithDefaults()
	conf = &withDefaults
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	log.Info("Creating message bus", loggingpkg.LogFields{
		"transport": conf.Transport,
		"config":    conf,
	})

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	set, err := factory.Build(ctx, conf, loggingpkg.NewWatermillAdapter(log))
	if err != nil {
		return nil, fmt.Errorf("build transport %s: %w", conf.Transport, err)
	}

	serializers := deps.Serializers
	if serializers == nil {
		serializers = messages.NewRegistry()
	}
	compressors := deps.Compressors
	if compressors == nil {
		compressors = compression.DefaultRegistry()
	}
	registerer := deps.MetricsRegisterer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	b := &Bus{
		Conf:            conf,
		Logger:          log,
		transport:       set,
		converter:       convert.New(serializers, compressors),
		handlers:        dispatch.NewHandlerMap(),
		pause:           receive.NewPauseSignal(),
		metrics:         NewBusMetrics(registerer),
		propagator:      deps.Propagator,
		tracer:          deps.TracerProvider,
		component:       deps.Component,
		now:             deps.Now,
		onPublishError:  deps.PublishErrorHandler,
		publishers:      make(map[string]publisherEntry),
		errorClassifier: deps.ErrorClassifier,
		resourceTracker: newResourceTracker(),
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.component == "" {
		b.component = "flowbus"
	}
	if b.errorClassifier == nil {
		b.errorClassifier = defaultErrorClassifier
	}

	if err := b.registerConfiguredMiddlewares(deps); err != nil {
		_ = set.Close()
		return nil, err
	}

	names := make([]string, 0, len(conf.Groups))
	for name := range conf.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := b.AddSubscriptionGroup(SubscriptionGroup{Name: name, Queues: conf.Groups[name].Queues}); err != nil {
			_ = set.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *Bus) registerConfiguredMiddlewares(deps BusDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := b.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// AddSubscriptionGroup declares a group. Adding a group with an existing name
// merges its queues into the existing group.
func (b *Bus) AddSubscriptionGroup(spec SubscriptionGroup) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	if spec.Name == "" {
		return errspkg.ErrGroupRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errspkg.ErrBusStarted
	}

	defaults := b.Conf.Group(spec.Name)
	if spec.ConcurrencyLimit == 0 {
		spec.ConcurrencyLimit = defaults.ConcurrencyLimit
	}
	if spec.BufferSize == 0 {
		spec.BufferSize = defaults.BufferSize
	}
	if spec.ConcurrencyLimit < 0 || spec.BufferSize < 0 {
		return fmt.Errorf("%w: group %s limits must be positive", errspkg.ErrInvalidGroupConfig, spec.Name)
	}

	for _, q := range spec.Queues {
		if q == "" {
			return errspkg.ErrQueueRequired
		}
		if owner := b.groupOfLocked(q); owner != nil && owner.spec.Name != spec.Name {
			return fmt.Errorf("%w: queue %q already belongs to group %s", errspkg.ErrInvalidGroupConfig, q, owner.spec.Name)
		}
	}

	for _, g := range b.groups {
		if g.spec.Name == spec.Name {
			for _, q := range spec.Queues {
				if !contains(g.spec.Queues, q) {
					g.spec.Queues = append(g.spec.Queues, q)
				}
			}
			g.spec.ConcurrencyLimit = spec.ConcurrencyLimit
			g.spec.BufferSize = spec.BufferSize
			return nil
		}
	}
	spec.Queues = dedupe(spec.Queues)
	b.groups = append(b.groups, &groupEntry{spec: spec})
	return nil
}

// ensureQueueGroupLocked places queue in a group of its own name unless a
// group already owns it.
func (b *Bus) ensureQueueGroupLocked(queue string) {
	if b.groupOfLocked(queue) != nil {
		return
	}
	defaults := b.Conf.Group(queue)
	b.groups = append(b.groups, &groupEntry{spec: SubscriptionGroup{
		Name:             queue,
		Queues:           []string{queue},
		ConcurrencyLimit: defaults.ConcurrencyLimit,
		BufferSize:       defaults.BufferSize,
	}})
}

func (b *Bus) groupOfLocked(queue string) *groupEntry {
	for _, g := range b.groups {
		if contains(g.spec.Queues, queue) {
			return g
		}
	}
	return nil
}

// Start makes the publishers ready, then starts every subscription group.
// It returns once all groups are running; cancelling ctx stops them. A failed
// Start stops whatever it had started and leaves the bus startable again.
func (b *Bus) Start(ctx context.Context) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	b.lifecycleMu.Lock()
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		b.lifecycleMu.Unlock()
		return errspkg.ErrBusStarted
	}
	b.started = true
	groups := append([]*groupEntry(nil), b.groups...)
	b.mu.Unlock()
	b.lifecycleMu.Unlock()

	if err := b.startGroups(ctx, groups); err != nil {
		b.mu.Lock()
		for _, g := range groups {
			g.coordinator = nil
		}
		b.started = false
		b.mu.Unlock()
		return err
	}

	b.Logger.Info("Message bus started", loggingpkg.LogFields{
		"groups":     len(groups),
		"publishers": len(b.publishers),
		"bridges":    b.transport.BridgeNames(),
	})
	return nil
}

func (b *Bus) startGroups(ctx context.Context, groups []*groupEntry) error {
	unroutable, err := dispatch.ParseUnroutablePolicy(b.Conf.UnroutablePolicy)
	if err != nil {
		return err
	}
	chain := b.middlewareChain()

	coordinators := make([]*group.Coordinator, len(groups))
	for i, g := range groups {
		if !b.handlersForAny(g.spec.Queues) {
			b.Logger.Info("Skipping subscription group without handlers", loggingpkg.LogFields{"group": g.spec.Name})
			continue
		}
		coordinator, err := group.New(group.Config{
			Name:        g.spec.Name,
			Concurrency: g.spec.ConcurrencyLimit,
			BufferSize:  g.spec.BufferSize,
			Queues:      g.spec.Queues,
			Receive: receive.SourceConfig{
				BatchSize:           b.Conf.ReceiveBatchSize,
				WaitTime:            b.Conf.ReceiveWaitTime,
				PauseBackoff:        b.Conf.PauseBackoff,
				ErrorBackoffInitial: b.Conf.ErrorBackoffInitial,
				ErrorBackoffMax:     b.Conf.ErrorBackoffMax,
			},
			UnroutablePolicy: unroutable,
		}, group.Deps{
			Client:           b.transport.Client,
			Handlers:         b.handlers,
			Converter:        b.converter,
			Pause:            b.pause,
			Middlewares:      chain,
			Logger:           b.Logger,
			SourceObserver:   b.metrics,
			DispatchObserver: b.metrics,
		})
		if err != nil {
			return err
		}
		coordinators[i] = coordinator
	}

	if err := b.metrics.Register(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	b.StartWebUIServer()
	b.startHTTPServers()

	b.mu.Lock()
	for i, g := range groups {
		g.coordinator = coordinators[i]
	}
	b.mu.Unlock()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, g := range groups {
		if g.coordinator == nil {
			continue
		}
		eg.Go(func() error {
			if err := g.coordinator.Start(ctx); err != nil {
				return fmt.Errorf("start group %s: %w", g.spec.Name, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(egCtx), b.Conf.StopGracePeriod)
		defer cancel()
		_ = b.stopGroups(stopCtx, groups)
		if stopErr := b.stopHTTPServers(stopCtx); stopErr != nil {
			b.Logger.Error("Failed to stop HTTP servers after start failure", stopErr, nil)
		}
		return err
	}
	return nil
}

func (b *Bus) isStarted() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.started
}

// Run starts the bus, blocks until ctx is cancelled and then stops it within
// the configured grace period.
func (b *Bus) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.Conf.StopGracePeriod)
	defer cancel()
	return b.Stop(stopCtx)
}

// Stop drains every group, then closes the HTTP servers and the transports.
// Groups that do not drain before ctx ends report ErrGroupStopTimeout.
func (b *Bus) Stop(ctx context.Context) error {
	if b == nil {
		return errspkg.ErrBusRequired
	}
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return errspkg.ErrBusNotStarted
	}
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	groups := append([]*groupEntry(nil), b.groups...)
	b.mu.Unlock()

	var errs []error
	if err := b.stopGroups(ctx, groups); err != nil {
		errs = append(errs, err)
	}
	if err := b.stopHTTPServers(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := b.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transports: %w", err))
	}
	b.Logger.Info("Message bus stopped", nil)
	return errors.Join(errs...)
}

func (b *Bus) stopGroups(ctx context.Context, groups []*groupEntry) error {
	var eg errgroup.Group
	errs := make([]error, len(groups))
	for i := len(groups) - 1; i >= 0; i-- {
		g := groups[i]
		if g.coordinator == nil {
			continue
		}
		eg.Go(func() error {
			errs[i] = g.coordinator.Stop(ctx)
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}

// Pause stops every receive source from polling. In-flight and buffered
// messages are still dispatched.
func (b *Bus) Pause() {
	b.manualPause.Store(true)
	b.setPaused(true)
}

// Resume lets receive sources poll again.
func (b *Bus) Resume() {
	b.manualPause.Store(false)
	b.setPaused(false)
}

func (b *Bus) setPaused(paused bool) {
	if paused {
		b.pause.Pause()
		b.metrics.SetPaused(true)
		b.Logger.Info("Consumption paused", nil)
		return
	}
	b.pause.Resume()
	b.metrics.SetPaused(false)
	b.Logger.Info("Consumption resumed", nil)
}

// IsPaused reports the pause state.
func (b *Bus) IsPaused() bool { return b.pause.IsPaused() }

// Metrics returns the bus metrics collector.
func (b *Bus) Metrics() *BusMetrics { return b.metrics }

// Transport returns the transports built for this bus.
func (b *Bus) Transport() transportpkg.Set { return b.transport }

func (b *Bus) handlersForAny(queues []string) bool {
	for _, q := range queues {
		if b.handlers.Has(q) {
			return true
		}
	}
	return false
}

func (b *Bus) middlewareChain() []middleware.Middleware {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]middleware.Middleware, 0, len(b.middlewares))
	for _, m := range b.middlewares {
		out = append(out, m.mw)
	}
	return out
}

func (b *Bus) getErrorClassifier() ErrorClassifier {
	if b.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return b.errorClassifier
}

func (b *Bus) getResourceTracker() *resourceTracker {
	if b.resourceTracker == nil {
		b.resourceTracker = newResourceTracker()
	}
	return b.resourceTracker
}

// RegisterHTTPHandler mounts handler on the HTTP server for port. Servers
// start with the bus.
func (b *Bus) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()

	if b.httpServers == nil {
		b.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := b.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		b.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (b *Bus) startHTTPServers() {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()

	for port, mux := range b.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		b.httpRunning = append(b.httpRunning, srv)
		b.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (b *Bus) stopHTTPServers(ctx context.Context) error {
	b.httpServersMu.Lock()
	servers := b.httpRunning
	b.httpRunning = nil
	b.httpServersMu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func dedupe(list []string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if !contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
