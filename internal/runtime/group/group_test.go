package group

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowbus/internal/runtime/compression"
	"github.com/drblury/flowbus/internal/runtime/convert"
	"github.com/drblury/flowbus/internal/runtime/dispatch"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	"github.com/drblury/flowbus/internal/runtime/messages"
	"github.com/drblury/flowbus/internal/runtime/middleware"
	"github.com/drblury/flowbus/internal/runtime/receive"
	"github.com/drblury/flowbus/transport"
	"github.com/drblury/flowbus/transport/memory"
)

type OrderPlaced struct {
	messages.BaseMessage
	OrderID string `json:"OrderId"`
}

type harness struct {
	client    *memory.Client
	converter *convert.Converter
	handlers  *dispatch.HandlerMap
	pause     *receive.PauseSignal
	logger    *loggingpkg.Recorder
}

func newHarness(queues ...string) *harness {
	registry := messages.NewRegistry()
	messages.RegisterJSON[OrderPlaced](registry)
	return &harness{
		client:    memory.NewClient(memory.WithQueues(queues...)),
		converter: convert.New(registry, compression.DefaultRegistry()),
		handlers:  dispatch.NewHandlerMap(),
		pause:     receive.NewPauseSignal(),
		logger:    loggingpkg.NewRecorder(),
	}
}

func (h *harness) handle(queue string, fn middleware.Handler) {
	s, _ := h.converter.Serializers().Get("OrderPlaced")
	h.handlers.Set(queue, dispatch.Entry{Name: "orders", Subject: "OrderPlaced", Serializer: s, Handler: fn})
}

func (h *harness) send(t *testing.T, queue string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		env, err := h.converter.ConvertForPublish(&OrderPlaced{OrderID: "o"}, "OrderPlaced", nil, transport.DestinationQueue, convert.CompressionOptions{})
		require.NoError(t, err)
		_, err = h.client.Send(queue, env)
		require.NoError(t, err)
	}
}

func (h *harness) deps() Deps {
	return Deps{Client: h.client, Handlers: h.handlers, Converter: h.converter, Pause: h.pause, Logger: h.logger}
}

func testConfig(queues ...string) Config {
	return Config{
		Name:        "orders",
		Concurrency: 8,
		BufferSize:  10,
		Queues:      queues,
		Receive: receive.SourceConfig{
			WaitTime:            20 * time.Millisecond,
			PauseBackoff:        5 * time.Millisecond,
			ErrorBackoffInitial: 5 * time.Millisecond,
			ErrorBackoffMax:     20 * time.Millisecond,
		},
	}
}

func stop(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing name", mutate: func(c *Config) { c.Name = "" }, wantErr: errspkg.ErrGroupRequired},
		{name: "zero concurrency", mutate: func(c *Config) { c.Concurrency = 0 }, wantErr: errspkg.ErrInvalidGroupConfig},
		{name: "zero buffer", mutate: func(c *Config) { c.BufferSize = 0 }, wantErr: errspkg.ErrInvalidGroupConfig},
		{name: "no queues", mutate: func(c *Config) { c.Queues = nil }, wantErr: errspkg.ErrInvalidGroupConfig},
		{name: "empty queue", mutate: func(c *Config) { c.Queues = []string{""} }, wantErr: errspkg.ErrQueueRequired},
		{name: "duplicate queue", mutate: func(c *Config) { c.Queues = []string{"a", "a"} }, wantErr: errspkg.ErrInvalidGroupConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("orders")
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewRequiresClient(t *testing.T) {
	h := newHarness("orders")
	deps := h.deps()
	deps.Client = nil
	_, err := New(testConfig("orders"), deps)
	assert.ErrorIs(t, err, errspkg.ErrClientRequired)
}

func TestStartFailsFast(t *testing.T) {
	t.Run("unknown queue", func(t *testing.T) {
		h := newHarness()
		h.handle("missing", func(context.Context, *middleware.HandleContext) (bool, error) { return true, nil })
		c, err := New(testConfig("missing"), h.deps())
		require.NoError(t, err)

		err = c.Start(context.Background())
		assert.ErrorIs(t, err, errspkg.ErrUnknownQueue)
		assert.ErrorIs(t, err, memory.ErrQueueNotFound)
		assert.False(t, c.Running())
	})
	t.Run("no handlers", func(t *testing.T) {
		h := newHarness("orders")
		c, err := New(testConfig("orders"), h.deps())
		require.NoError(t, err)

		assert.ErrorIs(t, c.Start(context.Background()), errspkg.ErrNoHandlers)
	})
}

func TestGroupDeletesEveryHandledMessageOnce(t *testing.T) {
	h := newHarness("orders")
	var handled, active, peak atomic.Int32
	h.handle("orders", func(context.Context, *middleware.HandleContext) (bool, error) {
		now := active.Add(1)
		for {
			p := peak.Load()
			if now <= p || peak.CompareAndSwap(p, now) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
		handled.Add(1)
		return true, nil
	})
	h.send(t, "orders", 20)

	c, err := New(testConfig("orders"), h.deps())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.Running())

	require.Eventually(t, func() bool { return h.client.Deleted("orders") == 20 }, 2*time.Second, 5*time.Millisecond)
	stop(t, c)

	assert.Equal(t, int32(20), handled.Load())
	assert.LessOrEqual(t, peak.Load(), int32(8))
	assert.Equal(t, 0, h.client.Depth("orders"))
	assert.Equal(t, 0, c.Buffered())
	assert.False(t, c.Running())
	for _, e := range h.logger.Entries() {
		assert.NotEqual(t, "error", e.Level, e.Msg)
	}
}

func TestGroupFansInSeveralQueues(t *testing.T) {
	h := newHarness("orders", "orders-priority")
	var handled atomic.Int32
	handler := func(_ context.Context, hc *middleware.HandleContext) (bool, error) {
		handled.Add(1)
		return true, nil
	}
	h.handle("orders", handler)
	h.handle("orders-priority", handler)
	h.send(t, "orders", 5)
	h.send(t, "orders-priority", 5)

	c, err := New(testConfig("orders", "orders-priority"), h.deps())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return handled.Load() == 10 }, 2*time.Second, 5*time.Millisecond)
	stop(t, c)
	assert.Equal(t, 5, h.client.Deleted("orders"))
	assert.Equal(t, 5, h.client.Deleted("orders-priority"))
}

func TestPausedGroupDoesNotPoll(t *testing.T) {
	h := newHarness("orders")
	h.handle("orders", func(context.Context, *middleware.HandleContext) (bool, error) { return true, nil })
	h.send(t, "orders", 1)
	h.pause.Pause()

	c, err := New(testConfig("orders"), h.deps())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { stop(t, c) })

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.client.ReceiveCalls())

	h.pause.Resume()
	require.Eventually(t, func() bool { return h.client.Deleted("orders") == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestStartTwice(t *testing.T) {
	h := newHarness("orders")
	h.handle("orders", func(context.Context, *middleware.HandleContext) (bool, error) { return true, nil })
	c, err := New(testConfig("orders"), h.deps())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { stop(t, c) })

	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	h := newHarness("orders")
	c, err := New(testConfig("orders"), h.deps())
	require.NoError(t, err)
	assert.NoError(t, c.Stop(context.Background()))
}

func TestStopTimesOutButLetsHandlerFinish(t *testing.T) {
	h := newHarness("orders")
	started := make(chan struct{})
	release := make(chan struct{})
	h.handle("orders", func(ctx context.Context, _ *middleware.HandleContext) (bool, error) {
		close(started)
		<-release
		return ctx.Err() == nil, nil
	})
	h.send(t, "orders", 1)

	cfg := testConfig("orders")
	cfg.Concurrency = 1
	c, err := New(cfg, h.deps())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Stop(ctx), errspkg.ErrGroupStopTimeout)
	assert.Equal(t, 1, h.logger.Count("error", "Subscription group did not drain in time"))

	close(release)
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("group did not finish")
	}
	assert.Equal(t, 1, h.client.Deleted("orders"))
}

func TestCancellingStartContextStopsGroup(t *testing.T) {
	h := newHarness("orders")
	h.handle("orders", func(context.Context, *middleware.HandleContext) (bool, error) { return true, nil })
	c, err := New(testConfig("orders"), h.deps())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	cancel()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("group did not stop")
	}
}
