package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowbus/internal/runtime/compression"
	"github.com/drblury/flowbus/internal/runtime/convert"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	"github.com/drblury/flowbus/internal/runtime/messages"
	"github.com/drblury/flowbus/internal/runtime/middleware"
	"github.com/drblury/flowbus/transport"
	"github.com/drblury/flowbus/transport/memory"
)

type OrderPlaced struct {
	messages.BaseMessage
	OrderID string `json:"OrderId"`
}

type OrderCancelled struct {
	messages.BaseMessage
	OrderID string `json:"OrderId"`
}

type fixture struct {
	client    *memory.Client
	converter *convert.Converter
	handlers  *HandlerMap
	logger    *loggingpkg.Recorder
}

func newFixture() *fixture {
	registry := messages.NewRegistry()
	messages.RegisterJSON[OrderPlaced](registry)
	messages.RegisterJSON[OrderCancelled](registry)
	return &fixture{
		client:    memory.NewClient(memory.WithQueues("orders")),
		converter: convert.New(registry, compression.DefaultRegistry()),
		handlers:  NewHandlerMap(),
		logger:    loggingpkg.NewRecorder(),
	}
}

func (f *fixture) handle(subject string, h middleware.Handler) {
	s, _ := f.converter.Serializers().Get(subject)
	f.handlers.Set("orders", Entry{Name: subject + "Handler", Subject: subject, Serializer: s, Handler: h})
}

func (f *fixture) send(t *testing.T, msg messages.Message, subject string) {
	t.Helper()
	env, err := f.converter.ConvertForPublish(msg, subject, nil, transport.DestinationQueue, convert.CompressionOptions{})
	require.NoError(t, err)
	_, err = f.client.Send("orders", env)
	require.NoError(t, err)
}

func (f *fixture) receive(t *testing.T) transport.Delivery {
	t.Helper()
	got, err := f.client.Receive(context.Background(), "orders", 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	return got[0]
}

func (f *fixture) dispatcher(cfg Config, mws []middleware.Middleware, opts ...Option) *Dispatcher {
	if cfg.Queues == nil {
		cfg.Queues = []string{"orders"}
	}
	return New(cfg, f.handlers, f.converter, f.client, f.logger, mws, opts...)
}

type resultLog struct {
	mu      sync.Mutex
	results []Result
}

func (r *resultLog) Dispatched(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *resultLog) outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Outcome, 0, len(r.results))
	for _, res := range r.results {
		out = append(out, res.Outcome)
	}
	return out
}

func TestParseUnroutablePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    UnroutablePolicy
		wantErr bool
	}{
		{in: "", want: UnroutableAcknowledge},
		{in: "acknowledge", want: UnroutableAcknowledge},
		{in: " Leave ", want: UnroutableLeave},
		{in: "drop", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUnroutablePolicy(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDispatchHandledMessageIsDeletedOnce(t *testing.T) {
	f := newFixture()
	var got *OrderPlaced
	f.handle("OrderPlaced", func(_ context.Context, hc *middleware.HandleContext) (bool, error) {
		got = hc.Message.(*OrderPlaced)
		assert.Equal(t, "billing", hc.Group)
		assert.Equal(t, "OrderPlacedHandler", hc.HandlerName)
		return true, nil
	})
	f.send(t, &OrderPlaced{OrderID: "o-1"}, "OrderPlaced")

	results := &resultLog{}
	d := f.dispatcher(Config{Group: "billing"}, nil, WithObserver(results))
	outcome := d.Dispatch(context.Background(), f.receive(t))

	assert.Equal(t, OutcomeHandled, outcome)
	require.NotNil(t, got)
	assert.Equal(t, "o-1", got.OrderID)
	assert.Equal(t, 1, f.client.Deleted("orders"))
	assert.Equal(t, 0, f.client.Depth("orders"))
	require.Len(t, results.results, 1)
	assert.Equal(t, "billing", results.results[0].Group)
	assert.Equal(t, "OrderPlaced", results.results[0].Subject)
}

func TestDispatchFalseLeavesMessage(t *testing.T) {
	f := newFixture()
	f.handle("OrderPlaced", func(context.Context, *middleware.HandleContext) (bool, error) {
		return false, nil
	})
	f.send(t, &OrderPlaced{OrderID: "o-1"}, "OrderPlaced")

	outcome := f.dispatcher(Config{}, nil).Dispatch(context.Background(), f.receive(t))

	assert.Equal(t, OutcomeRejected, outcome)
	assert.Equal(t, 0, f.client.Deleted("orders"))
	assert.Equal(t, 1, f.client.Depth("orders"))
}

func TestDispatchContainsErrorsAndPanics(t *testing.T) {
	tests := []struct {
		name    string
		handler middleware.Handler
		message string
	}{
		{
			name: "error",
			handler: func(context.Context, *middleware.HandleContext) (bool, error) {
				return true, errors.New("boom")
			},
			message: "Handler failed",
		},
		{
			name: "panic",
			handler: func(context.Context, *middleware.HandleContext) (bool, error) {
				panic("boom")
			},
			message: "Handler panicked",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.handle("OrderPlaced", tt.handler)
			f.send(t, &OrderPlaced{OrderID: "o-1"}, "OrderPlaced")

			results := &resultLog{}
			outcome := f.dispatcher(Config{}, nil, WithObserver(results)).Dispatch(context.Background(), f.receive(t))

			assert.Equal(t, OutcomeRejected, outcome)
			assert.Equal(t, 0, f.client.Deleted("orders"))
			assert.Equal(t, 1, f.logger.Count("error", tt.message))
			require.Len(t, results.results, 1)
			assert.Error(t, results.results[0].Err)
		})
	}
}

func TestDispatchUnroutable(t *testing.T) {
	tests := []struct {
		name        string
		policy      UnroutablePolicy
		wantDeleted int
	}{
		{name: "acknowledge", policy: UnroutableAcknowledge, wantDeleted: 1},
		{name: "leave", policy: UnroutableLeave, wantDeleted: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.handle("OrderPlaced", func(context.Context, *middleware.HandleContext) (bool, error) {
				t.Fatal("handler must not run")
				return true, nil
			})
			f.send(t, &OrderCancelled{OrderID: "o-1"}, "OrderCancelled")

			results := &resultLog{}
			d := f.dispatcher(Config{UnroutablePolicy: tt.policy}, nil, WithObserver(results))
			outcome := d.Dispatch(context.Background(), f.receive(t))

			assert.Equal(t, OutcomeUnroutable, outcome)
			assert.Equal(t, tt.wantDeleted, f.client.Deleted("orders"))
			assert.Equal(t, 1, f.logger.Count("info", "No handler registered for message"))
			require.Len(t, results.results, 1)
			assert.True(t, errspkg.IsUnroutable(results.results[0].Err))
		})
	}
}

func TestDispatchDecodeFailureLeavesMessage(t *testing.T) {
	f := newFixture()
	f.handle("OrderPlaced", func(context.Context, *middleware.HandleContext) (bool, error) {
		t.Fatal("handler must not run")
		return true, nil
	})
	_, err := f.client.Send("orders", transport.Envelope{Body: `{"Subject":"OrderPlaced","Message":"not json"}`})
	require.NoError(t, err)

	results := &resultLog{}
	outcome := f.dispatcher(Config{}, nil, WithObserver(results)).Dispatch(context.Background(), f.receive(t))

	assert.Equal(t, OutcomeDecodeFailed, outcome)
	assert.Equal(t, 0, f.client.Deleted("orders"))
	assert.Equal(t, 1, f.logger.Count("error", "Failed to decode message"))
	require.Len(t, results.results, 1)
	assert.True(t, errspkg.IsDecodeError(results.results[0].Err))
}

func TestDispatchWithoutSubjectIsNotAcknowledged(t *testing.T) {
	f := newFixture()
	mustNotRun := func(context.Context, *middleware.HandleContext) (bool, error) {
		t.Fatal("handler must not run")
		return true, nil
	}
	f.handle("OrderPlaced", mustNotRun)
	f.handle("OrderCancelled", mustNotRun)
	_, err := f.client.Send("orders", transport.Envelope{Body: `{"OrderId":"o-1"}`})
	require.NoError(t, err)

	results := &resultLog{}
	d := f.dispatcher(Config{UnroutablePolicy: UnroutableAcknowledge}, nil, WithObserver(results))
	outcome := d.Dispatch(context.Background(), f.receive(t))

	assert.Equal(t, OutcomeDecodeFailed, outcome)
	assert.Equal(t, 0, f.client.Deleted("orders"))
	assert.Equal(t, 0, f.logger.Count("info", "No handler registered for message"))
	require.Len(t, results.results, 1)
	assert.True(t, errspkg.IsDecodeError(results.results[0].Err))
	assert.ErrorIs(t, results.results[0].Err, errspkg.ErrSubjectMissing)
}

func TestDispatchRawBodyUsesOnlyHandler(t *testing.T) {
	f := newFixture()
	var got string
	f.handle("OrderPlaced", func(_ context.Context, hc *middleware.HandleContext) (bool, error) {
		got = hc.Message.(*OrderPlaced).OrderID
		return true, nil
	})
	_, err := f.client.Send("orders", transport.Envelope{Body: `{"OrderId":"raw-1"}`})
	require.NoError(t, err)

	outcome := f.dispatcher(Config{}, nil).Dispatch(context.Background(), f.receive(t))

	assert.Equal(t, OutcomeHandled, outcome)
	assert.Equal(t, "raw-1", got)
}

func TestDispatchDeleteFailureIsReported(t *testing.T) {
	f := newFixture()
	f.handle("OrderPlaced", func(context.Context, *middleware.HandleContext) (bool, error) {
		return true, nil
	})
	f.send(t, &OrderPlaced{OrderID: "o-1"}, "OrderPlaced")
	del := f.receive(t)
	f.client.FailDelete(errors.New("throttled"), 1)

	results := &resultLog{}
	outcome := f.dispatcher(Config{}, nil, WithObserver(results)).Dispatch(context.Background(), del)

	assert.Equal(t, OutcomeDeleteFailed, outcome)
	assert.Equal(t, []Outcome{OutcomeHandled, OutcomeDeleteFailed}, results.outcomes())
	assert.Equal(t, 1, f.logger.Count("error", "Failed to delete handled message"))
}

func TestDispatchStaleReceiptIsLoggedNotFailed(t *testing.T) {
	f := newFixture()
	f.handle("OrderPlaced", func(context.Context, *middleware.HandleContext) (bool, error) {
		return true, nil
	})
	f.send(t, &OrderPlaced{OrderID: "o-1"}, "OrderPlaced")
	del := f.receive(t)
	del.ReceiptHandle = "expired"

	results := &resultLog{}
	outcome := f.dispatcher(Config{}, nil, WithObserver(results)).Dispatch(context.Background(), del)

	assert.Equal(t, OutcomeDeleteFailed, outcome)
	assert.Equal(t, 0, f.logger.Count("error", "Failed to delete handled message"))
	assert.Equal(t, 1, f.logger.Count("info", "Receipt expired before the handled message was deleted"))
	require.Len(t, results.results, 2)
	assert.ErrorIs(t, results.results[1].Err, transport.ErrReceiptInvalid)
}

func TestDispatchLastRegistrationWins(t *testing.T) {
	f := newFixture()
	var first, second atomic.Int32
	f.handle("OrderPlaced", func(context.Context, *middleware.HandleContext) (bool, error) {
		first.Add(1)
		return true, nil
	})
	f.handle("OrderPlaced", func(context.Context, *middleware.HandleContext) (bool, error) {
		second.Add(1)
		return true, nil
	})
	f.send(t, &OrderPlaced{OrderID: "o-1"}, "OrderPlaced")

	f.dispatcher(Config{}, nil).Dispatch(context.Background(), f.receive(t))

	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestDispatchMiddlewareOrder(t *testing.T) {
	f := newFixture()
	var order []string
	record := func(name string) middleware.Middleware {
		return func(next middleware.Handler) middleware.Handler {
			return func(ctx context.Context, hc *middleware.HandleContext) (bool, error) {
				order = append(order, name)
				return next(ctx, hc)
			}
		}
	}
	s, _ := f.converter.Serializers().Get("OrderPlaced")
	f.handlers.Set("orders", Entry{
		Subject:     "OrderPlaced",
		Serializer:  s,
		Middlewares: []middleware.Middleware{record("entry")},
		Handler: func(context.Context, *middleware.HandleContext) (bool, error) {
			order = append(order, "handler")
			return true, nil
		},
	})
	f.send(t, &OrderPlaced{OrderID: "o-1"}, "OrderPlaced")

	d := f.dispatcher(Config{}, []middleware.Middleware{record("bus-1"), record("bus-2")})
	d.Dispatch(context.Background(), f.receive(t))

	assert.Equal(t, []string{"bus-1", "bus-2", "entry", "handler"}, order)
}

func TestRunProcessesAllMessagesWithinConcurrencyLimit(t *testing.T) {
	const (
		total       = 20
		concurrency = 8
	)
	f := newFixture()
	var active, peak, handled atomic.Int32
	f.handle("OrderPlaced", func(context.Context, *middleware.HandleContext) (bool, error) {
		now := active.Add(1)
		for {
			p := peak.Load()
			if now <= p || peak.CompareAndSwap(p, now) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		handled.Add(1)
		return true, nil
	})
	for i := 0; i < total; i++ {
		f.send(t, &OrderPlaced{OrderID: "o"}, "OrderPlaced")
	}

	in := make(chan transport.Delivery, total)
	for len(in) < total {
		got, err := f.client.Receive(context.Background(), "orders", 10, 0)
		require.NoError(t, err)
		for _, d := range got {
			in <- d
		}
	}
	close(in)

	d := f.dispatcher(Config{Concurrency: concurrency}, nil)
	require.NoError(t, d.Run(context.Background(), in))

	assert.Equal(t, int32(total), handled.Load())
	assert.LessOrEqual(t, peak.Load(), int32(concurrency))
	assert.Equal(t, total, f.client.Deleted("orders"))
	assert.Equal(t, 0, f.client.Depth("orders"))
}

func TestRunTimedOutHandlersStayWithinConcurrencyLimit(t *testing.T) {
	const (
		total       = 8
		concurrency = 2
	)
	f := newFixture()
	var active, peak atomic.Int32
	f.handle("OrderPlaced", func(context.Context, *middleware.HandleContext) (bool, error) {
		now := active.Add(1)
		for {
			p := peak.Load()
			if now <= p || peak.CompareAndSwap(p, now) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		return true, nil
	})
	for i := 0; i < total; i++ {
		f.send(t, &OrderPlaced{OrderID: "o"}, "OrderPlaced")
	}

	in := make(chan transport.Delivery, total)
	for len(in) < total {
		got, err := f.client.Receive(context.Background(), "orders", 10, 0)
		require.NoError(t, err)
		for _, d := range got {
			in <- d
		}
	}
	close(in)

	results := &resultLog{}
	d := f.dispatcher(Config{Concurrency: concurrency}, []middleware.Middleware{middleware.Timeout(5 * time.Millisecond)}, WithObserver(results))
	require.NoError(t, d.Run(context.Background(), in))

	assert.LessOrEqual(t, peak.Load(), int32(concurrency))
	assert.Zero(t, active.Load())
	assert.Equal(t, 0, f.client.Deleted("orders"))
	assert.Len(t, results.outcomes(), total)
}

func TestRunStopsOnCancelWithoutTakingMoreWork(t *testing.T) {
	f := newFixture()
	f.handle("OrderPlaced", func(context.Context, *middleware.HandleContext) (bool, error) {
		return true, nil
	})
	in := make(chan transport.Delivery)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := f.dispatcher(Config{Concurrency: 2}, nil)
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx, in)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
	assert.Equal(t, 0, f.client.Deleted("orders"))
}

func TestHandlerMap(t *testing.T) {
	m := NewHandlerMap()
	assert.False(t, m.Has("orders"))
	assert.Empty(t, m.DefaultSubject("orders"))

	assert.False(t, m.Set("orders", Entry{Subject: "B"}))
	assert.Equal(t, "B", m.DefaultSubject("orders"))
	assert.False(t, m.Set("orders", Entry{Subject: "A"}))
	assert.True(t, m.Set("orders", Entry{Subject: "A", Name: "second"}))
	m.Set("payments", Entry{Subject: "A"})

	assert.True(t, m.Has("orders"))
	assert.Empty(t, m.DefaultSubject("orders"))
	assert.Equal(t, []string{"orders", "payments"}, m.Queues())

	entries := m.Entries("orders")
	require.Len(t, entries, 2)
	assert.Equal(t, "A", entries[0].Subject)
	assert.Equal(t, "second", entries[0].Name)

	e, ok := m.Lookup("orders", "B")
	assert.True(t, ok)
	assert.Equal(t, "B", e.Subject)
	_, ok = m.Lookup("orders", "C")
	assert.False(t, ok)
}
