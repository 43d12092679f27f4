package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/flowbus/internal/runtime/attributes"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	"github.com/drblury/flowbus/transport"
)

func newHC() *HandleContext {
	return &HandleContext{
		Queue:         "orders",
		Subject:       "OrderPlaced",
		MessageID:     "m-1",
		ReceiptHandle: "r-1",
		ReceiveCount:  1,
		Attributes:    attributes.MessageAttributes{},
	}
}

func succeed(context.Context, *HandleContext) (bool, error) { return true, nil }

type visibilityRecorder struct {
	mu       sync.Mutex
	timeouts []time.Duration
	err      error
}

func (v *visibilityRecorder) ChangeVisibility(_ context.Context, queue, receipt string, timeout time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.timeouts = append(v.timeouts, timeout)
	return v.err
}

func (v *visibilityRecorder) calls() []time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]time.Duration(nil), v.timeouts...)
}

type pauser struct {
	paused  atomic.Bool
	pauses  atomic.Int32
	resumed atomic.Int32
}

func (p *pauser) Pause()         { p.paused.Store(true); p.pauses.Add(1) }
func (p *pauser) Resume()        { p.paused.Store(false); p.resumed.Add(1) }
func (p *pauser) IsPaused() bool { return p.paused.Load() }

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, hc *HandleContext) (bool, error) {
				order = append(order, name+">")
				handled, err := next(ctx, hc)
				order = append(order, "<"+name)
				return handled, err
			}
		}
	}
	h := Chain(func(context.Context, *HandleContext) (bool, error) {
		order = append(order, "handler")
		return true, nil
	}, mark("a"), nil, mark("b"))

	handled, err := h(context.Background(), newHC())
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, []string{"a>", "b>", "handler", "<b", "<a"}, order)
}

func TestShortCircuit(t *testing.T) {
	called := false
	skip := func(next Handler) Handler {
		return func(context.Context, *HandleContext) (bool, error) { return true, nil }
	}
	h := Chain(func(context.Context, *HandleContext) (bool, error) {
		called = true
		return false, nil
	}, skip)

	handled, err := h(context.Background(), newHC())
	require.NoError(t, err)
	assert.True(t, handled)
	assert.False(t, called)
}

func TestExceptionContainment(t *testing.T) {
	tests := []struct {
		name    string
		handler Handler
		wantMsg string
		wantErr bool
		handled bool
	}{
		{name: "success passes through", handler: succeed, handled: true},
		{
			name:    "false passes through",
			handler: func(context.Context, *HandleContext) (bool, error) { return false, nil },
		},
		{
			name:    "error becomes false",
			handler: func(context.Context, *HandleContext) (bool, error) { return true, errors.New("db down") },
			wantMsg: "Handler failed",
			wantErr: true,
		},
		{
			name:    "panic becomes false",
			handler: func(context.Context, *HandleContext) (bool, error) { panic("boom") },
			wantMsg: "Handler panicked",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := loggingpkg.NewRecorder()
			hc := newHC()
			handled, err := Chain(tt.handler, ExceptionContainment(logger))(context.Background(), hc)
			require.NoError(t, err)
			assert.Equal(t, tt.handled, handled)
			if !tt.wantErr {
				assert.NoError(t, hc.Err())
				return
			}
			assert.Error(t, hc.Err())
			assert.Equal(t, 1, logger.Count("error", tt.wantMsg))
		})
	}
}

func TestPanicIsRecordedWithStack(t *testing.T) {
	hc := newHC()
	_, _ = Chain(func(context.Context, *HandleContext) (bool, error) { panic("kaboom") }, ExceptionContainment(nil))(context.Background(), hc)

	var perr *PanicError
	require.ErrorAs(t, hc.Err(), &perr)
	assert.Equal(t, "kaboom", perr.Value)
	assert.NotEmpty(t, perr.Stack)
	assert.Equal(t, "handler panicked: kaboom", perr.Error())
}

func TestRecordErrorKeepsFirst(t *testing.T) {
	hc := newHC()
	first := errors.New("first")
	hc.RecordError(first)
	hc.RecordError(errors.New("second"))
	assert.Equal(t, first, hc.Err())
}

func TestStopwatch(t *testing.T) {
	var elapsed time.Duration
	var sawHandled bool
	h := Chain(func(context.Context, *HandleContext) (bool, error) {
		time.Sleep(5 * time.Millisecond)
		return true, nil
	}, Stopwatch(func(_ *HandleContext, d time.Duration, handled bool, _ error) {
		elapsed = d
		sawHandled = handled
	}))

	_, _ = h(context.Background(), newHC())
	assert.GreaterOrEqual(t, elapsed, 5*time.Millisecond)
	assert.True(t, sawHandled)
}

func TestTimeout(t *testing.T) {
	t.Run("slow handler fails", func(t *testing.T) {
		h := Chain(func(ctx context.Context, _ *HandleContext) (bool, error) {
			<-ctx.Done()
			return true, nil
		}, Timeout(10*time.Millisecond))
		handled, err := h(context.Background(), newHC())
		assert.False(t, handled)
		assert.ErrorIs(t, err, ErrHandlerTimeout)
	})

	t.Run("returns only after the handler is done", func(t *testing.T) {
		var finished atomic.Bool
		handlerErr := errors.New("gave up")
		h := Chain(func(ctx context.Context, hc *HandleContext) (bool, error) {
			time.Sleep(40 * time.Millisecond)
			hc.RecordError(handlerErr)
			finished.Store(true)
			return false, handlerErr
		}, Timeout(5*time.Millisecond))

		hc := newHC()
		handled, err := h(context.Background(), hc)
		assert.True(t, finished.Load())
		assert.False(t, handled)
		assert.ErrorIs(t, err, ErrHandlerTimeout)
		assert.ErrorIs(t, err, handlerErr)
		assert.ErrorIs(t, hc.Err(), handlerErr)
	})

	t.Run("fast handler succeeds", func(t *testing.T) {
		handled, err := Chain(succeed, Timeout(time.Second))(context.Background(), newHC())
		require.NoError(t, err)
		assert.True(t, handled)
	})

	t.Run("zero disables", func(t *testing.T) {
		handled, err := Chain(succeed, Timeout(0))(context.Background(), newHC())
		require.NoError(t, err)
		assert.True(t, handled)
	})

	t.Run("panic inside is surfaced as error", func(t *testing.T) {
		_, err := Chain(func(context.Context, *HandleContext) (bool, error) { panic("late") }, Timeout(time.Second))(context.Background(), newHC())
		var perr *PanicError
		assert.ErrorAs(t, err, &perr)
	})
}

func TestLogging(t *testing.T) {
	logger := loggingpkg.NewRecorder()
	failing := func(context.Context, *HandleContext) (bool, error) { return false, errors.New("nope") }

	_, _ = Chain(succeed, Logging(logger))(context.Background(), newHC())
	_, _ = Chain(failing, Logging(logger))(context.Background(), newHC())

	assert.Equal(t, 2, logger.Count("debug", "Handling message"))
	assert.Equal(t, 1, logger.Count("debug", "Message handled"))
	assert.Equal(t, 1, logger.Count("error", "Message handling returned an error"))

	hcLogger := loggingpkg.NewRecorder()
	hc := newHC()
	hc.Logger = hcLogger
	_, _ = Chain(succeed, Logging(nil))(context.Background(), hc)
	assert.Equal(t, 1, hcLogger.Count("debug", "Message handled"))
}

func TestPauseOnError(t *testing.T) {
	retryable := errors.New("throttled")
	filter := func(err error) bool { return errors.Is(err, retryable) }

	t.Run("matching error pauses and resumes", func(t *testing.T) {
		p := &pauser{}
		h := Chain(func(context.Context, *HandleContext) (bool, error) { return false, retryable }, PauseOnError(p, filter, 10*time.Millisecond, nil))
		_, err := h(context.Background(), newHC())
		assert.ErrorIs(t, err, retryable)
		assert.True(t, p.paused.Load())
		assert.Eventually(t, func() bool { return !p.paused.Load() }, time.Second, time.Millisecond)
	})

	t.Run("other errors do not pause", func(t *testing.T) {
		p := &pauser{}
		h := Chain(func(context.Context, *HandleContext) (bool, error) { return false, errors.New("bad input") }, PauseOnError(p, filter, 0, nil))
		_, _ = h(context.Background(), newHC())
		assert.False(t, p.paused.Load())
	})

	t.Run("repeated failures keep a single pending resume", func(t *testing.T) {
		p := &pauser{}
		logger := loggingpkg.NewRecorder()
		h := Chain(func(context.Context, *HandleContext) (bool, error) { return false, retryable }, PauseOnError(p, filter, 30*time.Millisecond, logger))
		for range 5 {
			_, _ = h(context.Background(), newHC())
		}
		assert.Equal(t, int32(1), p.pauses.Load())
		assert.Equal(t, 1, logger.Count("error", "Pausing consumption after handler error"))

		require.Eventually(t, func() bool { return !p.paused.Load() }, time.Second, time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), p.resumed.Load())

		_, _ = h(context.Background(), newHC())
		assert.Equal(t, int32(2), p.pauses.Load())
	})

	t.Run("existing pause is left alone", func(t *testing.T) {
		p := &pauser{}
		p.paused.Store(true)
		h := Chain(func(context.Context, *HandleContext) (bool, error) { return false, retryable }, PauseOnError(p, filter, 5*time.Millisecond, nil))
		_, _ = h(context.Background(), newHC())
		time.Sleep(30 * time.Millisecond)
		assert.True(t, p.paused.Load())
		assert.Zero(t, p.pauses.Load())
		assert.Zero(t, p.resumed.Load())
	})

	t.Run("no resume without delay", func(t *testing.T) {
		p := &pauser{}
		h := Chain(func(context.Context, *HandleContext) (bool, error) { return false, retryable }, PauseOnError(p, nil, 0, nil))
		_, _ = h(context.Background(), newHC())
		time.Sleep(10 * time.Millisecond)
		assert.True(t, p.paused.Load())
		assert.Zero(t, p.resumed.Load())
	})
}

func TestUpdateVisibility(t *testing.T) {
	hc := newHC()
	assert.ErrorIs(t, hc.UpdateVisibility(context.Background(), time.Second), ErrVisibilityUnavailable)

	rec := &visibilityRecorder{}
	hc.SetVisibilityChanger(rec)
	require.NoError(t, hc.UpdateVisibility(context.Background(), time.Minute))
	assert.Equal(t, []time.Duration{time.Minute}, rec.calls())
}

func TestVisibilityExtension(t *testing.T) {
	rec := &visibilityRecorder{}
	hc := newHC()
	hc.SetVisibilityChanger(rec)

	h := Chain(func(context.Context, *HandleContext) (bool, error) {
		time.Sleep(35 * time.Millisecond)
		return true, nil
	}, VisibilityExtension(10*time.Millisecond, time.Minute, nil))

	handled, err := h(context.Background(), hc)
	require.NoError(t, err)
	assert.True(t, handled)

	calls := rec.calls()
	assert.NotEmpty(t, calls)
	for _, d := range calls {
		assert.Equal(t, time.Minute, d)
	}
	time.Sleep(25 * time.Millisecond)
	assert.Len(t, rec.calls(), len(calls), "extension must stop once the handler returns")
}

func TestVisibilityExtensionStopsOnStaleReceipt(t *testing.T) {
	rec := &visibilityRecorder{err: fmt.Errorf("sqs: %w", transport.ErrReceiptInvalid)}
	logger := loggingpkg.NewRecorder()
	hc := newHC()
	hc.SetVisibilityChanger(rec)

	h := Chain(func(context.Context, *HandleContext) (bool, error) {
		time.Sleep(50 * time.Millisecond)
		return true, nil
	}, VisibilityExtension(5*time.Millisecond, time.Minute, logger))

	handled, err := h(context.Background(), hc)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Len(t, rec.calls(), 1)
	assert.Equal(t, 1, logger.Count("info", "Receipt expired, no longer extending visibility"))
	assert.Zero(t, logger.Count("error", "Failed to extend message visibility"))
}

func TestExponentialBackoff(t *testing.T) {
	policy := ExponentialBackoff(time.Second, 5*time.Second)
	assert.Equal(t, time.Second, policy(1))
	assert.Equal(t, 2*time.Second, policy(2))
	assert.Equal(t, 4*time.Second, policy(3))
	assert.Equal(t, 5*time.Second, policy(10))
}

func TestBackoffChangesVisibilityOnFailure(t *testing.T) {
	tests := []struct {
		name    string
		handler Handler
		want    []time.Duration
	}{
		{name: "success", handler: succeed},
		{name: "false", handler: func(context.Context, *HandleContext) (bool, error) { return false, nil }, want: []time.Duration{4 * time.Second}},
		{name: "error", handler: func(context.Context, *HandleContext) (bool, error) { return true, errors.New("x") }, want: []time.Duration{4 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &visibilityRecorder{}
			hc := newHC()
			hc.ReceiveCount = 3
			hc.SetVisibilityChanger(rec)
			_, _ = Chain(tt.handler, Backoff(ExponentialBackoff(time.Second, time.Minute), nil))(context.Background(), hc)
			assert.Equal(t, tt.want, rec.calls())
		})
	}

	t.Run("visibility failure is logged", func(t *testing.T) {
		logger := loggingpkg.NewRecorder()
		hc := newHC()
		hc.SetVisibilityChanger(&visibilityRecorder{err: errors.New("receipt expired")})
		_, _ = Chain(func(context.Context, *HandleContext) (bool, error) { return false, nil }, Backoff(ExponentialBackoff(time.Second, time.Minute), logger))(context.Background(), hc)
		assert.Equal(t, 1, logger.Count("error", "Failed to back off message"))
	})
}

func TestTracePropagationLinksToPublisher(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prop := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})

	member, err := baggage.NewMember("tenant", "acme")
	require.NoError(t, err)
	bag, err := baggage.New(member)
	require.NoError(t, err)

	pubCtx, pubSpan := tp.Tracer("publisher").Start(baggage.ContextWithBaggage(context.Background(), bag), "publish")
	hc := newHC()
	InjectTraceContext(pubCtx, hc.Attributes, prop)
	pubSpan.End()
	assert.NotEmpty(t, hc.Attributes.GetString("traceparent"))

	var handlerSpan trace.SpanContext
	var tenant string
	h := Chain(func(ctx context.Context, _ *HandleContext) (bool, error) {
		handlerSpan = trace.SpanContextFromContext(ctx)
		tenant = baggage.FromContext(ctx).Member("tenant").Value()
		return false, errors.New("failed")
	}, TracePropagation(tp, prop))

	_, err = h(context.Background(), hc)
	require.Error(t, err)

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	consumer := ended[1]
	assert.Equal(t, "orders process", consumer.Name())
	assert.Equal(t, trace.SpanKindConsumer, consumer.SpanKind())
	assert.Equal(t, handlerSpan.SpanID(), consumer.SpanContext().SpanID())
	assert.NotEqual(t, pubSpan.SpanContext().TraceID(), consumer.SpanContext().TraceID())
	require.Len(t, consumer.Links(), 1)
	assert.Equal(t, pubSpan.SpanContext().TraceID(), consumer.Links()[0].SpanContext.TraceID())
	assert.Equal(t, codes.Error, consumer.Status().Code)
	assert.Equal(t, "acme", tenant)
}

func TestTracePropagationWithoutIncomingContext(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	handled, err := Chain(succeed, TracePropagation(tp, propagation.TraceContext{}))(context.Background(), newHC())
	require.NoError(t, err)
	assert.True(t, handled)

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Empty(t, ended[0].Links())
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
}
