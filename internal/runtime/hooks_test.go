package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowbus/internal/runtime/attributes"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	"github.com/drblury/flowbus/internal/runtime/middleware"
)

func hookContext() *middleware.HandleContext {
	return &middleware.HandleContext{
		Queue:        "orders",
		Subject:      "OrderPlaced",
		MessageID:    "m-1",
		ReceiveCount: 3,
		HandlerName:  "OrderHandler",
		Attributes:   attributes.New("Tenant", "acme"),
	}
}

func runHooks(t *testing.T, hooks JobHooks, handler middleware.Handler) (bool, error) {
	t.Helper()
	return jobHooksMiddleware(hooks)(handler)(context.Background(), hookContext())
}

func TestJobHooks_OnJobStart(t *testing.T) {
	var captured JobContext
	hooks := JobHooks{OnJobStart: func(ctx JobContext) { captured = ctx }}

	handled, err := runHooks(t, hooks, func(context.Context, *middleware.HandleContext) (bool, error) {
		return true, nil
	})

	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "m-1", captured.MessageID)
	assert.Equal(t, "OrderHandler", captured.HandlerName)
	assert.Equal(t, "orders", captured.Queue)
	assert.Equal(t, "OrderPlaced", captured.Subject)
	assert.Equal(t, 3, captured.ReceiveCount)
	assert.Equal(t, "acme", captured.Attributes.GetString("Tenant"))
	assert.False(t, captured.StartedAt.IsZero())
}

func TestJobHooks_OnJobDone(t *testing.T) {
	var captured JobContext
	var errorCalled bool
	hooks := JobHooks{
		OnJobDone:  func(ctx JobContext) { captured = ctx },
		OnJobError: func(JobContext, error) { errorCalled = true },
	}

	_, err := runHooks(t, hooks, func(context.Context, *middleware.HandleContext) (bool, error) {
		time.Sleep(10 * time.Millisecond)
		return true, nil
	})

	require.NoError(t, err)
	assert.False(t, errorCalled)
	assert.GreaterOrEqual(t, captured.Duration, 10*time.Millisecond)
}

func TestJobHooks_OnJobError(t *testing.T) {
	expected := errors.New("handler error")
	tests := []struct {
		name    string
		handler middleware.Handler
		wantErr error
	}{
		{
			name: "error",
			handler: func(context.Context, *middleware.HandleContext) (bool, error) {
				return false, expected
			},
			wantErr: expected,
		},
		{
			name: "not handled",
			handler: func(context.Context, *middleware.HandleContext) (bool, error) {
				return false, nil
			},
			wantErr: ErrNotHandled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured error
			var doneCalled bool
			hooks := JobHooks{
				OnJobDone:  func(JobContext) { doneCalled = true },
				OnJobError: func(_ JobContext, err error) { captured = err },
			}

			handled, _ := runHooks(t, hooks, tt.handler)

			assert.False(t, handled)
			assert.False(t, doneCalled)
			assert.ErrorIs(t, captured, tt.wantErr)
		})
	}
}

func TestJobHooks_Merge(t *testing.T) {
	var order []string
	first := JobHooks{
		OnJobStart: func(JobContext) { order = append(order, "first-start") },
		OnJobError: func(JobContext, error) { order = append(order, "first-error") },
	}
	second := JobHooks{
		OnJobStart: func(JobContext) { order = append(order, "second-start") },
		OnJobDone:  func(JobContext) { order = append(order, "second-done") },
	}
	merged := first.Merge(second)

	_, _ = runHooks(t, merged, func(context.Context, *middleware.HandleContext) (bool, error) { return true, nil })
	_, _ = runHooks(t, merged, func(context.Context, *middleware.HandleContext) (bool, error) { return false, nil })

	assert.Equal(t, []string{"first-start", "second-start", "second-done", "first-start", "second-start", "first-error"}, order)
}

func TestLoggingHooks(t *testing.T) {
	rec := loggingpkg.NewRecorder()
	hooks := LoggingHooks(rec)

	_, _ = runHooks(t, hooks, func(context.Context, *middleware.HandleContext) (bool, error) { return true, nil })
	_, _ = runHooks(t, hooks, func(context.Context, *middleware.HandleContext) (bool, error) {
		return false, errors.New("boom")
	})

	assert.Equal(t, 2, rec.Count("info", "Job started"))
	assert.Equal(t, 1, rec.Count("info", "Job completed"))
	assert.Equal(t, 1, rec.Count("error", "Job failed"))
}

func TestMetricsAndAlertingHooks(t *testing.T) {
	var started, done, failed int
	var alerted error
	hooks := MetricsHooks(
		func(handler, queue string) {
			assert.Equal(t, "OrderHandler", handler)
			assert.Equal(t, "orders", queue)
			started++
		},
		func(string, string) { done++ },
		func(string, string) { failed++ },
	).Merge(AlertingHooks(func(_ JobContext, err error) { alerted = err }))

	_, _ = runHooks(t, hooks, func(context.Context, *middleware.HandleContext) (bool, error) { return true, nil })
	_, _ = runHooks(t, hooks, func(context.Context, *middleware.HandleContext) (bool, error) {
		return false, errors.New("boom")
	})

	assert.Equal(t, 2, started)
	assert.Equal(t, 1, done)
	assert.Equal(t, 1, failed)
	assert.EqualError(t, alerted, "boom")
}

func TestJobHooksMiddlewareRegistration(t *testing.T) {
	reg := JobHooksMiddleware(JobHooks{})
	assert.Equal(t, "job_hooks", reg.Name)
	assert.NotNil(t, reg.Middleware)
}
