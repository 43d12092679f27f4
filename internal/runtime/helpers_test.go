package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/flowbus/internal/runtime/config"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	"github.com/drblury/flowbus/internal/runtime/messages"
	transportpkg "github.com/drblury/flowbus/internal/runtime/transport"
	"github.com/drblury/flowbus/transport"
	"github.com/drblury/flowbus/transport/memory"
)

type OrderPlaced struct {
	messages.BaseMessage
	OrderID string `json:"OrderId"`
	Notes   string `json:"Notes,omitempty"`
}

type OrderCancelled struct {
	messages.BaseMessage
	OrderID string `json:"OrderId"`
}

// staticFactory hands a prepared transport set to the bus.
type staticFactory struct {
	set transportpkg.Set
	err error
}

func (f staticFactory) Build(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transportpkg.Set, error) {
	return f.set, f.err
}

type recordingPublisher struct {
	published []transport.Envelope
}

func (p *recordingPublisher) Publish(_ context.Context, _ transport.Destination, env transport.Envelope) error {
	p.published = append(p.published, env)
	return nil
}

type testBus struct {
	*Bus
	client *memory.Client
	logger *loggingpkg.Recorder
}

func testConfig() *configpkg.Config {
	return &configpkg.Config{
		Transport:           "memory",
		ReceiveWaitTime:     20 * time.Millisecond,
		PauseBackoff:        5 * time.Millisecond,
		ErrorBackoffInitial: 5 * time.Millisecond,
		ErrorBackoffMax:     20 * time.Millisecond,
		StopGracePeriod:     2 * time.Second,
	}
}

func memorySet(client *memory.Client, bridges map[string]transport.Publisher) transportpkg.Set {
	return transportpkg.Set{
		Name:         "memory",
		Client:       client,
		Capabilities: memory.Capabilities(),
		Bridges:      bridges,
	}
}

func newTestBus(t *testing.T, conf *configpkg.Config, deps BusDependencies, opts ...memory.Option) *testBus {
	t.Helper()
	if conf == nil {
		conf = testConfig()
	}
	client := memory.NewClient(opts...)
	if deps.TransportFactory == nil {
		deps.TransportFactory = staticFactory{set: memorySet(client, nil)}
	}
	if deps.MetricsRegisterer == nil {
		deps.MetricsRegisterer = prometheus.NewRegistry()
	}
	logger := loggingpkg.NewRecorder()
	bus, err := NewBus(context.Background(), conf, logger, deps)
	require.NoError(t, err)
	return &testBus{Bus: bus, client: client, logger: logger}
}

func (tb *testBus) start(t *testing.T) {
	t.Helper()
	require.NoError(t, tb.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tb.Stop(ctx)
	})
}
