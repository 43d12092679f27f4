package receive

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/sourcegraph/conc"

	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	"github.com/drblury/flowbus/transport"
)

// ErrMultiplexerStarted is returned when Run is called twice.
var ErrMultiplexerStarted = errors.New("flowbus: multiplexer already started")

// Multiplexer owns the bounded channel every source of a group writes to.
// Arrival order is preserved per source only.
type Multiplexer struct {
	sources []*Source
	out     chan transport.Delivery
	logger  loggingpkg.ServiceLogger
	started atomic.Bool
}

// NewMultiplexer creates a channel of capacity bufferSize, at least 1.
func NewMultiplexer(bufferSize int, logger loggingpkg.ServiceLogger, sources ...*Source) *Multiplexer {
	if logger == nil {
		panic("flowbus: ServiceLogger cannot be nil")
	}
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Multiplexer{
		sources: sources,
		out:     make(chan transport.Delivery, bufferSize),
		logger:  logger,
	}
}

// Messages is the read side of the channel. It is closed once every source
// has stopped.
func (m *Multiplexer) Messages() <-chan transport.Delivery {
	return m.out
}

// Capacity returns the channel capacity.
func (m *Multiplexer) Capacity() int { return cap(m.out) }

// Buffered returns how many deliveries are waiting for a worker.
func (m *Multiplexer) Buffered() int { return len(m.out) }

// Run starts every source and blocks until all have returned after ctx is
// cancelled, then closes the channel.
func (m *Multiplexer) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrMultiplexerStarted
	}
	defer close(m.out)

	var wg conc.WaitGroup
	for _, src := range m.sources {
		wg.Go(func() {
			if err := src.Run(ctx, m.out); err != nil {
				m.logger.Error("Receive source failed", err, loggingpkg.LogFields{"queue": src.Queue()})
			}
		})
	}
	wg.Wait()
	m.logger.Debug("Multiplexer stopped", loggingpkg.LogFields{"sources": len(m.sources)})
	return nil
}
