package receive

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	"github.com/drblury/flowbus/transport"
)

const (
	defaultWaitTime            = 20 * time.Second
	defaultPauseBackoff        = time.Second
	defaultErrorBackoffInitial = 100 * time.Millisecond
	defaultErrorBackoffMax     = 30 * time.Second
)

// Observer is told about every poll outcome. Implementations must be safe
// for concurrent use.
type Observer interface {
	Received(queue string, count int)
	ReceiveFailed(queue string, err error)
}

type nopObserver struct{}

func (nopObserver) Received(string, int)        {}
func (nopObserver) ReceiveFailed(string, error) {}

// SourceConfig tunes one queue's poll loop.
type SourceConfig struct {
	Queue string
	// BatchSize is capped at transport.MaxReceiveBatch.
	BatchSize int
	// WaitTime is the long-poll wait passed to the transport.
	WaitTime time.Duration
	// PauseBackoff is how long a paused source sleeps between checks.
	PauseBackoff time.Duration
	// ErrorBackoffInitial and ErrorBackoffMax bound the exponential delay
	// after failed polls.
	ErrorBackoffInitial time.Duration
	ErrorBackoffMax     time.Duration
}

func (c SourceConfig) withDefaults() SourceConfig {
	if c.BatchSize <= 0 || c.BatchSize > transport.MaxReceiveBatch {
		c.BatchSize = transport.MaxReceiveBatch
	}
	if c.WaitTime <= 0 {
		c.WaitTime = defaultWaitTime
	}
	if c.PauseBackoff <= 0 {
		c.PauseBackoff = defaultPauseBackoff
	}
	if c.ErrorBackoffInitial <= 0 {
		c.ErrorBackoffInitial = defaultErrorBackoffInitial
	}
	if c.ErrorBackoffMax <= 0 {
		c.ErrorBackoffMax = defaultErrorBackoffMax
	}
	if c.ErrorBackoffInitial > c.ErrorBackoffMax {
		c.ErrorBackoffInitial = c.ErrorBackoffMax
	}
	return c
}

// Source is the poll loop of one queue. It never deletes or changes the
// visibility of what it receives.
type Source struct {
	receiver transport.Receiver
	pause    *PauseSignal
	cfg      SourceConfig
	logger   loggingpkg.ServiceLogger
	observer Observer
}

// SourceOption customises a Source.
type SourceOption func(*Source)

// WithObserver reports poll outcomes to o.
func WithObserver(o Observer) SourceOption {
	return func(s *Source) {
		if o != nil {
			s.observer = o
		}
	}
}

// NewSource builds the poll loop for cfg.Queue. A nil pause signal means the
// source is never paused.
func NewSource(receiver transport.Receiver, pause *PauseSignal, cfg SourceConfig, logger loggingpkg.ServiceLogger, opts ...SourceOption) *Source {
	if receiver == nil {
		panic("flowbus: receiver cannot be nil")
	}
	if logger == nil {
		panic("flowbus: ServiceLogger cannot be nil")
	}
	cfg = cfg.withDefaults()
	s := &Source{
		receiver: receiver,
		pause:    pause,
		cfg:      cfg,
		logger:   logger.With(loggingpkg.LogFields{"queue": cfg.Queue}),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Queue returns the queue this source polls.
func (s *Source) Queue() string { return s.cfg.Queue }

// Run polls until ctx is cancelled, pushing every delivery into out. Pushes
// block while out is full. Failed polls are retried after an exponential
// backoff; they never end the loop. Run returns nil once ctx is done.
func (s *Source) Run(ctx context.Context, out chan<- transport.Delivery) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ErrorBackoffInitial
	bo.MaxInterval = s.cfg.ErrorBackoffMax

	s.logger.Debug("Receive source started", loggingpkg.LogFields{"batch_size": s.cfg.BatchSize, "wait_time": s.cfg.WaitTime.String()})
	defer s.logger.Debug("Receive source stopped", nil)

	for ctx.Err() == nil {
		if s.pause.IsPaused() {
			sleep(ctx, s.cfg.PauseBackoff)
			continue
		}

		deliveries, err := s.receiver.Receive(ctx, s.cfg.Queue, s.cfg.BatchSize, s.cfg.WaitTime)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := bo.NextBackOff()
			s.observer.ReceiveFailed(s.cfg.Queue, err)
			s.logger.Error("Failed to receive messages", err, loggingpkg.LogFields{"retry_in": delay.String()})
			sleep(ctx, delay)
			continue
		}
		bo.Reset()
		// Deliveries received after cancellation are left to become
		// visible again.
		if ctx.Err() != nil {
			return nil
		}

		if len(deliveries) > 0 {
			s.observer.Received(s.cfg.Queue, len(deliveries))
		}
		for _, d := range deliveries {
			if d.Queue == "" {
				d.Queue = s.cfg.Queue
			}
			if ctx.Err() != nil {
				return nil
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return nil
			}
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
