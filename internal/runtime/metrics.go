package runtime

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/flowbus/internal/runtime/dispatch"
)

// Publish results recorded by BusMetrics.
const (
	PublishResultOK        = "ok"
	PublishResultFailed    = "failed"
	PublishResultSwallowed = "swallowed"
)

// BusMetrics counts what the bus receives, dispatches and publishes. It
// implements the receive and dispatch observers.
type BusMetrics struct {
	mu sync.RWMutex

	queues     map[string]*QueueMetrics
	publishing map[string]*PublishMetrics

	receivedTotal      *prometheus.CounterVec
	receiveErrorsTotal *prometheus.CounterVec
	dispatchedTotal    *prometheus.CounterVec
	handlerDuration    *prometheus.HistogramVec
	publishedTotal     *prometheus.CounterVec
	paused             prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

// QueueMetrics holds the counters of one queue.
type QueueMetrics struct {
	Received      uint64    `json:"received"`
	ReceiveErrors uint64    `json:"receive_errors"`
	Handled       uint64    `json:"handled"`
	Rejected      uint64    `json:"rejected"`
	DecodeFailed  uint64    `json:"decode_failed"`
	Unroutable    uint64    `json:"unroutable"`
	DeleteFailed  uint64    `json:"delete_failed"`
	LastError     string    `json:"last_error,omitempty"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// PublishMetrics holds the publish counters of one subject.
type PublishMetrics struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Swallowed uint64 `json:"swallowed"`
}

// MetricsSnapshot is a point-in-time copy of BusMetrics.
type MetricsSnapshot struct {
	Queues      map[string]QueueMetrics   `json:"queues"`
	Publishing  map[string]PublishMetrics `json:"publishing"`
	CollectedAt time.Time                 `json:"collected_at"`
}

func newBusCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowbus",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newBusHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowbus",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewBusMetrics creates the collectors. They are registered by Register.
func NewBusMetrics(registerer prometheus.Registerer) *BusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &BusMetrics{
		queues:             make(map[string]*QueueMetrics),
		publishing:         make(map[string]*PublishMetrics),
		registerer:         registerer,
		receivedTotal:      newBusCounterVec("messages_received_total", "Messages returned by receive calls", []string{"queue"}),
		receiveErrorsTotal: newBusCounterVec("receive_errors_total", "Failed receive calls", []string{"queue"}),
		dispatchedTotal:    newBusCounterVec("messages_dispatched_total", "Dispatch outcomes per message", []string{"group", "queue", "outcome"}),
		handlerDuration:    newBusHistogramVec("handler_duration_seconds", "Time spent in the middleware chain and handler", prometheus.DefBuckets, []string{"queue", "subject", "result"}),
		publishedTotal:     newBusCounterVec("messages_published_total", "Publish attempts per subject", []string{"subject", "destination", "result"}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowbus",
			Name:      "consumption_paused",
			Help:      "1 while consumption is paused",
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *BusMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.receivedTotal,
		m.receiveErrorsTotal,
		m.dispatchedTotal,
		m.handlerDuration,
		m.publishedTotal,
		m.paused,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Handler serves the registry the collectors are registered with.
func (m *BusMetrics) Handler() http.Handler {
	if g, ok := m.registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// Received implements the receive observer.
func (m *BusMetrics) Received(queue string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queueLocked(queue)
	q.Received += uint64(count)
	q.LastUpdatedAt = time.Now()
	m.receivedTotal.WithLabelValues(queue).Add(float64(count))
}

// ReceiveFailed implements the receive observer.
func (m *BusMetrics) ReceiveFailed(queue string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queueLocked(queue)
	q.ReceiveErrors++
	if err != nil {
		q.LastError = err.Error()
	}
	q.LastUpdatedAt = time.Now()
	m.receiveErrorsTotal.WithLabelValues(queue).Inc()
}

// Dispatched implements the dispatch observer.
func (m *BusMetrics) Dispatched(r dispatch.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queueLocked(r.Queue)
	switch r.Outcome {
	case dispatch.OutcomeHandled:
		q.Handled++
	case dispatch.OutcomeRejected:
		q.Rejected++
	case dispatch.OutcomeDecodeFailed:
		q.DecodeFailed++
	case dispatch.OutcomeUnroutable:
		q.Unroutable++
	case dispatch.OutcomeDeleteFailed:
		q.DeleteFailed++
	}
	if r.Err != nil {
		q.LastError = r.Err.Error()
	}
	q.LastUpdatedAt = time.Now()
	m.dispatchedTotal.WithLabelValues(r.Group, r.Queue, r.Outcome.String()).Inc()
}

// ObserveHandler records the duration of one handler invocation.
func (m *BusMetrics) ObserveHandler(queue, subject string, elapsed time.Duration, ok bool) {
	result := "handled"
	if !ok {
		result = "failed"
	}
	m.handlerDuration.WithLabelValues(queue, subject, result).Observe(elapsed.Seconds())
}

// RecordPublish counts one publish attempt with one of the PublishResult
// constants.
func (m *BusMetrics) RecordPublish(subject, destination, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.publishing[subject]
	if !ok {
		p = &PublishMetrics{}
		m.publishing[subject] = p
	}
	switch result {
	case PublishResultOK:
		p.Published++
	case PublishResultSwallowed:
		p.Swallowed++
	default:
		p.Failed++
	}
	m.publishedTotal.WithLabelValues(subject, destination, result).Inc()
}

// SetPaused mirrors the pause signal.
func (m *BusMetrics) SetPaused(paused bool) {
	if paused {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}

// Snapshot returns a copy of the counters.
func (m *BusMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		Queues:      make(map[string]QueueMetrics, len(m.queues)),
		Publishing:  make(map[string]PublishMetrics, len(m.publishing)),
		CollectedAt: time.Now(),
	}
	for name, q := range m.queues {
		snapshot.Queues[name] = *q
	}
	for subject, p := range m.publishing {
		snapshot.Publishing[subject] = *p
	}
	return snapshot
}

// Queue returns the counters of one queue.
func (m *BusMetrics) Queue(name string) (QueueMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	if !ok {
		return QueueMetrics{}, false
	}
	return *q, true
}

func (m *BusMetrics) queueLocked(name string) *QueueMetrics {
	if q, ok := m.queues[name]; ok {
		return q
	}
	q := &QueueMetrics{}
	m.queues[name] = q
	return q
}

// Reset clears every counter (useful for testing).
func (m *BusMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queues = make(map[string]*QueueMetrics)
	m.publishing = make(map[string]*PublishMetrics)
	m.receivedTotal.Reset()
	m.receiveErrorsTotal.Reset()
	m.dispatchedTotal.Reset()
	m.handlerDuration.Reset()
	m.publishedTotal.Reset()
	m.paused.Set(0)
}
