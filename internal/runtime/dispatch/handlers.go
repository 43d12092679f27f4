package dispatch

import (
	"sort"
	"sync"

	"github.com/drblury/flowbus/internal/runtime/messages"
	"github.com/drblury/flowbus/internal/runtime/middleware"
)

// Entry is one registered handler: a typed thunk bound to a subject on a
// queue, with the serializer that decodes its messages.
type Entry struct {
	Name        string
	Subject     string
	Serializer  messages.Serializer
	Handler     middleware.Handler
	Middlewares []middleware.Middleware
}

// HandlerMap routes (queue, subject) to exactly one Entry. Setting a key
// again replaces the previous entry.
type HandlerMap struct {
	mu     sync.RWMutex
	queues map[string]map[string]Entry
}

// NewHandlerMap returns an empty map.
func NewHandlerMap() *HandlerMap {
	return &HandlerMap{queues: make(map[string]map[string]Entry)}
}

// Set registers e for queue, replacing any entry with the same subject. It
// reports whether an entry was replaced.
func (m *HandlerMap) Set(queue string, e Entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	subjects, ok := m.queues[queue]
	if !ok {
		subjects = make(map[string]Entry)
		m.queues[queue] = subjects
	}
	_, replaced := subjects[e.Subject]
	subjects[e.Subject] = e
	return replaced
}

// Lookup returns the entry for subject on queue.
func (m *HandlerMap) Lookup(queue, subject string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.queues[queue][subject]
	return e, ok
}

// DefaultSubject returns the only subject handled on queue, or "" when the
// queue handles zero or several.
func (m *HandlerMap) DefaultSubject(queue string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	subjects := m.queues[queue]
	if len(subjects) != 1 {
		return ""
	}
	for subject := range subjects {
		return subject
	}
	return ""
}

// Queues lists queues with at least one handler, sorted.
func (m *HandlerMap) Queues() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.queues))
	for q := range m.queues {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Entries lists the entries of queue sorted by subject.
func (m *HandlerMap) Entries(queue string) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.queues[queue]))
	for _, e := range m.queues[queue] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

// Has reports whether queue has any handler.
func (m *HandlerMap) Has(queue string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queues[queue]) > 0
}
