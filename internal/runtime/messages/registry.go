package messages

import (
	"sort"
	"sync"
)

// Registry maps subjects to serializers. Registering a subject again
// replaces its serializer.
type Registry struct {
	mu          sync.RWMutex
	serializers map[string]Serializer
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{serializers: make(map[string]Serializer)}
}

// Register binds subject to s.
func (r *Registry) Register(subject string, s Serializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serializers[subject] = s
}

// Get returns the serializer registered for subject.
func (r *Registry) Get(subject string) (Serializer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.serializers[subject]
	return s, ok
}

// Subjects lists the registered subjects in sorted order.
func (r *Registry) Subjects() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.serializers))
	for subject := range r.serializers {
		out = append(out, subject)
	}
	sort.Strings(out)
	return out
}

// RegisterJSON registers a JSON serializer for T under SubjectFor[T] and
// returns the subject.
func RegisterJSON[T any](r *Registry) string {
	subject := SubjectFor[T]()
	r.Register(subject, NewJSONSerializer[T]())
	return subject
}
