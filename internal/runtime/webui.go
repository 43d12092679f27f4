package runtime

import (
	"net/http"
	"sort"
	"strings"

	"github.com/drblury/flowbus/internal/runtime/jsoncodec"
	"github.com/drblury/flowbus/transport"
)

const defaultWebUIPort = 8081

// InterrogationResult is a snapshot of how the bus is wired and how it is
// doing.
type InterrogationResult struct {
	Transport    string                 `json:"transport"`
	Capabilities transport.Capabilities `json:"capabilities"`
	Bridges      []string               `json:"bridges"`
	Started      bool                   `json:"started"`
	Paused       bool                   `json:"paused"`
	Middlewares  []string               `json:"middlewares"`
	Groups       []GroupInfo            `json:"groups"`
	Publishers   []PublisherInfo        `json:"publishers"`
	Metrics      MetricsSnapshot        `json:"metrics"`
}

// GroupInfo describes one subscription group.
type GroupInfo struct {
	Name             string      `json:"name"`
	ConcurrencyLimit int         `json:"concurrency_limit"`
	BufferSize       int         `json:"buffer_size"`
	Buffered         int         `json:"buffered"`
	Running          bool        `json:"running"`
	Queues           []QueueInfo `json:"queues"`
}

// QueueInfo lists the handlers registered on one queue.
type QueueInfo struct {
	Name     string         `json:"name"`
	Handlers []*HandlerInfo `json:"handlers"`
}

// PublisherInfo describes one registered publisher.
type PublisherInfo struct {
	Subject     string `json:"subject"`
	Destination string `json:"destination"`
	Bridge      string `json:"bridge,omitempty"`
}

// Interrogate reports groups, handlers, publishers and counters.
func (b *Bus) Interrogate() InterrogationResult {
	handlers := b.Handlers()
	byQueue := make(map[string][]*HandlerInfo)
	for _, h := range handlers {
		byQueue[h.Queue] = append(byQueue[h.Queue], h)
	}

	b.mu.RLock()
	started := b.started && !b.stopped
	groups := make([]GroupInfo, 0, len(b.groups))
	for _, g := range b.groups {
		info := GroupInfo{
			Name:             g.spec.Name,
			ConcurrencyLimit: g.spec.ConcurrencyLimit,
			BufferSize:       g.spec.BufferSize,
		}
		if g.coordinator != nil {
			info.Buffered = g.coordinator.Buffered()
			info.Running = g.coordinator.Running()
		}
		for _, q := range g.spec.Queues {
			qh := byQueue[q]
			sort.Slice(qh, func(i, j int) bool { return qh[i].Subject < qh[j].Subject })
			info.Queues = append(info.Queues, QueueInfo{Name: q, Handlers: qh})
		}
		groups = append(groups, info)
	}
	b.mu.RUnlock()

	return InterrogationResult{
		Transport:    b.transport.Name,
		Capabilities: b.transport.Capabilities,
		Bridges:      b.transport.BridgeNames(),
		Started:      started,
		Paused:       b.IsPaused(),
		Middlewares:  b.MiddlewareNames(),
		Groups:       groups,
		Publishers:   b.Publishers(),
		Metrics:      b.metrics.Snapshot(),
	}
}

func sortPublishers(p []PublisherInfo) {
	sort.Slice(p, func(i, j int) bool { return p[i].Subject < p[j].Subject })
}

// StartWebUIServer mounts the interrogation endpoints when the web UI is
// enabled. The server itself starts with the other HTTP servers.
func (b *Bus) StartWebUIServer() {
	if !b.Conf.WebUIEnabled {
		return
	}
	b.httpServersMu.Lock()
	mounted := b.webUIMounted
	b.webUIMounted = true
	b.httpServersMu.Unlock()
	if mounted {
		return
	}

	port := b.Conf.WebUIPort
	if port == 0 {
		port = defaultWebUIPort
	}

	b.RegisterHTTPHandler(port, "/api/handlers", http.HandlerFunc(b.handleGetHandlers))
	b.RegisterHTTPHandler(port, "/api/interrogate", http.HandlerFunc(b.handleInterrogate))
}

func (b *Bus) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, r, func() any { return b.Handlers() })
}

func (b *Bus) handleInterrogate(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, r, func() any { return b.Interrogate() })
}

func (b *Bus) writeJSON(w http.ResponseWriter, r *http.Request, body func() any) {
	w.Header().Set("Content-Type", "application/json")

	// Set CORS headers based on configuration
	if b.Conf != nil && len(b.Conf.WebUICORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := b.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	// Handle preflight requests
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := jsoncodec.Encode(w, body()); err != nil {
		b.Logger.Error("Failed to encode interrogation response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (b *Bus) getAllowedCORSOrigin(requestOrigin string) string {
	if b.Conf == nil {
		return ""
	}
	for _, allowed := range b.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
