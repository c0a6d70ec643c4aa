// Package wsfanout implements the WebSocket fan-out server (C10):
// authentication, per-client subscription filters, a bounded replay
// buffer, and the three HTTP introspection endpoints, adapted from the
// teacher's cmd/fanout hub/client pattern, per SPEC_FULL.md §4.10.
package wsfanout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/stratengine/internal/events"
	"github.com/lyzr/stratengine/internal/eventbus"
)

// Config configures one Hub, sourced from config.WebSocketConfig.
type Config struct {
	RequireAuth          bool
	AuthToken            string
	RecentEventsCapacity int
}

// Hub owns the set of connected sessions, the replay buffer, and the
// standing subscription on the workflow-events channel.
type Hub struct {
	cfg     Config
	metrics *metrics

	mu       sync.RWMutex
	sessions map[string]*session

	recentMu sync.Mutex
	recent   []events.Envelope

	register   chan *session
	unregister chan *session

	startedAt time.Time
}

// NewHub constructs an unstarted Hub; call Run to begin its event loop.
func NewHub(cfg Config) *Hub {
	if cfg.RecentEventsCapacity <= 0 {
		cfg.RecentEventsCapacity = 100
	}
	return &Hub{
		cfg:        cfg,
		metrics:    newMetrics(),
		sessions:   make(map[string]*session),
		register:   make(chan *session),
		unregister: make(chan *session),
		startedAt:  time.Now().UTC(),
	}
}

// Run drives registration/unregistration and never returns: the hub has
// no stop signal, so the loop ends only with the process (matching the
// teacher's Hub.Run).
func (h *Hub) Run() {
	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s.id] = s
			h.mu.Unlock()
			h.metrics.incConnectedClients()
			h.metrics.incTotalConnections()
		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.sessions[s.id]; ok {
				delete(h.sessions, s.id)
				close(s.send)
				h.metrics.decConnectedClients()
			}
			h.mu.Unlock()
		}
	}
}

// Attach opens the hub's standing subscription on bus's workflow-events
// topic, per spec.md §4.10 ("The server holds one standing subscription
// on C4's workflow-events topic").
func (h *Hub) Attach(ctx context.Context, bus eventbus.Bus) (eventbus.Subscription, error) {
	return bus.Subscribe(ctx, events.WorkflowEventsChannel, func(ctx context.Context, event events.Envelope) {
		h.OnBusEvent(event)
	})
}

// OnBusEvent is the C4 subscription handler: the hub's standing
// subscription on the workflow-events topic calls this for every event.
func (h *Hub) OnBusEvent(event events.Envelope) {
	h.metrics.incEventsReceived()
	h.appendRecent(event)

	raw, err := json.Marshal(wireEvent{Type: "workflow_event", Payload: event})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		if !s.isAuthenticated() {
			continue
		}
		if !s.matches(event.Payload) {
			continue
		}
		h.deliver(s, raw)
	}
}

func (h *Hub) deliver(s *session, raw []byte) {
	select {
	case s.send <- raw:
		h.metrics.incEventsSent()
	default:
		// Slow consumer: disconnect rather than block fan-out to every
		// other session, matching the teacher's full-buffer policy.
		// Actual map removal happens on the Run goroutine to avoid
		// mutating sessions while only holding the read lock here.
		select {
		case h.unregister <- s:
		default:
			go func() { h.unregister <- s }()
		}
	}
}

func (h *Hub) appendRecent(event events.Envelope) {
	h.recentMu.Lock()
	defer h.recentMu.Unlock()
	h.recent = append(h.recent, event)
	if len(h.recent) > h.cfg.RecentEventsCapacity {
		h.recent = h.recent[len(h.recent)-h.cfg.RecentEventsCapacity:]
	}
	h.metrics.setReplayBufferSize(len(h.recent))
}

func (h *Hub) replayFor(filterType, id string) []events.Envelope {
	h.recentMu.Lock()
	defer h.recentMu.Unlock()
	field := filterField(filterType)
	var out []events.Envelope
	for _, ev := range h.recent {
		if v, ok := ev.Payload[field].(string); ok && v == id {
			out = append(out, ev)
		}
	}
	return out
}

// connectedClients reports the current session count, for /health and
// /metrics' JSON summary.
func (h *Hub) connectedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// totalConnections reports the cumulative count of accepted WebSocket
// connections since startup, for /health and /metrics' JSON summary.
func (h *Hub) totalConnections() uint64 {
	return h.metrics.totalConnections.Load()
}

func newSessionID() string {
	return uuid.New().String()
}

// wireEvent is the envelope every server-pushed message shares: a
// discriminant "type" plus a type-specific body, matching the teacher's
// convention of framing each push as its own JSON object.
type wireEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}
