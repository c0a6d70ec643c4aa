package wsfanout

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lyzr/stratengine/internal/emergency"
	"github.com/lyzr/stratengine/internal/events"
	"github.com/lyzr/stratengine/internal/eventbus"
	"github.com/lyzr/stratengine/internal/statestore"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Dependencies are the infrastructure handles /health inspects, kept
// narrow (interfaces, not *infra.Assembly) so the server stays testable
// without a full assembly.
type Dependencies struct {
	State     statestore.Store
	Events    eventbus.Bus
	Emergency *emergency.Controller
}

// Server exposes the WebSocket upgrade route plus /status, /health, and
// /metrics, matching the teacher's echo-based HTTP idiom.
type Server struct {
	hub  *Hub
	deps Dependencies
	echo *echo.Echo
}

// NewServer wires routes onto a fresh echo instance.
func NewServer(hub *Hub, deps Dependencies) *Server {
	s := &Server{hub: hub, deps: deps, echo: echo.New()}
	s.echo.HideBanner = true
	s.echo.GET("/ws", s.handleWebSocket)
	s.echo.GET("/status", s.handleStatus)
	s.echo.GET("/health", s.handleHealth)
	// spec.md §6 requires every HTTP response body be JSON; SPEC_FULL.md
	// §4.10 keeps that as "the documented contract" with the Prometheus
	// registry backing the numbers. /metrics therefore returns the JSON
	// summary, with the raw exposition format available separately for
	// anything (e.g. a Prometheus scraper) that needs it.
	s.echo.GET("/metrics", s.handleMetrics)
	s.echo.GET("/metrics/prometheus", echo.WrapHandler(promhttp.HandlerFor(hub.metrics.registry, promhttp.HandlerOpts{})))
	return s
}

// Handler returns the underlying echo instance for embedding in a larger
// HTTP server, or for http.ListenAndServe directly.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}

	sess := newSession(s.hub, newSessionID(), conn, s.hub.cfg.RequireAuth)
	s.hub.register <- sess

	s.send(sess, wireEvent{Type: "connected", Payload: connectedPayload{
		SID:          sess.id,
		AuthRequired: s.hub.cfg.RequireAuth,
		ServerTime:   time.Now().UTC(),
	}})

	go sess.writePump()
	sess.readPump()
	return nil
}

type connectedPayload struct {
	SID          string    `json:"sid"`
	AuthRequired bool      `json:"auth_required"`
	ServerTime   time.Time `json:"server_time"`
}

func (s *Server) send(sess *session, msg wireEvent) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case sess.send <- raw:
	default:
	}
}

// incomingMessage is the generic client->server frame shape. Only one of
// the id-bearing fields is populated per message type.
type incomingMessage struct {
	Type       string `json:"type"`
	Token      string `json:"token,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	BotID      string `json:"bot_id,omitempty"`
	StrategyID string `json:"strategy_id,omitempty"`
}

// handleIncoming processes one client frame. Malformed JSON disconnects
// the session; an unknown message type is ignored with an error frame,
// per spec.md §7.
func (h *Hub) handleIncoming(s *session, raw []byte) {
	var msg incomingMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.conn.Close()
		return
	}

	switch msg.Type {
	case "authenticate":
		success := !h.cfg.RequireAuth || msg.Token == h.cfg.AuthToken
		if success {
			s.authenticate()
		}
		reply := wireEvent{Type: "auth_response", Payload: authResponsePayload{Success: success, Message: authMessage(success)}}
		raw, _ := json.Marshal(reply)
		nonBlockingSend(s, raw)
	case "subscribe_workflow", "subscribe_bot", "subscribe_strategy":
		h.handleSubscribe(s, msg)
	case "unsubscribe":
		h.handleUnsubscribe(s, msg)
	default:
		raw, _ := json.Marshal(wireEvent{Type: "error", Payload: errorPayload{Message: "unknown message type"}})
		nonBlockingSend(s, raw)
	}
}

type authResponsePayload struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func authMessage(success bool) string {
	if success {
		return "authenticated"
	}
	return "invalid token"
}

func (h *Hub) handleSubscribe(s *session, msg incomingMessage) {
	if !s.isAuthenticated() {
		raw, _ := json.Marshal(wireEvent{Type: "error", Payload: errorPayload{Message: "authentication required before subscribing"}})
		nonBlockingSend(s, raw)
		return
	}

	filterType, id := subscriptionTarget(msg)
	if filterType == "" || id == "" {
		raw, _ := json.Marshal(wireEvent{Type: "error", Payload: errorPayload{Message: "missing id for subscription"}})
		nonBlockingSend(s, raw)
		return
	}
	s.addFilter(filterType, id)
	h.metrics.incSubscriptions()

	confirm, _ := json.Marshal(wireEvent{Type: "subscribed", Payload: subscriptionPayload{Type: filterType, ID: id}})
	nonBlockingSend(s, confirm)

	replay := h.replayFor(filterType, id)
	recent, _ := json.Marshal(wireEvent{Type: "recent_events", Payload: recentEventsPayload{Events: replay, Count: len(replay)}})
	nonBlockingSend(s, recent)
}

func (h *Hub) handleUnsubscribe(s *session, msg incomingMessage) {
	filterType, id := subscriptionTarget(msg)
	if filterType == "" || id == "" {
		filterType, id = inferUnsubscribeTarget(msg)
	}
	s.removeFilter(filterType, id)
	confirm, _ := json.Marshal(wireEvent{Type: "unsubscribed", Payload: subscriptionPayload{Type: filterType, ID: id}})
	nonBlockingSend(s, confirm)
}

type subscriptionPayload struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type recentEventsPayload struct {
	Events []events.Envelope `json:"events"`
	Count  int               `json:"count"`
}

func subscriptionTarget(msg incomingMessage) (filterType, id string) {
	switch msg.Type {
	case "subscribe_workflow":
		return "workflow", msg.WorkflowID
	case "subscribe_bot":
		return "bot", msg.BotID
	case "subscribe_strategy":
		return "strategy", msg.StrategyID
	}
	return "", ""
}

// inferUnsubscribeTarget supports an unsubscribe frame that names the
// target directly (workflow_id/bot_id/strategy_id) rather than echoing a
// subscribe_* type.
func inferUnsubscribeTarget(msg incomingMessage) (string, string) {
	switch {
	case msg.WorkflowID != "":
		return "workflow", msg.WorkflowID
	case msg.BotID != "":
		return "bot", msg.BotID
	case msg.StrategyID != "":
		return "strategy", msg.StrategyID
	}
	return "", ""
}

func nonBlockingSend(s *session, raw []byte) {
	select {
	case s.send <- raw:
	default:
	}
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"server":    "stratengine-fanout",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	stateHealthy := s.deps.State != nil
	eventsHealthy := s.deps.Events != nil
	emergencyHealthy := s.deps.Emergency != nil

	if stateHealthy {
		if _, err := s.deps.State.Exists(context.Background(), "health:probe"); err != nil {
			if _, ok := asBackendError(err); ok {
				stateHealthy = false
			}
		}
	}

	healthy := stateHealthy && eventsHealthy && emergencyHealthy
	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	body := map[string]any{
		"status":         status,
		"uptime_seconds": time.Since(s.hub.startedAt).Seconds(),
		"websocket": map[string]any{
			"connected_clients": s.hub.connectedClients(),
			"total_connections": s.hub.totalConnections(),
		},
		"infrastructure": map[string]any{
			"state":     boolStatus(stateHealthy),
			"events":    boolStatus(eventsHealthy),
			"emergency": boolStatus(emergencyHealthy),
		},
	}
	return c.JSON(code, body)
}

// handleMetrics returns the JSON summary of the same counters/gauges the
// Prometheus registry exposes at /metrics/prometheus, per spec.md §6's
// "every HTTP response body is JSON" contract.
func (s *Server) handleMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.hub.metrics.snapshot())
}

func boolStatus(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}

func asBackendError(err error) (*statestore.BackendError, bool) {
	be, ok := err.(*statestore.BackendError)
	return be, ok
}
