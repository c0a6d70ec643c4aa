package wsfanout

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = 25 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
)

// session is one WebSocket connection, adapted from the teacher's Client
// to carry authentication state and per-session subscription filters
// instead of a single username (spec.md §4.10).
type session struct {
	hub  *Hub
	id   string
	conn *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	authenticated bool
	filters       map[string]map[string]bool // filter type -> set of ids
}

func newSession(hub *Hub, id string, conn *websocket.Conn, requireAuth bool) *session {
	return &session{
		hub:           hub,
		id:            id,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		authenticated: !requireAuth,
		filters:       make(map[string]map[string]bool),
	}
}

func (s *session) isAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

func (s *session) authenticate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
}

func (s *session) addFilter(filterType, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filters[filterType] == nil {
		s.filters[filterType] = make(map[string]bool)
	}
	s.filters[filterType][id] = true
}

func (s *session) removeFilter(filterType, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.filters[filterType], id)
}

// matches reports whether the session has a filter satisfied by payload,
// per spec.md §4.10's "workflow_id, bot_id, or strategy_id in the payload
// equals a subscribed value" rule.
func (s *session) matches(payload map[string]any) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for filterType, ids := range s.filters {
		field := filterField(filterType)
		value, ok := payload[field].(string)
		if !ok {
			continue
		}
		if ids[value] {
			return true
		}
	}
	return false
}

func filterField(filterType string) string {
	switch filterType {
	case "workflow":
		return "workflow_id"
	case "bot":
		return "bot_id"
	case "strategy":
		return "strategy_id"
	default:
		return filterType
	}
}

func (s *session) readPump() {
	defer func() {
		s.hub.unregister <- s
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.hub.handleIncoming(s, raw)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
