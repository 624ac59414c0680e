package broker

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Event is one audit-style notification pushed to connected operators —
// the same shape the Mediator logs to the audit sink, broadcast live
// instead of only written to the structured log (§4.K's optional operator
// event stream).
type Event struct {
	RequestID      string `json:"request_id"`
	ChatID         string `json:"chat_id"`
	Classification string `json:"classification"`
	Status         string `json:"status"`
	DurationMs     int64  `json:"duration_ms"`
}

var eventsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // origin checked against cfg.AllowedOrigins below
}

// eventHub fans out Events to every connected operator socket. Connections
// that fall behind are dropped rather than blocking the broadcaster —
// an operator dashboard that can't keep up should reconnect, not stall
// every other dispatch waiting on a slow websocket write.
type eventHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan Event
}

func newEventHub() *eventHub {
	return &eventHub{clients: make(map[*websocket.Conn]chan Event)}
}

func (h *eventHub) register(conn *websocket.Conn) chan Event {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *eventHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

// Publish broadcasts ev to every connected operator, non-blocking.
func (h *eventHub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- ev:
		default:
			slog.Warn("broker.events_client_slow", "remote", conn.RemoteAddr().String())
		}
	}
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == origin || o == "*" {
			return true
		}
	}
	return false
}

// handleEvents upgrades an authenticated operator connection to a
// websocket and streams Events until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Token == "" {
		writeError(w, http.StatusNotFound, "event stream not configured")
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !s.originAllowed(r.Header.Get("Origin")) {
		writeError(w, http.StatusForbidden, "origin not allowed")
		return
	}

	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("broker.events_upgrade_failed", "error", err)
		return
	}

	ch := s.events.register(conn)
	defer s.events.unregister(conn)

	for ev := range ch {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// PublishEvent broadcasts a completed-dispatch notification to connected
// operators, if the event stream is in use.
func (s *Server) PublishEvent(ev Event) {
	if s.events != nil {
		s.events.Publish(ev)
	}
}
