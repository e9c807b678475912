package server

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"edgefailover/internal/models"
)

const (
	eventsPushInterval = 30 * time.Second
	eventsWriteTimeout = 5 * time.Second
	clientBuffer       = 16
)

var eventsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := strings.ToLower(strings.TrimSpace(r.Host))
		originHost := strings.ToLower(strings.TrimSpace(u.Host))
		return host == originHost
	},
}

// streamMessage is one frame on /api/events.
type streamMessage struct {
	Type   string                `json:"type"`
	Event  *models.FailoverEvent `json:"event,omitempty"`
	Status *statusResponse       `json:"status,omitempty"`
}

// Hub fans failover events out to connected stream clients. Publish never
// blocks; a client that falls behind loses events.
type Hub struct {
	mu      sync.Mutex
	clients map[chan models.FailoverEvent]struct{}
	closed  bool
	done    chan struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[chan models.FailoverEvent]struct{}),
		done:    make(chan struct{}),
	}
}

// Publish delivers ev to every subscriber with room in its buffer.
func (h *Hub) Publish(ev models.FailoverEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a client. The returned cancel func must be called.
func (h *Hub) Subscribe() (<-chan models.FailoverEvent, func()) {
	ch := make(chan models.FailoverEvent, clientBuffer)
	h.mu.Lock()
	if !h.closed {
		h.clients[ch] = struct{}{}
	}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
	}
}

// Clients returns the number of subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every stream client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.clients = make(map[chan models.FailoverEvent]struct{})
	close(h.done)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.serveEvents(r, conn)
}

// serveEvents sends a status frame on connect, every failover event as it
// happens and a refreshed status frame periodically.
func (s *Server) serveEvents(r *http.Request, conn *websocket.Conn) {
	defer conn.Close()

	events, cancel := s.hub.Subscribe()
	defer cancel()

	if err := s.pushStatus(r, conn); err != nil {
		return
	}

	ticker := time.NewTicker(eventsPushInterval)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-events:
			if err := writeFrame(conn, streamMessage{Type: "event", Event: &ev}); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.pushStatus(r, conn); err != nil {
				return
			}
		case <-done:
			return
		case <-s.hub.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (s *Server) pushStatus(r *http.Request, conn *websocket.Conn) error {
	st, err := s.snapshot(r.Context())
	if err != nil {
		s.logger.Warn("status snapshot for stream failed", "error", err)
		return nil
	}
	return writeFrame(conn, streamMessage{Type: "status", Status: &st})
}

func writeFrame(conn *websocket.Conn, msg streamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
	return conn.WriteJSON(msg)
}
