package pdpserver

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/cordum/pdpsync/core/infra/logging"
	"github.com/cordum/pdpsync/core/pdp/voter"
)

const clientBuffer = 64

// StreamEvent is one message on the status stream.
type StreamEvent struct {
	Type   string        `json:"type"`
	PdpID  string        `json:"pdp_id"`
	Status *voter.Status `json:"status,omitempty"`
}

const (
	eventStatus   = "status"
	eventRemoved  = "removed"
	eventSnapshot = "snapshot"
)

// Hub fans status transitions out to WebSocket clients. A client whose
// buffer is full is disconnected rather than allowed to stall transitions.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan StreamEvent
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]chan StreamEvent)}
}

func (h *Hub) OnStatus(st voter.Status) {
	h.broadcast(StreamEvent{Type: eventStatus, PdpID: st.PdpID, Status: &st})
}

func (h *Hub) OnRemoved(pdpID string) {
	h.broadcast(StreamEvent{Type: eventRemoved, PdpID: pdpID})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(conn *websocket.Conn) chan StreamEvent {
	ch := make(chan StreamEvent, clientBuffer)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}

func (h *Hub) broadcast(ev StreamEvent) {
	var slow []*websocket.Conn
	h.mu.RLock()
	for conn, ch := range h.clients {
		select {
		case ch <- ev:
		default:
			slow = append(slow, conn)
		}
	}
	h.mu.RUnlock()
	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, conn := range slow {
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	for _, conn := range slow {
		logging.Warn("pdp-server", "dropping slow stream client", "remote", conn.RemoteAddr())
		if err := conn.Close(); err != nil {
			logging.Error("pdp-server", "ws client close failed", "error", err)
		}
	}
}
