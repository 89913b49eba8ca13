// Package bus fans background events out to connected page instances.
package bus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/mmcdole/kinosync/internal/domain"
)

const defaultBuffer = 64

// Client is one connected page instance.
type Client struct {
	ID     string
	Events <-chan domain.Event
}

// Hub delivers events to clients. Sends never block: a client whose buffer
// is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]chan domain.Event
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]chan domain.Event),
		logger:  logger,
	}
}

// Connect registers a new client with its own event buffer.
func (h *Hub) Connect(buffer int) *Client {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan domain.Event, buffer)
	id := uuid.NewString()

	h.mu.Lock()
	h.clients[id] = ch
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("page connected", "clientID", id, "clients", n)
	return &Client{ID: id, Events: ch}
}

// Disconnect removes a client and closes its event channel. Unknown ids are ignored.
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	ch, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(ch)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.logger.Debug("page disconnected", "clientID", id, "clients", n)
	}
}

// DisconnectAll closes every client's stream. Used on shutdown.
func (h *Hub) DisconnectAll() {
	h.mu.Lock()
	n := len(h.clients)
	for id, ch := range h.clients {
		delete(h.clients, id)
		close(ch)
	}
	h.mu.Unlock()

	if n > 0 {
		h.logger.Info("pages disconnected", "clients", n)
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends evt to every connected client.
func (h *Hub) Broadcast(evt domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.clients {
		h.send(id, ch, evt)
	}
}

// Respond sends evt to one client. It reports whether the client was
// connected and had room.
func (h *Hub) Respond(clientID string, evt domain.Event) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ch, ok := h.clients[clientID]
	if !ok {
		h.logger.Debug("reply to departed page dropped", "clientID", clientID, "type", evt.Type)
		return false
	}
	return h.send(clientID, ch, evt)
}

func (h *Hub) send(id string, ch chan domain.Event, evt domain.Event) bool {
	select {
	case ch <- evt:
		return true
	default:
		h.logger.Warn("page buffer full, event dropped", "clientID", id, "type", evt.Type)
		return false
	}
}
