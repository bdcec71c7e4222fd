package gateway

import (
	"sync"

	"github.com/tryloop/demobroker/internal/protocol"
	"github.com/tryloop/demobroker/internal/session"
)

// Hub is the registry of connected clients. It satisfies the notifier
// interfaces of the queue manager and the supervisor: both address
// clients by id only, so a departed client is a miss, not a dangling
// pointer.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
}

func (h *Hub) get(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SendToClient delivers an event to one client in emission order.
// Returns false when the client is gone (skip emit).
func (h *Hub) SendToClient(clientID string, ev protocol.Event) bool {
	c, ok := h.get(clientID)
	if !ok {
		return false
	}
	return c.enqueue(ev)
}

// LookupClient resolves a client id to the candidate info the supervisor
// needs at promotion time.
func (h *Hub) LookupClient(clientID string) (session.Candidate, bool) {
	c, ok := h.get(clientID)
	if !ok {
		return session.Candidate{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return session.Candidate{
		ClientID:    c.ID,
		RemoteAddr:  c.RemoteAddr,
		UserAgent:   c.UserAgent,
		InviteToken: c.inviteToken,
		EnqueuedAt:  c.enqueuedAt,
	}, true
}
