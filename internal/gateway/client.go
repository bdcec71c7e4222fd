package gateway

import (
	"sync"
	"time"

	"github.com/tryloop/demobroker/internal/protocol"
)

// ClientState tracks where a connection is in its lifecycle. Active and
// grace are owned by the supervisor; the gateway mirrors them only for
// status output.
type ClientState int

const (
	StateConnected ClientState = iota
	StateQueued
	StateActive
)

func (s ClientState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateQueued:
		return "queued"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// sendBuffer is the per-client outbound queue depth. A client that falls
// this far behind has its events dropped rather than stalling the hub.
const sendBuffer = 32

// Client is the in-memory record for one gateway connection. Fields
// behind mu change as the client moves through the queue; the identity
// fields are immutable after connect.
type Client struct {
	ID          string
	RemoteAddr  string
	UserAgent   string
	ConnectedAt time.Time

	mu          sync.Mutex
	state       ClientState
	inviteToken string
	enqueuedAt  time.Time

	send   chan protocol.Event
	closed bool
}

func newClient(id, remoteAddr, userAgent string) *Client {
	return &Client{
		ID:          id,
		RemoteAddr:  remoteAddr,
		UserAgent:   userAgent,
		ConnectedAt: time.Now(),
		send:        make(chan protocol.Event, sendBuffer),
	}
}

func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// markQueued stamps the enqueue time and bound invite together so the
// supervisor's lookup sees a consistent record.
func (c *Client) markQueued(inviteToken string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateQueued
	c.inviteToken = inviteToken
	c.enqueuedAt = at
}

func (c *Client) setInvite(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inviteToken = token
}

// enqueue sends an event to the client's writer. False means the client
// is gone or hopelessly behind; the event is dropped either way.
func (c *Client) enqueue(ev protocol.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// shut closes the send channel exactly once, stopping the writer.
func (c *Client) shut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
