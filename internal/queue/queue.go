// Package queue implements the FIFO waitlist between gateway admission
// and session promotion. It owns queue order exclusively; position
// broadcasts go out after every mutation so queued clients always see a
// fresh 1-based position.
package queue

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/tryloop/demobroker/internal/protocol"
)

var (
	ErrFull          = errors.New("queue is full")
	ErrAlreadyQueued = errors.New("client already queued")
)

// Notifier delivers an event to a single client. Implemented by the
// gateway hub; a false return means the client is gone and the event was
// dropped.
type Notifier interface {
	SendToClient(clientID string, ev protocol.Event) bool
}

// Entry is one queued client.
type Entry struct {
	ClientID   string
	EnqueuedAt time.Time
}

type Manager struct {
	mu         sync.Mutex
	entries    []Entry
	max        int
	avgMinutes int
	notifier   Notifier
	nowFn      func() time.Time // injectable clock for testing
}

func NewManager(max, avgSessionMinutes int, notifier Notifier) *Manager {
	return &Manager{
		max:        max,
		avgMinutes: avgSessionMinutes,
		notifier:   notifier,
		nowFn:      time.Now,
	}
}

// Enqueue appends a client and broadcasts fresh positions. The caller
// learns its own position from the broadcast. Duplicates and cap
// overflow are rejected without touching queue order.
func (m *Manager) Enqueue(clientID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.ClientID == clientID {
			return 0, ErrAlreadyQueued
		}
	}
	if len(m.entries) >= m.max {
		return 0, ErrFull
	}

	m.entries = append(m.entries, Entry{ClientID: clientID, EnqueuedAt: m.nowFn()})
	pos := len(m.entries)
	log.Printf("[queue] enqueued %s at position %d/%d", clientID, pos, m.max)
	m.broadcastLocked()
	return pos, nil
}

// Leave removes a client by identity; a no-op when absent. Returns
// whether anything was removed.
func (m *Manager) Leave(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.entries {
		if e.ClientID == clientID {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			log.Printf("[queue] removed %s (%d remaining)", clientID, len(m.entries))
			m.broadcastLocked()
			return true
		}
	}
	return false
}

// RemoveIfPresent is the disconnect path; identical semantics to Leave.
func (m *Manager) RemoveIfPresent(clientID string) bool {
	return m.Leave(clientID)
}

// PeekHead returns the head entry without removing it.
func (m *Manager) PeekHead() (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return Entry{}, false
	}
	return m.entries[0], true
}

// PopHead removes and returns the head entry. Only the supervisor calls
// this, on promotion; the survivors get fresh positions.
func (m *Manager) PopHead() (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return Entry{}, false
	}
	head := m.entries[0]
	m.entries = m.entries[1:]
	m.broadcastLocked()
	return head, true
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Position returns a client's 1-based position, or 0 if absent.
func (m *Manager) Position(clientID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.ClientID == clientID {
			return i + 1
		}
	}
	return 0
}

// Snapshot returns the queue in order, for status and operator views.
func (m *Manager) Snapshot() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// EstimateWaitMinutes is position x configured average session length.
func (m *Manager) EstimateWaitMinutes(position int) int {
	return position * m.avgMinutes
}

// broadcastLocked emits queue_position to every queued client. Must be
// called with m.mu held; delivery is non-blocking through the notifier.
func (m *Manager) broadcastLocked() {
	size := len(m.entries)
	for i, e := range m.entries {
		pos := i + 1
		m.notifier.SendToClient(e.ClientID, protocol.QueuePosition(pos, m.EstimateWaitMinutes(pos), size))
	}
}
