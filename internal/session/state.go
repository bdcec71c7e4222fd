// state.go implements the global session slot state machine.
//
// The broker runs at most one session at a time. The slot moves through
// Idle -> Starting -> Active -> Ending -> Idle, with DisconnectedGrace as
// a substate of Active entered when the owning client's connection drops
// while the terminal is still alive. Transitions are recorded in a ring
// buffer for debugging and surfaced by the health endpoint.

package session

import (
	"sync"
	"time"
)

// SlotState is the state of the singleton session slot.
type SlotState int

const (
	StateIdle SlotState = iota
	StateStarting
	StateActive
	StateDisconnectedGrace
	StateEnding
)

// String returns the human-readable name of the slot state.
func (s SlotState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateDisconnectedGrace:
		return "disconnected_grace"
	case StateEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// occupied reports whether the slot holds a session in any phase.
func (s SlotState) occupied() bool {
	return s != StateIdle
}

// transitionBufferSize is the number of slot transitions retained for
// debugging.
const transitionBufferSize = 32

// Transition records a single slot state change.
type Transition struct {
	From      SlotState `json:"-"`
	To        SlotState `json:"-"`
	FromName  string    `json:"from"`
	ToName    string    `json:"to"`
	SessionID string    `json:"session_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// transitionLog is a fixed-size ring buffer of slot transitions.
type transitionLog struct {
	mu      sync.Mutex
	entries [transitionBufferSize]Transition
	head    int
	count   int
}

func (l *transitionLog) record(from, to SlotState, sessionID, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.head] = Transition{
		From:      from,
		To:        to,
		FromName:  from.String(),
		ToName:    to.String(),
		SessionID: sessionID,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	l.head = (l.head + 1) % transitionBufferSize
	if l.count < transitionBufferSize {
		l.count++
	}
}

// recent returns transitions oldest first.
func (l *transitionLog) recent() []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transition, 0, l.count)
	start := l.head - l.count
	if start < 0 {
		start += transitionBufferSize
	}
	for i := 0; i < l.count; i++ {
		out = append(out, l.entries[(start+i)%transitionBufferSize])
	}
	return out
}
