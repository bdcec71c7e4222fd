package queue

import (
	"sync"
	"testing"

	"github.com/tryloop/demobroker/internal/protocol"
)

// recordingNotifier captures events per client for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events map[string][]protocol.Event
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{events: make(map[string][]protocol.Event)}
}

func (n *recordingNotifier) SendToClient(clientID string, ev protocol.Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[clientID] = append(n.events[clientID], ev)
	return true
}

func (n *recordingNotifier) last(clientID string) protocol.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	evs := n.events[clientID]
	if len(evs) == 0 {
		return nil
	}
	return evs[len(evs)-1]
}

func (n *recordingNotifier) count(clientID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events[clientID])
}

func TestEnqueueOrderAndBroadcast(t *testing.T) {
	n := newRecordingNotifier()
	m := NewManager(10, 45, n)

	if _, err := m.Enqueue("b"); err != nil {
		t.Fatal(err)
	}
	if ev := n.last("b"); ev["position"] != 1 || ev["queue_size"] != 1 {
		t.Errorf("b after first enqueue: %v", ev)
	}

	if _, err := m.Enqueue("c"); err != nil {
		t.Fatal(err)
	}
	// Both clients get fresh positions on the second enqueue.
	if ev := n.last("b"); ev["position"] != 1 || ev["queue_size"] != 2 {
		t.Errorf("b after second enqueue: %v", ev)
	}
	if ev := n.last("c"); ev["position"] != 2 || ev["queue_size"] != 2 {
		t.Errorf("c after second enqueue: %v", ev)
	}
	if ev := n.last("c"); ev["estimated_wait"] != 90 {
		t.Errorf("estimated_wait = %v, want 2 x 45", ev["estimated_wait"])
	}
}

func TestEnqueueDuplicateRejected(t *testing.T) {
	m := NewManager(10, 45, newRecordingNotifier())
	m.Enqueue("a")
	if _, err := m.Enqueue("a"); err != ErrAlreadyQueued {
		t.Errorf("duplicate enqueue = %v, want ErrAlreadyQueued", err)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d after duplicate, want 1", m.Len())
	}
}

func TestEnqueueFullAtCap(t *testing.T) {
	m := NewManager(2, 45, newRecordingNotifier())
	m.Enqueue("a")
	m.Enqueue("b")
	if _, err := m.Enqueue("c"); err != ErrFull {
		t.Fatalf("over-cap enqueue = %v, want ErrFull", err)
	}

	// A departure opens exactly one slot.
	m.Leave("a")
	if _, err := m.Enqueue("c"); err != nil {
		t.Errorf("enqueue after departure = %v", err)
	}
	if _, err := m.Enqueue("d"); err != ErrFull {
		t.Errorf("queue silently grew past cap: %v", err)
	}
}

func TestLeaveRebroadcastsSurvivors(t *testing.T) {
	n := newRecordingNotifier()
	m := NewManager(10, 45, n)
	m.Enqueue("b")
	m.Enqueue("c")

	if !m.Leave("b") {
		t.Fatal("Leave(b) = false")
	}
	if ev := n.last("c"); ev["position"] != 1 || ev["queue_size"] != 1 {
		t.Errorf("c after b left: %v", ev)
	}

	// Second leave is a no-op with no broadcast anomalies.
	before := n.count("c")
	if m.Leave("b") {
		t.Error("second Leave(b) = true")
	}
	if n.count("c") != before {
		t.Error("no-op leave emitted a broadcast")
	}
}

func TestPopHeadPromotesNext(t *testing.T) {
	n := newRecordingNotifier()
	m := NewManager(10, 45, n)
	m.Enqueue("a")
	m.Enqueue("b")
	m.Enqueue("c")

	head, ok := m.PopHead()
	if !ok || head.ClientID != "a" {
		t.Fatalf("PopHead() = %+v, %v", head, ok)
	}
	if head.EnqueuedAt.IsZero() {
		t.Error("head entry missing enqueue timestamp")
	}

	// The client previously at position 2 is now position 1.
	if ev := n.last("b"); ev["position"] != 1 {
		t.Errorf("b after pop: %v", ev)
	}
	if ev := n.last("c"); ev["position"] != 2 {
		t.Errorf("c after pop: %v", ev)
	}

	if m.Position("b") != 1 || m.Position("a") != 0 {
		t.Errorf("positions after pop: a=%d b=%d", m.Position("a"), m.Position("b"))
	}
}

func TestPopHeadEmpty(t *testing.T) {
	m := NewManager(10, 45, newRecordingNotifier())
	if _, ok := m.PopHead(); ok {
		t.Error("PopHead() on empty queue = true")
	}
	if _, ok := m.PeekHead(); ok {
		t.Error("PeekHead() on empty queue = true")
	}
}

func TestConcurrentEnqueueUniquePositions(t *testing.T) {
	m := NewManager(100, 45, newRecordingNotifier())

	var wg sync.WaitGroup
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.Enqueue(id)
		}(id)
	}
	wg.Wait()

	if m.Len() != len(ids) {
		t.Fatalf("Len() = %d, want %d", m.Len(), len(ids))
	}
	seen := map[int]bool{}
	for _, id := range ids {
		pos := m.Position(id)
		if pos == 0 || seen[pos] {
			t.Errorf("client %s has invalid or duplicate position %d", id, pos)
		}
		seen[pos] = true
	}
}
