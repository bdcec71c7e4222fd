package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tryloop/demobroker/internal/creds"
	"github.com/tryloop/demobroker/internal/invite"
	"github.com/tryloop/demobroker/internal/kv"
	"github.com/tryloop/demobroker/internal/ledger"
	"github.com/tryloop/demobroker/internal/protocol"
	"github.com/tryloop/demobroker/internal/queue"
	"github.com/tryloop/demobroker/internal/ratelimit"
	"github.com/tryloop/demobroker/internal/secrets"
	"github.com/tryloop/demobroker/internal/session"
)

type stubProc struct {
	done chan struct{}
	once sync.Once
}

func newStubProc() *stubProc              { return &stubProc{done: make(chan struct{})} }
func (p *stubProc) Done() <-chan struct{} { return p.done }
func (p *stubProc) ExitErr() error        { return nil }
func (p *stubProc) PID() int              { return 1 }
func (p *stubProc) Terminate() error      { p.stop(); return nil }
func (p *stubProc) Kill() error           { p.stop(); return nil }
func (p *stubProc) stop()                 { p.once.Do(func() { close(p.done) }) }

func (p *stubProc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

type gwEnv struct {
	t       *testing.T
	srv     *httptest.Server
	queue   *queue.Manager
	sup     *session.Supervisor
	invites *invite.Store
	codec   *secrets.Codec
}

type gwOptions struct {
	maxQueue  int
	failLimit int
	grace     time.Duration
}

func newGwEnv(t *testing.T, opt gwOptions) *gwEnv {
	t.Helper()
	if opt.maxQueue == 0 {
		opt.maxQueue = 10
	}
	if opt.failLimit == 0 {
		opt.failLimit = 10
	}
	if opt.grace == 0 {
		opt.grace = time.Second
	}

	store := kv.NewMemory()
	codec := secrets.NewCodec("0123456789abcdef0123456789abcdef")
	failures := ratelimit.New("invite_failures", opt.failLimit, time.Hour)
	invites := invite.NewStore(store, 30*24*time.Hour, failures)

	db, err := ledger.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}

	hub := NewHub()
	q := queue.NewManager(opt.maxQueue, 45, hub)
	credsDir := t.TempDir()

	sup := session.NewSupervisor(session.Config{
		Directory: hub,
		Queue:     q,
		Invites:   invites,
		Hints:     session.NewHintStore(store, codec),
		Ledger:    ledger.New(db, 30),
		Codec:     codec,
		Spawn: func(p session.SpawnParams) (session.Process, error) {
			return newStubProc(), nil
		},
		WriteCreds: func(sessionID string) (string, func() error, error) {
			return creds.WriteFile(credsDir, sessionID, creds.Set{})
		},
		PurgeCreds:      func() (int, error) { return creds.Purge(credsDir) },
		TerminalURL:     "http://localhost:7681",
		SessionTimeout:  time.Minute,
		WarningLead:     time.Second,
		HardKillGrace:   time.Minute,
		DisconnectGrace: opt.grace,
	})

	connLimiter := ratelimit.New("connections", 1000, time.Minute)
	gw := New(hub, q, sup, invites, connLimiter, true)

	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	t.Cleanup(srv.Close)

	return &gwEnv{t: t, srv: srv, queue: q, sup: sup, invites: invites, codec: codec}
}

func (e *gwEnv) newInvite() string {
	e.t.Helper()
	rec, err := e.invites.Generate(context.Background(), invite.GenerateParams{ExpiresIn: time.Hour})
	if err != nil {
		e.t.Fatal(err)
	}
	return rec.Token
}

// wsURL converts the test server URL, optionally appending a session
// token for reconnect tests.
func (e *gwEnv) wsURL(sessionToken string) string {
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	if sessionToken != "" {
		url += "?session_token=" + sessionToken
	}
	return url
}

// wsClient wraps one browser connection.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *gwEnv) dial(sessionToken string) *wsClient {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, e.wsURL(sessionToken), nil)
	if err != nil {
		e.t.Fatalf("dial: %v", err)
	}
	c := &wsClient{t: e.t, conn: conn}
	e.t.Cleanup(func() { conn.CloseNow() })
	return c
}

func (c *wsClient) send(msg map[string]any) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c.conn, msg); err != nil {
		c.t.Fatalf("send: %v", err)
	}
}

// next reads the next event, failing the test on timeout.
func (c *wsClient) next() protocol.Event {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var ev protocol.Event
	if err := wsjson.Read(ctx, c.conn, &ev); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return ev
}

// expect reads until an event of the wanted type arrives, skipping
// earlier events of other types.
func (c *wsClient) expect(typ string) protocol.Event {
	c.t.Helper()
	for i := 0; i < 10; i++ {
		ev := c.next()
		if ev["type"] == typ {
			return ev
		}
	}
	c.t.Fatalf("no %s event in the first 10 events", typ)
	return nil
}

func (c *wsClient) join(inviteToken string) {
	msg := map[string]any{"type": protocol.MsgJoinQueue}
	if inviteToken != "" {
		msg["inviteToken"] = inviteToken
	}
	c.send(msg)
}

func TestStatusOnConnect(t *testing.T) {
	e := newGwEnv(t, gwOptions{})
	c := e.dial("")

	ev := c.next()
	if ev["type"] != protocol.EventStatus {
		t.Fatalf("first event = %v, want status", ev["type"])
	}
	if ev["session_active"] != false || ev["queue_size"] != float64(0) {
		t.Errorf("status = %v", ev)
	}
}

func TestHappyPathJoinStartsSession(t *testing.T) {
	e := newGwEnv(t, gwOptions{})
	c := e.dial("")
	c.expect(protocol.EventStatus)

	c.join(e.newInvite())
	ev := c.expect(protocol.EventSessionStart)

	token, _ := ev["session_token"].(string)
	if token == "" || ev["terminal_url"] != "http://localhost:7681" {
		t.Fatalf("session_starting = %v", ev)
	}
	snap := e.sup.Snapshot()
	if !e.codec.VerifyToken(snap.SessionID, token) {
		t.Error("session token does not verify")
	}
	if expires, _ := ev["expires_at"].(float64); int64(expires) != snap.ExpiresAt.Unix() {
		t.Errorf("expires_at = %v, want %d", ev["expires_at"], snap.ExpiresAt.Unix())
	}
}

func TestQueueingAndLeave(t *testing.T) {
	e := newGwEnv(t, gwOptions{})

	a := e.dial("")
	a.expect(protocol.EventStatus)
	a.join(e.newInvite())
	a.expect(protocol.EventSessionStart)

	b := e.dial("")
	b.expect(protocol.EventStatus)
	b.join(e.newInvite())
	pos := b.expect(protocol.EventQueuePosition)
	if pos["position"] != float64(1) || pos["queue_size"] != float64(1) {
		t.Fatalf("b position = %v", pos)
	}

	c := e.dial("")
	c.expect(protocol.EventStatus)
	c.join(e.newInvite())

	// Both queued clients see the new order.
	pos = b.expect(protocol.EventQueuePosition)
	if pos["position"] != float64(1) || pos["queue_size"] != float64(2) {
		t.Errorf("b after c joined = %v", pos)
	}
	pos = c.expect(protocol.EventQueuePosition)
	if pos["position"] != float64(2) || pos["queue_size"] != float64(2) {
		t.Errorf("c position = %v", pos)
	}
	if pos["estimated_wait"] != float64(90) {
		t.Errorf("estimated_wait = %v, want 90", pos["estimated_wait"])
	}

	b.send(map[string]any{"type": protocol.MsgLeaveQueue})
	pos = c.expect(protocol.EventQueuePosition)
	if pos["position"] != float64(1) || pos["queue_size"] != float64(1) {
		t.Errorf("c after b left = %v", pos)
	}
	b.expect(protocol.EventLeftQueue)
}

func TestInvalidInviteNotEnqueued(t *testing.T) {
	e := newGwEnv(t, gwOptions{})
	c := e.dial("")
	c.expect(protocol.EventStatus)

	c.join("zzzzzzzzzzzz")
	ev := c.expect(protocol.EventInviteInvalid)
	if ev["reason"] != protocol.InviteNotFound {
		t.Fatalf("reason = %v, want not_found", ev["reason"])
	}
	if e.queue.Len() != 0 {
		t.Error("client enqueued despite invalid invite")
	}
	if e.sup.Active() {
		t.Error("session started despite invalid invite")
	}
}

func TestMissingInviteRejected(t *testing.T) {
	e := newGwEnv(t, gwOptions{})
	c := e.dial("")
	c.expect(protocol.EventStatus)

	c.send(map[string]any{"type": protocol.MsgJoinQueue})
	ev := c.expect(protocol.EventInviteInvalid)
	if ev["reason"] != protocol.InviteMissing {
		t.Fatalf("reason = %v, want missing", ev["reason"])
	}
}

func TestInviteFailuresRateLimited(t *testing.T) {
	e := newGwEnv(t, gwOptions{failLimit: 3})
	c := e.dial("")
	c.expect(protocol.EventStatus)

	for i := 0; i < 3; i++ {
		c.join("zzzzzzzzzzzz")
		ev := c.expect(protocol.EventInviteInvalid)
		if ev["reason"] != protocol.InviteNotFound {
			t.Fatalf("attempt %d reason = %v", i, ev["reason"])
		}
	}

	// The limit is reached: the store is no longer consulted, even for
	// a token that would be valid.
	c.join(e.newInvite())
	ev := c.expect(protocol.EventInviteInvalid)
	if ev["reason"] != protocol.InviteRateLimited {
		t.Fatalf("reason = %v, want rate_limited", ev["reason"])
	}
}

func TestQueueFullAtCap(t *testing.T) {
	e := newGwEnv(t, gwOptions{maxQueue: 1})

	a := e.dial("")
	a.expect(protocol.EventStatus)
	a.join(e.newInvite())
	a.expect(protocol.EventSessionStart)

	b := e.dial("")
	b.expect(protocol.EventStatus)
	b.join(e.newInvite())
	b.expect(protocol.EventQueuePosition)

	c := e.dial("")
	c.expect(protocol.EventStatus)
	c.join(e.newInvite())
	c.expect(protocol.EventQueueFull)

	// A departure opens the slot again.
	b.send(map[string]any{"type": protocol.MsgLeaveQueue})
	b.expect(protocol.EventLeftQueue)
	c.join(e.newInvite())
	pos := c.expect(protocol.EventQueuePosition)
	if pos["position"] != float64(1) {
		t.Errorf("c after slot opened = %v", pos)
	}
}

func TestDoubleJoinRejected(t *testing.T) {
	e := newGwEnv(t, gwOptions{})

	a := e.dial("")
	a.expect(protocol.EventStatus)
	a.join(e.newInvite())
	a.expect(protocol.EventSessionStart)

	a.join(e.newInvite())
	ev := a.expect(protocol.EventError)
	if ev["message"] != "Already in queue" {
		t.Errorf("double join = %v", ev)
	}
}

func TestHeartbeatAndUnknownType(t *testing.T) {
	e := newGwEnv(t, gwOptions{})
	c := e.dial("")
	c.expect(protocol.EventStatus)

	c.send(map[string]any{"type": "frobnicate"})
	c.expect(protocol.EventError)

	// The connection survives unknown types.
	c.send(map[string]any{"type": protocol.MsgHeartbeat})
	c.expect(protocol.EventHeartbeatAck)
}

func TestEndSessionByOwner(t *testing.T) {
	e := newGwEnv(t, gwOptions{})
	c := e.dial("")
	c.expect(protocol.EventStatus)
	c.join(e.newInvite())
	c.expect(protocol.EventSessionStart)

	c.send(map[string]any{"type": protocol.MsgEndSession})
	ev := c.expect(protocol.EventSessionEnded)
	if ev["reason"] != protocol.ReasonUserEnded {
		t.Errorf("reason = %v, want user_ended", ev["reason"])
	}
}

func TestReconnectWithinGrace(t *testing.T) {
	e := newGwEnv(t, gwOptions{grace: 2 * time.Second})

	a := e.dial("")
	a.expect(protocol.EventStatus)
	a.join(e.newInvite())
	token, _ := a.expect(protocol.EventSessionStart)["session_token"].(string)

	a.conn.CloseNow()

	// Wait for the supervisor to observe the drop.
	deadline := time.Now().Add(2 * time.Second)
	for e.sup.State() != session.StateDisconnectedGrace && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if e.sup.State() != session.StateDisconnectedGrace {
		t.Fatalf("state = %s, want disconnected_grace", e.sup.State())
	}

	a2 := e.dial(token)
	ev := a2.expect(protocol.EventSessionStart)
	if got, _ := ev["session_token"].(string); got != token {
		t.Errorf("rebound token = %q, want original", got)
	}
	if e.sup.State() != session.StateActive {
		t.Errorf("state after rebind = %s", e.sup.State())
	}
}

func TestReconnectAfterGraceFails(t *testing.T) {
	e := newGwEnv(t, gwOptions{grace: 100 * time.Millisecond})

	a := e.dial("")
	a.expect(protocol.EventStatus)
	a.join(e.newInvite())
	token, _ := a.expect(protocol.EventSessionStart)["session_token"].(string)

	a.conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for e.sup.State() != session.StateIdle && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	a2 := e.dial(token)
	a2.expect(protocol.EventStatus)
	ev := a2.expect(protocol.EventError)
	if !strings.Contains(ev["message"].(string), "not found") {
		t.Errorf("late reconnect = %v", ev)
	}
}

func TestClientAddrForwardedFor(t *testing.T) {
	tests := []struct {
		name   string
		header string
		remote string
		want   string
	}{
		{"socket peer", "", "203.0.113.5:4321", "203.0.113.5"},
		{"single forwarded", "198.51.100.1", "127.0.0.1:80", "198.51.100.1"},
		{"proxy chain keeps first", "198.51.100.1, 10.0.0.2, 10.0.0.3", "127.0.0.1:80", "198.51.100.1"},
		{"padded token", "  198.51.100.1 , 10.0.0.2", "127.0.0.1:80", "198.51.100.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.RemoteAddr = tt.remote
			if tt.header != "" {
				r.Header.Set("X-Forwarded-For", tt.header)
			}
			if got := ClientAddr(r); got != tt.want {
				t.Errorf("ClientAddr() = %q, want %q", got, tt.want)
			}
		})
	}
}
