// Package gateway accepts the persistent browser connections, routes
// inbound messages to the queue manager and session supervisor, and
// fans lifecycle events back out. One goroutine reads each connection;
// a per-client writer preserves emission order.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/tryloop/demobroker/internal/invite"
	"github.com/tryloop/demobroker/internal/logutil"
	"github.com/tryloop/demobroker/internal/protocol"
	"github.com/tryloop/demobroker/internal/queue"
	"github.com/tryloop/demobroker/internal/ratelimit"
	"github.com/tryloop/demobroker/internal/session"
)

// writeTimeout bounds a single event write; a client that cannot take an
// event in this long is dropped by the writer.
const writeTimeout = 10 * time.Second

type Gateway struct {
	hub           *Hub
	queue         *queue.Manager
	sup           *session.Supervisor
	invites       *invite.Store
	connLimiter   *ratelimit.Limiter
	requireInvite bool
}

func New(hub *Hub, q *queue.Manager, sup *session.Supervisor, invites *invite.Store, connLimiter *ratelimit.Limiter, requireInvite bool) *Gateway {
	return &Gateway{
		hub:           hub,
		queue:         q,
		sup:           sup,
		invites:       invites,
		connLimiter:   connLimiter,
		requireInvite: requireInvite,
	}
}

func (g *Gateway) Hub() *Hub {
	return g.hub
}

// ClientAddr extracts the caller's remote address: the first
// X-Forwarded-For token when a proxy sits in front, otherwise the socket
// peer without its port.
func ClientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HandleWS upgrades a client connection and serves it until close.
// Reconnecting clients present their session token as a query parameter;
// it is forwarded to the supervisor for rebinding before anything else.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	addr := ClientAddr(r)
	if ok, retry := g.connLimiter.Allow(addr); !ok {
		w.Header().Set("Retry-After", retryAfterSeconds(retry))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[gateway] accept from %s: %v", logutil.SanitizeForLog(addr), err)
		return
	}
	defer conn.CloseNow()

	c := newClient(uuid.New().String(), addr, r.UserAgent())
	g.hub.register(c)
	log.Printf("[gateway] client %s connected from %s", c.ID, logutil.SanitizeForLog(addr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go g.writer(ctx, conn, c, writerDone)

	c.enqueue(protocol.Status(g.queue.Len(), g.sup.Active()))

	if token := r.URL.Query().Get("session_token"); token != "" {
		g.rebind(c, token)
	}

	g.readLoop(ctx, conn, c)

	g.hub.unregister(c.ID)
	g.queue.RemoveIfPresent(c.ID)
	g.sup.ClientDisconnected(c.ID)
	g.sup.Tokens().RemoveByClient(c.ID)
	c.shut()
	<-writerDone
	log.Printf("[gateway] client %s disconnected", c.ID)
}

// writer drains the client's send channel in order. It owns all writes
// to the connection.
func (g *Gateway) writer(ctx context.Context, conn *websocket.Conn, c *Client, done chan<- struct{}) {
	defer close(done)
	for ev := range c.send {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := wsjson.Write(wctx, conn, ev)
		cancel()
		if err != nil {
			if g.sup.IsOwner(c.ID) {
				g.sup.RecordError(fmt.Sprintf("event delivery to session owner failed: %v", err))
			}
			return
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, c *Client) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		msg, err := protocol.ParseInbound(data)
		if err != nil {
			c.enqueue(protocol.Error("malformed message"))
			continue
		}

		switch msg.Type {
		case protocol.MsgJoinQueue:
			g.handleJoin(ctx, c, msg.InviteToken)
		case protocol.MsgLeaveQueue:
			g.handleLeave(c)
		case protocol.MsgHeartbeat:
			c.enqueue(protocol.HeartbeatAck())
		case protocol.MsgEndSession:
			g.handleEndSession(c)
		default:
			c.enqueue(protocol.Error("unknown message type"))
		}
	}
}

// handleJoin runs the admission path: invite validation, then either an
// immediate session start (idle slot, empty queue) or a queue slot.
func (g *Gateway) handleJoin(ctx context.Context, c *Client, inviteToken string) {
	if g.sup.IsOwner(c.ID) || c.State() == StateQueued {
		c.enqueue(protocol.Error("Already in queue"))
		return
	}

	if inviteToken != "" || g.requireInvite {
		rec, err := g.invites.Validate(ctx, inviteToken, c.RemoteAddr)
		if err != nil {
			var rej *invite.RejectionError
			if errors.As(err, &rej) {
				c.enqueue(protocol.InviteRejected(rej.Reason, rej.Message))
			} else {
				c.enqueue(protocol.Error("invite validation failed"))
			}
			return
		}
		inviteToken = rec.Token
	}
	c.setInvite(inviteToken)

	started, err := g.sup.Admit(session.Candidate{
		ClientID:    c.ID,
		RemoteAddr:  c.RemoteAddr,
		UserAgent:   c.UserAgent,
		InviteToken: inviteToken,
	})
	if started {
		if err == nil {
			c.setState(StateActive)
		}
		return
	}

	now := time.Now()
	if _, err := g.queue.Enqueue(c.ID); err != nil {
		switch {
		case errors.Is(err, queue.ErrFull):
			c.enqueue(protocol.QueueFull("the queue is full, please try again later"))
		case errors.Is(err, queue.ErrAlreadyQueued):
			c.enqueue(protocol.Error("Already in queue"))
		default:
			c.enqueue(protocol.Error("could not join the queue"))
		}
		return
	}
	c.markQueued(inviteToken, now)
	// The slot may have gone idle between the admission check and the
	// enqueue; re-kick promotion so the new head is not stranded.
	g.sup.Poke()
}

// handleLeave is a silent no-op for clients that are not queued; a
// second leave_queue emits nothing anywhere.
func (g *Gateway) handleLeave(c *Client) {
	if g.queue.Leave(c.ID) {
		c.setState(StateConnected)
		c.enqueue(protocol.LeftQueue())
	}
}

func (g *Gateway) handleEndSession(c *Client) {
	if !g.sup.IsOwner(c.ID) {
		c.enqueue(protocol.Error("no active session"))
		return
	}
	g.sup.EndCurrent(protocol.ReasonUserEnded)
}

// rebind forwards a reconnecting client's session token to the
// supervisor. Success re-emits session_starting on the new connection;
// any failure is an error event, never a disconnect.
func (g *Gateway) rebind(c *Client, token string) {
	err := g.sup.Rebind(token, c.ID, c.RemoteAddr)
	switch {
	case err == nil:
		c.setState(StateActive)
	case errors.Is(err, session.ErrRebindInFlight):
		c.enqueue(protocol.Error("reconnect already in progress"))
	default:
		c.enqueue(protocol.Error("session not found or expired"))
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
