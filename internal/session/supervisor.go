// supervisor.go owns the at-most-one active session: promotion from the
// queue, the per-session timers, the reconnect grace window, and the
// teardown ordering the rest of the broker relies on (credential file
// gone before the token map is cleared, token map cleared before the
// client hears session_ended).

package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tryloop/demobroker/internal/invite"
	"github.com/tryloop/demobroker/internal/ledger"
	"github.com/tryloop/demobroker/internal/logutil"
	"github.com/tryloop/demobroker/internal/protocol"
	"github.com/tryloop/demobroker/internal/queue"
	"github.com/tryloop/demobroker/internal/secrets"
)

var (
	ErrNoSession      = errors.New("session: no session in grace")
	ErrBadToken       = errors.New("session: token does not match")
	ErrRebindInFlight = errors.New("session: reconnect already in progress")
)

// Process is the handle to a spawned sandbox child. Implemented by
// sandbox.Proc; tests substitute fakes.
type Process interface {
	Done() <-chan struct{}
	ExitErr() error
	Alive() bool
	Terminate() error
	Kill() error
	PID() int
}

// SpawnParams is what the launcher needs for one session.
type SpawnParams struct {
	SessionID      string
	CredentialFile string
}

// Candidate identifies a client eligible for promotion.
type Candidate struct {
	ClientID    string
	RemoteAddr  string
	UserAgent   string
	InviteToken string
	EnqueuedAt  time.Time // zero when the queue was skipped
}

// Directory is the supervisor's view of the gateway. The supervisor
// holds client ids, never connection records; a gone client is a lookup
// miss handled as skip.
type Directory interface {
	SendToClient(clientID string, ev protocol.Event) bool
	LookupClient(clientID string) (Candidate, bool)
}

// ResetOutcome is the result of the post-session data-reset hook.
type ResetOutcome struct {
	ExitCode int
	Err      error
}

// Config wires the supervisor's collaborators. Spawn, WriteCreds and
// PurgeCreds are function fields so tests can run without Docker or a
// real credentials directory.
type Config struct {
	Directory Directory
	Queue     *queue.Manager
	Invites   *invite.Store
	Hints     *HintStore
	Ledger    *ledger.Ledger
	Codec     *secrets.Codec

	Spawn      func(p SpawnParams) (Process, error)
	WriteCreds func(sessionID string) (path string, cleanup func() error, err error)
	// PurgeCreds removes leftover credential files and returns how many
	// it found. Called before every promotion; a previous session's file
	// still on disk at that point is an invariant violation.
	PurgeCreds func() (int, error)
	// ResetHook runs the external data-reset script. Nil disables it.
	ResetHook func(ctx context.Context, sessionID string) ResetOutcome
	// Reap force-removes the session's container. Nil disables it.
	Reap func(ctx context.Context, sessionID string) error

	TerminalURL     string
	SessionTimeout  time.Duration
	WarningLead     time.Duration
	HardKillGrace   time.Duration
	DisconnectGrace time.Duration
}

// active is the singleton session record. It exists from Starting to the
// end of Ending and is owned exclusively by the supervisor.
type active struct {
	id          string
	clientID    string
	hintOwner   string // client id the resume hint was written under; survives rebinds
	token       string
	inviteToken string
	remoteAddr  string
	userAgent   string
	startedAt   time.Time
	expiresAt   time.Time
	queueWait   time.Duration

	proc         Process
	cleanupCreds func() error

	warnTimer     *time.Timer
	softTimer     *time.Timer
	hardKillTimer *time.Timer
	graceTimer    *time.Timer
	killBackstop  *time.Timer
	warned        bool

	errs []string
}

// stopTimers cancels every armed timer. Must run with the supervisor
// mutex held, before any teardown I/O.
func (a *active) stopTimers() {
	for _, t := range []*time.Timer{a.warnTimer, a.softTimer, a.hardKillTimer, a.graceTimer} {
		if t != nil {
			t.Stop()
		}
	}
}

// Supervisor runs the global session slot state machine.
type Supervisor struct {
	cfg    Config
	tokens *TokenMap
	log    transitionLog

	mu             sync.Mutex
	state          SlotState
	cur            *active
	rebindInFlight bool
	shuttingDown   bool
	resetNote      string // pending data-reset failure, attached to the next audit record

	nowFn func() time.Time
}

func NewSupervisor(cfg Config) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		tokens: NewTokenMap(),
		state:  StateIdle,
		nowFn:  time.Now,
	}
}

// Tokens exposes the session token map to the gateway and the cookie /
// validation endpoints.
func (s *Supervisor) Tokens() *TokenMap {
	return s.tokens
}

// State returns the current slot state.
func (s *Supervisor) State() SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active reports whether a session occupies the slot in any phase.
func (s *Supervisor) Active() bool {
	return s.State().occupied()
}

// IsOwner reports whether clientID owns the current session.
func (s *Supervisor) IsOwner(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil && s.cur.clientID == clientID
}

// Transitions returns recent slot transitions for the health endpoint.
func (s *Supervisor) Transitions() []Transition {
	return s.log.recent()
}

// Snapshot describes the slot for health and status queries.
type Snapshot struct {
	State     string     `json:"state"`
	SessionID string     `json:"session_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{State: s.state.String()}
	if s.cur != nil {
		snap.SessionID = s.cur.id
		t := s.cur.expiresAt
		snap.ExpiresAt = &t
	}
	return snap
}

// setState records a slot transition. Must run with s.mu held.
func (s *Supervisor) setState(to SlotState, sessionID, reason string) {
	s.log.record(s.state, to, sessionID, reason)
	s.state = to
}

// Admit starts a session for the candidate immediately when the slot is
// idle and nobody is waiting, per the admission algorithm: such a caller
// would be at head anyway, so it skips the queue. Returns false when the
// caller must queue instead.
func (s *Supervisor) Admit(c Candidate) (bool, error) {
	s.mu.Lock()
	if s.state != StateIdle || s.cfg.Queue.Len() > 0 {
		s.mu.Unlock()
		return false, nil
	}
	s.setState(StateStarting, "", "admit")
	s.mu.Unlock()

	if err := s.promote(c); err != nil {
		return true, err
	}
	return true, nil
}

// promote runs the promotion protocol for a candidate. The caller must
// have reserved the slot (state Starting). On failure the slot returns
// to Idle and the next queued client is tried.
func (s *Supervisor) promote(c Candidate) error {
	// Stale entry is removed in case the candidate is still queued.
	s.cfg.Queue.RemoveIfPresent(c.ClientID)

	if n, err := s.cfg.PurgeCreds(); err != nil {
		s.abortStart(c, "", nil, fmt.Errorf("credential directory check: %w", err))
		return err
	} else if n > 0 {
		log.Printf("[supervisor] removed %d leftover credential file(s) before promotion", n)
	}

	id := uuid.New().String()
	token := s.cfg.Codec.SessionToken(id)
	now := s.nowFn()
	expiresAt := now.Add(s.cfg.SessionTimeout)

	s.tokens.AddPending(token, id, c.ClientID, c.RemoteAddr)

	credPath, cleanup, err := s.cfg.WriteCreds(id)
	if err != nil {
		s.abortStart(c, token, nil, err)
		return err
	}

	proc, err := s.cfg.Spawn(SpawnParams{SessionID: id, CredentialFile: credPath})
	if err != nil {
		s.abortStart(c, token, cleanup, err)
		return err
	}

	a := &active{
		id:           id,
		clientID:     c.ClientID,
		hintOwner:    c.ClientID,
		token:        token,
		inviteToken:  c.InviteToken,
		remoteAddr:   c.RemoteAddr,
		userAgent:    c.UserAgent,
		startedAt:    now,
		expiresAt:    expiresAt,
		proc:         proc,
		cleanupCreds: cleanup,
	}
	if !c.EnqueuedAt.IsZero() {
		a.queueWait = now.Sub(c.EnqueuedAt)
	}

	s.mu.Lock()
	s.cur = a
	a.warnTimer = time.AfterFunc(expiresAt.Sub(now)-s.cfg.WarningLead, func() { s.fireWarning(id) })
	a.softTimer = time.AfterFunc(expiresAt.Sub(now), func() { s.endSession(id, protocol.ReasonTimeout) })
	a.hardKillTimer = time.AfterFunc(expiresAt.Sub(now)+s.cfg.HardKillGrace, func() { s.fireHardKill(id) })
	s.setState(StateActive, id, "spawned")
	s.mu.Unlock()

	go s.watch(id, proc)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cfg.Hints.Put(ctx, Hint{
		SessionID:   id,
		ClientID:    c.ClientID,
		InviteToken: c.InviteToken,
		StartedAt:   now,
		ExpiresAt:   expiresAt,
	}); err != nil {
		log.Printf("[supervisor] resume hint for %s: %v", id, err)
	}

	if err := s.cfg.Ledger.RecordStart(ledger.SessionRecord{
		SessionID:   id,
		ClientID:    c.ClientID,
		InviteToken: c.InviteToken,
		RemoteAddr:  c.RemoteAddr,
		UserAgent:   c.UserAgent,
		QueueWaitMS: a.queueWait.Milliseconds(),
		StartedAt:   now,
	}); err != nil {
		s.recordError(id, fmt.Sprintf("ledger start: %v", err))
	}

	s.tokens.Activate(token)

	log.Printf("[supervisor] session %s active for client %s (expires %s, queue wait %s)",
		id, c.ClientID, expiresAt.Format(time.RFC3339), a.queueWait.Truncate(time.Millisecond))
	if !s.cfg.Directory.SendToClient(c.ClientID,
		protocol.SessionStarting(s.cfg.TerminalURL, token, expiresAt.Unix())) {
		// The client vanished between admission and spawn. Hold the
		// session in grace so a quick reconnect can still claim it.
		s.ClientDisconnected(c.ClientID)
	}
	return nil
}

// abortStart unwinds a failed promotion: creds removed, pending token
// dropped, slot back to Idle, client told, next candidate tried.
func (s *Supervisor) abortStart(c Candidate, token string, cleanup func() error, cause error) {
	log.Printf("[supervisor] session start for client %s failed: %v", c.ClientID, cause)
	if cleanup != nil {
		if err := cleanup(); err != nil {
			log.Printf("[supervisor] credential cleanup after failed start: %v", err)
		}
	}
	if token != "" {
		s.tokens.Remove(token)
	}

	s.mu.Lock()
	s.cur = nil
	s.setState(StateIdle, "", "spawn_failed")
	s.mu.Unlock()

	s.cfg.Directory.SendToClient(c.ClientID, protocol.Error("failed to start session, please try again"))
	go s.promoteNext()
}

// watch reaps the sandbox child. A child that exits on its own while the
// session runs is a container_exit.
func (s *Supervisor) watch(id string, proc Process) {
	<-proc.Done()
	if err := proc.ExitErr(); err != nil {
		s.mu.Lock()
		if s.cur != nil && s.cur.id == id && s.state != StateEnding {
			s.cur.errs = append(s.cur.errs, fmt.Sprintf("sandbox exit: %v", err))
		}
		s.mu.Unlock()
	}
	s.endSession(id, protocol.ReasonContainerExit)
}

// fireWarning emits session_warning once, WarningLead before expiry.
func (s *Supervisor) fireWarning(id string) {
	s.mu.Lock()
	if s.cur == nil || s.cur.id != id || !s.state.occupied() || s.state == StateEnding || s.cur.warned {
		s.mu.Unlock()
		return
	}
	s.cur.warned = true
	clientID := s.cur.clientID
	s.mu.Unlock()

	minutes := int(s.cfg.WarningLead / time.Minute)
	log.Printf("[supervisor] session %s expires in %d minute(s)", id, minutes)
	s.cfg.Directory.SendToClient(clientID, protocol.SessionWarning(minutes))
}

// fireHardKill is the backstop behind the soft timeout: if the child
// survived graceful termination this long, it is killed unconditionally
// and its container force-removed.
func (s *Supervisor) fireHardKill(id string) {
	s.mu.Lock()
	var proc Process
	if s.cur != nil && s.cur.id == id {
		proc = s.cur.proc
	}
	s.mu.Unlock()

	if proc != nil && proc.Alive() {
		log.Printf("[supervisor] hard-killing sandbox for session %s", id)
		if err := proc.Kill(); err != nil {
			log.Printf("[supervisor] hard kill %s: %v", id, err)
		}
	}
	if s.cfg.Reap != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.cfg.Reap(ctx, id); err != nil {
			log.Printf("[supervisor] reap %s: %v", id, err)
		}
	}
}

// RecordError attaches an error observed during the current session; it
// ends up in the invite audit trail and the ledger row.
func (s *Supervisor) RecordError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		s.cur.errs = append(s.cur.errs, msg)
	}
}

func (s *Supervisor) recordError(id, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil && s.cur.id == id {
		s.cur.errs = append(s.cur.errs, msg)
	}
}

// EndCurrent terminates the current session with the given reason. Used
// by end_session and operator shutdown; a vacant slot is a no-op.
func (s *Supervisor) EndCurrent(reason string) {
	s.mu.Lock()
	if s.cur == nil {
		s.mu.Unlock()
		return
	}
	id := s.cur.id
	s.mu.Unlock()
	s.endSession(id, reason)
}

// stateAny disables the from-state check in endSessionFrom.
const stateAny SlotState = -1

// endSession runs the termination protocol for session id. Re-entrant
// signals (a timer firing while another trigger already entered Ending)
// no-op on the state check.
func (s *Supervisor) endSession(id, reason string) {
	s.endSessionFrom(id, reason, stateAny)
}

// endSessionFrom additionally requires the slot to still be in the given
// state. Triggers that are only valid for one phase (the grace timer)
// pass it so a transition that raced them wins.
func (s *Supervisor) endSessionFrom(id, reason string, from SlotState) {
	s.mu.Lock()
	if s.cur == nil || s.cur.id != id || s.state == StateEnding ||
		(from != stateAny && s.state != from) {
		s.mu.Unlock()
		return
	}
	a := s.cur
	s.setState(StateEnding, id, reason)
	a.stopTimers()
	// Backstop for the graceful terminate below. Cancelled once the
	// child is observed dead.
	a.killBackstop = time.AfterFunc(s.cfg.HardKillGrace, func() { s.fireHardKill(id) })
	s.mu.Unlock()

	log.Printf("[supervisor] ending session %s (%s)", id, reason)

	if a.proc != nil && a.proc.Alive() {
		if err := a.proc.Terminate(); err != nil {
			log.Printf("[supervisor] terminate sandbox %s: %v", id, err)
		}
	}
	go func() {
		if a.proc != nil {
			<-a.proc.Done()
		}
		a.killBackstop.Stop()
	}()

	// Credential file first: a client that hears session_ended can trust
	// the session is fully torn down.
	if a.cleanupCreds != nil {
		if err := a.cleanupCreds(); err != nil {
			log.Printf("[supervisor] credential cleanup for %s: %v", id, err)
		}
	}

	s.tokens.RemoveBySession(id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.mu.Lock()
	errs := a.errs
	if s.resetNote != "" {
		errs = append(errs, s.resetNote)
		s.resetNote = ""
	}
	s.mu.Unlock()

	endedAt := s.nowFn()
	if a.inviteToken != "" {
		usage := invite.Usage{
			SessionID:   id,
			ClientID:    a.clientID,
			StartedAt:   a.startedAt,
			EndedAt:     endedAt,
			EndReason:   reason,
			QueueWaitMS: a.queueWait.Milliseconds(),
			RemoteAddr:  a.remoteAddr,
			UserAgent:   a.userAgent,
			Errors:      errs,
		}
		// Audit loss is preferred over a stalled teardown.
		if err := s.cfg.Invites.Consume(ctx, a.inviteToken, usage); err != nil {
			log.Printf("[supervisor] consume invite %s: %v", logutil.Mask(a.inviteToken), err)
		}
	}

	if err := s.cfg.Hints.Delete(ctx, a.hintOwner); err != nil {
		log.Printf("[supervisor] delete resume hint for %s: %v", a.hintOwner, err)
	}

	if err := s.cfg.Ledger.RecordEnd(id, endedAt, reason, strings.Join(errs, "\n")); err != nil {
		log.Printf("[supervisor] ledger end %s: %v", id, err)
	}

	// A gone client is a send miss, which is fine.
	s.cfg.Directory.SendToClient(a.clientID, protocol.SessionEnded(reason))

	if s.cfg.ResetHook != nil {
		go s.runResetHook(id)
	}

	s.mu.Lock()
	s.cur = nil
	s.rebindInFlight = false
	s.setState(StateIdle, id, "cleanup_complete")
	shuttingDown := s.shuttingDown
	s.mu.Unlock()

	// On shutdown the slot stays vacant: promoting now would hand a queued
	// client a session the exiting process cannot supervise.
	if shuttingDown {
		return
	}
	s.promoteNext()
}

// runResetHook invokes the external data-reset script and records its
// outcome. Failures never block the next session; they surface in the
// ledger and on the next invite audit record.
func (s *Supervisor) runResetHook(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	out := s.cfg.ResetHook(ctx, sessionID)
	errMsg := ""
	if out.Err != nil {
		errMsg = out.Err.Error()
		log.Printf("[supervisor] data reset after %s failed (exit %d): %v", sessionID, out.ExitCode, out.Err)
		s.mu.Lock()
		s.resetNote = fmt.Sprintf("data reset after session %s failed: %v", sessionID, out.Err)
		s.mu.Unlock()
	} else {
		log.Printf("[supervisor] data reset after %s done (exit %d)", sessionID, out.ExitCode)
	}
	if err := s.cfg.Ledger.RecordResetOutcome(sessionID, out.ExitCode, errMsg); err != nil {
		log.Printf("[supervisor] ledger reset outcome %s: %v", sessionID, err)
	}
}

// promoteNext pops queued clients until one still has a live connection
// and starts its session. Called with the slot Idle.
func (s *Supervisor) promoteNext() {
	for {
		s.mu.Lock()
		if s.state != StateIdle || s.shuttingDown {
			s.mu.Unlock()
			return
		}
		entry, ok := s.cfg.Queue.PopHead()
		if !ok {
			s.mu.Unlock()
			return
		}
		c, found := s.cfg.Directory.LookupClient(entry.ClientID)
		if !found {
			s.mu.Unlock()
			log.Printf("[supervisor] queued client %s gone, skipping", entry.ClientID)
			continue
		}
		c.EnqueuedAt = entry.EnqueuedAt
		s.setState(StateStarting, "", "promote_next")
		s.mu.Unlock()

		if err := s.promote(c); err != nil {
			// abortStart already scheduled another promoteNext.
			return
		}
		return
	}
}

// Poke promotes the queue head if the slot is idle. The gateway calls it
// after every successful enqueue, covering the window where a teardown
// finished (and promoted over a still-empty queue) between the admission
// check and the enqueue landing.
func (s *Supervisor) Poke() {
	s.promoteNext()
}

// ClientDisconnected is the gateway's notice that a connection closed.
// If the client owns the active session the slot enters DisconnectedGrace
// instead of ending; anyone else is ignored here (the gateway already
// freed their queue slot).
func (s *Supervisor) ClientDisconnected(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.clientID != clientID || s.state != StateActive {
		return
	}
	id := s.cur.id
	s.setState(StateDisconnectedGrace, id, "client_disconnected")
	s.cur.graceTimer = time.AfterFunc(s.cfg.DisconnectGrace, func() { s.graceExpired(id) })
	log.Printf("[supervisor] client %s dropped, holding session %s for %s",
		clientID, id, s.cfg.DisconnectGrace)
}

// graceExpired ends the session only if it is still in grace; a rebind
// that won the race keeps it alive.
func (s *Supervisor) graceExpired(id string) {
	s.endSessionFrom(id, protocol.ReasonDisconnected, StateDisconnectedGrace)
}

// Rebind resumes the session for a reconnecting client presenting its
// session token. Single-flight: a second concurrent attempt fails with
// ErrRebindInFlight. On success the session is bound to the new
// connection and session_starting is re-emitted to it.
func (s *Supervisor) Rebind(token, newClientID, remoteAddr string) error {
	s.mu.Lock()
	if s.rebindInFlight {
		s.mu.Unlock()
		return ErrRebindInFlight
	}
	s.rebindInFlight = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.rebindInFlight = false
		s.mu.Unlock()
	}()

	s.mu.Lock()
	if s.cur == nil || s.state != StateDisconnectedGrace {
		s.mu.Unlock()
		return ErrNoSession
	}
	a := s.cur
	if !s.cfg.Codec.VerifyToken(a.id, token) {
		s.mu.Unlock()
		return ErrBadToken
	}
	if a.graceTimer != nil {
		a.graceTimer.Stop()
	}
	oldClient := a.clientID
	a.clientID = newClientID
	a.remoteAddr = remoteAddr
	s.setState(StateActive, a.id, "rebound")
	id, expiresAt := a.id, a.expiresAt
	s.mu.Unlock()

	s.tokens.Rebind(token, newClientID, remoteAddr)
	log.Printf("[supervisor] session %s rebound from client %s to %s", id, oldClient, newClientID)
	s.cfg.Directory.SendToClient(newClientID,
		protocol.SessionStarting(s.cfg.TerminalURL, token, expiresAt.Unix()))
	return nil
}

// Shutdown ends any running session with reason=shutdown and waits for
// the sandbox child to be reaped, up to the context deadline. Promotion
// stops first so queued clients are not handed a session by the exiting
// process.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.shuttingDown = true
	var proc Process
	if s.cur != nil {
		proc = s.cur.proc
	}
	s.mu.Unlock()

	s.EndCurrent(protocol.ReasonShutdown)

	if proc != nil {
		select {
		case <-proc.Done():
		case <-ctx.Done():
			log.Printf("[supervisor] shutdown: sandbox still alive, killing")
			proc.Kill()
		}
	}
}
