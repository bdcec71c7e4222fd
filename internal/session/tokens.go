package session

import (
	"sync"
	"time"
)

// TokenEntry records where a session token points. Pending entries exist
// from token mint (promotion start) until the slot reaches Active; the
// remote address is the one that minted the token and gates the cookie
// and validation endpoints.
type TokenEntry struct {
	SessionID  string
	ClientID   string
	RemoteAddr string
	CreatedAt  time.Time
	Active     bool
}

// TokenMap is the in-memory token table. It is small (at most a handful
// of entries) and writes are rare; a single RWMutex suffices.
type TokenMap struct {
	mu      sync.RWMutex
	entries map[string]*TokenEntry
}

func NewTokenMap() *TokenMap {
	return &TokenMap{entries: make(map[string]*TokenEntry)}
}

// AddPending registers a freshly minted token for a session being set up.
func (m *TokenMap) AddPending(token, sessionID, clientID, remoteAddr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[token] = &TokenEntry{
		SessionID:  sessionID,
		ClientID:   clientID,
		RemoteAddr: remoteAddr,
		CreatedAt:  time.Now(),
	}
}

// Activate flips a pending token once its session reaches Active.
func (m *TokenMap) Activate(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[token]; ok {
		e.Active = true
	}
}

// Rebind points a token at a new client connection and address.
func (m *TokenMap) Rebind(token, clientID, remoteAddr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[token]; ok {
		e.ClientID = clientID
		e.RemoteAddr = remoteAddr
	}
}

// Lookup returns a copy of the entry for a token.
func (m *TokenMap) Lookup(token string) (TokenEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[token]
	if !ok {
		return TokenEntry{}, false
	}
	return *e, true
}

// Remove drops a single token.
func (m *TokenMap) Remove(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, token)
}

// RemoveBySession drops every token pointing at a session.
func (m *TokenMap) RemoveBySession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tok, e := range m.entries {
		if e.SessionID == sessionID {
			delete(m.entries, tok)
		}
	}
}

// RemoveByClient drops pending tokens held for a departing client.
// Active tokens survive; the grace path owns their lifecycle.
func (m *TokenMap) RemoveByClient(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tok, e := range m.entries {
		if e.ClientID == clientID && !e.Active {
			delete(m.entries, tok)
		}
	}
}

func (m *TokenMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
