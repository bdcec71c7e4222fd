// Package invite implements invite token issuance, validation with a
// closed set of rejection reasons, single-use consumption with an audit
// trail, and operator queries. Records live in the KV store under
// invite:<token> with a TTL of (expiration - now) + audit retention.
package invite

import (
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusUsed    Status = "used"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// keyPrefix namespaces invite records in the KV store.
const keyPrefix = "invite:"

// minTokenLen is the shortest token accepted by validation; anything
// shorter is rejected as malformed before the store is consulted.
const minTokenLen = 10

// tokenEntropyBytes is the entropy of generated tokens (24 bytes -> 32
// URL-safe characters).
const tokenEntropyBytes = 24

// Record is a persisted invite. Readers always get copies; only the
// Store writes records back.
type Record struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    Status    `json:"status"`
	MaxUses   int       `json:"max_uses"`
	UseCount  int       `json:"use_count"`
	Label     string    `json:"label,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
	Audit     []Usage   `json:"audit,omitempty"`
}

// Usage is one append-only audit entry describing a session that used
// the invite.
type Usage struct {
	SessionID   string    `json:"session_id"`
	ClientID    string    `json:"client_id"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	EndReason   string    `json:"end_reason"`
	QueueWaitMS int64     `json:"queue_wait_ms"`
	RemoteAddr  string    `json:"remote_addr"`
	UserAgent   string    `json:"user_agent"`
	Errors      []string  `json:"errors,omitempty"`
}

// Key returns the KV key for a token.
func Key(token string) string {
	return keyPrefix + token
}

// expired reports whether the record's expiration has passed at now.
func (r *Record) expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// atCap reports whether the record has no uses left.
func (r *Record) atCap() bool {
	return r.Status == StatusUsed || r.UseCount >= r.MaxUses
}
