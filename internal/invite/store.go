package invite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tryloop/demobroker/internal/kv"
	"github.com/tryloop/demobroker/internal/logutil"
	"github.com/tryloop/demobroker/internal/protocol"
	"github.com/tryloop/demobroker/internal/ratelimit"
	"github.com/tryloop/demobroker/internal/secrets"
)

// RejectionError reports a failed validation with its closed-set reason.
type RejectionError struct {
	Reason     string // protocol.Invite* constant
	Message    string
	RetryAfter time.Duration // set for rate_limited
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("invite rejected (%s): %s", e.Reason, e.Message)
}

// Store owns invite records. All writes go through it; validation
// failures are counted against the caller's address via the shared
// failure limiter.
type Store struct {
	kv        kv.Store
	retention time.Duration
	failures  *ratelimit.Limiter
	nowFn     func() time.Time // injectable clock for testing
}

func NewStore(store kv.Store, auditRetention time.Duration, failures *ratelimit.Limiter) *Store {
	return &Store{
		kv:        store,
		retention: auditRetention,
		failures:  failures,
		nowFn:     time.Now,
	}
}

// GenerateParams configures Generate. A zero Token requests a random
// one; MaxUses defaults to 1.
type GenerateParams struct {
	ExpiresIn time.Duration
	MaxUses   int
	Label     string
	Token     string
	CreatedBy string
}

// Generate creates an invite atomically. Vanity tokens collide with any
// existing record regardless of its status, because even expired records
// hold audit history until their TTL runs out.
func (s *Store) Generate(ctx context.Context, p GenerateParams) (Record, error) {
	if p.ExpiresIn <= 0 {
		return Record{}, fmt.Errorf("expiry must be positive")
	}
	if p.MaxUses <= 0 {
		p.MaxUses = 1
	}

	token := p.Token
	if token == "" {
		var err error
		token, err = secrets.RandomToken(tokenEntropyBytes)
		if err != nil {
			return Record{}, err
		}
	} else if !wellFormed(token) {
		return Record{}, fmt.Errorf("custom token must be at least %d URL-safe characters", minTokenLen)
	}

	now := s.nowFn()
	rec := Record{
		Token:     token,
		CreatedAt: now,
		ExpiresAt: now.Add(p.ExpiresIn),
		Status:    StatusPending,
		MaxUses:   p.MaxUses,
		Label:     p.Label,
		CreatedBy: p.CreatedBy,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal invite: %w", err)
	}

	ttl := p.ExpiresIn + s.retention
	ok, err := s.kv.SetNX(ctx, Key(token), data, ttl)
	if err != nil {
		return Record{}, fmt.Errorf("store invite: %w", err)
	}
	if !ok {
		existing, gerr := s.get(ctx, token)
		if gerr == nil {
			return Record{}, fmt.Errorf("token already exists with status %s", existing.Status)
		}
		return Record{}, fmt.Errorf("token already exists")
	}

	log.Printf("[invites] generated %s expires=%s max_uses=%d label=%q",
		logutil.Mask(token), rec.ExpiresAt.Format(time.RFC3339), rec.MaxUses, logutil.SanitizeForLog(p.Label))
	return rec, nil
}

// Validate checks a token for admission. Check order: rate-limit
// short-circuit, missing, malformed, not found, revoked, used, expired.
// Every failure except the short-circuit counts against remoteAddr. An
// expired Pending record is flipped to Expired and persisted with its
// remaining TTL on first encounter.
func (s *Store) Validate(ctx context.Context, token, remoteAddr string) (Record, error) {
	if blocked, retry := s.failures.Blocked(remoteAddr); blocked {
		return Record{}, &RejectionError{
			Reason:     protocol.InviteRateLimited,
			Message:    "too many failed attempts, try again later",
			RetryAfter: retry,
		}
	}

	reject := func(reason, message string) (Record, error) {
		s.failures.Record(remoteAddr)
		return Record{}, &RejectionError{Reason: reason, Message: message}
	}

	if token == "" {
		return reject(protocol.InviteMissing, "an invite token is required")
	}
	if !wellFormed(token) {
		return reject(protocol.InviteInvalid, "malformed invite token")
	}

	rec, err := s.get(ctx, token)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			// KV trouble fails closed: the caller learns nothing beyond
			// not_found and admission is denied.
			log.Printf("[invites] validate: kv error for %s: %v", logutil.Mask(token), err)
		}
		return reject(protocol.InviteNotFound, "invite not found")
	}

	switch {
	case rec.Status == StatusRevoked:
		return reject(protocol.InviteRevoked, "invite has been revoked")
	case rec.atCap():
		return reject(protocol.InviteUsed, "invite has already been used")
	case rec.expired(s.nowFn()):
		if rec.Status == StatusPending {
			rec.Status = StatusExpired
			if err := s.putKeepTTL(ctx, rec); err != nil {
				log.Printf("[invites] validate: persist expired %s: %v", logutil.Mask(token), err)
			}
		}
		return reject(protocol.InviteExpired, "invite has expired")
	}

	return rec, nil
}

// Consume appends a usage record, increments the use count, and flips
// the invite to Used at cap. The TTL is extended to expiration + audit
// retention so the usage history outlives the invite itself.
func (s *Store) Consume(ctx context.Context, token string, usage Usage) error {
	rec, err := s.get(ctx, token)
	if err != nil {
		return fmt.Errorf("consume %s: %w", logutil.Mask(token), err)
	}

	rec.Audit = append(rec.Audit, usage)
	rec.UseCount++
	if rec.UseCount >= rec.MaxUses {
		rec.Status = StatusUsed
	}

	ttl := rec.ExpiresAt.Add(s.retention).Sub(s.nowFn())
	if ttl < s.retention {
		ttl = s.retention
	}
	if err := s.put(ctx, rec, ttl); err != nil {
		return fmt.Errorf("consume %s: %w", logutil.Mask(token), err)
	}

	log.Printf("[invites] consumed %s use=%d/%d session=%s reason=%s",
		logutil.Mask(token), rec.UseCount, rec.MaxUses, usage.SessionID, usage.EndReason)
	return nil
}

// Revoke flips an invite to Revoked, preserving its remaining TTL.
func (s *Store) Revoke(ctx context.Context, token string) (Record, error) {
	rec, err := s.get(ctx, token)
	if err != nil {
		return Record{}, fmt.Errorf("revoke: %w", err)
	}
	if rec.Status == StatusRevoked {
		return rec, nil
	}
	rec.Status = StatusRevoked
	if err := s.putKeepTTL(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("revoke: %w", err)
	}
	log.Printf("[invites] revoked %s", logutil.Mask(token))
	return rec, nil
}

// Info returns a single record.
func (s *Store) Info(ctx context.Context, token string) (Record, error) {
	return s.get(ctx, token)
}

// List returns all live invites, optionally filtered by status.
func (s *Store) List(ctx context.Context, filter Status) ([]Record, error) {
	keys, err := s.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}

	var out []Record
	for _, key := range keys {
		rec, err := s.get(ctx, key[len(keyPrefix):])
		if err != nil {
			continue // expired between Keys and Get
		}
		if filter != "" && rec.Status != filter {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// SweepExpired flips Pending records whose expiration has passed,
// keeping list output honest between lazy validations. Returns the
// number flipped.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	keys, err := s.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("sweep invites: %w", err)
	}

	now := s.nowFn()
	flipped := 0
	for _, key := range keys {
		rec, err := s.get(ctx, key[len(keyPrefix):])
		if err != nil {
			continue
		}
		if rec.Status != StatusPending || !rec.expired(now) {
			continue
		}
		rec.Status = StatusExpired
		if err := s.putKeepTTL(ctx, rec); err != nil {
			log.Printf("[invites] sweep: persist %s: %v", logutil.Mask(rec.Token), err)
			continue
		}
		flipped++
	}
	return flipped, nil
}

func (s *Store) get(ctx context.Context, token string) (Record, error) {
	data, err := s.kv.Get(ctx, Key(token))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode invite: %w", err)
	}
	return rec, nil
}

func (s *Store) put(ctx context.Context, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal invite: %w", err)
	}
	return s.kv.Set(ctx, Key(rec.Token), data, ttl)
}

func (s *Store) putKeepTTL(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal invite: %w", err)
	}
	return s.kv.SetKeepTTL(ctx, Key(rec.Token), data)
}

// wellFormed checks token shape without touching the store: minimum
// length and the URL-safe alphabet generated tokens use.
func wellFormed(token string) bool {
	if len(token) < minTokenLen {
		return false
	}
	for _, r := range token {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
