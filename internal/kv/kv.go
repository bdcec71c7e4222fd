// Package kv abstracts the broker's key-value store. Invite records and
// session-resume hints live here; every key carries a TTL so abandoned
// records self-expire. The production backend is Redis; a memory backend
// serves tests and single-binary dev setups (KV_URL=memory://).
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// NoExpiry marks a key without a TTL in TTL() results.
const NoExpiry = time.Duration(0)

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes a value with a TTL. ttl <= 0 stores without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes only if the key does not exist. Returns false when the
	// key was already present.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// SetKeepTTL overwrites a value preserving the key's remaining TTL.
	SetKeepTTL(ctx context.Context, key string, value []byte) error
	// Expire replaces the key's TTL. ErrNotFound if the key is gone.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL reports the remaining TTL, NoExpiry for persistent keys, or
	// ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Del(ctx context.Context, key string) error
	// Keys returns every live key with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open connects the backend named by url. redis:// and rediss:// URLs go
// to Redis; memory:// returns an in-process store.
func Open(ctx context.Context, url string) (Store, error) {
	switch {
	case strings.HasPrefix(url, "memory://"):
		return NewMemory(), nil
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		return NewRedis(ctx, url)
	default:
		return nil, fmt.Errorf("kv: unsupported KV_URL %q", url)
	}
}
