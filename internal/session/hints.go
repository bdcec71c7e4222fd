package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tryloop/demobroker/internal/kv"
	"github.com/tryloop/demobroker/internal/secrets"
)

// hintPrefix namespaces resume hints in the KV store.
const hintPrefix = "session:"

// Hint is the resume record written under session:<client_id> while a
// session runs. It embeds the invite token, so values are encrypted at
// rest; the TTL matches the session timeout so abandoned hints expire on
// their own.
type Hint struct {
	SessionID   string    `json:"session_id"`
	ClientID    string    `json:"client_id"`
	InviteToken string    `json:"invite_token,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// HintStore persists resume hints.
type HintStore struct {
	kv    kv.Store
	codec *secrets.Codec
}

func NewHintStore(store kv.Store, codec *secrets.Codec) *HintStore {
	return &HintStore{kv: store, codec: codec}
}

func hintKey(clientID string) string {
	return hintPrefix + clientID
}

// Put writes the hint with a TTL running to its expiry.
func (h *HintStore) Put(ctx context.Context, hint Hint) error {
	data, err := json.Marshal(hint)
	if err != nil {
		return fmt.Errorf("marshal hint: %w", err)
	}
	enc, err := h.codec.Encrypt(data)
	if err != nil {
		return fmt.Errorf("encrypt hint: %w", err)
	}
	ttl := time.Until(hint.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("hint already expired")
	}
	return h.kv.Set(ctx, hintKey(hint.ClientID), []byte(enc), ttl)
}

// Get returns the hint for a client, or kv.ErrNotFound. Undecryptable
// values (secret rotated) read as not found.
func (h *HintStore) Get(ctx context.Context, clientID string) (Hint, error) {
	data, err := h.kv.Get(ctx, hintKey(clientID))
	if err != nil {
		return Hint{}, err
	}
	plain, err := h.codec.Decrypt(string(data))
	if err != nil {
		if errors.Is(err, secrets.ErrInvalidCiphertext) {
			return Hint{}, kv.ErrNotFound
		}
		return Hint{}, err
	}
	var hint Hint
	if err := json.Unmarshal(plain, &hint); err != nil {
		return Hint{}, fmt.Errorf("decode hint: %w", err)
	}
	return hint, nil
}

// Delete removes a client's hint. Missing keys are fine.
func (h *HintStore) Delete(ctx context.Context, clientID string) error {
	err := h.kv.Del(ctx, hintKey(clientID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	return err
}
