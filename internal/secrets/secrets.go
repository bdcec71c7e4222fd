// Package secrets holds everything derived from the configured session
// secret: HMAC session tokens, high-entropy invite tokens, and the fernet
// key used to encrypt resume hints at rest.
package secrets

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

var ErrInvalidCiphertext = errors.New("secrets: invalid ciphertext")

type Codec struct {
	secret []byte
	key    *fernet.Key
}

// NewCodec derives the working keys from the session secret. The fernet
// key is the SHA-256 of the secret, so hint ciphertexts survive restarts
// without separate key storage.
func NewCodec(sessionSecret string) *Codec {
	sum := sha256.Sum256([]byte(sessionSecret))
	var k fernet.Key
	copy(k[:], sum[:])
	return &Codec{secret: []byte(sessionSecret), key: &k}
}

func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	tok, err := fernet.EncryptAndSign(plaintext, c.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func (c *Codec) Decrypt(ciphertext string) ([]byte, error) {
	if ciphertext == "" {
		return nil, ErrInvalidCiphertext
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{c.key})
	if msg == nil {
		return nil, ErrInvalidCiphertext
	}
	return msg, nil
}

// SessionToken mints the opaque token handed to the client that owns a
// session: HMAC-SHA256 of the session id under the process secret. The
// broker can verify a presented token against a session id without
// storing the token itself.
func (c *Codec) SessionToken(sessionID string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(sessionID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken reports whether token is the valid token for sessionID.
// Comparison is constant-time.
func (c *Codec) VerifyToken(sessionID, token string) bool {
	expected := c.SessionToken(sessionID)
	return hmac.Equal([]byte(expected), []byte(token))
}

// RandomToken returns a URL-safe token with n bytes of entropy.
func RandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
