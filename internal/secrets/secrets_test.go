package secrets

import (
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := NewCodec("0123456789abcdef0123456789abcdef")

	ct, err := c.Encrypt([]byte(`{"session_id":"s1"}`))
	if err != nil {
		t.Fatalf("Encrypt() = %v", err)
	}
	if strings.Contains(ct, "session_id") {
		t.Error("ciphertext leaks plaintext")
	}

	pt, err := c.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt() = %v", err)
	}
	if string(pt) != `{"session_id":"s1"}` {
		t.Errorf("Decrypt() = %q", pt)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	a := NewCodec("0123456789abcdef0123456789abcdef")
	b := NewCodec("fedcba9876543210fedcba9876543210")

	ct, err := a.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(ct); err == nil {
		t.Error("Decrypt() accepted ciphertext from a different key")
	}
	if _, err := a.Decrypt(""); err == nil {
		t.Error("Decrypt() accepted empty ciphertext")
	}
}

func TestSessionTokenVerify(t *testing.T) {
	c := NewCodec("0123456789abcdef0123456789abcdef")

	tok := c.SessionToken("session-1")
	if tok == "" || tok == c.SessionToken("session-2") {
		t.Fatal("tokens must be non-empty and bound to the session id")
	}
	if !c.VerifyToken("session-1", tok) {
		t.Error("VerifyToken rejected its own token")
	}
	if c.VerifyToken("session-2", tok) {
		t.Error("VerifyToken accepted a token for a different session")
	}
	if c.VerifyToken("session-1", tok[:len(tok)-2]) {
		t.Error("VerifyToken accepted a truncated token")
	}

	other := NewCodec("another-secret-another-secret-xx")
	if other.VerifyToken("session-1", tok) {
		t.Error("VerifyToken accepted a token minted under a different secret")
	}
}

func TestRandomTokenURLSafe(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 32; i++ {
		tok, err := RandomToken(24)
		if err != nil {
			t.Fatal(err)
		}
		if len(tok) < 16 {
			t.Fatalf("token too short: %q", tok)
		}
		if strings.ContainsAny(tok, "+/=") {
			t.Errorf("token not URL-safe: %q", tok)
		}
		if seen[tok] {
			t.Fatalf("duplicate token generated: %q", tok)
		}
		seen[tok] = true
	}
}
