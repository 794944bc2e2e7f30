package vault

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
)

func testMasterKey() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestLocalTransitRoundTrip(t *testing.T) {
	transit, err := NewLocalTransit(testMasterKey())
	if err != nil {
		t.Fatalf("NewLocalTransit: %v", err)
	}

	ctx := context.Background()

	tests := []struct {
		name      string
		keyID     string
		plaintext string
	}{
		{"short secret", "user-abc", "aes-key-material"},
		{"empty plaintext", "user-abc", ""},
		{"binary-ish content", "user-def", string([]byte{0, 1, 2, 255, 254})},
		{"long content", "user-def", strings.Repeat("usage-archive ", 512)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := transit.Encrypt(ctx, tt.keyID, []byte(tt.plaintext))
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}

			if !strings.HasPrefix(ciphertext, CiphertextPrefix) {
				t.Errorf("ciphertext %q missing %q prefix", ciphertext, CiphertextPrefix)
			}

			got, err := transit.Decrypt(ctx, tt.keyID, ciphertext)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}

			if string(got) != tt.plaintext {
				t.Errorf("round trip mismatch: got %q, want %q", got, tt.plaintext)
			}
		})
	}
}

func TestLocalTransitKeyIsolation(t *testing.T) {
	transit, err := NewLocalTransit(testMasterKey())
	if err != nil {
		t.Fatalf("NewLocalTransit: %v", err)
	}

	ctx := context.Background()

	ciphertext, err := transit.Encrypt(ctx, "user-alice", []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := transit.Decrypt(ctx, "user-bob", ciphertext); err == nil {
		t.Error("expected decrypt under a different key to fail")
	}
}

func TestLocalTransitRejectsUnwrappedCiphertext(t *testing.T) {
	transit, err := NewLocalTransit(testMasterKey())
	if err != nil {
		t.Fatalf("NewLocalTransit: %v", err)
	}

	if _, err := transit.Decrypt(context.Background(), "user-abc", "not-a-token"); err == nil {
		t.Error("expected decrypt of unwrapped input to fail")
	}
}

func TestNewLocalTransitRejectsShortKeys(t *testing.T) {
	short := base64.StdEncoding.EncodeToString([]byte("too-short"))

	if _, err := NewLocalTransit(short); err == nil {
		t.Error("expected short master key to be rejected")
	}
}

func TestSha256Hex(t *testing.T) {
	// Stable identifier hashing: same input, same hex digest.
	a := Sha256Hex("user-1234")
	b := Sha256Hex("user-1234")

	if a != b {
		t.Errorf("Sha256Hex not deterministic: %q vs %q", a, b)
	}

	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}

	if a == Sha256Hex("user-1235") {
		t.Error("distinct inputs must not collide")
	}
}
