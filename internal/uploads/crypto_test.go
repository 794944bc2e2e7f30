package uploads

import (
	"bytes"
	"testing"
)

func TestFileEncryptionRoundTrip(t *testing.T) {
	key, nonce, err := newFileKey()
	if err != nil {
		t.Fatalf("newFileKey: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(key))
	}
	if len(nonce) != 12 {
		t.Fatalf("expected 12-byte nonce, got %d", len(nonce))
	}

	plain := []byte("some file bytes")
	sealed, err := encryptGCM(key, nonce, plain)
	if err != nil {
		t.Fatalf("encryptGCM: %v", err)
	}
	if bytes.Contains(sealed, plain) {
		t.Fatal("ciphertext contains plaintext")
	}

	opened, err := decryptGCM(key, nonce, sealed)
	if err != nil {
		t.Fatalf("decryptGCM: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Fatalf("round trip mismatch: got %q", opened)
	}
}

func TestVariantsShareKeyAndNonce(t *testing.T) {
	key, nonce, err := newFileKey()
	if err != nil {
		t.Fatalf("newFileKey: %v", err)
	}

	variants := map[string][]byte{
		"original": []byte("original bytes"),
		"full":     []byte("full bytes"),
		"preview":  []byte("preview bytes"),
	}
	for name, plain := range variants {
		sealed, err := encryptGCM(key, nonce, plain)
		if err != nil {
			t.Fatalf("encrypt %s: %v", name, err)
		}
		opened, err := decryptGCM(key, nonce, sealed)
		if err != nil {
			t.Fatalf("decrypt %s with the shared pair: %v", name, err)
		}
		if !bytes.Equal(opened, plain) {
			t.Fatalf("variant %s mismatch", name)
		}
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	key, nonce, err := newFileKey()
	if err != nil {
		t.Fatalf("newFileKey: %v", err)
	}
	sealed, err := encryptGCM(key, nonce, []byte("payload"))
	if err != nil {
		t.Fatalf("encryptGCM: %v", err)
	}
	sealed[0] ^= 0xff
	if _, err := decryptGCM(key, nonce, sealed); err == nil {
		t.Fatal("expected authentication failure")
	}
}
