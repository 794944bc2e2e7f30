package tasks

import (
	"encoding/base64"
	"testing"
)

func TestChatKeyRoundTrip(t *testing.T) {
	key := testChatKey()

	encoded, err := encryptWithChatKey(key, []byte("the quick brown fox"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plain, err := decryptWithChatKey(key, encoded)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plain) != "the quick brown fox" {
		t.Errorf("round trip = %q", plain)
	}
}

func TestChatKeyDecryptRejectsTamper(t *testing.T) {
	key := testChatKey()

	encoded, err := encryptWithChatKey(key, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF

	if _, err := decryptWithChatKey(key, base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Fatal("tampered ciphertext decrypted")
	}
}

func TestChatKeyDecryptRejectsWrongKey(t *testing.T) {
	encoded, err := encryptWithChatKey(testChatKey(), []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	other := testChatKey()
	other[0] ^= 0xFF
	if _, err := decryptWithChatKey(other, encoded); err == nil {
		t.Fatal("decrypted with the wrong key")
	}
}

func TestChatKeyDecryptRejectsShortCiphertext(t *testing.T) {
	short := base64.StdEncoding.EncodeToString([]byte("tiny"))
	if _, err := decryptWithChatKey(testChatKey(), short); err == nil {
		t.Fatal("ciphertext shorter than a nonce decrypted")
	}
}

func TestDecodeChatKey(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
		wantErr bool
	}{
		{name: "valid", encoded: base64.StdEncoding.EncodeToString(testChatKey())},
		{name: "not base64", encoded: "%%%", wantErr: true},
		{name: "wrong length", encoded: base64.StdEncoding.EncodeToString([]byte("short")), wantErr: true},
		{name: "empty", encoded: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := decodeChatKey(tt.encoded)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeChatKey: %v", err)
			}
			if len(key) != chatKeySize {
				t.Errorf("key length = %d, want %d", len(key), chatKeySize)
			}
		})
	}
}
