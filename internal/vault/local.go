package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// LocalTransit implements Transit without a Vault server. Per-key AES keys
// are derived from one master key via HKDF, so EnsureKey has nothing to do
// and key material never touches disk. Intended for development and
// self-hosted deployments.
type LocalTransit struct {
	master []byte
}

// NewLocalTransit builds a local transit from a base64-encoded master key of
// at least 32 bytes.
func NewLocalTransit(masterKeyB64 string) (*LocalTransit, error) {
	master, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode local master key: %w", err)
	}

	if len(master) < 32 {
		return nil, errors.New("local master key must be at least 32 bytes")
	}

	return &LocalTransit{master: master}, nil
}

// EnsureKey is a no-op: derived keys exist by construction.
func (t *LocalTransit) EnsureKey(_ context.Context, _ string) error {
	return nil
}

// Encrypt wraps plaintext under the key derived for keyID.
// Output format: "vault:v1:" + base64(nonce || ciphertext).
func (t *LocalTransit) Encrypt(_ context.Context, keyID string, plaintext []byte) (string, error) {
	gcm, err := t.cipherFor(keyID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	payload := make([]byte, 0, len(nonce)+len(ciphertext))
	payload = append(payload, nonce...)
	payload = append(payload, ciphertext...)

	return CiphertextPrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// Decrypt unwraps a token produced by Encrypt under the same keyID.
func (t *LocalTransit) Decrypt(_ context.Context, keyID string, ciphertext string) ([]byte, error) {
	if !strings.HasPrefix(ciphertext, CiphertextPrefix) {
		return nil, fmt.Errorf("ciphertext for key %s is not transit-wrapped", keyID)
	}

	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, CiphertextPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	gcm, err := t.cipherFor(keyID)
	if err != nil {
		return nil, err
	}

	if len(payload) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce, sealed := payload[:gcm.NonceSize()], payload[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt under key %s: %w", keyID, err)
	}

	return plaintext, nil
}

// cipherFor derives the per-key AES-256-GCM cipher via HKDF over the master key.
func (t *LocalTransit) cipherFor(keyID string) (cipher.AEAD, error) {
	aesKey := make([]byte, 32)
	kdf := hkdf.New(sha256.New, t.master, nil, []byte("transit:"+keyID))
	if _, err := io.ReadFull(kdf, aesKey); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return gcm, nil
}
