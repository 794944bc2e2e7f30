// Package vault wraps and unwraps small secrets (AES keys, emails, usage
// figures) under named server-side Transit keys. Chat bodies never pass
// through here; the server wraps keys, not content.
package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/openmates/core/internal/config"
)

// CiphertextPrefix marks Transit-wrapped values. Every Encrypt output starts
// with it regardless of the backing implementation.
const CiphertextPrefix = "vault:v1:"

// Transit is the key-wrapping contract. Implementations must be safe for
// concurrent use; tokens and credentials are loaded once at startup.
type Transit interface {
	// EnsureKey creates the named key if it does not exist yet. Idempotent.
	EnsureKey(ctx context.Context, keyID string) error

	// Encrypt wraps plaintext under the named key and returns an opaque
	// "vault:v1:..." token.
	Encrypt(ctx context.Context, keyID string, plaintext []byte) (string, error)

	// Decrypt unwraps a token produced by Encrypt under the same key.
	Decrypt(ctx context.Context, keyID string, ciphertext string) ([]byte, error)
}

// NewFromConfig selects the Transit implementation: a Vault server when
// VAULT_URL is set, otherwise the in-process implementation keyed by
// VAULT_LOCAL_MASTER_KEY.
func NewFromConfig(cfg *config.Config) (Transit, error) {
	if cfg.VaultURL != "" {
		return NewClient(cfg.VaultURL, cfg.VaultToken, cfg.VaultTransitMount)
	}

	if cfg.VaultLocalMasterKey != "" {
		return NewLocalTransit(cfg.VaultLocalMasterKey)
	}

	return nil, errors.New("no transit backend configured: set VAULT_URL or VAULT_LOCAL_MASTER_KEY")
}

// Sha256Hex returns the lowercase hex SHA-256 of the input. Hashed lookup
// identifiers (user, chat, message, embed) all use this form.
func Sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// UserKeyID derives the Transit key name for a user. One key per user; the
// key name only ever contains the hashed identifier.
func UserKeyID(userIDHash string) string {
	return fmt.Sprintf("user-%s", userIDHash)
}
