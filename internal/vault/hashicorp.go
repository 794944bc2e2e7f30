package vault

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"
)

// Client implements Transit against a Vault server's transit secrets engine.
type Client struct {
	api   *vaultapi.Client
	mount string
}

// NewClient builds a Vault Transit client. The token is set once; rotation
// requires a restart.
func NewClient(address, token, mount string) (*Client, error) {
	cfg := vaultapi.DefaultConfig()
	cfg.Address = address

	api, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	api.SetToken(token)

	if mount == "" {
		mount = "transit"
	}

	return &Client{api: api, mount: mount}, nil
}

// EnsureKey creates the named transit key. Vault treats repeated creation of
// the same key as a no-op, so this is safe to call on every first use.
func (c *Client) EnsureKey(ctx context.Context, keyID string) error {
	_, err := c.api.Logical().WriteWithContext(ctx, path.Join(c.mount, "keys", keyID), map[string]interface{}{
		"type": "aes256-gcm96",
	})
	if err != nil {
		return fmt.Errorf("failed to ensure transit key %s: %w", keyID, err)
	}

	return nil
}

// Encrypt wraps plaintext under the named key.
func (c *Client) Encrypt(ctx context.Context, keyID string, plaintext []byte) (string, error) {
	secret, err := c.api.Logical().WriteWithContext(ctx, path.Join(c.mount, "encrypt", keyID), map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return "", fmt.Errorf("transit encrypt failed: %w", err)
	}

	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok || ciphertext == "" {
		return "", fmt.Errorf("transit encrypt returned no ciphertext for key %s", keyID)
	}

	return ciphertext, nil
}

// Decrypt unwraps a token produced by Encrypt under the same key.
func (c *Client) Decrypt(ctx context.Context, keyID string, ciphertext string) ([]byte, error) {
	if !strings.HasPrefix(ciphertext, CiphertextPrefix) {
		return nil, fmt.Errorf("ciphertext for key %s is not transit-wrapped", keyID)
	}

	secret, err := c.api.Logical().WriteWithContext(ctx, path.Join(c.mount, "decrypt", keyID), map[string]interface{}{
		"ciphertext": ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("transit decrypt failed: %w", err)
	}

	encoded, ok := secret.Data["plaintext"].(string)
	if !ok || encoded == "" {
		return nil, fmt.Errorf("transit decrypt returned no plaintext for key %s", keyID)
	}

	plaintext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transit plaintext: %w", err)
	}

	return plaintext, nil
}
