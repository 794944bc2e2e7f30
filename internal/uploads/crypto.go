package uploads

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// newFileKey generates one AES-256 key and one GCM nonce per upload. All
// variants of the same file share the pair, so the client can decrypt any
// variant with the single key it gets back.
func newFileKey() (key, nonce []byte, err error) {
	key = make([]byte, 32)
	if _, err = rand.Read(key); err != nil {
		return nil, nil, fmt.Errorf("generate file key: %w", err)
	}
	nonce = make([]byte, 12)
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate file nonce: %w", err)
	}
	return key, nonce, nil
}

// encryptGCM seals plaintext under AES-256-GCM with the given nonce.
func encryptGCM(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init file cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init file gcm: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

// decryptGCM reverses encryptGCM. Only tests and the scan path use it;
// production decryption happens client-side.
func decryptGCM(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init file cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init file gcm: %w", err)
	}
	out, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open file ciphertext: %w", err)
	}
	return out, nil
}
