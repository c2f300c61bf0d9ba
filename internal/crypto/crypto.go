// Package crypto is the credential vault: it encrypts and decrypts the
// opaque secret blobs (bot tokens, OAuth token pairs, provider API keys)
// that the stores persist. Plaintext secrets never leave this package's
// callers except toward the owning platform API.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// MinKeyLength is the minimum accepted length for the encryption key
// material supplied via MAIACHAT_ENCRYPTION_KEY.
const MinKeyLength = 32

var (
	// ErrKeyTooShort is returned when the configured key material is too weak.
	ErrKeyTooShort = errors.New("crypto: encryption key must be at least 32 characters")

	// ErrInvalidCiphertext is returned when a blob is malformed or was
	// encrypted under a different key.
	ErrInvalidCiphertext = errors.New("crypto: invalid ciphertext")
)

// deriveKey turns arbitrary key material into a 32-byte AES-256 key.
func deriveKey(key string) [32]byte {
	return sha256.Sum256([]byte(key))
}

// Encrypt seals plaintext with AES-256-GCM under the given key material
// and returns a base64 blob of nonce||ciphertext. An empty plaintext
// encrypts to an empty blob so optional columns stay NULL-ish.
func Encrypt(plaintext, key string) (string, error) {
	if len(key) < MinKeyLength {
		return "", ErrKeyTooShort
	}
	if plaintext == "" {
		return "", nil
	}

	k := deriveKey(key)
	block, err := aes.NewCipher(k[:])
	if err != nil {
		return "", fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("crypto: new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Decrypting an empty blob yields an empty string.
func Decrypt(blob, key string) (string, error) {
	if len(key) < MinKeyLength {
		return "", ErrKeyTooShort
	}
	if blob == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	k := deriveKey(key)
	block, err := aes.NewCipher(k[:])
	if err != nil {
		return "", fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("crypto: new gcm: %w", err)
	}

	if len(raw) < gcm.NonceSize() {
		return "", ErrInvalidCiphertext
	}
	nonce, ct := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plain), nil
}
