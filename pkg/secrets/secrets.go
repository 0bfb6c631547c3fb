package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const keySize = 32

var (
	// ErrInvalidKey indicates the configured sealing key is unusable.
	ErrInvalidKey = errors.New("secrets: invalid key")
	// ErrCorruptCiphertext indicates a sealed value that cannot be opened.
	ErrCorruptCiphertext = errors.New("secrets: cannot open sealed value")
)

// Box seals and opens API credentials stored alongside collection records.
// Sealed values are base64(nonce || secretbox ciphertext).
type Box struct {
	key [keySize]byte
}

// New builds a Box from a base64-encoded 32-byte key.
func New(encodedKey string) (*Box, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidKey, keySize, len(raw))
	}
	b := &Box{}
	copy(b.key[:], raw)
	return b, nil
}

// NewKey generates a random sealing key suitable for New.
func NewKey() (string, error) {
	raw := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Seal encrypts a plaintext credential. Empty input seals to empty output.
func (b *Box) Seal(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plain), &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed credential. Empty input opens to empty output.
func (b *Box) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptCiphertext, err)
	}
	if len(raw) < 24 {
		return "", ErrCorruptCiphertext
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &b.key)
	if !ok {
		return "", ErrCorruptCiphertext
	}
	return string(plain), nil
}
