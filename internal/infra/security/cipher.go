package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// sealedPrefix marks values produced by Seal so plaintext written before
// encryption was enabled still reads back.
const sealedPrefix = "enc:v1:"

var ErrCiphertext = errors.New("invalid ciphertext")

// Cipher is AES-GCM with a random nonce per message.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher accepts a 16, 24 or 32 byte key.
func NewCipher(key string) (*Cipher, error) {
	k := []byte(key)
	if n := len(k); n != 16 && n != 24 && n != 32 {
		return nil, fmt.Errorf("encryption key must be 16, 24, or 32 bytes; got %d", n)
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &Cipher{gcm: gcm}, nil
}

// Seal returns sealedPrefix + base64(nonce || ciphertext). aad binds the
// value to its owner so it cannot be swapped between records.
func (c *Cipher) Seal(plaintext, aad string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}
	ct := c.gcm.Seal(nonce, nonce, []byte(plaintext), []byte(aad))
	return sealedPrefix + base64.StdEncoding.EncodeToString(ct), nil
}

// Open reverses Seal. Values without the prefix are returned unchanged.
func (c *Cipher) Open(value, aad string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	ns := c.gcm.NonceSize()
	if len(data) < ns {
		return "", fmt.Errorf("%w: too short", ErrCiphertext)
	}
	pt, err := c.gcm.Open(nil, data[:ns], data[ns:], []byte(aad))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	return string(pt), nil
}

func IsSealed(value string) bool { return strings.HasPrefix(value, sealedPrefix) }
