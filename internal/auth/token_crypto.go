package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// EnvCipherKey holds the AES-256 key protecting the stored API key:
// 32 raw bytes or their base64 encoding.
const EnvCipherKey = "NEUROPULSE_APIKEY_KEY"

var errInvalidCiphertext = errors.New("invalid credential ciphertext")

// Cipher seals credentials with AES-GCM; the nonce is prepended to the
// ciphertext and the whole is base64 encoded.
type Cipher struct {
	aead cipher.AEAD
}

// CipherFromEnv returns nil, nil when EnvCipherKey is unset, in which case
// the key is stored in the clear.
func CipherFromEnv() (*Cipher, error) {
	raw := strings.TrimSpace(os.Getenv(EnvCipherKey))
	if raw == "" {
		return nil, nil
	}
	return NewCipher(raw)
}

// NewCipher builds an AES-GCM cipher from a raw or base64 key.
func NewCipher(raw string) (*Cipher, error) {
	key, err := decodeKey(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", EnvCipherKey, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func decodeKey(raw string) ([]byte, error) {
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid key length %d, want 32", len(key))
	}
	return key, nil
}

func (c *Cipher) Seal(plain string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Open(input string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(input)
	if err != nil {
		return "", errInvalidCiphertext
	}
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return "", errInvalidCiphertext
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", errInvalidCiphertext
	}
	return string(plain), nil
}
