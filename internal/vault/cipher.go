// Package vault stores provider credentials encrypted at rest with a single
// process-wide AES-256-GCM master key.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"flowforge/pkg/models"
)

const (
	// Algorithm is the only algo value written or accepted.
	Algorithm = "AES-256-GCM"

	// KeySize is the size of the master key in bytes (256 bits for AES-256)
	KeySize = 32

	// NonceSize is the size of the AES-GCM nonce in bytes
	NonceSize = 12

	tagSize = 16
)

var (
	// ErrInvalidMasterKey is returned when the master key is missing or is
	// not base64 for exactly KeySize bytes.
	ErrInvalidMasterKey = errors.New("vault: master key must be base64 encoding of 32 bytes")

	// ErrDecrypt covers every way a stored record can fail to open:
	// unknown algorithm, malformed encoding or a failed authentication tag.
	ErrDecrypt = errors.New("vault: decrypt failed")
)

// Cipher seals and opens secret records.
type Cipher struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewCipher parses a base64 master key. There is no fallback key: any
// problem with the input is ErrInvalidMasterKey.
func NewCipher(masterKeyB64 string) (*Cipher, error) {
	masterKeyB64 = strings.TrimSpace(masterKeyB64)
	if masterKeyB64 == "" {
		return nil, ErrInvalidMasterKey
	}
	key, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil || len(key) != KeySize {
		return nil, ErrInvalidMasterKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: create block cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("vault: create GCM: %w", err)
	}
	return &Cipher{aead: aead, rand: rand.Reader}, nil
}

// Encrypt seals plaintext under a fresh random nonce. The tag is stored
// apart from the ciphertext.
func (c *Cipher) Encrypt(plaintext string) (models.EncryptedSecret, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return models.EncryptedSecret{}, fmt.Errorf("vault: generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return models.EncryptedSecret{
		Algo:       Algorithm,
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Tag:        base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Decrypt opens a record produced by Encrypt. Any failure wraps ErrDecrypt;
// partial or unauthenticated plaintext is never returned.
func (c *Cipher) Decrypt(rec models.EncryptedSecret) (string, error) {
	if rec.Algo != Algorithm {
		return "", fmt.Errorf("%w: unsupported algorithm %q", ErrDecrypt, rec.Algo)
	}
	ct, err := base64.StdEncoding.DecodeString(rec.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext encoding", ErrDecrypt)
	}
	nonce, err := base64.StdEncoding.DecodeString(rec.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return "", fmt.Errorf("%w: nonce", ErrDecrypt)
	}
	tag, err := base64.StdEncoding.DecodeString(rec.Tag)
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("%w: tag", ErrDecrypt)
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication", ErrDecrypt)
	}
	return string(plain), nil
}

// GenerateMasterKey returns a new random master key in the encoding
// NewCipher expects.
func GenerateMasterKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("vault: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
