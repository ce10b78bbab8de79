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

	"golang.org/x/crypto/pbkdf2"
)

const (
	sealSaltLength = 16
	sealIVLength   = 12
	sealKeyLength  = 32
	sealIterations = 65536
)

var (
	// ErrEncryptionFailed is returned when sealing a secret fails.
	ErrEncryptionFailed = errors.New("secret cipher: encryption failed")
	// ErrDecryptionFailed is returned on tampered ciphertext or a wrong passphrase.
	ErrDecryptionFailed = errors.New("secret cipher: decryption failed")
)

// SecretCipher seals opaque strings with AES-256-GCM using a key derived from a
// server-held passphrase. Every call derives a one-time key via
// PBKDF2-HMAC-SHA256 over a fresh random salt, so encrypting the same
// plaintext twice never yields the same blob. The output layout is
// base64(salt || iv || ciphertext+tag).
type SecretCipher struct {
	passphrase []byte
}

// NewSecretCipher constructs a SecretCipher from the server passphrase.
func NewSecretCipher(passphrase string) (*SecretCipher, error) {
	if passphrase == "" {
		return nil, errors.New("secret cipher: passphrase is required")
	}
	return &SecretCipher{passphrase: []byte(passphrase)}, nil
}

// Encrypt seals the plaintext and returns the base64-encoded blob.
func (c *SecretCipher) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, sealSaltLength)
	iv := make([]byte, sealIVLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)

	blob := make([]byte, 0, sealSaltLength+sealIVLength+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, iv...)
	blob = append(blob, sealed...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt, re-deriving the key from the embedded salt. It
// fails closed when the authentication tag check fails.
func (c *SecretCipher) Decrypt(encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	if len(blob) < sealSaltLength+sealIVLength {
		return "", ErrDecryptionFailed
	}

	salt := blob[:sealSaltLength]
	iv := blob[sealSaltLength : sealSaltLength+sealIVLength]
	sealed := blob[sealSaltLength+sealIVLength:]

	gcm, err := c.aead(salt)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

func (c *SecretCipher) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.passphrase, salt, sealIterations, sealKeyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
