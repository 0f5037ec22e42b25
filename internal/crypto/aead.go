package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

const (
	nonceSize = 12
	tagSize   = 16
	keySize   = 32
)

// CryptoError represents an encryption/decryption error.
type CryptoError struct {
	Message string
}

func (e *CryptoError) Error() string {
	return e.Message
}

// IsCryptoError checks if an error is a CryptoError.
func IsCryptoError(err error) bool {
	var ce *CryptoError
	return errors.As(err, &ce)
}

func newGCM(sharedSecret []byte) (cipher.AEAD, error) {
	if len(sharedSecret) != keySize {
		return nil, &CryptoError{Message: fmt.Sprintf("invalid key length: %d, expected %d", len(sharedSecret), keySize)}
	}
	block, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return nil, &CryptoError{Message: err.Error()}
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext with AES-256-GCM under a fresh nonce.
// Wire format: base58(nonce) + "." + base58(ciphertext||tag).
func Encrypt(plaintext string, sharedSecret []byte) (string, error) {
	aead, err := newGCM(sharedSecret)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	return base58.Encode(nonce) + "." + base58.Encode(sealed), nil
}

// Decrypt opens a wire-format ciphertext. It never returns partial plaintext.
func Decrypt(wire string, sharedSecret []byte) (string, error) {
	nonceB58, sealedB58, ok := strings.Cut(wire, ".")
	if !ok || nonceB58 == "" || sealedB58 == "" || strings.Contains(sealedB58, ".") {
		return "", &CryptoError{Message: "malformed ciphertext: expected nonce.ciphertext"}
	}

	nonce, err := base58.Decode(nonceB58)
	if err != nil || len(nonce) != nonceSize {
		return "", &CryptoError{Message: "malformed ciphertext: invalid nonce"}
	}
	sealed, err := base58.Decode(sealedB58)
	if err != nil || len(sealed) < tagSize {
		return "", &CryptoError{Message: "malformed ciphertext: invalid body"}
	}

	aead, err := newGCM(sharedSecret)
	if err != nil {
		return "", err
	}

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &CryptoError{Message: "decryption failed: wrong key or tampered ciphertext"}
	}

	return string(plaintext), nil
}
