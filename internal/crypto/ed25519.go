package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

var (
	ErrInvalidPublicKey  = errors.New("invalid Ed25519 public key")
	ErrInvalidPrivateKey = errors.New("invalid Ed25519 private key")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrInvalidEncoding   = errors.New("invalid base58 encoding")
)

// DecodeBase58 decodes a base58 string, rejecting empty input.
func DecodeBase58(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty string", ErrInvalidEncoding)
	}
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return b, nil
}

// EncodeBase58 encodes raw bytes for storage and transport.
func EncodeBase58(b []byte) string {
	return base58.Encode(b)
}

// ValidatePublicKey checks if a base58-encoded string is a valid Ed25519 public key.
func ValidatePublicKey(pubkeyB58 string) (ed25519.PublicKey, error) {
	decoded, err := DecodeBase58(pubkeyB58)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(decoded))
	}

	return ed25519.PublicKey(decoded), nil
}

// ParsePrivateKey accepts a base58 64-byte secret key or a 32-byte seed.
func ParsePrivateKey(privB58 string) (ed25519.PrivateKey, error) {
	decoded, err := DecodeBase58(privB58)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	switch len(decoded) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	default:
		return nil, fmt.Errorf("%w: unexpected length %d", ErrInvalidPrivateKey, len(decoded))
	}
}

// Sign produces a base58 detached signature over message.
func Sign(priv ed25519.PrivateKey, message []byte) string {
	return base58.Encode(ed25519.Sign(priv, message))
}

// VerifySignature verifies a base58 detached signature over the exact message bytes.
func VerifySignature(pubkey ed25519.PublicKey, message []byte, signatureB58 string) error {
	signature, err := DecodeBase58(signatureB58)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if len(signature) != ed25519.SignatureSize || !ed25519.Verify(pubkey, message, signature) {
		return ErrInvalidSignature
	}

	return nil
}

// VerifyWithAddress is VerifySignature for a base58 address used as public key.
func VerifyWithAddress(address string, message []byte, signatureB58 string) error {
	pub, err := ValidatePublicKey(address)
	if err != nil {
		return err
	}
	return VerifySignature(pub, message, signatureB58)
}
