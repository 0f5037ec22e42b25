package crypto

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

// PrivateToX25519 converts an Ed25519 secret (seed or full 64-byte key) into an
// X25519 scalar: SHA-512 over the first 32 bytes, clamped.
func PrivateToX25519(secret []byte) ([]byte, error) {
	if len(secret) < ed25519.SeedSize {
		return nil, fmt.Errorf("%w: need at least %d bytes", ErrInvalidPrivateKey, ed25519.SeedSize)
	}
	h := sha512.Sum512(secret[:ed25519.SeedSize])
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	out := make([]byte, curve25519.ScalarSize)
	copy(out, h[:curve25519.ScalarSize])
	return out, nil
}

// PublicToX25519 converts an Ed25519 public key to its Montgomery form.
func PublicToX25519(edPub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return p.BytesMontgomery(), nil
}

// X25519Public returns the Diffie-Hellman public key (encryption address) for
// an Ed25519 secret.
func X25519Public(secret []byte) ([]byte, error) {
	scalar, err := PrivateToX25519(secret)
	if err != nil {
		return nil, err
	}
	return curve25519.X25519(scalar, curve25519.Basepoint)
}

// SharedSecretWithX25519 derives the shared secret against a peer key that is
// already in X25519 form (an encryption or notification address).
func SharedSecretWithX25519(secret []byte, peer []byte) ([]byte, error) {
	if len(peer) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: peer key must be %d bytes", ErrInvalidPublicKey, curve25519.PointSize)
	}
	scalar, err := PrivateToX25519(secret)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(scalar, peer)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	return shared, nil
}

// SharedSecretWithEd25519 derives the shared secret against a peer's signing key.
func SharedSecretWithEd25519(secret []byte, peer ed25519.PublicKey) ([]byte, error) {
	x, err := PublicToX25519(peer)
	if err != nil {
		return nil, err
	}
	return SharedSecretWithX25519(secret, x)
}
