package crypto

import (
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
)

// ChainHash links a payload to its predecessor:
// base58(SHA256(base58decode(prevHash) || ciphertext)).
func ChainHash(prevHash, ciphertext string) (string, error) {
	prev, err := DecodeBase58(prevHash)
	if err != nil {
		return "", fmt.Errorf("prev hash: %w", err)
	}
	h := sha256.New()
	h.Write(prev)
	h.Write([]byte(ciphertext))
	return base58.Encode(h.Sum(nil)), nil
}

// ContentKey is the base58 SHA-256 of the concatenated parts.
func ContentKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return base58.Encode(h.Sum(nil))
}
