package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	// TokenBytes is the number of random bytes in a plaintext token
	TokenBytes = 32

	// MinTokenBytes is the smallest plaintext size accepted on redeem
	MinTokenBytes = 16
)

// Generate creates a new single-use token. Returns the hex-encoded plaintext
// (shown to the recipient exactly once) and its SHA-256 hex digest, which is
// the only form ever stored or logged.
func Generate() (plain string, hash string, err error) {
	randomBytes := make([]byte, TokenBytes)
	_, err = rand.Read(randomBytes)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	plain = hex.EncodeToString(randomBytes)
	hash = Hash(plain)

	return plain, hash, nil
}

// Hash computes the SHA-256 hex digest of a plaintext token for storage and lookup.
func Hash(plain string) string {
	h := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(h[:])
}

// ValidateFormat checks that a presented token is plausible before hitting the
// store: hex-encoded, at least MinTokenBytes of entropy.
func ValidateFormat(plain string) bool {
	decoded, err := hex.DecodeString(plain)
	if err != nil {
		return false
	}
	return len(decoded) >= MinTokenBytes
}
