package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// TokenSize is the number of random bytes in an actor or device bearer token
const TokenSize = 32

// GenerateToken returns a new hex-encoded bearer token
func GenerateToken() (string, error) {
	bytes := make([]byte, TokenSize)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// DigestToken returns the hex SHA-256 of token. Only digests are persisted.
func DigestToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyTokenDigest compares token against a stored digest in constant time
func VerifyTokenDigest(token, digest string) bool {
	if token == "" || digest == "" {
		return false
	}
	got := DigestToken(token)
	return subtle.ConstantTimeCompare([]byte(got), []byte(digest)) == 1
}
