// Package auth issues and verifies the credentials of the HTTP plane: API
// tokens (stored hashed) and signed invitation tokens.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// TokenPrefix marks API tokens issued by askanna.
const TokenPrefix = "aa_"

// HashKey returns a SHA-256 hash of the key.
func HashKey(key string) string {
	key = strings.TrimSpace(key)

	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// GenerateKey returns a new random API token and its hash. Only the hash is stored.
func GenerateKey() (string, string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	key := TokenPrefix + hex.EncodeToString(buf)
	return key, HashKey(key), nil
}
