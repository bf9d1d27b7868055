// Package suuid derives the short public identifiers exposed for every entity.
package suuid

import (
	"strings"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
)

// Length of a formatted suuid, four groups of four characters joined by dashes.
const Length = 19

// FromUUID encodes id as a fixed-length, URL-safe suuid such as "7Ahd-Kp2q-xYtR-93Lm".
func FromUUID(id uuid.UUID) string {
	enc := shortuuid.DefaultEncoder.Encode(id)
	for len(enc) < 16 {
		enc = "2" + enc
	}
	enc = enc[:16]
	return enc[0:4] + "-" + enc[4:8] + "-" + enc[8:12] + "-" + enc[12:16]
}

// New returns a fresh uuid and its suuid.
func New() (uuid.UUID, string) {
	id := uuid.New()
	return id, FromUUID(id)
}

// Valid reports whether s has the shape of a suuid.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i, r := range s {
		if i == 4 || i == 9 || i == 14 {
			if r != '-' {
				return false
			}
			continue
		}
		if !strings.ContainsRune(alphabet, r) {
			return false
		}
	}
	return true
}

// alphabet used by shortuuid.DefaultEncoder.
const alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// Shard returns the two directory levels used to spread objects of suuid s,
// "ab" and "cd" for "abcd-...".
func Shard(s string) (string, string) {
	clean := strings.ReplaceAll(s, "-", "")
	for len(clean) < 4 {
		clean += "0"
	}
	return clean[0:2], clean[2:4]
}
