// Package auth provides API key hashing and secret generation.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strings"
)

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// HashKey returns a SHA-256 hash of the key.
func HashKey(key string) string {
	key = strings.TrimSpace(key)

	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// NewSecret generates a random alphanumeric secret of the given
// length, used for environment admin and database passwords.
func NewSecret(length int) string {
	if length <= 0 {
		length = 32
	}
	var sb strings.Builder
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the OS entropy source is
			// broken; nothing sensible to do but give up.
			panic(err)
		}
		sb.WriteByte(passwordAlphabet[n.Int64()])
	}
	return sb.String()
}

// NewAPIKey generates an opaque API key for an environment's content
// transfer endpoint.
func NewAPIKey() string {
	return "sp_" + NewSecret(40)
}
