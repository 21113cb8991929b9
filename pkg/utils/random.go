package utils

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateShortCode generates a random string of fixed length
func GenerateShortCode(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.IntN(len(charset))]
	}
	return string(b)
}

// GenerateAPIKey generates a UUID string to be used as an API keys
func GenerateAPIKey() string {
	return uuid.NewString()
}

// GenerateClickID returns a 32-char hex id backed by a random (v4) UUID.
func GenerateClickID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
