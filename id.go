package loom

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for messages and sessions.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewRunID generates a short, URL-safe identifier for runs, agents, and
// permission requests. 9 random bytes encode to 12 base64url characters.
func NewRunID() string {
	var b [9]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms; fall back anyway.
		return uuid.NewString()[:12]
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}
