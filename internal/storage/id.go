package storage

import (
	"github.com/google/uuid"
)

// NewID generates an identifier for conversations, messages and sessions.
func NewID() string {
	return uuid.NewString()
}

// IsID reports whether s is in the recognised identifier format (a UUID).
func IsID(s string) bool {
	if s == "" {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
