package util

import "github.com/google/uuid"

// NewID returns a random, URL-safe identifier.
func NewID() string {
	return uuid.NewString()
}
