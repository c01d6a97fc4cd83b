package util

import "github.com/google/uuid"

// NewUUID returns a random UUID for device cookies.
func NewUUID() string {
	return uuid.NewString()
}
