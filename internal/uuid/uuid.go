// Package uuid generates identifiers for drain runs and remote requests.
package uuid

import (
	"github.com/google/uuid"
)

// New generates a new random UUID string.
func New() string {
	return uuid.New().String()
}

// IsValid reports whether s parses as a UUID.
func IsValid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
