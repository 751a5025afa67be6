// Package id generates record identifiers.
package id

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string for a new clinical record.
// Record ids are generated on the device and never reassigned.
func New() string {
	return uuid.NewString()
}

// NewOrdered returns a time-ordered (v7) UUID string, used for append-only
// log rows where insertion order is useful when browsing.
//
// Returns an error if the system has insufficient entropy.
func NewOrdered() (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid v7: %w", err)
	}
	return u.String(), nil
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
