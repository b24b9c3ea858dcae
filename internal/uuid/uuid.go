// Package uuid provides UUID v4 generation and validation for operation and
// record identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// Parse parses s and requires it to be a canonical, dashed UUID v4.
func Parse(s string) (uuid.UUID, error) {
	if len(s) != 36 {
		return uuid.Nil, fmt.Errorf("invalid UUID length %d: %q", len(s), s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if id.Version() != 4 {
		return uuid.Nil, fmt.Errorf("expected UUID v4, got v%d", id.Version())
	}
	if id.Variant() != uuid.RFC4122 {
		return uuid.Nil, fmt.Errorf("unexpected UUID variant %s", id.Variant())
	}
	return id, nil
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if _, err := Parse(s); err != nil {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
