// Package uuid generates and validates the local identifiers used for readings
// and workflow runs.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New generates a new random (v4) identifier.
func New() string {
	return uuid.New().String()
}

// NewSortable generates a time-ordered (v7) identifier. Workflow runs use it
// so that history listings sort by creation time.
func NewSortable() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Validate returns an error if s is not a canonical v4 or v7 identifier.
func Validate(s string) error {
	id, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	if len(s) != 36 {
		return fmt.Errorf("invalid UUID %q: expected canonical dashed form", s)
	}
	if v := id.Version(); v != 4 && v != 7 {
		return fmt.Errorf("invalid UUID %q: unsupported version v%d", s, v)
	}
	return nil
}

// IsValid reports whether s passes Validate.
func IsValid(s string) bool {
	return Validate(s) == nil
}
