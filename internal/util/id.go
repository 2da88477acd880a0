package util

import "github.com/google/uuid"

// NewID returns a random UUIDv4 string used for sessions and conversions.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether s is a canonical UUID as produced by NewID.
func ValidID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
