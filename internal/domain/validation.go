package domain

import (
	"math"
	"regexp"
	"unicode/utf8"
)

// Field limits
const (
	MaxIdentifierLength = 128
	MaxUsernameLength   = 64
	MaxMapKeyLength     = 64
	MaxPostURLLength    = 2048
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateIdentifier checks that an id is non-empty, bounded and made of
// alphanumerics, underscores and hyphens only.
func ValidateIdentifier(field, value string) error {
	if value == "" {
		return NewValidationError(field, "is required")
	}
	if len(value) > MaxIdentifierLength {
		return NewValidationError(field, "is too long")
	}
	if !identifierPattern.MatchString(value) {
		return NewValidationError(field, "must contain only letters, digits, underscores or hyphens")
	}
	return nil
}

// ValidateCoordinate checks a normalized map coordinate.
func ValidateCoordinate(field string, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return NewValidationError(field, "must be a finite number")
	}
	if value < 0 || value > 1 {
		return NewValidationError(field, "must be between 0 and 1")
	}
	return nil
}

func validateText(field, value string, maxLen int, required bool) error {
	if value == "" {
		if required {
			return NewValidationError(field, "is required")
		}
		return nil
	}
	if utf8.RuneCountInString(value) > maxLen {
		return NewValidationError(field, "is too long")
	}
	return nil
}
