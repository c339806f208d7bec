package storage

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrNotFound is returned when a record is missing from storage.
	ErrNotFound = errors.New("storage: record not found")

	// ErrDuplicatePhoneNumber is returned by Create when another device
	// already owns the phone number.
	ErrDuplicatePhoneNumber = errors.New("storage: duplicate phone number")

	// ErrValidation marks malformed input rejected before any store or
	// network call.
	ErrValidation = errors.New("validation failed")
)

// ValidationError reports a single rejected field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap returns ErrValidation
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid builds a ValidationError
func Invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// E.164: a plus sign followed by at most 15 digits
var phonePattern = regexp.MustCompile(`^\+[0-9]{1,15}$`)

// ValidatePhoneNumber rejects numbers that are not in E.164 form
func ValidatePhoneNumber(phoneNumber string) error {
	if !phonePattern.MatchString(phoneNumber) {
		return Invalid("phone_number", "%q is not an E.164 number (+ followed by digits)", phoneNumber)
	}
	return nil
}
