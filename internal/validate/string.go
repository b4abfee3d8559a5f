// Package validate checks identifiers and URLs that arrive from clients,
// gateway redirects and configuration before they reach a store or a
// provider API.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// String validation errors
var (
	ErrStringTooShort    = errors.New("string is too short")
	ErrStringTooLong     = errors.New("string is too long")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
	ErrEmpty             = errors.New("string is empty")
)

// MaxIDLength bounds every identifier. Provider correlation ids and LINE
// user ids are far shorter.
const MaxIDLength = 128

// idPattern covers purchase ids, merchant references (diag_<id>_<ms>),
// PAY.JP charge ids and LINE user ids.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_\-.:]+$`)

// StringConstraints defines validation constraints for a string.
type StringConstraints struct {
	MinLength      int            // 0 = no minimum
	MaxLength      int            // 0 = no maximum
	AllowedPattern *regexp.Regexp // optional
	AllowEmpty     bool
	TrimSpace      bool
}

// String validates a string against the given constraints.
// Returns the validated (and optionally trimmed) string and an error if validation fails.
func String(s string, constraints StringConstraints) (string, error) {
	if constraints.TrimSpace {
		s = strings.TrimSpace(s)
	}

	if s == "" {
		if !constraints.AllowEmpty {
			return "", ErrEmpty
		}
		return s, nil
	}

	// Character count, not bytes.
	length := utf8.RuneCountInString(s)

	if constraints.MinLength > 0 && length < constraints.MinLength {
		return "", fmt.Errorf("%w: got %d chars, need at least %d", ErrStringTooShort, length, constraints.MinLength)
	}
	if constraints.MaxLength > 0 && length > constraints.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, length, constraints.MaxLength)
	}
	if constraints.AllowedPattern != nil && !constraints.AllowedPattern.MatchString(s) {
		return "", fmt.Errorf("%w: does not match required pattern", ErrInvalidCharacters)
	}
	return s, nil
}

// ID validates a required identifier such as a diagnosis id or purchase id.
func ID(s string) (string, error) {
	return String(s, StringConstraints{
		MaxLength:      MaxIDLength,
		AllowedPattern: idPattern,
		TrimSpace:      true,
	})
}

// OptionalID is ID but accepts the empty string. Session and status
// requests may omit the LINE user id.
func OptionalID(s string) (string, error) {
	return String(s, StringConstraints{
		MaxLength:      MaxIDLength,
		AllowedPattern: idPattern,
		AllowEmpty:     true,
		TrimSpace:      true,
	})
}

// Fields validates named identifiers in order and returns the first failure
// wrapped with its field name. Entries whose value is empty are skipped.
func Fields(fields ...[2]string) error {
	for _, f := range fields {
		if _, err := OptionalID(f[1]); err != nil {
			return fmt.Errorf("%s: %w", f[0], err)
		}
	}
	return nil
}
