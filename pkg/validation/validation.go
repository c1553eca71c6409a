package validation

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
)

const maxLabelLength = 64

var labelPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateDeviceLabel validates a kiosk label such as "cafeteria-1".
func ValidateDeviceLabel(label string) error {
	if label == "" {
		return fmt.Errorf("label cannot be empty")
	}

	if len(label) > maxLabelLength {
		return fmt.Errorf("invalid label length: expected at most %d characters, got %d", maxLabelLength, len(label))
	}

	if !labelPattern.MatchString(label) {
		return fmt.Errorf("invalid label: only letters, digits, '.', '_' and '-' are allowed")
	}

	return nil
}

// ValidateEmail validates a bare email address.
func ValidateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email cannot be empty")
	}

	addr, err := mail.ParseAddress(email)
	if err != nil {
		return fmt.Errorf("invalid email: %w", err)
	}
	if addr.Address != email {
		return fmt.Errorf("invalid email: expected a bare address")
	}

	return nil
}

// NormalizeEmail converts an email to lowercase without surrounding spaces
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateAndNormalizeEmail validates an email and returns its normalized form
func ValidateAndNormalizeEmail(email string) (string, error) {
	normalized := NormalizeEmail(email)
	if err := ValidateEmail(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// ValidateServiceDate validates a YYYY-MM-DD date.
func ValidateServiceDate(date string) error {
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return fmt.Errorf("invalid date %q: expected YYYY-MM-DD", date)
	}
	return nil
}
