// Package security rates the secrets held in a repository without
// revealing them: field strength, reuse across records, and missing
// required fields.
package security

import (
	"strings"
	"unicode/utf8"
)

// PasswordStrength represents the strength level of a password or API key.
type PasswordStrength int

const (
	// PasswordWeak indicates an insecure password (less than 8 chars for passwords, 16 for API keys).
	PasswordWeak PasswordStrength = iota
	PasswordFair
	PasswordGood
	PasswordStrong
)

// String returns a human-readable representation of the password strength.
func (s PasswordStrength) String() string {
	switch s {
	case PasswordWeak:
		return "Weak"
	case PasswordFair:
		return "Fair"
	case PasswordGood:
		return "Good"
	case PasswordStrong:
		return "Strong"
	default:
		return "Unknown"
	}
}

// Points returns the score points for this strength level.
// Weak=0, Fair=8, Good=17, Strong=25.
func (s PasswordStrength) Points() int {
	switch s {
	case PasswordFair:
		return 8
	case PasswordGood:
		return 17
	case PasswordStrong:
		return 25
	default:
		return 0
	}
}

// CalculateFieldStrength rates a secret field. Machine tokens (see
// IsTokenField) are rated on a stricter scale than human passwords.
func CalculateFieldStrength(value, fieldName string) PasswordStrength {
	if IsTokenField(fieldName) {
		return calculateTokenStrength(value)
	}
	return calculatePasswordStrength(value)
}

// calculatePasswordStrength is length-first, following NIST SP 800-63B.
func calculatePasswordStrength(value string) PasswordStrength {
	length := utf8.RuneCountInString(value)

	switch {
	case length >= 20:
		return PasswordStrong
	case length >= 14:
		return PasswordGood
	case length >= 8:
		return PasswordFair
	default:
		return PasswordWeak
	}
}

// calculateTokenStrength rates random strings, where length tracks entropy:
// 32+ chars is about 128 bits of alphanumerics.
func calculateTokenStrength(value string) PasswordStrength {
	length := utf8.RuneCountInString(value)

	switch {
	case length >= 32:
		return PasswordStrong
	case length >= 20:
		return PasswordGood
	case length >= 16:
		return PasswordFair
	default:
		return PasswordWeak
	}
}

var passwordNames = []string{"password", "passwd", "pwd", "pass", "secret", "pin"}

var tokenNames = []string{"api_key", "api_secret", "token", "access_key", "client_secret"}

// IsPasswordField reports whether a field name looks like a password.
func IsPasswordField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, name := range passwordNames {
		if strings.Contains(lower, name) {
			return true
		}
	}
	return false
}

// IsTokenField reports whether a field name looks like an API key or token.
func IsTokenField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, name := range tokenNames {
		if strings.Contains(lower, name) {
			return true
		}
	}
	return false
}

// Rated reports whether a secret field is subject to strength and reuse
// checks. Private keys and notes are not.
func Rated(fieldName string) bool {
	return IsTokenField(fieldName) || IsPasswordField(fieldName)
}
