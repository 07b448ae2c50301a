package security

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// Repository passphrase bounds, in characters.
const (
	MinPassphraseLength = 8
	MaxPassphraseLength = 128
)

var (
	hasUpper   = regexp.MustCompile(`[A-Z]`)
	hasLower   = regexp.MustCompile(`[a-z]`)
	hasDigit   = regexp.MustCompile(`\d`)
	hasSpecial = regexp.MustCompile(`[!@#$%^&*(),.?":{}|<>\-_=+\[\]\\;'~/\x60]`)
)

// PassphraseResult is the outcome of ValidatePassphrase.
type PassphraseResult struct {
	Valid    bool
	Strength PasswordStrength
	Warnings []string // advisory only, except when Valid is false
}

// ValidatePassphrase checks a new repository passphrase. Only the length
// bounds are hard requirements; complexity produces warnings.
func ValidatePassphrase(passphrase string) *PassphraseResult {
	length := utf8.RuneCountInString(passphrase)
	if length < MinPassphraseLength {
		return &PassphraseResult{
			Strength: PasswordWeak,
			Warnings: []string{fmt.Sprintf("passphrase must be at least %d characters", MinPassphraseLength)},
		}
	}
	if length > MaxPassphraseLength {
		return &PassphraseResult{
			Strength: PasswordWeak,
			Warnings: []string{fmt.Sprintf("passphrase must be at most %d characters", MaxPassphraseLength)},
		}
	}

	result := &PassphraseResult{Valid: true}
	complexity := 0
	for _, re := range []*regexp.Regexp{hasUpper, hasLower, hasDigit, hasSpecial} {
		if re.MatchString(passphrase) {
			complexity++
		}
	}
	if complexity < 2 {
		result.Warnings = append(result.Warnings,
			"consider using a mix of uppercase, lowercase, numbers, and symbols")
	}
	if length < 12 {
		result.Warnings = append(result.Warnings,
			"longer passphrases (12+ characters) are more secure")
	}

	switch {
	case complexity >= 3 && length >= 16:
		result.Strength = PasswordStrong
	case complexity >= 2 && length >= 12:
		result.Strength = PasswordGood
	case complexity >= 2 || length >= 12:
		result.Strength = PasswordFair
	default:
		result.Strength = PasswordWeak
	}
	return result
}
