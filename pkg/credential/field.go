package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/forest6511/credstore/pkg/crypto"
)

// Field limits
const (
	MaxFieldNameLength = 64          // Maximum field name length
	MinFieldNameLength = 1           // Minimum field name length
	MaxFieldValueSize  = 1024 * 1024 // 1 MB maximum field value size
	MaxFieldCount      = 100         // Maximum number of fields per record

	// Redacted replaces secret values wherever a field is printed.
	Redacted = "[REDACTED]"
)

// Field validation errors
var (
	ErrFieldNameTooLong   = errors.New("credential: field name too long")
	ErrFieldNameTooShort  = errors.New("credential: field name too short")
	ErrFieldNameInvalid   = errors.New("credential: field name must be snake_case (lowercase letters, numbers, underscores)")
	ErrFieldValueTooLarge = errors.New("credential: field value too large")
	ErrTooManyFields      = errors.New("credential: too many fields")
	ErrInvalidKind        = errors.New("credential: field type must be \"text\" or \"secret\"")
)

// Kind discriminates the two field variants.
type Kind int

const (
	KindText Kind = iota
	KindSecret
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindSecret:
		return "secret"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind parses the on-disk field_type value.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "text":
		return KindText, nil
	case "secret":
		return KindSecret, nil
	default:
		return KindText, fmt.Errorf("%w: got %q", ErrInvalidKind, s)
	}
}

// Field is a single credential value. It is either Text or Secret; the
// variant is fixed at construction and secret contents are only reachable
// through Reveal.
type Field struct {
	kind  Kind
	value []byte
}

// Text returns a non-sensitive field.
func Text(v string) Field {
	return Field{kind: KindText, value: []byte(v)}
}

// Secret returns a sensitive field.
func Secret(v string) Field {
	return Field{kind: KindSecret, value: []byte(v)}
}

// NewField builds a field of the given kind.
func NewField(kind Kind, v string) Field {
	if kind == KindSecret {
		return Secret(v)
	}
	return Text(v)
}

// Kind reports the field variant.
func (f Field) Kind() Kind { return f.kind }

// IsSecret reports whether the field holds sensitive data.
func (f Field) IsSecret() bool { return f.kind == KindSecret }

// Len returns the value length in bytes.
func (f Field) Len() int { return len(f.value) }

// Reveal returns the plaintext value regardless of kind. Callers that
// serialize or deliberately display a secret use this; nothing else does.
func (f Field) Reveal() string { return string(f.value) }

// TextValue returns the value of a Text field. Secret fields yield false.
func (f Field) TextValue() (string, bool) {
	if f.kind == KindSecret {
		return "", false
	}
	return string(f.value), true
}

// String implements fmt.Stringer with secrets redacted.
func (f Field) String() string {
	if f.kind == KindSecret {
		return Redacted
	}
	return string(f.value)
}

// GoString keeps %#v from printing secret bytes.
func (f Field) GoString() string {
	if f.kind == KindSecret {
		return "credential.Secret(" + Redacted + ")"
	}
	return fmt.Sprintf("credential.Text(%q)", f.value)
}

// MarshalJSON renders the field with secrets redacted.
func (f Field) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	}{Type: f.kind.String(), Value: f.String()})
}

// MarshalYAML renders the redacted form. The persistence layer uses its own
// documents and never relies on this.
func (f Field) MarshalYAML() (interface{}, error) {
	return f.String(), nil
}

// Equal compares kind and value.
func (f Field) Equal(o Field) bool {
	return f.kind == o.kind && string(f.value) == string(o.value)
}

// Clone returns a field with its own backing array.
func (f Field) Clone() Field {
	v := make([]byte, len(f.value))
	copy(v, f.value)
	return Field{kind: f.kind, value: v}
}

// Wipe zeroes the value in place.
func (f *Field) Wipe() {
	crypto.SecureWipe(f.value)
	f.value = nil
}

// fieldNameRegex validates field names: lowercase letters, numbers, underscores only (snake_case)
var fieldNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateFieldName validates a field name.
// Field names must be:
// - 1-64 characters
// - snake_case format (lowercase letters, numbers, underscores)
// - Start with a lowercase letter
func ValidateFieldName(name string) error {
	if len(name) < MinFieldNameLength {
		return ErrFieldNameTooShort
	}
	if len(name) > MaxFieldNameLength {
		return ErrFieldNameTooLong
	}
	if !fieldNameRegex.MatchString(name) {
		return fmt.Errorf("%w: got %q", ErrFieldNameInvalid, name)
	}
	return nil
}

// ValidateFieldKey is the looser rule applied to names already on disk.
func ValidateFieldKey(name string) error {
	if len(name) < MinFieldNameLength {
		return ErrFieldNameTooShort
	}
	if len(name) > MaxFieldNameLength {
		return ErrFieldNameTooLong
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: got %q", ErrFieldNameInvalid, name)
		}
	}
	return nil
}
