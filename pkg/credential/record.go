package credential

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Record limits
const (
	MaxIDLength    = 128
	MaxTitleLength = 256
	MaxTagLength   = 128
	MaxNotesSize   = 64 * 1024
)

// Record errors
var (
	ErrNotFound      = errors.New("credential: not found")
	ErrTitleRequired = errors.New("credential: title must not be blank")
	ErrTitleTooLong  = errors.New("credential: title too long")
	ErrIDInvalid     = errors.New("credential: invalid id")
	ErrIDImmutable   = errors.New("credential: id and created_at are immutable")
	ErrTagInvalid    = errors.New("credential: invalid tag")
	ErrNotesTooLarge = errors.New("credential: notes too large")
)

// Record is one credential entry.
type Record struct {
	ID        string
	Title     string
	Type      string
	Fields    map[string]Field
	Tags      []string // sorted, unique
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Summary is the listing view of a record. It carries field names and
// kinds but no values.
type Summary struct {
	ID         string
	Title      string
	Type       string
	Tags       []string
	FieldKinds map[string]Kind
	HasNotes   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Summary returns the value-free view of r.
func (r *Record) Summary() Summary {
	kinds := make(map[string]Kind, len(r.Fields))
	for name, f := range r.Fields {
		kinds[name] = f.Kind()
	}
	return Summary{
		ID:         r.ID,
		Title:      r.Title,
		Type:       r.Type,
		Tags:       append([]string(nil), r.Tags...),
		FieldKinds: kinds,
		HasNotes:   r.Notes != "",
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

// FieldNames returns the field names in sorted order.
func (r *Record) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasTag reports whether the record carries tag.
func (r *Record) HasTag(tag string) bool { return hasTag(r.Tags, tag) }

// HasTag reports whether the summarized record carries tag.
func (s Summary) HasTag(tag string) bool { return hasTag(s.Tags, tag) }

// hasTag searches a normalized tag set.
func hasTag(tags []string, tag string) bool {
	tag = strings.TrimSpace(norm.NFC.String(tag))
	i := sort.SearchStrings(tags, tag)
	return i < len(tags) && tags[i] == tag
}

// AddTag adds a tag, keeping the set normalized.
func (r *Record) AddTag(tag string) {
	r.Tags = NormalizeTags(append(r.Tags, tag))
}

// RemoveTag drops a tag if present.
func (r *Record) RemoveTag(tag string) {
	tag = strings.TrimSpace(norm.NFC.String(tag))
	out := r.Tags[:0]
	for _, t := range r.Tags {
		if t != tag {
			out = append(out, t)
		}
	}
	r.Tags = out
}

// Clone returns a deep copy with independent secret buffers.
func (r *Record) Clone() *Record {
	c := *r
	c.Tags = append([]string(nil), r.Tags...)
	c.Fields = make(map[string]Field, len(r.Fields))
	for name, f := range r.Fields {
		c.Fields[name] = f.Clone()
	}
	return &c
}

// Wipe zeroes every field value.
func (r *Record) Wipe() {
	for name, f := range r.Fields {
		f.Wipe()
		delete(r.Fields, name)
	}
}

// Equal compares two records field by field.
func (r *Record) Equal(o *Record) bool {
	if r.ID != o.ID || r.Title != o.Title || r.Type != o.Type || r.Notes != o.Notes ||
		!r.CreatedAt.Equal(o.CreatedAt) || !r.UpdatedAt.Equal(o.UpdatedAt) ||
		len(r.Fields) != len(o.Fields) || len(r.Tags) != len(o.Tags) {
		return false
	}
	for i := range r.Tags {
		if r.Tags[i] != o.Tags[i] {
			return false
		}
	}
	for name, f := range r.Fields {
		g, ok := o.Fields[name]
		if !ok || !f.Equal(g) {
			return false
		}
	}
	return true
}

var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateID checks that id is usable as a directory name.
func ValidateID(id string) error {
	if len(id) == 0 || len(id) > MaxIDLength || !idRegex.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrIDInvalid, id)
	}
	return nil
}

// NormalizeTitle applies NFC and trims surrounding space.
func NormalizeTitle(title string) string {
	return strings.TrimSpace(norm.NFC.String(title))
}

// NormalizeTags returns the tag set sorted and deduplicated. Blank tags are
// dropped.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(norm.NFC.String(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// ValidateTag checks a single tag.
func ValidateTag(tag string) error {
	if tag == "" || len(tag) > MaxTagLength {
		return fmt.Errorf("%w: %q", ErrTagInvalid, tag)
	}
	for _, r := range tag {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: %q", ErrTagInvalid, tag)
		}
	}
	return nil
}

// Validate checks the record invariants that hold for every stored record.
// Field names are checked with the relaxed on-disk rule; new names are
// checked separately by the Model.
func (r *Record) Validate() error {
	if err := ValidateID(r.ID); err != nil {
		return err
	}
	if strings.TrimSpace(r.Title) == "" {
		return ErrTitleRequired
	}
	if len(r.Title) > MaxTitleLength {
		return ErrTitleTooLong
	}
	if r.Type == "" {
		return ErrUnknownType
	}
	if len(r.Fields) > MaxFieldCount {
		return fmt.Errorf("%w: has %d fields (max %d)", ErrTooManyFields, len(r.Fields), MaxFieldCount)
	}
	for name, f := range r.Fields {
		if err := ValidateFieldKey(name); err != nil {
			return err
		}
		if f.Len() > MaxFieldValueSize {
			return fmt.Errorf("%w: field %q exceeds %d bytes", ErrFieldValueTooLarge, name, MaxFieldValueSize)
		}
	}
	for _, t := range r.Tags {
		if err := ValidateTag(t); err != nil {
			return err
		}
	}
	if len(r.Notes) > MaxNotesSize {
		return ErrNotesTooLarge
	}
	if r.UpdatedAt.Before(r.CreatedAt) {
		return fmt.Errorf("credential: updated_at %s precedes created_at %s",
			r.UpdatedAt.Format(time.RFC3339), r.CreatedAt.Format(time.RFC3339))
	}
	return nil
}
