// Package importer converts exports of other password managers into
// credential records. Supports 1Password CSV, Bitwarden JSON and LastPass
// CSV.
package importer

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/credstore/pkg/credential"
)

// Source represents the source password manager format.
type Source string

const (
	Source1Password Source = "1password"
	SourceBitwarden Source = "bitwarden"
	SourceLastPass  Source = "lastpass"
)

// Imported is one record parsed from an export, ready for Manager.Create.
type Imported struct {
	Title string
	// Type is a built-in type name: login, note or untyped.
	Type   string
	Fields map[string]credential.Field
	Tags   []string
}

// Wipe clears the field values.
func (i *Imported) Wipe() {
	for name, f := range i.Fields {
		f.Wipe()
		i.Fields[name] = f
	}
}

// Apply copies the parsed fields and tags into a new record.
func (i *Imported) Apply(r *credential.Record) error {
	if r.Fields == nil {
		r.Fields = make(map[string]credential.Field, len(i.Fields))
	}
	for name, f := range i.Fields {
		r.Fields[name] = f.Clone()
	}
	r.Tags = credential.NormalizeTags(i.Tags)
	return nil
}

// Result contains the results of an import operation.
type Result struct {
	Records []*Imported
	// Warnings are non-fatal issues encountered during parsing. They never
	// contain field values.
	Warnings []string
	Skipped  []SkippedItem
}

// Wipe clears every parsed value.
func (r *Result) Wipe() {
	for _, rec := range r.Records {
		rec.Wipe()
	}
}

// SkippedItem represents an item that was skipped during import.
type SkippedItem struct {
	OriginalName string
	Reason       string
}

// Parser is the interface for export format parsers.
type Parser interface {
	Parse(data []byte) (*Result, error)
	Source() Source
}

var fieldNameRegex = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeFieldName turns a free-form label into a snake_case field name.
// It returns "" when nothing usable is left.
func SanitizeFieldName(name string) string {
	name = strings.ToLower(norm.NFC.String(name))
	name = fieldNameRegex.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		return ""
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "f_" + name
	}
	if len(name) > credential.MaxFieldNameLength {
		name = strings.TrimRight(name[:credential.MaxFieldNameLength], "_")
	}
	return name
}

// Title normalizes name into a record title, falling back to the URL's
// hostname or imported_item_N.
func Title(name, url string, counter *int) string {
	title := credential.NormalizeTitle(name)
	if title == "" {
		title = FallbackTitle(url, *counter)
		*counter++
	}
	return truncate(title, credential.MaxTitleLength)
}

// FallbackTitle is used when the original name is empty: the first URL
// hostname, or imported_item_N.
func FallbackTitle(url string, counter int) string {
	if url != "" {
		if hostname := extractHostname(url); hostname != "" {
			return hostname
		}
	}
	return fmt.Sprintf("imported_item_%d", counter)
}

func extractHostname(urlStr string) string {
	urlStr = strings.TrimPrefix(urlStr, "https://")
	urlStr = strings.TrimPrefix(urlStr, "http://")
	if idx := strings.Index(urlStr, "/"); idx != -1 {
		urlStr = urlStr[:idx]
	}
	if idx := strings.Index(urlStr, ":"); idx != -1 {
		urlStr = urlStr[:idx]
	}
	return strings.TrimPrefix(urlStr, "www.")
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// cleanTags drops tags the credential model would reject.
func cleanTags(tags []string) []string {
	var out []string
	for _, t := range credential.NormalizeTags(tags) {
		if credential.ValidateTag(t) == nil {
			out = append(out, t)
		}
	}
	return out
}

// DecodeHTMLEntities decodes common HTML entities found in LastPass exports.
func DecodeHTMLEntities(s string) string {
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", "\"")
	s = strings.ReplaceAll(s, "&#39;", "'")
	s = strings.ReplaceAll(s, "&apos;", "'")
	return s
}

// IsEmptyOrWhitespace checks if a string is empty or contains only whitespace.
func IsEmptyOrWhitespace(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// fieldSet accumulates fields, skipping blank values and keeping the
// first value for a repeated name.
type fieldSet map[string]credential.Field

func (fs fieldSet) text(name, value string) {
	if !IsEmptyOrWhitespace(value) {
		if _, ok := fs[name]; !ok {
			fs[name] = credential.Text(value)
		}
	}
}

func (fs fieldSet) secret(name, value string) {
	if !IsEmptyOrWhitespace(value) {
		if _, ok := fs[name]; !ok {
			fs[name] = credential.Secret(value)
		}
	}
}

// loginType picks login when the fields fit its template.
func loginType(fs fieldSet) string {
	_, user := fs["username"]
	_, pass := fs["password"]
	if user || pass {
		return "login"
	}
	return credential.UntypedName
}

// GetParser returns a parser for the given source.
func GetParser(source Source) (Parser, error) {
	switch source {
	case Source1Password:
		return &OnePasswordParser{}, nil
	case SourceBitwarden:
		return &BitwardenParser{}, nil
	case SourceLastPass:
		return &LastPassParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported import source: %s", source)
	}
}

// ValidSources returns a list of valid source names.
func ValidSources() []string {
	return []string{
		string(Source1Password),
		string(SourceBitwarden),
		string(SourceLastPass),
	}
}
