package repository

import (
	"fmt"
	"strings"
)

// Severity of a validation issue.
type Severity int

const (
	Warning Severity = iota
	Critical
)

func (s Severity) String() string {
	if s == Critical {
		return "critical"
	}
	return "warning"
}

// MarshalText renders the severity by name.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Category classifies a validation issue.
type Category int

const (
	MissingDirectory Category = iota
	MissingMetadata
	LegacyFormat
	SchemaError
	DuplicateID
	OrphanedTypeReference
	CountMismatch
)

var categoryNames = [...]string{
	MissingDirectory:      "MissingDirectory",
	MissingMetadata:       "MissingMetadata",
	LegacyFormat:          "LegacyFormat",
	SchemaError:           "SchemaError",
	DuplicateID:           "DuplicateId",
	OrphanedTypeReference: "OrphanedTypeReference",
	CountMismatch:         "CountMismatch",
}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// MarshalText renders the category by name.
func (c Category) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// Issue is one finding of a scan. Path is slash-separated and relative to
// the tree root. Descriptions name paths and ids, never field values.
type Issue struct {
	Severity    Severity `json:"severity"`
	Category    Category `json:"category"`
	Path        string   `json:"path"`
	RecordID    string   `json:"record_id,omitempty"`
	Repairable  bool     `json:"repairable"`
	Description string   `json:"description"`
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s %s: %s", i.Severity, i.Category, i.Path, i.Description)
}

// RecordLevel reports whether the issue concerns a single entry under
// credentials/ rather than the repository as a whole.
func (i Issue) RecordLevel() bool {
	return i.Category == SchemaError && strings.HasPrefix(i.Path, CredentialsDir+"/")
}

// Report is the result of a scan.
type Report struct {
	Issues []Issue `json:"issues"`
	Fatal  bool    `json:"fatal"`

	// Excluded lists credentials/ entries left out of the model: records
	// with a record-level Critical issue and unrecognised entries. Saves
	// carry them over unchanged.
	Excluded []string `json:"excluded,omitempty"`

	// RecordCount is the number of valid records found.
	RecordCount int `json:"record_count"`
}

func (r *Report) add(is Issue) {
	r.Issues = append(r.Issues, is)
	if is.Severity == Critical {
		r.Fatal = true
	}
}

// Clean reports whether the scan found nothing at all.
func (r *Report) Clean() bool { return len(r.Issues) == 0 }

// Criticals returns the Critical issues.
func (r *Report) Criticals() []Issue { return r.filter(func(i Issue) bool { return i.Severity == Critical }) }

// Repairable returns the issues the repair engine will attempt.
func (r *Report) Repairable() []Issue { return r.filter(func(i Issue) bool { return i.Repairable }) }

// ByCategory returns the issues of one category.
func (r *Report) ByCategory(c Category) []Issue {
	return r.filter(func(i Issue) bool { return i.Category == c })
}

// OnlyRecordCriticals reports whether every Critical issue is confined to a
// single record, so excluding those records leaves a consistent repository.
func (r *Report) OnlyRecordCriticals() bool {
	for _, is := range r.Issues {
		if is.Severity == Critical && !is.RecordLevel() {
			return false
		}
	}
	return true
}

func (r *Report) filter(keep func(Issue) bool) []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if keep(is) {
			out = append(out, is)
		}
	}
	return out
}

// Counts summarises a report for display.
type Counts struct {
	Critical   int `json:"critical"`
	Warning    int `json:"warning"`
	Repairable int `json:"repairable"`
}

// Counts tallies the report.
func (r *Report) Counts() Counts {
	var c Counts
	for _, is := range r.Issues {
		if is.Severity == Critical {
			c.Critical++
		} else {
			c.Warning++
		}
		if is.Repairable {
			c.Repairable++
		}
	}
	return c
}
