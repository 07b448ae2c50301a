package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/forest6511/credstore/pkg/credential"
	"github.com/forest6511/credstore/pkg/repository"
	"github.com/forest6511/credstore/pkg/security"
	"github.com/forest6511/credstore/pkg/session"
)

var (
	critical = color.New(color.FgRed, color.Bold)
	warning  = color.New(color.FgYellow)
	success  = color.New(color.FgGreen)
	faint    = color.New(color.Faint)
)

// PrintIssues writes one line per issue, critical ones in red.
func PrintIssues(w io.Writer, issues []repository.Issue) {
	for _, is := range issues {
		c := warning
		if is.Severity == repository.Critical {
			c = critical
		}
		c.Fprintf(w, "  %-8s", is.Severity)
		fmt.Fprintf(w, " %-21s %s", is.Category, is.Path)
		if is.Repairable {
			faint.Fprint(w, " (repairable)")
		}
		fmt.Fprintf(w, "\n           %s\n", is.Description)
	}
}

// PrintReport summarises an open report.
func PrintReport(w io.Writer, r *session.OpenReport) {
	if r == nil {
		fmt.Fprintln(w, "No validation has run.")
		return
	}
	if r.Scan != nil && r.Scan.Clean() {
		success.Fprintln(w, "Repository is consistent.")
		return
	}

	c := r.Counts()
	fmt.Fprintf(w, "Issues found: %d (critical: %d)\n", c.Found, c.Critical)
	if r.Scan != nil {
		PrintIssues(w, r.Scan.Issues)
	}
	if c.Repaired > 0 {
		success.Fprintf(w, "Repaired: %d\n", c.Repaired)
		PrintIssues(w, r.Repair.Applied)
	}
	if c.Skipped > 0 {
		warning.Fprintf(w, "Skipped: %d\n", c.Skipped)
	}
	if c.Excluded > 0 {
		warning.Fprintf(w, "Excluded from the model (kept on disk): %s\n", strings.Join(r.Excluded, ", "))
	}
}

// PrintSummaries writes a listing table.
func PrintSummaries(w io.Writer, summaries []credential.Summary) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No credentials found.")
		return
	}
	fmt.Fprintf(w, "%-36s  %-10s  %s\n", "ID", "TYPE", "TITLE")
	for _, s := range summaries {
		fmt.Fprintf(w, "%-36s  %-10s  %s", s.ID, s.Type, s.Title)
		if len(s.Tags) > 0 {
			faint.Fprintf(w, "  [%s]", strings.Join(s.Tags, ", "))
		}
		fmt.Fprintln(w)
	}
}

// PrintRecord writes a record. Secret values are shown only when reveal is
// set; otherwise the field's String form is printed, which redacts them.
func PrintRecord(w io.Writer, r *credential.Record, reveal bool) {
	fmt.Fprintf(w, "ID:      %s\n", r.ID)
	fmt.Fprintf(w, "Title:   %s\n", r.Title)
	fmt.Fprintf(w, "Type:    %s\n", r.Type)
	if len(r.Tags) > 0 {
		fmt.Fprintf(w, "Tags:    %s\n", strings.Join(r.Tags, ", "))
	}
	fmt.Fprintf(w, "Created: %s\n", r.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Updated: %s\n", r.UpdatedAt.Format("2006-01-02 15:04:05"))
	if len(r.Fields) > 0 {
		fmt.Fprintln(w, "Fields:")
		for _, name := range r.FieldNames() {
			f := r.Fields[name]
			value := f.String()
			if reveal && f.IsSecret() {
				value = f.Reveal()
			}
			fmt.Fprintf(w, "  %s: %s\n", name, value)
		}
	}
	if r.Notes != "" {
		fmt.Fprintf(w, "Notes:\n  %s\n", strings.ReplaceAll(r.Notes, "\n", "\n  "))
	}
}

// PrintScore writes a health report.
func PrintScore(w io.Writer, s *security.SecurityScore) {
	c := success
	switch {
	case s.Overall < 50:
		c = critical
	case s.Overall < 80:
		c = warning
	}
	c.Fprintf(w, "Security score: %d/100\n", s.Overall)
	fmt.Fprintf(w, "  strength %d/35  uniqueness %d/35  coverage %d/30  (%d secrets rated)\n",
		s.Components.StrengthScore, s.Components.UniquenessScore, s.Components.CoverageScore, s.Rated)
	for _, is := range s.Issues {
		ic := faint
		switch is.Severity {
		case security.SeverityCritical:
			ic = critical
		case security.SeverityWarning:
			ic = warning
		}
		ic.Fprintf(w, "  %-8s", is.Severity)
		fmt.Fprintf(w, " %s", is.Description)
		if is.CredentialID != "" {
			fmt.Fprintf(w, " (%s", is.CredentialID)
			if is.FieldName != "" {
				fmt.Fprintf(w, ".%s", is.FieldName)
			}
			fmt.Fprint(w, ")")
		}
		fmt.Fprintln(w)
	}
	for _, hint := range s.Suggestions {
		fmt.Fprintf(w, "  - %s\n", hint)
	}
}
