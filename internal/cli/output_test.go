package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/forest6511/credstore/pkg/credential"
	"github.com/forest6511/credstore/pkg/repository"
	"github.com/forest6511/credstore/pkg/session"
)

func init() {
	color.NoColor = true
}

func TestPrintRecordRedactsUnlessRevealed(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &credential.Record{
		ID: "abc", Title: "GitHub", Type: "login",
		Fields: map[string]credential.Field{
			"username": credential.Text("alice"),
			"password": credential.Secret("hunter2"),
		},
		Tags:      []string{"work"},
		CreatedAt: now, UpdatedAt: now,
	}

	var buf bytes.Buffer
	PrintRecord(&buf, rec, false)
	assert.NotContains(t, buf.String(), "hunter2", "secret printed without reveal")
	assert.Contains(t, buf.String(), "username: alice")

	buf.Reset()
	PrintRecord(&buf, rec, true)
	assert.Contains(t, buf.String(), "password: hunter2")
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	PrintReport(&buf, nil)
	assert.Contains(t, buf.String(), "No validation")

	buf.Reset()
	PrintReport(&buf, &session.OpenReport{Scan: &repository.Report{}})
	assert.Contains(t, buf.String(), "consistent")

	missing := repository.Issue{
		Severity: repository.Warning, Category: repository.MissingDirectory,
		Path: "types", Repairable: true, Description: "directory is missing",
	}
	buf.Reset()
	PrintReport(&buf, &session.OpenReport{
		Scan:     &repository.Report{Issues: []repository.Issue{missing}},
		Repair:   &repository.RepairResult{Applied: []repository.Issue{missing}},
		Excluded: []string{"credentials/x"},
	})
	out := buf.String()
	for _, want := range []string{"Issues found: 1", "MissingDirectory", "(repairable)", "Repaired: 1", "credentials/x"} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "Skipped")
}

func TestPrintReportSkippedOnly(t *testing.T) {
	corrupt := repository.Issue{
		Severity: repository.Critical, Category: repository.SchemaError,
		Path: "credentials/x/record.yml", Description: "invalid YAML",
	}
	var buf bytes.Buffer
	PrintReport(&buf, &session.OpenReport{
		Scan:     &repository.Report{Issues: []repository.Issue{corrupt}},
		Repair:   &repository.RepairResult{Skipped: []repository.Issue{corrupt}},
		Excluded: []string{"credentials/x"},
	})
	out := buf.String()
	assert.Contains(t, out, "Skipped: 1")
	assert.NotContains(t, out, "Repaired:")
}

func TestPrintSummaries(t *testing.T) {
	var buf bytes.Buffer
	PrintSummaries(&buf, nil)
	assert.Contains(t, buf.String(), "No credentials")

	buf.Reset()
	PrintSummaries(&buf, []credential.Summary{{ID: "abc", Title: "GitHub", Type: "login", Tags: []string{"work"}}})
	assert.Contains(t, buf.String(), "GitHub")
	assert.Contains(t, buf.String(), "[work]")
}
