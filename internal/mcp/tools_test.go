package mcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/credstore/pkg/credential"
	"github.com/forest6511/credstore/pkg/repository"
)

func TestMaskValue(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected string
		length   int
	}{
		{"empty value", "", "", 0},
		// Length 1-4: all asterisks
		{"1 character", "a", "*", 1},
		{"4 characters", "abcd", "****", 4},
		// Length 5-8: show last 2
		{"5 characters", "abcde", "***de", 5},
		{"8 characters", "abcdefgh", "******gh", 8},
		// Length 9+: show last 4
		{"9 characters", "abcdefghi", "*****fghi", 9},
		{"api key", "sk-proj-abcdefWXYZ", "**************WXYZ", 18},
		// Counted in characters, not bytes
		{"multibyte", "パスワード123456", "*******3456", 11},
		{"multibyte short", "秘密の鍵", "****", 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, n := maskValue(tt.value)
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, tt.length, n)
		})
	}
}

func TestCredentialInfo(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	info := credentialInfo(credential.Summary{
		ID:    "abc",
		Title: "GitHub",
		Type:  "login",
		Tags:  []string{"work"},
		FieldKinds: map[string]credential.Kind{
			"username": credential.KindText,
			"password": credential.KindSecret,
			"url":      credential.KindText,
		},
		HasNotes:  true,
		CreatedAt: created,
		UpdatedAt: created.Add(time.Hour),
	})

	assert.Equal(t, "2025-03-01T12:00:00Z", info.CreatedAt)
	assert.Equal(t, "2025-03-01T13:00:00Z", info.UpdatedAt)
	assert.Equal(t, []FieldInfo{{"password", true}, {"url", false}, {"username", false}}, info.Fields)
}

func TestIssueInfos(t *testing.T) {
	got := issueInfos([]repository.Issue{{
		Severity:    repository.Critical,
		Category:    repository.DuplicateID,
		Path:        "credentials/b",
		RecordID:    "a",
		Description: "id a already used by credentials/a",
	}})
	require.Len(t, got, 1)
	assert.Equal(t, "critical", got[0].Severity)
	assert.Equal(t, "DuplicateId", got[0].Category)
	assert.Equal(t, "a", got[0].RecordID)

	out := issueInfos(nil)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}
