package mcp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/credstore/pkg/audit"
	"github.com/forest6511/credstore/pkg/credential"
	"github.com/forest6511/credstore/pkg/repository"
)

// CredentialListInput represents input for credential_list tool.
type CredentialListInput struct {
	Tag  string `json:"tag,omitempty"`
	Type string `json:"type,omitempty"`
}

// CredentialListOutput represents output for credential_list and
// credential_search.
type CredentialListOutput struct {
	Credentials []CredentialInfo `json:"credentials"`
}

// CredentialInfo is the value-free view of a credential.
type CredentialInfo struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Type      string      `json:"type"`
	Tags      []string    `json:"tags,omitempty"`
	Fields    []FieldInfo `json:"fields,omitempty"`
	HasNotes  bool        `json:"has_notes"`
	CreatedAt string      `json:"created_at"`
	UpdatedAt string      `json:"updated_at"`
}

// FieldInfo names a field and whether it is secret.
type FieldInfo struct {
	Name      string `json:"name"`
	Sensitive bool   `json:"sensitive"`
}

// CredentialExistsInput represents input for credential_exists tool.
type CredentialExistsInput struct {
	ID string `json:"id"`
}

// CredentialExistsOutput represents output for credential_exists tool.
type CredentialExistsOutput struct {
	Exists     bool            `json:"exists"`
	ID         string          `json:"id"`
	Credential *CredentialInfo `json:"credential,omitempty"`
}

// CredentialGetMaskedInput represents input for credential_get_masked tool.
// Field limits the output to one field.
type CredentialGetMaskedInput struct {
	ID    string `json:"id"`
	Field string `json:"field,omitempty"`
}

// CredentialGetMaskedOutput represents output for credential_get_masked tool.
type CredentialGetMaskedOutput struct {
	ID     string        `json:"id"`
	Title  string        `json:"title"`
	Fields []MaskedField `json:"fields"`
}

// MaskedField carries a text value verbatim or a masked secret.
type MaskedField struct {
	Name        string `json:"name"`
	Sensitive   bool   `json:"sensitive"`
	Value       string `json:"value"`
	ValueLength int    `json:"value_length"`
}

// CredentialSearchInput represents input for credential_search tool.
type CredentialSearchInput struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// ValidationReportInput represents input for validation_report tool.
type ValidationReportInput struct{}

// ValidationReportOutput represents output for validation_report tool.
type ValidationReportOutput struct {
	Available bool        `json:"available"`
	Found     int         `json:"found"`
	Critical  int         `json:"critical"`
	Repaired  int         `json:"repaired"`
	Skipped   int         `json:"skipped"`
	Issues    []IssueInfo `json:"issues,omitempty"`
	Applied   []IssueInfo `json:"applied,omitempty"`
	Excluded  []string    `json:"excluded,omitempty"`
}

// IssueInfo is one validation finding.
type IssueInfo struct {
	Severity    string `json:"severity"`
	Category    string `json:"category"`
	Path        string `json:"path"`
	RecordID    string `json:"record_id,omitempty"`
	Repairable  bool   `json:"repairable"`
	Description string `json:"description"`
}

// handleCredentialList handles the credential_list tool call.
func (s *Server) handleCredentialList(_ context.Context, _ *mcp.CallToolRequest, input CredentialListInput) (*mcp.CallToolResult, CredentialListOutput, error) {
	if err := s.allow(ToolCredentialList); err != nil {
		return nil, CredentialListOutput{}, err
	}
	summaries, err := s.session.List()
	if err != nil {
		return nil, CredentialListOutput{}, fmt.Errorf("failed to list credentials: %w", err)
	}

	output := CredentialListOutput{Credentials: make([]CredentialInfo, 0, len(summaries))}
	for _, sum := range summaries {
		if !s.policy.Visible(sum) {
			continue
		}
		if input.Tag != "" && !slices.Contains(sum.Tags, input.Tag) {
			continue
		}
		if input.Type != "" && sum.Type != input.Type {
			continue
		}
		output.Credentials = append(output.Credentials, credentialInfo(sum))
	}
	s.session.RecordAccess(audit.OpCredentialList, "")
	return nil, output, nil
}

// handleCredentialExists handles the credential_exists tool call.
func (s *Server) handleCredentialExists(_ context.Context, _ *mcp.CallToolRequest, input CredentialExistsInput) (*mcp.CallToolResult, CredentialExistsOutput, error) {
	if err := s.allow(ToolCredentialExists); err != nil {
		return nil, CredentialExistsOutput{}, err
	}
	if input.ID == "" {
		return nil, CredentialExistsOutput{}, errors.New("id is required")
	}

	rec, err := s.visibleRecord(input.ID)
	if errors.Is(err, credential.ErrNotFound) {
		return nil, CredentialExistsOutput{Exists: false, ID: input.ID}, nil
	}
	if err != nil {
		return nil, CredentialExistsOutput{}, fmt.Errorf("failed to get credential: %w", err)
	}
	defer rec.Wipe()

	info := credentialInfo(rec.Summary())
	s.session.RecordAccess(audit.OpCredentialExists, input.ID)
	return nil, CredentialExistsOutput{Exists: true, ID: input.ID, Credential: &info}, nil
}

// handleCredentialGetMasked handles the credential_get_masked tool call.
func (s *Server) handleCredentialGetMasked(_ context.Context, _ *mcp.CallToolRequest, input CredentialGetMaskedInput) (*mcp.CallToolResult, CredentialGetMaskedOutput, error) {
	if err := s.allow(ToolCredentialGetMasked); err != nil {
		return nil, CredentialGetMaskedOutput{}, err
	}
	if input.ID == "" {
		return nil, CredentialGetMaskedOutput{}, errors.New("id is required")
	}

	rec, err := s.visibleRecord(input.ID)
	if err != nil {
		return nil, CredentialGetMaskedOutput{}, fmt.Errorf("failed to get credential: %w", err)
	}
	defer rec.Wipe()

	names := rec.FieldNames()
	if input.Field != "" {
		if _, ok := rec.Fields[input.Field]; !ok {
			return nil, CredentialGetMaskedOutput{}, fmt.Errorf("field '%s' not found in credential '%s'", input.Field, input.ID)
		}
		names = []string{input.Field}
	}

	output := CredentialGetMaskedOutput{
		ID:     rec.ID,
		Title:  rec.Title,
		Fields: make([]MaskedField, 0, len(names)),
	}
	for _, name := range names {
		f := rec.Fields[name]
		mf := MaskedField{Name: name, Sensitive: f.IsSecret()}
		if v, ok := f.TextValue(); ok {
			mf.Value = v
			mf.ValueLength = len([]rune(v))
		} else {
			mf.Value, mf.ValueLength = maskValue(f.Reveal())
		}
		output.Fields = append(output.Fields, mf)
	}
	s.session.RecordAccess(audit.OpCredentialGetMasked, input.ID)
	return nil, output, nil
}

// handleCredentialSearch handles the credential_search tool call.
func (s *Server) handleCredentialSearch(ctx context.Context, _ *mcp.CallToolRequest, input CredentialSearchInput) (*mcp.CallToolResult, CredentialListOutput, error) {
	if err := s.allow(ToolCredentialSearch); err != nil {
		return nil, CredentialListOutput{}, err
	}
	if strings.TrimSpace(input.Query) == "" {
		return nil, CredentialListOutput{}, errors.New("query is required")
	}
	if input.Limit < 0 || input.Limit > 500 {
		return nil, CredentialListOutput{}, errors.New("limit must be between 0 and 500")
	}

	summaries, err := s.session.Search(ctx, input.Query, input.Limit)
	if err != nil {
		return nil, CredentialListOutput{}, fmt.Errorf("failed to search credentials: %w", err)
	}
	output := CredentialListOutput{Credentials: make([]CredentialInfo, 0, len(summaries))}
	for _, sum := range summaries {
		if s.policy.Visible(sum) {
			output.Credentials = append(output.Credentials, credentialInfo(sum))
		}
	}
	s.session.RecordAccess(audit.OpCredentialSearch, "")
	return nil, output, nil
}

// handleValidationReport handles the validation_report tool call.
func (s *Server) handleValidationReport(_ context.Context, _ *mcp.CallToolRequest, _ ValidationReportInput) (*mcp.CallToolResult, ValidationReportOutput, error) {
	if err := s.allow(ToolValidationReport); err != nil {
		return nil, ValidationReportOutput{}, err
	}
	report := s.session.LastValidationReport()
	if report == nil {
		return nil, ValidationReportOutput{}, nil
	}

	c := report.Counts()
	output := ValidationReportOutput{
		Available: true,
		Found:     c.Found,
		Critical:  c.Critical,
		Repaired:  c.Repaired,
		Skipped:   c.Skipped,
		Excluded:  report.Excluded,
	}
	if report.Scan != nil {
		output.Issues = issueInfos(report.Scan.Issues)
	}
	if report.Repair != nil {
		output.Applied = issueInfos(report.Repair.Applied)
	}
	return nil, output, nil
}

// visibleRecord returns a copy of the record, or ErrNotFound when the
// policy hides it.
func (s *Server) visibleRecord(id string) (*credential.Record, error) {
	rec, err := s.session.Get(id)
	if err != nil {
		return nil, err
	}
	if !s.policy.Visible(rec.Summary()) {
		rec.Wipe()
		return nil, credential.ErrNotFound
	}
	return rec, nil
}

func credentialInfo(sum credential.Summary) CredentialInfo {
	info := CredentialInfo{
		ID:        sum.ID,
		Title:     sum.Title,
		Type:      sum.Type,
		Tags:      sum.Tags,
		HasNotes:  sum.HasNotes,
		CreatedAt: sum.CreatedAt.Format(time.RFC3339),
		UpdatedAt: sum.UpdatedAt.Format(time.RFC3339),
	}
	for name, kind := range sum.FieldKinds {
		info.Fields = append(info.Fields, FieldInfo{Name: name, Sensitive: kind == credential.KindSecret})
	}
	slices.SortFunc(info.Fields, func(a, b FieldInfo) int { return strings.Compare(a.Name, b.Name) })
	return info
}

func issueInfos(issues []repository.Issue) []IssueInfo {
	out := make([]IssueInfo, 0, len(issues))
	for _, is := range issues {
		out = append(out, IssueInfo{
			Severity:    is.Severity.String(),
			Category:    is.Category.String(),
			Path:        is.Path,
			RecordID:    is.RecordID,
			Repairable:  is.Repairable,
			Description: is.Description,
		})
	}
	return out
}

// maskValue masks a secret and returns it with its length in characters.
//
//	| Length | Format      | Example  |
//	|--------|-------------|----------|
//	| 1-4    | All *       | ****     |
//	| 5-8    | Show last 2 | ******XY |
//	| 9+     | Show last 4 | ****WXYZ |
func maskValue(value string) (string, int) {
	runes := []rune(value)
	length := len(runes)
	switch {
	case length == 0:
		return "", 0
	case length <= 4:
		return strings.Repeat("*", length), length
	case length <= 8:
		return strings.Repeat("*", length-2) + string(runes[length-2:]), length
	default:
		return strings.Repeat("*", length-4) + string(runes[length-4:]), length
	}
}
