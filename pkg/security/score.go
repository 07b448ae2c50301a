package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/forest6511/credstore/pkg/credential"
)

// SecurityScore is the health assessment of a set of records.
type SecurityScore struct {
	// Overall is the total score (0-100).
	Overall     int              `json:"overall"`
	Components  ScoreComponents  `json:"components"`
	Issues      []SecurityIssue  `json:"issues"`
	Duplicates  []DuplicateGroup `json:"duplicates,omitempty"`
	Suggestions []string         `json:"suggestions,omitempty"`
	// Rated is the number of secret fields that were rated.
	Rated int `json:"rated"`
}

// ScoreComponents splits the score. Strength and uniqueness are worth up to
// 35 points each, coverage up to 30.
type ScoreComponents struct {
	StrengthScore   int `json:"strength"`
	UniquenessScore int `json:"uniqueness"`
	CoverageScore   int `json:"coverage"`
}

// IssueType identifies the type of security issue.
type IssueType string

const (
	IssueWeakPassword      IssueType = "weak"
	IssueDuplicatePassword IssueType = "duplicate"
	IssueMissingField      IssueType = "missing_field"
)

// Severity indicates the urgency of a security issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// SecurityIssue is one finding. It names records and fields, never values.
type SecurityIssue struct {
	Type         IssueType `json:"type"`
	Severity     Severity  `json:"severity"`
	CredentialID string    `json:"credential_id,omitempty"`
	FieldName    string    `json:"field_name,omitempty"`
	Description  string    `json:"description"`
	Suggestion   string    `json:"suggestion,omitempty"`
}

// DuplicateGroup is a set of secret fields sharing one value.
type DuplicateGroup struct {
	CredentialIDs []string `json:"credential_ids"`
	FieldNames    []string `json:"field_names"`
	Count         int      `json:"count"`
}

// Calculator scores records. Each Calculator holds a random key used to
// compare secrets by HMAC, so no comparison digest outlives it.
type Calculator struct {
	hmacKey []byte
	types   map[string]*credential.TypeDefinition
}

// NewCalculator creates a calculator that checks required fields against
// types.
func NewCalculator(types []*credential.TypeDefinition) (*Calculator, error) {
	key := make([]byte, sha256.Size)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("security: generate comparison key: %w", err)
	}
	c := &Calculator{hmacKey: key, types: make(map[string]*credential.TypeDefinition, len(types))}
	for _, t := range types {
		c.types[t.Name] = t
	}
	return c, nil
}

// CalculateScore rates every secret field of records.
func (c *Calculator) CalculateScore(records []*credential.Record) *SecurityScore {
	score := &SecurityScore{}

	strengthPoints, rated, weak := c.strength(records)
	score.Rated = rated
	score.Issues = append(score.Issues, weak...)

	groups := c.FindDuplicates(records)
	score.Duplicates = groups
	duplicated := 0
	for _, g := range groups {
		duplicated += g.Count
		score.Issues = append(score.Issues, SecurityIssue{
			Type:        IssueDuplicatePassword,
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("same secret used in %d fields: %s", g.Count, strings.Join(g.CredentialIDs, ", ")),
			Suggestion:  "use a distinct secret for each account",
		})
	}

	missing, required := c.coverage(records)
	score.Issues = append(score.Issues, missing...)

	score.Components.StrengthScore = 35
	score.Components.UniquenessScore = 35
	if rated > 0 {
		score.Components.StrengthScore = strengthPoints * 35 / (rated * PasswordStrong.Points())
		score.Components.UniquenessScore = (rated - duplicated) * 35 / rated
	}
	score.Components.CoverageScore = 30
	if required > 0 {
		score.Components.CoverageScore = (required - len(missing)) * 30 / required
	}
	score.Overall = score.Components.StrengthScore + score.Components.UniquenessScore + score.Components.CoverageScore
	score.Suggestions = suggestions(score.Issues)
	return score
}

func (c *Calculator) strength(records []*credential.Record) (points, rated int, issues []SecurityIssue) {
	for _, rec := range records {
		for _, name := range rec.FieldNames() {
			f := rec.Fields[name]
			if !f.IsSecret() || f.Len() == 0 || !Rated(name) {
				continue
			}
			rated++
			s := CalculateFieldStrength(f.Reveal(), name)
			points += s.Points()
			if s == PasswordWeak {
				issues = append(issues, SecurityIssue{
					Type:         IssueWeakPassword,
					Severity:     SeverityWarning,
					CredentialID: rec.ID,
					FieldName:    name,
					Description:  "secret has insufficient strength",
					Suggestion:   "use a longer secret (14+ characters for passwords, 32+ for API keys)",
				})
			}
		}
	}
	return points, rated, issues
}

// FindDuplicates groups rated secret fields by value. Groups are ordered by
// size, largest first.
func (c *Calculator) FindDuplicates(records []*credential.Record) []DuplicateGroup {
	type occurrence struct{ id, field string }
	byHash := make(map[string][]occurrence)
	for _, rec := range records {
		for _, name := range rec.FieldNames() {
			f := rec.Fields[name]
			if !f.IsSecret() || !Rated(name) {
				continue
			}
			value := strings.TrimSpace(f.Reveal())
			if value == "" {
				continue
			}
			h := c.hash(value)
			byHash[h] = append(byHash[h], occurrence{rec.ID, name})
		}
	}

	var groups []DuplicateGroup
	for _, occ := range byHash {
		if len(occ) < 2 {
			continue
		}
		g := DuplicateGroup{Count: len(occ)}
		for _, o := range occ {
			g.CredentialIDs = append(g.CredentialIDs, o.id)
			g.FieldNames = append(g.FieldNames, o.field)
		}
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].CredentialIDs[0] < groups[j].CredentialIDs[0]
	})
	return groups
}

func (c *Calculator) hash(value string) string {
	h := hmac.New(sha256.New, c.hmacKey)
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}

// coverage reports required template fields that are absent or empty.
func (c *Calculator) coverage(records []*credential.Record) (issues []SecurityIssue, required int) {
	for _, rec := range records {
		def, ok := c.types[rec.Type]
		if !ok {
			continue
		}
		for _, tmpl := range def.Fields {
			if !tmpl.Required {
				continue
			}
			required++
			if f, ok := rec.Fields[tmpl.Name]; ok && f.Len() > 0 {
				continue
			}
			issues = append(issues, SecurityIssue{
				Type:         IssueMissingField,
				Severity:     SeverityInfo,
				CredentialID: rec.ID,
				FieldName:    tmpl.Name,
				Description:  fmt.Sprintf("required %s field is empty", rec.Type),
			})
		}
	}
	return issues, required
}

func suggestions(issues []SecurityIssue) []string {
	counts := make(map[IssueType]int)
	for _, is := range issues {
		counts[is.Type]++
	}
	var out []string
	if n := counts[IssueDuplicatePassword]; n > 0 {
		out = append(out, fmt.Sprintf("rotate %d reused secret(s)", n))
	}
	if n := counts[IssueWeakPassword]; n > 0 {
		out = append(out, fmt.Sprintf("strengthen %d weak secret(s)", n))
	}
	if n := counts[IssueMissingField]; n > 0 {
		out = append(out, fmt.Sprintf("fill in %d required field(s)", n))
	}
	return out
}
