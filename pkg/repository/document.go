package repository

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forest6511/credstore/pkg/credential"
)

type metadataDoc struct {
	Version         string `yaml:"version"`
	CreatedAt       string `yaml:"created_at,omitempty"`
	CredentialCount *int   `yaml:"credential_count"`
}

type recordDoc struct {
	ID        string              `yaml:"id"`
	Title     string              `yaml:"title"`
	Type      string              `yaml:"credential_type"`
	CreatedAt string              `yaml:"created_at,omitempty"`
	UpdatedAt string              `yaml:"updated_at,omitempty"`
	Fields    map[string]fieldDoc `yaml:"fields,omitempty"`
	Tags      []string            `yaml:"tags,omitempty"`
	Notes     string              `yaml:"notes,omitempty"`
}

var recordKeys = map[string]bool{
	"id": true, "title": true, "credential_type": true, "created_at": true,
	"updated_at": true, "fields": true, "tags": true, "notes": true,
}

// fieldDoc accepts both the canonical mapping and the legacy scalar
// shorthand (`username: alice`).
type fieldDoc struct {
	Value     string `yaml:"value"`
	FieldType string `yaml:"field_type,omitempty"`
	Sensitive *bool  `yaml:"sensitive,omitempty"`

	shorthand bool
}

func (f *fieldDoc) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		*f = fieldDoc{shorthand: true}
		if n.ShortTag() != "!!null" {
			f.Value = n.Value
		}
		return nil
	case yaml.MappingNode:
		type plain struct {
			Value     string `yaml:"value"`
			FieldType string `yaml:"field_type"`
			Sensitive *bool  `yaml:"sensitive"`
		}
		var p plain
		if err := n.Decode(&p); err != nil {
			return err
		}
		*f = fieldDoc{Value: p.Value, FieldType: p.FieldType, Sensitive: p.Sensitive}
		return nil
	default:
		return fmt.Errorf("line %d: field must be a string or a mapping", n.Line)
	}
}

type typeDoc struct {
	Name        string             `yaml:"name"`
	Description string             `yaml:"description,omitempty"`
	Fields      []fieldTemplateDoc `yaml:"fields,omitempty"`
}

type fieldTemplateDoc struct {
	Name      string `yaml:"name"`
	Prompt    string `yaml:"prompt,omitempty"`
	Sensitive bool   `yaml:"sensitive"`
	Required  bool   `yaml:"required"`
	Kind      string `yaml:"kind,omitempty"`
	InputType string `yaml:"input_type,omitempty"`
}

func marshalYAML(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("repository: encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("repository: encode yaml: %w", err)
	}
	return buf.Bytes(), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

var yamlLineRe = regexp.MustCompile(`line (\d+)`)

// describeYAMLError keeps only the position of a YAML error. Decoder
// messages can quote scalar values, and a scalar may be a secret.
func describeYAMLError(err error) string {
	var te *yaml.TypeError
	if errors.As(err, &te) {
		if m := yamlLineRe.FindStringSubmatch(te.Error()); m != nil {
			return "document does not match the schema at line " + m[1]
		}
		return "document does not match the schema"
	}
	if m := yamlLineRe.FindStringSubmatch(err.Error()); m != nil {
		return "invalid YAML at line " + m[1]
	}
	return "invalid YAML"
}

// parseMapping parses data and returns its top-level mapping node.
func parseMapping(data []byte) (*yaml.Node, string) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, "document is empty"
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, describeYAMLError(err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, "document is not a mapping"
	}
	return doc.Content[0], ""
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func setMappingScalar(m *yaml.Node, key, value string) {
	if v := mappingValue(m, key); v != nil {
		v.Kind = yaml.ScalarNode
		v.Tag = "!!str"
		v.Value = value
		v.Content = nil
		v.Style = 0
		return
	}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	)
}

func prependMappingScalar(m *yaml.Node, key, value string) {
	if mappingValue(m, key) != nil {
		setMappingScalar(m, key, value)
		return
	}
	m.Content = append([]*yaml.Node{
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	}, m.Content...)
}

func encodeMapping(m *yaml.Node) ([]byte, error) {
	return marshalYAML(&yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{m}})
}

// recordInput is what the scanner knows about a record file.
type recordInput struct {
	data      []byte
	rel       string
	container string // directory or legacy file name under credentials/
	legacy    bool
	modTime   time.Time
}

// parseResult carries a parsed record and what was wrong with it.
type parseResult struct {
	record   *credential.Record
	warnings []Issue
	critical *Issue
}

func (p *parseResult) warn(in recordInput, id, format string, args ...interface{}) {
	p.warnings = append(p.warnings, Issue{
		Severity:    Warning,
		Category:    SchemaError,
		Path:        in.rel,
		RecordID:    id,
		Description: fmt.Sprintf(format, args...),
	})
}

func (p *parseResult) fail(in recordInput, id, format string, args ...interface{}) *parseResult {
	p.critical = &Issue{
		Severity:    Critical,
		Category:    SchemaError,
		Path:        in.rel,
		RecordID:    id,
		Description: fmt.Sprintf(format, args...),
	}
	p.record = nil
	return p
}

// typeLookup resolves templates for shorthand fields.
type typeLookup func(name string) (*credential.TypeDefinition, bool)

func parseRecord(in recordInput, lookup typeLookup) *parseResult {
	res := &parseResult{}
	fallbackID := in.container
	if in.legacy {
		fallbackID = strings.TrimSuffix(in.container, YAMLExt)
	}

	m, problem := parseMapping(in.data)
	if problem != "" {
		return res.fail(in, "", "unreadable record: %s", problem)
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if key := m.Content[i].Value; !recordKeys[key] {
			res.warn(in, "", "unknown key %q is not preserved", key)
		}
	}

	var doc recordDoc
	if err := m.Decode(&doc); err != nil {
		return res.fail(in, "", "unreadable record: %s", describeYAMLError(err))
	}

	id := strings.TrimSpace(doc.ID)
	switch {
	case id == "":
		id = fallbackID
		if !in.legacy {
			res.warn(in, id, "missing id; using container name")
		}
	case id != fallbackID:
		res.warn(in, id, "id %q does not match container name %q", id, fallbackID)
	}
	if err := credential.ValidateID(id); err != nil {
		return res.fail(in, "", "invalid id %q", id)
	}

	title := credential.NormalizeTitle(doc.Title)
	if title == "" {
		return res.fail(in, id, "missing required field title")
	}
	typeName := strings.TrimSpace(doc.Type)
	if typeName == "" {
		return res.fail(in, id, "missing required field credential_type")
	}

	rec := &credential.Record{
		ID:     id,
		Title:  title,
		Type:   typeName,
		Fields: make(map[string]credential.Field, len(doc.Fields)),
		Notes:  doc.Notes,
	}

	var ok bool
	if rec.CreatedAt, ok = parseTime(doc.CreatedAt); !ok {
		switch {
		case doc.CreatedAt == "" && in.legacy:
		case doc.CreatedAt == "":
			res.warn(in, id, "missing created_at; using file modification time")
		default:
			res.warn(in, id, "unparseable created_at; using file modification time")
		}
		rec.CreatedAt = in.modTime.UTC()
	}
	if rec.UpdatedAt, ok = parseTime(doc.UpdatedAt); !ok {
		if doc.UpdatedAt != "" {
			res.warn(in, id, "unparseable updated_at; using created_at")
		}
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.UpdatedAt.Before(rec.CreatedAt) {
		res.warn(in, id, "updated_at precedes created_at; using created_at")
		rec.UpdatedAt = rec.CreatedAt
	}

	tmpl, _ := lookup(typeName)
	for name, fd := range doc.Fields {
		if err := credential.ValidateFieldKey(name); err != nil {
			return res.fail(in, id, "invalid field name: %v", err)
		}
		if credential.ValidateFieldName(name) != nil {
			res.warn(in, id, "field name %q is not snake_case", name)
		}
		kind, note := resolveKind(name, fd, tmpl)
		if note != "" {
			res.warn(in, id, "%s", note)
		}
		rec.Fields[name] = credential.NewField(kind, fd.Value)
	}

	for _, t := range doc.Tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if credential.ValidateTag(t) != nil {
			res.warn(in, id, "dropping invalid tag")
			continue
		}
		rec.Tags = append(rec.Tags, t)
	}
	rec.Tags = credential.NormalizeTags(rec.Tags)

	if err := rec.Validate(); err != nil {
		rec.Wipe()
		return res.fail(in, id, "invalid record: %v", err)
	}
	res.record = rec
	return res
}

// resolveKind decides the field variant. Contradictory markers never
// downgrade a value to Text, and neither does an unresolvable type.
func resolveKind(name string, fd fieldDoc, tmpl *credential.TypeDefinition) (credential.Kind, string) {
	if fd.shorthand || (fd.FieldType == "" && fd.Sensitive == nil) {
		if tmpl == nil {
			return credential.KindSecret, ""
		}
		return tmpl.KindFor(name), ""
	}
	if fd.FieldType == "" {
		if *fd.Sensitive {
			return credential.KindSecret, ""
		}
		return credential.KindText, ""
	}
	kind, err := credential.ParseKind(fd.FieldType)
	if err != nil {
		if fd.Sensitive != nil && !*fd.Sensitive {
			return credential.KindText, fmt.Sprintf("field %q has unknown field_type; using sensitive flag", name)
		}
		return credential.KindSecret, fmt.Sprintf("field %q has unknown field_type; treating as secret", name)
	}
	if fd.Sensitive != nil && *fd.Sensitive != (kind == credential.KindSecret) {
		return credential.KindSecret, fmt.Sprintf("field %q: field_type and sensitive disagree; treating as secret", name)
	}
	return kind, ""
}

func encodeRecord(rec *credential.Record) ([]byte, error) {
	doc := recordDoc{
		ID:        rec.ID,
		Title:     rec.Title,
		Type:      rec.Type,
		CreatedAt: formatTime(rec.CreatedAt),
		UpdatedAt: formatTime(rec.UpdatedAt),
		Tags:      credential.NormalizeTags(rec.Tags),
		Notes:     rec.Notes,
	}
	if len(rec.Fields) > 0 {
		doc.Fields = make(map[string]fieldDoc, len(rec.Fields))
		for name, f := range rec.Fields {
			sensitive := f.IsSecret()
			doc.Fields[name] = fieldDoc{
				Value:     f.Reveal(),
				FieldType: f.Kind().String(),
				Sensitive: &sensitive,
			}
		}
	}
	return marshalYAML(&doc)
}

// metadataResult is the parsed state of metadata.yml.
type metadataResult struct {
	meta      credential.Metadata
	hasCount  bool
	hasCreate bool
}

func parseMetadata(data []byte) (*metadataResult, string) {
	m, problem := parseMapping(data)
	if problem != "" {
		return nil, problem
	}
	var doc metadataDoc
	if err := m.Decode(&doc); err != nil {
		return nil, describeYAMLError(err)
	}
	version := strings.TrimSpace(doc.Version)
	if version == "" {
		return nil, "missing version"
	}
	if major := strings.SplitN(version, ".", 2)[0]; major != "1" {
		return nil, fmt.Sprintf("unsupported version %q", version)
	}

	res := &metadataResult{meta: credential.Metadata{Version: version}}
	if t, ok := parseTime(doc.CreatedAt); ok {
		res.meta.CreatedAt = t
		res.hasCreate = true
	}
	if doc.CredentialCount != nil && *doc.CredentialCount >= 0 {
		res.meta.CredentialCount = *doc.CredentialCount
		res.hasCount = true
	}
	return res, ""
}

func encodeMetadata(meta credential.Metadata) ([]byte, error) {
	count := meta.CredentialCount
	return marshalYAML(&metadataDoc{
		Version:         meta.Version,
		CreatedAt:       formatTime(meta.CreatedAt),
		CredentialCount: &count,
	})
}

func parseType(data []byte, stem string) (*credential.TypeDefinition, []string, string) {
	m, problem := parseMapping(data)
	if problem != "" {
		return nil, nil, problem
	}
	var doc typeDoc
	if err := m.Decode(&doc); err != nil {
		return nil, nil, describeYAMLError(err)
	}

	var notes []string
	name := strings.TrimSpace(doc.Name)
	if name != "" && name != stem {
		notes = append(notes, fmt.Sprintf("name %q does not match file name; using %q", name, stem))
	}
	def := &credential.TypeDefinition{Name: stem, Description: doc.Description}
	for _, f := range doc.Fields {
		def.Fields = append(def.Fields, credential.FieldTemplate{
			Name:      f.Name,
			Prompt:    f.Prompt,
			Sensitive: f.Sensitive,
			Required:  f.Required,
			Kind:      f.Kind,
			InputType: f.InputType,
		})
	}
	if err := credential.ValidateTypeDefinition(def); err != nil {
		return nil, notes, fmt.Sprintf("invalid type definition: %v", err)
	}
	return def, notes, ""
}

func encodeType(def *credential.TypeDefinition) ([]byte, error) {
	doc := typeDoc{Name: def.Name, Description: def.Description}
	for _, f := range def.Fields {
		doc.Fields = append(doc.Fields, fieldTemplateDoc{
			Name:      f.Name,
			Prompt:    f.Prompt,
			Sensitive: f.Sensitive,
			Required:  f.Required,
			Kind:      f.Kind,
			InputType: f.InputType,
		})
	}
	return marshalYAML(&doc)
}

// ParseTypeDefinition parses a standalone type file, as written under
// types/, into a validated definition named name.
func ParseTypeDefinition(data []byte, name string) (*credential.TypeDefinition, error) {
	def, _, problem := parseType(data, name)
	if problem != "" {
		return nil, fmt.Errorf("%w: %s", ErrSchema, problem)
	}
	return def, nil
}
