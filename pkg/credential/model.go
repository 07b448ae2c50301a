// Package credential holds the in-memory credential model: records with
// typed fields, credential types, and the Model that owns a repository's
// records while a session is open.
package credential

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrTypeExists is returned when defining a custom type that already exists.
var ErrTypeExists = errors.New("credential: type already defined")

// Metadata is the repository header.
type Metadata struct {
	Version         string
	CreatedAt       time.Time
	CredentialCount int
}

// Repository is the full decrypted content of one archive.
type Repository struct {
	Metadata    Metadata
	Records     map[string]*Record
	CustomTypes map[string]*TypeDefinition
}

// NewRepository returns an empty repository created at the given time.
func NewRepository(version string, createdAt time.Time) *Repository {
	return &Repository{
		Metadata:    Metadata{Version: version, CreatedAt: createdAt.UTC()},
		Records:     make(map[string]*Record),
		CustomTypes: make(map[string]*TypeDefinition),
	}
}

// SortedIDs returns record ids in ascending order.
func (r *Repository) SortedIDs() []string {
	ids := make([]string, 0, len(r.Records))
	for id := range r.Records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LookupType resolves a built-in or custom type.
func (r *Repository) LookupType(name string) (*TypeDefinition, bool) {
	if d, ok := Builtin(name); ok {
		return d, true
	}
	d, ok := r.CustomTypes[name]
	return d, ok
}

// Wipe zeroes all secrets and drops the records.
func (r *Repository) Wipe() {
	for id, rec := range r.Records {
		rec.Wipe()
		delete(r.Records, id)
	}
}

// Model provides CRUD over a Repository. It is not safe for concurrent use;
// the session serializes access.
type Model struct {
	repo  *Repository
	now   func() time.Time
	newID func() string
}

// ModelOption configures a Model.
type ModelOption func(*Model)

// WithClock sets the time source used to stamp records.
func WithClock(now func() time.Time) ModelOption {
	return func(m *Model) { m.now = now }
}

// WithIDGenerator replaces the uuid generator.
func WithIDGenerator(gen func() string) ModelOption {
	return func(m *Model) { m.newID = gen }
}

// NewModel wraps repo. A nil repo starts an empty repository.
func NewModel(repo *Repository, opts ...ModelOption) *Model {
	m := &Model{
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(m)
	}
	if repo == nil {
		repo = NewRepository("", m.now())
	}
	if repo.Records == nil {
		repo.Records = make(map[string]*Record)
	}
	if repo.CustomTypes == nil {
		repo.CustomTypes = make(map[string]*TypeDefinition)
	}
	m.repo = repo
	return m
}

// Repository exposes the underlying repository for serialization. Callers
// must not mutate it.
func (m *Model) Repository() *Repository { return m.repo }

// Len returns the number of records.
func (m *Model) Len() int { return len(m.repo.Records) }

func (m *Model) stamp() time.Time {
	return m.now().UTC()
}

// Create adds an empty record and returns its generated id.
func (m *Model) Create(title, typeName string) (string, error) {
	title = NormalizeTitle(title)
	if title == "" {
		return "", ErrTitleRequired
	}
	if _, ok := m.repo.LookupType(typeName); !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}

	id := m.newID()
	for i := 0; m.repo.Records[id] != nil; i++ {
		if i >= 3 {
			return "", fmt.Errorf("credential: id generator returned duplicate id %q", id)
		}
		id = m.newID()
	}

	now := m.stamp()
	rec := &Record{
		ID:        id,
		Title:     title,
		Type:      typeName,
		Fields:    make(map[string]Field),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := rec.Validate(); err != nil {
		return "", err
	}
	m.repo.Records[id] = rec
	return id, nil
}

// Update applies mutate to a copy of the record and commits it if the
// result is valid. id and created_at cannot change.
func (m *Model) Update(id string, mutate func(*Record) error) error {
	cur, ok := m.repo.Records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		next.Wipe()
		return err
	}
	if err := m.checkUpdate(cur, next); err != nil {
		next.Wipe()
		return err
	}

	next.UpdatedAt = m.stamp()
	if next.UpdatedAt.Before(next.CreatedAt) {
		next.UpdatedAt = next.CreatedAt
	}
	m.repo.Records[id] = next
	cur.Wipe()
	return nil
}

func (m *Model) checkUpdate(cur, next *Record) error {
	if next.ID != cur.ID || !next.CreatedAt.Equal(cur.CreatedAt) {
		return ErrIDImmutable
	}
	next.Title = NormalizeTitle(next.Title)
	next.Tags = NormalizeTags(next.Tags)
	if _, ok := m.repo.LookupType(next.Type); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, next.Type)
	}
	// Names carried over from disk are grandfathered; new ones must be snake_case.
	for name := range next.Fields {
		if _, existed := cur.Fields[name]; existed {
			continue
		}
		if err := ValidateFieldName(name); err != nil {
			return err
		}
	}
	if next.Fields == nil {
		next.Fields = make(map[string]Field)
	}
	// Validate against a copy whose updated_at is in range; it is restamped on commit.
	candidate := *next
	candidate.UpdatedAt = next.CreatedAt
	return candidate.Validate()
}

// Delete removes a record and zeroes its secrets.
func (m *Model) Delete(id string) error {
	rec, ok := m.repo.Records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.repo.Records, id)
	rec.Wipe()
	return nil
}

// Get returns a copy of the record.
func (m *Model) Get(id string) (*Record, error) {
	rec, ok := m.repo.Records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// List returns copies of all records ordered by id.
func (m *Model) List() []*Record {
	out := make([]*Record, 0, len(m.repo.Records))
	for _, id := range m.repo.SortedIDs() {
		out = append(out, m.repo.Records[id].Clone())
	}
	return out
}

// Summaries returns value-free views of all records ordered by id.
func (m *Model) Summaries() []Summary {
	out := make([]Summary, 0, len(m.repo.Records))
	for _, id := range m.repo.SortedIDs() {
		out = append(out, m.repo.Records[id].Summary())
	}
	return out
}

// FindByTitle returns the ids of records whose title matches exactly,
// ignoring case.
func (m *Model) FindByTitle(title string) []string {
	title = NormalizeTitle(title)
	var ids []string
	for _, id := range m.repo.SortedIDs() {
		if strings.EqualFold(m.repo.Records[id].Title, title) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Types returns built-in and custom types ordered by name.
func (m *Model) Types() []*TypeDefinition {
	out := BuiltinTypes()
	for _, d := range m.repo.CustomTypes {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LookupType resolves a built-in or custom type.
func (m *Model) LookupType(name string) (*TypeDefinition, bool) {
	d, ok := m.repo.LookupType(name)
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// DefineType adds a custom type.
func (m *Model) DefineType(d *TypeDefinition) error {
	if err := ValidateTypeDefinition(d); err != nil {
		return err
	}
	if _, ok := m.repo.CustomTypes[d.Name]; ok {
		return fmt.Errorf("%w: %q", ErrTypeExists, d.Name)
	}
	m.repo.CustomTypes[d.Name] = d.Clone()
	return nil
}

// Wipe zeroes every secret in the repository.
func (m *Model) Wipe() {
	m.repo.Wipe()
}
