package credential

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestModel(t *testing.T) (*Model, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewModel(nil, WithClock(clock.now)), clock
}

func TestModelCreate(t *testing.T) {
	m, clock := newTestModel(t)

	id, err := m.Create("  GitHub  ", "login")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "GitHub", rec.Title)
	assert.Equal(t, "login", rec.Type)
	assert.True(t, rec.CreatedAt.Equal(clock.t))
	assert.True(t, rec.UpdatedAt.Equal(clock.t))
	assert.Empty(t, rec.Fields)
}

func TestModelCreateErrors(t *testing.T) {
	m, _ := newTestModel(t)

	_, err := m.Create("   ", "login")
	assert.ErrorIs(t, err, ErrTitleRequired)

	_, err = m.Create("x", "nope")
	assert.ErrorIs(t, err, ErrUnknownType)

	require.NoError(t, m.DefineType(&TypeDefinition{Name: "wifi"}))
	_, err = m.Create("home", "wifi")
	assert.NoError(t, err)
}

func TestModelCreateRetriesDuplicateID(t *testing.T) {
	ids := []string{"a", "a", "b"}
	m := NewModel(nil, WithIDGenerator(func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}))

	first, err := m.Create("one", "login")
	require.NoError(t, err)
	second, err := m.Create("two", "login")
	require.NoError(t, err)

	assert.Equal(t, "a", first)
	assert.Equal(t, "b", second)
}

func TestModelUpdate(t *testing.T) {
	m, clock := newTestModel(t)
	id, err := m.Create("db", "database")
	require.NoError(t, err)
	created := clock.t

	clock.advance(time.Hour)
	err = m.Update(id, func(r *Record) error {
		r.Fields["host"] = Text("db.internal")
		r.Fields["password"] = Secret("s3cret")
		r.Tags = []string{"prod", "db", "prod"}
		r.Notes = "rotated quarterly"
		return nil
	})
	require.NoError(t, err)

	rec, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "prod"}, rec.Tags)
	assert.True(t, rec.Fields["password"].IsSecret())
	assert.Equal(t, "s3cret", rec.Fields["password"].Reveal())
	assert.True(t, rec.CreatedAt.Equal(created))
	assert.True(t, rec.UpdatedAt.Equal(created.Add(time.Hour)))
}

func TestModelUpdateRejects(t *testing.T) {
	m, _ := newTestModel(t)
	id, err := m.Create("x", "login")
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(*Record) error
		wantErr error
	}{
		{"change id", func(r *Record) error { r.ID = "other"; return nil }, ErrIDImmutable},
		{"change created_at", func(r *Record) error { r.CreatedAt = r.CreatedAt.Add(-time.Hour); return nil }, ErrIDImmutable},
		{"blank title", func(r *Record) error { r.Title = " "; return nil }, ErrTitleRequired},
		{"unknown type", func(r *Record) error { r.Type = "nope"; return nil }, ErrUnknownType},
		{"bad field name", func(r *Record) error { r.Fields["Bad Name"] = Text("x"); return nil }, ErrFieldNameInvalid},
		{"mutator error", func(r *Record) error { return errors.New("boom") }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, err := m.Get(id)
			require.NoError(t, err)

			err = m.Update(id, tt.mutate)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}

			after, err := m.Get(id)
			require.NoError(t, err)
			assert.True(t, before.Equal(after), "record must be unchanged after a rejected update")
		})
	}
}

func TestModelUpdateKeepsLegacyFieldNames(t *testing.T) {
	repo := NewRepository("1.0", time.Now())
	repo.Records["r1"] = &Record{
		ID: "r1", Title: "legacy", Type: "login",
		Fields:    map[string]Field{"Password": Secret("pw")},
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	m := NewModel(repo)

	err := m.Update("r1", func(r *Record) error {
		r.Title = "renamed"
		return nil
	})
	assert.NoError(t, err)
}

func TestModelNotFound(t *testing.T) {
	m, _ := newTestModel(t)

	_, err := m.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Delete("missing"), ErrNotFound)
	assert.ErrorIs(t, m.Update("missing", func(*Record) error { return nil }), ErrNotFound)
}

func TestModelDeleteIsFinal(t *testing.T) {
	m, _ := newTestModel(t)
	id, err := m.Create("gone", "api")
	require.NoError(t, err)

	require.NoError(t, m.Delete(id))

	_, err = m.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
	for _, r := range m.List() {
		assert.NotEqual(t, id, r.ID)
	}
	assert.ErrorIs(t, m.Delete(id), ErrNotFound)
}

func TestModelListOrderedAndUnique(t *testing.T) {
	m, _ := newTestModel(t)
	rng := rand.New(rand.NewSource(7))

	live := make(map[string]bool)
	for i := 0; i < 200; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			for id := range live {
				require.NoError(t, m.Delete(id))
				delete(live, id)
				break
			}
			continue
		}
		id, err := m.Create(fmt.Sprintf("item-%d", i), "login")
		require.NoError(t, err)
		require.False(t, live[id], "duplicate id %s", id)
		live[id] = true
	}

	list := m.List()
	require.Len(t, list, len(live))
	seen := make(map[string]bool)
	for i, r := range list {
		assert.False(t, seen[r.ID])
		seen[r.ID] = true
		if i > 0 {
			assert.Less(t, list[i-1].ID, r.ID)
		}
	}
}

func TestModelGetReturnsCopy(t *testing.T) {
	m, _ := newTestModel(t)
	id, _ := m.Create("copy", "login")
	require.NoError(t, m.Update(id, func(r *Record) error {
		r.Fields["password"] = Secret("pw")
		return nil
	}))

	rec, err := m.Get(id)
	require.NoError(t, err)
	rec.Title = "mutated"
	f := rec.Fields["password"]
	f.Wipe()

	again, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "copy", again.Title)
	assert.Equal(t, "pw", again.Fields["password"].Reveal())
}

func TestModelSummariesCarryNoValues(t *testing.T) {
	m, _ := newTestModel(t)
	id, _ := m.Create("svc", "api")
	require.NoError(t, m.Update(id, func(r *Record) error {
		r.Fields["api_key"] = Secret("sk-live-123")
		r.Fields["endpoint"] = Text("https://api.example.com")
		return nil
	}))

	sums := m.Summaries()
	require.Len(t, sums, 1)
	assert.Equal(t, KindSecret, sums[0].FieldKinds["api_key"])
	assert.Equal(t, KindText, sums[0].FieldKinds["endpoint"])
	assert.NotContains(t, fmt.Sprintf("%+v", sums[0]), "sk-live-123")
}

func TestModelDefineType(t *testing.T) {
	m, _ := newTestModel(t)
	def := &TypeDefinition{Name: "wifi", Fields: []FieldTemplate{{Name: "psk", Sensitive: true}}}

	require.NoError(t, m.DefineType(def))
	assert.ErrorIs(t, m.DefineType(def), ErrTypeExists)
	assert.ErrorIs(t, m.DefineType(&TypeDefinition{Name: "ssh"}), ErrBuiltinType)

	got, ok := m.LookupType("wifi")
	require.True(t, ok)
	assert.Equal(t, KindSecret, got.KindFor("psk"))

	names := make([]string, 0)
	for _, d := range m.Types() {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, "wifi")
	assert.Contains(t, names, UntypedName)
}

func TestModelWipe(t *testing.T) {
	m, _ := newTestModel(t)
	id, _ := m.Create("w", "login")
	require.NoError(t, m.Update(id, func(r *Record) error {
		r.Fields["password"] = Secret("pw")
		return nil
	}))

	m.Wipe()
	assert.Equal(t, 0, m.Len())
}

func TestRecordTags(t *testing.T) {
	r := &Record{Tags: NormalizeTags([]string{"work"})}
	r.AddTag(" prod ")
	r.AddTag("work")
	assert.Equal(t, []string{"prod", "work"}, r.Tags)
	assert.True(t, r.HasTag("prod"))
	assert.True(t, r.Summary().HasTag(" work"))
	assert.False(t, r.HasTag("dev"))

	r.RemoveTag("prod ")
	assert.Equal(t, []string{"work"}, r.Tags)
	r.RemoveTag("missing")
	assert.Equal(t, []string{"work"}, r.Tags)
	assert.False(t, Summary{}.HasTag("work"))
}
