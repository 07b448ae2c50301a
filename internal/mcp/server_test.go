package mcp

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/credstore/internal/index"
	"github.com/forest6511/credstore/pkg/archive"
	"github.com/forest6511/credstore/pkg/credential"
	"github.com/forest6511/credstore/pkg/crypto"
	"github.com/forest6511/credstore/pkg/session"
)

var testPassphrase = []byte("testpassword123")

// testSession opens a fresh repository for testing
func testSession(t *testing.T) *session.Manager {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.cred")

	mgr := session.NewManager(
		archive.New(archive.WithKDF(&crypto.PBKDF2{Iterations: 1000})),
		session.WithWorkDir(t.TempDir()),
		session.WithIndex(func() (session.Index, error) { return index.Open() }),
	)
	require.NoError(t, mgr.Init(ctx, path, testPassphrase), "init repository")
	_, err := mgr.Open(ctx, path, testPassphrase, session.OpenOptions{})
	require.NoError(t, err, "open repository")
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

// addTestCredential adds a credential and returns its id
func addTestCredential(t *testing.T, mgr *session.Manager, title, typ string, tags []string, fields map[string]credential.Field) string {
	t.Helper()
	id, err := mgr.Create(title, typ, func(r *credential.Record) error {
		for name, f := range fields {
			r.Fields[name] = f
		}
		r.Tags = tags
		return nil
	})
	require.NoError(t, err, "add credential %q", title)
	return id
}

func testServer(t *testing.T, policy *Policy) (*Server, *session.Manager) {
	t.Helper()
	mgr := testSession(t)
	s, err := NewServer(mgr, &ServerOptions{Policy: policy})
	require.NoError(t, err)
	return s, mgr
}

func titles(infos []CredentialInfo) []string {
	var out []string
	for _, c := range infos {
		out = append(out, c.Title)
	}
	return out
}

func TestNewServer_NoSession(t *testing.T) {
	mgr := session.NewManager(archive.New())
	_, err := NewServer(mgr, nil)
	assert.ErrorIs(t, err, session.ErrNoSession)

	_, err = NewServer(nil, nil)
	assert.Error(t, err, "nil manager")
}

func TestNewServer_DefaultPolicy(t *testing.T) {
	s, _ := testServer(t, nil)
	require.NotNil(t, s.policy)
	for _, tool := range ToolNames() {
		ok, _ := s.policy.IsToolAllowed(tool)
		assert.True(t, ok, "default policy should allow %s", tool)
	}
}

func TestHandleCredentialList_Empty(t *testing.T) {
	s, _ := testServer(t, nil)

	_, output, err := s.handleCredentialList(context.Background(), nil, CredentialListInput{})
	require.NoError(t, err)
	assert.Empty(t, output.Credentials)
}

func TestHandleCredentialList_Filters(t *testing.T) {
	s, mgr := testServer(t, nil)
	addTestCredential(t, mgr, "GitHub", "login", []string{"work"}, map[string]credential.Field{
		"username": credential.Text("alice"),
		"password": credential.Secret("hunter2hunter2"),
	})
	addTestCredential(t, mgr, "Prod DB", "database", []string{"prod"}, map[string]credential.Field{
		"host": credential.Text("db.internal"),
	})

	tests := []struct {
		name  string
		input CredentialListInput
		want  []string
	}{
		{"all", CredentialListInput{}, []string{"GitHub", "Prod DB"}},
		{"by tag", CredentialListInput{Tag: "work"}, []string{"GitHub"}},
		{"by type", CredentialListInput{Type: "database"}, []string{"Prod DB"}},
		{"no match", CredentialListInput{Tag: "missing"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, output, err := s.handleCredentialList(context.Background(), nil, tt.input)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, titles(output.Credentials))
		})
	}
}

func TestHandleCredentialList_NoValues(t *testing.T) {
	s, mgr := testServer(t, nil)
	addTestCredential(t, mgr, "GitHub", "login", nil, map[string]credential.Field{
		"username": credential.Text("alice"),
		"password": credential.Secret("hunter2hunter2"),
	})

	_, output, err := s.handleCredentialList(context.Background(), nil, CredentialListInput{})
	require.NoError(t, err)
	require.Len(t, output.Credentials, 1)
	assert.Equal(t, []FieldInfo{{"password", true}, {"username", false}}, output.Credentials[0].Fields)
}

func TestHandleCredentialExists(t *testing.T) {
	s, mgr := testServer(t, nil)
	id := addTestCredential(t, mgr, "GitHub", "login", []string{"work"}, nil)

	_, output, err := s.handleCredentialExists(context.Background(), nil, CredentialExistsInput{ID: id})
	require.NoError(t, err)
	assert.True(t, output.Exists)
	if assert.NotNil(t, output.Credential) {
		assert.Equal(t, "GitHub", output.Credential.Title)
	}

	_, output, err = s.handleCredentialExists(context.Background(), nil, CredentialExistsInput{ID: "missing"})
	require.NoError(t, err)
	assert.False(t, output.Exists)
	assert.Nil(t, output.Credential)

	_, _, err = s.handleCredentialExists(context.Background(), nil, CredentialExistsInput{})
	assert.Error(t, err, "empty id")
}

func TestHandleCredentialGetMasked(t *testing.T) {
	s, mgr := testServer(t, nil)
	id := addTestCredential(t, mgr, "GitHub", "login", nil, map[string]credential.Field{
		"username": credential.Text("alice"),
		"password": credential.Secret("sk-1234567890ABCD"),
	})

	_, output, err := s.handleCredentialGetMasked(context.Background(), nil, CredentialGetMaskedInput{ID: id})
	require.NoError(t, err)
	require.Len(t, output.Fields, 2)

	password := output.Fields[0]
	require.Equal(t, "password", password.Name)
	require.True(t, password.Sensitive)
	assert.Equal(t, "*************ABCD", password.Value)
	assert.Equal(t, 17, password.ValueLength)
	assert.NotContains(t, password.Value, "1234567890", "masked value leaks plaintext")

	username := output.Fields[1]
	assert.Equal(t, "alice", username.Value, "text field should be returned as-is")
	assert.False(t, username.Sensitive)
}

func TestHandleCredentialGetMasked_SingleField(t *testing.T) {
	s, mgr := testServer(t, nil)
	id := addTestCredential(t, mgr, "GitHub", "login", nil, map[string]credential.Field{
		"username": credential.Text("alice"),
		"password": credential.Secret("abcdef"),
	})

	_, output, err := s.handleCredentialGetMasked(context.Background(), nil, CredentialGetMaskedInput{ID: id, Field: "password"})
	require.NoError(t, err)
	require.Len(t, output.Fields, 1)
	assert.Equal(t, "****ef", output.Fields[0].Value)

	_, _, err = s.handleCredentialGetMasked(context.Background(), nil, CredentialGetMaskedInput{ID: id, Field: "missing"})
	assert.Error(t, err, "missing field")
}

func TestHandleCredentialGetMasked_NotFound(t *testing.T) {
	s, _ := testServer(t, nil)

	_, _, err := s.handleCredentialGetMasked(context.Background(), nil, CredentialGetMaskedInput{ID: "missing"})
	assert.ErrorIs(t, err, credential.ErrNotFound)

	_, _, err = s.handleCredentialGetMasked(context.Background(), nil, CredentialGetMaskedInput{})
	assert.Error(t, err, "empty id")
}

func TestHandleCredentialSearch(t *testing.T) {
	s, mgr := testServer(t, nil)
	addTestCredential(t, mgr, "GitHub", "login", nil, map[string]credential.Field{
		"username": credential.Text("alice"),
		"password": credential.Secret("hunter2hunter2"),
	})
	addTestCredential(t, mgr, "GitLab", "login", nil, nil)

	_, output, err := s.handleCredentialSearch(context.Background(), nil, CredentialSearchInput{Query: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"GitHub"}, titles(output.Credentials))

	_, output, err = s.handleCredentialSearch(context.Background(), nil, CredentialSearchInput{Query: "hunter2"})
	require.NoError(t, err)
	assert.Empty(t, output.Credentials, "secret values must not be searchable")

	_, output, err = s.handleCredentialSearch(context.Background(), nil, CredentialSearchInput{Query: "git", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, output.Credentials, 1, "limit applies")
}

func TestHandleCredentialSearch_Validation(t *testing.T) {
	s, _ := testServer(t, nil)

	tests := []struct {
		name  string
		input CredentialSearchInput
	}{
		{"empty query", CredentialSearchInput{}},
		{"blank query", CredentialSearchInput{Query: "  "}},
		{"negative limit", CredentialSearchInput{Query: "a", Limit: -1}},
		{"limit too large", CredentialSearchInput{Query: "a", Limit: 501}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := s.handleCredentialSearch(context.Background(), nil, tt.input)
			assert.Error(t, err)
		})
	}
}

func TestHandleValidationReport(t *testing.T) {
	s, _ := testServer(t, nil)

	_, output, err := s.handleValidationReport(context.Background(), nil, ValidationReportInput{})
	require.NoError(t, err)
	assert.True(t, output.Available, "expected a report after open")
	assert.Zero(t, output.Found)
	assert.Zero(t, output.Critical)
	assert.Empty(t, output.Issues)
}

func TestPolicy_HidesRecords(t *testing.T) {
	policy := &Policy{Version: 1, DefaultAction: ActionAllow, HiddenTags: []string{"private"}, HiddenTypes: []string{"ssh"}}
	s, mgr := testServer(t, policy)
	visible := addTestCredential(t, mgr, "GitHub", "login", nil, nil)
	hiddenTag := addTestCredential(t, mgr, "Diary", "note", []string{"private"}, nil)
	hiddenType := addTestCredential(t, mgr, "Bastion", "ssh", nil, nil)

	_, list, err := s.handleCredentialList(context.Background(), nil, CredentialListInput{})
	require.NoError(t, err)
	require.Len(t, list.Credentials, 1)
	assert.Equal(t, visible, list.Credentials[0].ID)

	for _, id := range []string{hiddenTag, hiddenType} {
		_, out, err := s.handleCredentialExists(context.Background(), nil, CredentialExistsInput{ID: id})
		require.NoError(t, err)
		assert.False(t, out.Exists, "hidden credential %s reported as existing", id)

		_, _, err = s.handleCredentialGetMasked(context.Background(), nil, CredentialGetMaskedInput{ID: id})
		assert.ErrorIs(t, err, credential.ErrNotFound)
	}

	_, found, err := s.handleCredentialSearch(context.Background(), nil, CredentialSearchInput{Query: "diary"})
	require.NoError(t, err)
	assert.Empty(t, found.Credentials, "hidden credential returned by search")
}

func TestPolicy_DeniesTool(t *testing.T) {
	policy := &Policy{Version: 1, DefaultAction: ActionDeny, AllowedTools: []string{ToolCredentialList}}
	s, _ := testServer(t, policy)

	_, _, err := s.handleCredentialList(context.Background(), nil, CredentialListInput{})
	assert.NoError(t, err, "credential_list should be allowed")

	_, _, err = s.handleCredentialGetMasked(context.Background(), nil, CredentialGetMaskedInput{ID: "x"})
	assert.ErrorIs(t, err, ErrToolDenied)

	_, _, err = s.handleValidationReport(context.Background(), nil, ValidationReportInput{})
	assert.ErrorIs(t, err, ErrToolDenied)
}
