package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/credstore/pkg/credential"
)

const testMeta = "version: \"1.0\"\ncreated_at: \"2024-01-01T00:00:00Z\"\ncredential_count: %d\n"

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if strings.HasSuffix(rel, "/") {
			require.NoError(t, os.MkdirAll(p, 0700))
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0700))
		require.NoError(t, os.WriteFile(p, []byte(content), 0600))
	}
	return root
}

func meta(count int) string {
	return fmt.Sprintf(testMeta, count)
}

func record(id, title, typ string, extra string) string {
	return "id: " + id + "\ntitle: " + title + "\ncredential_type: " + typ +
		"\ncreated_at: \"2024-02-01T10:00:00Z\"\nupdated_at: \"2024-02-02T10:00:00Z\"\n" + extra
}

func categories(r *Report) []Category {
	var out []Category
	for _, is := range r.Issues {
		out = append(out, is.Category)
	}
	return out
}

func TestScanCleanTree(t *testing.T) {
	root := writeTree(t, map[string]string{
		MetadataFile:               meta(1),
		"types/":                   "",
		"credentials/a/record.yml": record("a", "GitHub", "login", "fields:\n  username:\n    value: alice\n    field_type: text\n"),
	})

	report, err := Scan(root)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "issues: %v", report.Issues)
	assert.False(t, report.Fatal)
	assert.Equal(t, 1, report.RecordCount)
}

func TestScanMissingTypesDirectory(t *testing.T) {
	root := writeTree(t, map[string]string{
		MetadataFile:   meta(0),
		"credentials/": "",
	})

	report, err := Scan(root)
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	is := report.Issues[0]
	assert.Equal(t, MissingDirectory, is.Category)
	assert.Equal(t, Warning, is.Severity)
	assert.Equal(t, TypesDir, is.Path)
	assert.True(t, is.Repairable)

	res, err := Repair(root, report)
	require.NoError(t, err)
	assert.Len(t, res.Applied, 1)
	assert.DirExists(t, filepath.Join(root, TypesDir))

	rescan, err := Scan(root)
	require.NoError(t, err)
	assert.True(t, rescan.Clean(), "issues: %v", rescan.Issues)
	assert.NoError(t, VerifyRepair(res.Applied, rescan))
}

func TestScanInvalidYAMLIsCritical(t *testing.T) {
	root := writeTree(t, map[string]string{
		MetadataFile:               meta(1),
		"types/":                   "",
		"credentials/x/record.yml": "title: [unclosed\n\tpassword: hunter2",
		"credentials/y/record.yml": record("y", "Other", "note", ""),
	})

	report, err := Scan(root)
	require.NoError(t, err)
	require.True(t, report.Fatal)
	crit := report.Criticals()
	require.Len(t, crit, 1)
	assert.Equal(t, SchemaError, crit[0].Category)
	assert.Equal(t, "credentials/x/record.yml", crit[0].Path)
	assert.True(t, crit[0].RecordLevel())
	assert.True(t, report.OnlyRecordCriticals())
	assert.Equal(t, []string{"credentials/x"}, report.Excluded)
	assert.ErrorIs(t, ErrorFor(report), ErrSchema)

	repo, _, err := Load(root)
	require.NoError(t, err)
	assert.Len(t, repo.Records, 1)
	assert.Contains(t, repo.Records, "y")
}

func TestScanCountMismatch(t *testing.T) {
	files := map[string]string{MetadataFile: meta(5), "types/": ""}
	for _, id := range []string{"a", "b", "c", "d"} {
		files["credentials/"+id+"/record.yml"] = record(id, "T "+id, "note", "")
	}
	root := writeTree(t, files)

	report, err := Scan(root)
	require.NoError(t, err)
	require.Equal(t, []Category{CountMismatch}, categories(report))
	assert.Equal(t, Warning, report.Issues[0].Severity)

	res, err := Repair(root, report)
	require.NoError(t, err)
	assert.Len(t, res.Applied, 1)

	data, err := os.ReadFile(filepath.Join(root, MetadataFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "credential_count: 4")
	assert.Contains(t, string(data), "created_at: \"2024-01-01T00:00:00Z\"")

	rescan, err := Scan(root)
	require.NoError(t, err)
	assert.True(t, rescan.Clean(), "issues: %v", rescan.Issues)
}

func TestRepairMigratesLegacyRecord(t *testing.T) {
	root := writeTree(t, map[string]string{
		MetadataFile:          meta(1),
		"types/":              "",
		"credentials/abc.yml": "title: \"Test\"\ncredential_type: \"login\"\nfields: {username: \"a\"}\n",
	})
	legacy := filepath.Join(root, "credentials", "abc.yml")
	mtime := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(legacy, mtime, mtime))

	report, err := Scan(root)
	require.NoError(t, err)
	require.Equal(t, []Category{LegacyFormat}, categories(report))
	assert.Equal(t, "abc", report.Issues[0].RecordID)
	assert.False(t, report.Fatal)

	res, err := Repair(root, report)
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.NoFileExists(t, legacy)
	assert.FileExists(t, filepath.Join(root, "credentials", "abc", RecordFile))

	rescan, err := Scan(root)
	require.NoError(t, err)
	assert.True(t, rescan.Clean(), "issues: %v", rescan.Issues)

	repo, _, err := Load(root)
	require.NoError(t, err)
	rec := repo.Records["abc"]
	require.NotNil(t, rec)
	assert.Equal(t, "Test", rec.Title)
	assert.Equal(t, "login", rec.Type)
	v, ok := rec.Fields["username"].TextValue()
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	assert.True(t, rec.CreatedAt.Equal(mtime))
}

func TestLegacyAndCurrentWithSameContent(t *testing.T) {
	current := record("abc", "Test", "login", "")
	root := writeTree(t, map[string]string{
		MetadataFile:                 meta(1),
		"types/":                     "",
		"credentials/abc.yml":        current,
		"credentials/abc/record.yml": current,
	})

	report, err := Scan(root)
	require.NoError(t, err)
	assert.Equal(t, []Category{LegacyFormat}, categories(report))

	res, err := Repair(root, report)
	require.NoError(t, err)
	assert.Len(t, res.Applied, 1)
	assert.NoFileExists(t, filepath.Join(root, "credentials", "abc.yml"))
}

func TestLegacyAndCurrentWithDifferentContent(t *testing.T) {
	root := writeTree(t, map[string]string{
		MetadataFile:                 meta(1),
		"types/":                     "",
		"credentials/abc.yml":        record("abc", "Old", "login", ""),
		"credentials/abc/record.yml": record("abc", "New", "login", ""),
	})

	report, err := Scan(root)
	require.NoError(t, err)
	require.True(t, report.Fatal)
	dups := report.ByCategory(DuplicateID)
	require.Len(t, dups, 1)
	assert.Equal(t, "abc", dups[0].RecordID)
	assert.False(t, report.OnlyRecordCriticals())
	assert.ErrorIs(t, ErrorFor(report), ErrDuplicateID)

	_, _, err = Load(root)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestDuplicateIDAcrossDirectories(t *testing.T) {
	root := writeTree(t, map[string]string{
		MetadataFile:               meta(2),
		"types/":                   "",
		"credentials/a/record.yml": record("same", "One", "note", ""),
		"credentials/b/record.yml": record("same", "Two", "note", ""),
	})

	report, err := Scan(root)
	require.NoError(t, err)
	dups := report.ByCategory(DuplicateID)
	require.Len(t, dups, 1)
	assert.Equal(t, Critical, dups[0].Severity)
	assert.Contains(t, dups[0].Description, "credentials/a/record.yml")
	assert.Contains(t, dups[0].Description, "credentials/b/record.yml")
}

func TestOrphanedTypeRepair(t *testing.T) {
	root := writeTree(t, map[string]string{
		MetadataFile:               meta(1),
		"types/":                   "",
		"credentials/a/record.yml": record("a", "Thing", "gizmo", "tags: [work]\nfields:\n  serial: ABC\n"),
	})

	report, err := Scan(root)
	require.NoError(t, err)
	require.Equal(t, []Category{OrphanedTypeReference}, categories(report))
	assert.Equal(t, "a", report.Issues[0].RecordID)

	res, err := Repair(root, report)
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)

	// A second pass over the same report changes nothing.
	before, err := os.ReadFile(filepath.Join(root, "credentials", "a", RecordFile))
	require.NoError(t, err)
	_, err = Repair(root, report)
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(root, "credentials", "a", RecordFile))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	repo, rescan, err := Load(root)
	require.NoError(t, err)
	assert.True(t, rescan.Clean(), "issues: %v", rescan.Issues)
	rec := repo.Records["a"]
	assert.Equal(t, credential.UntypedName, rec.Type)
	assert.Equal(t, []string{"orphaned-type:gizmo", "work"}, rec.Tags)
}

func TestOrphanedTypeKeepsShorthandSecret(t *testing.T) {
	root := writeTree(t, map[string]string{
		MetadataFile:         meta(1),
		"types/":             "",
		"credentials/bk.yml": "title: Bank\ncredential_type: bankcard\nfields: {password: hunter2, pin: \"1234\", note: {value: branch 7}}\n",
	})

	report, err := Scan(root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Category{LegacyFormat, OrphanedTypeReference}, categories(report))

	res, err := Repair(root, report)
	require.NoError(t, err)
	require.Len(t, res.Applied, 2)

	repo, rescan, err := Load(root)
	require.NoError(t, err)
	assert.True(t, rescan.Clean(), "issues: %v", rescan.Issues)
	rec := repo.Records["bk"]
	require.NotNil(t, rec)
	assert.Equal(t, credential.UntypedName, rec.Type)
	for _, name := range []string{"password", "pin", "note"} {
		assert.True(t, rec.Fields[name].IsSecret(), "%s must stay secret", name)
	}
	assert.Equal(t, "hunter2", rec.Fields["password"].Reveal())

	out := filepath.Join(t.TempDir(), "out")
	require.NoError(t, Write(out, repo))
	data, err := os.ReadFile(filepath.Join(out, "credentials", "bk", RecordFile))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "field_type: text")

	reloaded, _, err := Load(out)
	require.NoError(t, err)
	assert.True(t, reloaded.Records["bk"].Fields["password"].IsSecret())
}

func TestCustomTypeResolvesReference(t *testing.T) {
	root := writeTree(t, map[string]string{
		MetadataFile:               meta(1),
		"types/gizmo.yml":          "name: gizmo\nfields:\n  - name: serial\n    sensitive: true\n    required: true\n",
		"credentials/a/record.yml": record("a", "Thing", "gizmo", "fields:\n  serial: ABC\n"),
	})

	repo, report, err := Load(root)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "issues: %v", report.Issues)
	assert.True(t, repo.Records["a"].Fields["serial"].IsSecret())
	assert.Contains(t, repo.CustomTypes, "gizmo")
}

func TestBuiltinTypeFileIsIgnored(t *testing.T) {
	root := writeTree(t, map[string]string{
		MetadataFile:      meta(0),
		"credentials/":    "",
		"types/login.yml": "name: login\n",
	})

	report, err := Scan(root)
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, Warning, report.Issues[0].Severity)
	assert.Equal(t, "types/login.yml", report.Issues[0].Path)
}

func TestMissingMetadataRegenerated(t *testing.T) {
	root := writeTree(t, map[string]string{
		"types/":                   "",
		"credentials/a/record.yml": record("a", "One", "note", ""),
	})

	report, err := Scan(root)
	require.NoError(t, err)
	require.Equal(t, []Category{MissingMetadata}, categories(report))

	_, _, err = Load(root)
	assert.ErrorIs(t, err, ErrStructural)

	res, err := Repair(root, report)
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)

	repo, rescan, err := Load(root)
	require.NoError(t, err)
	assert.True(t, rescan.Clean(), "issues: %v", rescan.Issues)
	assert.Equal(t, 1, repo.Metadata.CredentialCount)
	assert.True(t, repo.Metadata.CreatedAt.Equal(time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)))
}

func TestRepairIsIdempotent(t *testing.T) {
	root := writeTree(t, map[string]string{
		"credentials/old.yml": "title: Old\ncredential_type: login\n",
	})

	report, err := Scan(root)
	require.NoError(t, err)
	assert.Equal(t, []Category{MissingDirectory, MissingMetadata, LegacyFormat}, categories(report))

	_, err = Repair(root, report)
	require.NoError(t, err)
	first := snapshot(t, root)

	_, err = Repair(root, report)
	require.NoError(t, err)
	assert.Equal(t, first, snapshot(t, root))

	rescan, err := Scan(root)
	require.NoError(t, err)
	assert.True(t, rescan.Clean(), "issues: %v", rescan.Issues)
}

func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		require.NoError(t, err)
		rel, _ := filepath.Rel(root, p)
		if d.IsDir() {
			out[rel+"/"] = ""
			return nil
		}
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		out[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestVerifyRepairReportsResidual(t *testing.T) {
	applied := []Issue{{Category: CountMismatch, Path: MetadataFile}}
	rescan := &Report{Issues: []Issue{
		{Category: SchemaError, Path: "credentials/a/record.yml"},
		{Category: CountMismatch, Path: MetadataFile},
		{Category: LegacyFormat, Path: "credentials/b.yml"},
	}}
	assert.ErrorIs(t, VerifyRepair(applied, rescan), ErrRepairIncomplete)
	assert.NoError(t, VerifyRepair([]Issue{{Category: LegacyFormat, Path: "credentials/a.yml"}}, rescan),
		"a skipped migration of another record is not a residual")
	assert.ErrorIs(t, VerifyRepair([]Issue{{Category: LegacyFormat, Path: "credentials/b.yml"}}, rescan), ErrRepairIncomplete)
}

func TestIssueErr(t *testing.T) {
	tests := []struct {
		category Category
		want     error
	}{
		{MissingDirectory, ErrStructural},
		{MissingMetadata, ErrStructural},
		{LegacyFormat, ErrLegacyFormat},
		{DuplicateID, ErrDuplicateID},
		{SchemaError, ErrSchema},
		{OrphanedTypeReference, ErrSchema},
		{CountMismatch, ErrSchema},
	}
	for _, tt := range tests {
		t.Run(tt.category.String(), func(t *testing.T) {
			assert.ErrorIs(t, Issue{Category: tt.category}.Err(), tt.want)
		})
	}
}

func TestSecretsNeverInIssues(t *testing.T) {
	const secret = "s3cr3t-value-do-not-print"
	root := writeTree(t, map[string]string{
		MetadataFile: meta(2),
		"types/":     "",
		"credentials/a/record.yml": "id: a\ntitle: A\ncredential_type: login\nfields:\n  password: {value: " +
			secret + ", field_type: bogus}\n",
		"credentials/b/record.yml": "id: b\ntitle: B\ncredential_type: login\nfields:\n  password: [" + secret + "]\n",
		"credentials/c/record.yml": "id: c\ntitle: " + secret + "\n  : : bad\n",
	})

	report, err := Scan(root)
	require.NoError(t, err)
	require.NotEmpty(t, report.Issues)
	for _, is := range report.Issues {
		assert.NotContains(t, is.Description, secret)
		assert.NotContains(t, is.String(), secret)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	created := time.Date(2024, 3, 1, 8, 30, 0, 123456789, time.UTC)
	repo := credential.NewRepository(CurrentVersion, created)
	repo.CustomTypes["gizmo"] = &credential.TypeDefinition{
		Name:   "gizmo",
		Fields: []credential.FieldTemplate{{Name: "serial", Sensitive: true}},
	}
	repo.Records["r1"] = &credential.Record{
		ID:    "r1",
		Title: "Bank",
		Type:  "login",
		Fields: map[string]credential.Field{
			"username": credential.Text("alice"),
			"password": credential.Secret("p@ss: word\n"),
		},
		Tags:      []string{"finance", "personal"},
		Notes:     "multi\nline",
		CreatedAt: created,
		UpdatedAt: created.Add(time.Hour),
	}
	repo.Records["r2"] = &credential.Record{
		ID:        "r2", Title: "Gizmo", Type: "gizmo",
		Fields:    map[string]credential.Field{"serial": credential.Secret("X1")},
		CreatedAt: created, UpdatedAt: created,
	}

	dir1 := filepath.Join(t.TempDir(), "one")
	require.NoError(t, Write(dir1, repo))

	loaded, report, err := Load(dir1)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "issues: %v", report.Issues)
	require.Len(t, loaded.Records, 2)
	for id, rec := range repo.Records {
		assert.True(t, rec.Equal(loaded.Records[id]), "record %s differs", id)
	}
	assert.True(t, loaded.Metadata.CreatedAt.Equal(created))

	dir2 := filepath.Join(t.TempDir(), "two")
	require.NoError(t, Write(dir2, loaded))
	assert.Equal(t, snapshot(t, dir1), snapshot(t, dir2))
}

func TestWriteRequiresEmptyStaging(t *testing.T) {
	dir := writeTree(t, map[string]string{"leftover": "x"})
	err := Write(dir, credential.NewRepository(CurrentVersion, time.Now()))
	assert.ErrorIs(t, err, ErrStagingNotEmpty)
}

func TestWriteFilePermissions(t *testing.T) {
	if os.PathSeparator == '\\' {
		t.Skip("permission bits are not meaningful on Windows")
	}
	dir := filepath.Join(t.TempDir(), "out")
	repo := credential.NewRepository(CurrentVersion, time.Now())
	require.NoError(t, Write(dir, repo))

	info, err := os.Stat(filepath.Join(dir, MetadataFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FileMode), info.Mode().Perm())
}

func TestCopyEntries(t *testing.T) {
	src := writeTree(t, map[string]string{
		"credentials/bad/record.yml": "::",
		"credentials/bad/extra.bin":  "raw",
		"credentials/notes.txt":      "hello",
	})
	dst := t.TempDir()

	require.NoError(t, CopyEntries(src, dst, []string{"credentials/bad", "credentials/notes.txt"}))
	got := snapshot(t, dst)
	assert.Equal(t, "::", got[filepath.Join("credentials", "bad", "record.yml")])
	assert.Equal(t, "raw", got[filepath.Join("credentials", "bad", "extra.bin")])
	assert.Equal(t, "hello", got[filepath.Join("credentials", "notes.txt")])

	err := CopyEntries(src, dst, []string{"credentials/notes.txt"})
	assert.ErrorIs(t, err, ErrIO)
}

func TestScanReportsStrayEntries(t *testing.T) {
	root := writeTree(t, map[string]string{
		MetadataFile:             meta(0),
		"types/":                 "",
		"credentials/empty/":     "",
		"credentials/junk/a.txt": "x",
		"credentials/README":     "notes",
		"credentials/.DS_Store":  "",
	})

	report, err := Scan(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"credentials/README", "credentials/junk"}, report.Excluded)
	crit := report.Criticals()
	require.Len(t, crit, 1)
	assert.Equal(t, "credentials/junk", crit[0].Path)
}

func TestScanRejectsNonDirectory(t *testing.T) {
	root := writeTree(t, map[string]string{"file": "x"})
	_, err := Scan(filepath.Join(root, "file"))
	assert.ErrorIs(t, err, ErrIO)

	_, err = Scan(filepath.Join(root, "missing"))
	assert.ErrorIs(t, err, ErrIO)
}

func TestCheckDiskSpace(t *testing.T) {
	info, err := DiskSpace(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, info.Total, uint64(0))

	err = CheckDiskSpace(t.TempDir(), int64(info.Available))
	assert.ErrorIs(t, err, ErrInsufficientDisk)
}

func TestParseTypeDefinition(t *testing.T) {
	def, err := ParseTypeDefinition([]byte(`name: other
description: Wi-Fi network
fields:
  - name: ssid
    required: true
  - name: psk
    sensitive: true
`), "wifi")
	require.NoError(t, err)
	assert.Equal(t, "wifi", def.Name, "file name wins")
	require.Len(t, def.Fields, 2)
	assert.Equal(t, credential.KindSecret, def.KindFor("psk"))
	assert.Equal(t, credential.KindText, def.KindFor("ssid"))

	_, err = ParseTypeDefinition([]byte("fields: [\n"), "broken")
	assert.ErrorIs(t, err, ErrSchema)
}
