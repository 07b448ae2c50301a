package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/credstore/pkg/crypto"
)

// newTestArchive uses a cheap KDF; production archives use Argon2id.
func newTestArchive() *Archive {
	return New(WithKDF(&crypto.PBKDF2{Iterations: 1000}))
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0700))
		require.NoError(t, os.WriteFile(p, []byte(content), 0600))
	}
}

func readFiles(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

var sampleTree = map[string]string{
	"metadata.yml":               "version: \"1.0\"\ncredential_count: 1\n",
	"credentials/a/record.yml":   "id: a\ntitle: A\n",
	"types/gizmo.yml":            "name: gizmo\n",
	"credentials/b/nested/x.bin": "\x00\x01\x02",
}

func sealSample(t *testing.T, a *Archive, passphrase string) string {
	t.Helper()
	src := t.TempDir()
	writeFiles(t, src, sampleTree)
	path := filepath.Join(t.TempDir(), "store.cred")
	require.NoError(t, a.Seal(context.Background(), src, path, []byte(passphrase)))
	return path
}

func TestSealExtractRoundTrip(t *testing.T) {
	a := newTestArchive()
	path := sealSample(t, a, "correct horse")
	require.True(t, a.Exists(path))

	dest := filepath.Join(t.TempDir(), "out")
	u, err := a.Extract(context.Background(), path, []byte("correct horse"), dest)
	require.NoError(t, err)
	defer u.Wipe()

	assert.Equal(t, len(sampleTree), u.EntryCount)
	assert.Len(t, u.AuditKey, crypto.KeyLength)
	assert.Equal(t, crypto.KDFPBKDF2, u.KDF.Name)
	assert.Equal(t, sampleTree, readFiles(t, dest))
}

func TestExtractWrongPassphrase(t *testing.T) {
	a := newTestArchive()
	path := sealSample(t, a, "right")

	_, err := a.Extract(context.Background(), path, []byte("wrong"), t.TempDir())
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestExtractDetectsTampering(t *testing.T) {
	a := newTestArchive()
	path := sealSample(t, a, "pass")
	orig, err := os.ReadFile(path)
	require.NoError(t, err)

	tests := []struct {
		name   string
		offset func(n int) int
		want   error
	}{
		{"magic", func(int) int { return 0 }, ErrInvalidFormat},
		{"ciphertext", func(n int) int { return n - HMACLength - 5 }, ErrDecryptionFailed},
		{"hmac", func(n int) int { return n - 1 }, ErrDecryptionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := bytes.Clone(orig)
			data[tt.offset(len(data))] ^= 0xff
			require.NoError(t, os.WriteFile(path, data, 0600))

			_, err := a.Extract(context.Background(), path, []byte("pass"), t.TempDir())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestExtractTruncated(t *testing.T) {
	a := newTestArchive()
	path := sealSample(t, a, "pass")
	data, _ := os.ReadFile(path)
	require.NoError(t, os.WriteFile(path, data[:len(data)-10], 0600))

	_, err := a.Extract(context.Background(), path, []byte("pass"), t.TempDir())
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestExtractMissing(t *testing.T) {
	a := newTestArchive()
	_, err := a.Extract(context.Background(), filepath.Join(t.TempDir(), "none"), []byte("p"), t.TempDir())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExtractRequiresEmptyDestination(t *testing.T) {
	a := newTestArchive()
	path := sealSample(t, a, "pass")
	dest := t.TempDir()
	writeFiles(t, dest, map[string]string{"stale": "x"})

	_, err := a.Extract(context.Background(), path, []byte("pass"), dest)
	assert.ErrorIs(t, err, ErrDestinationNotEmpty)
}

func TestPassphraseNormalization(t *testing.T) {
	a := newTestArchive()
	// U+FB01 (ﬁ ligature) is NFKC-equivalent to "fi".
	path := sealSample(t, a, "ﬁsh")

	u, err := a.Extract(context.Background(), path, []byte("fish"), t.TempDir())
	require.NoError(t, err, "extract with normalized passphrase")
	u.Wipe()
}

func TestAuditKeyStableAcrossSeals(t *testing.T) {
	a := newTestArchive()
	path := sealSample(t, a, "pass")

	u1, err := a.Extract(context.Background(), path, []byte("pass"), t.TempDir())
	require.NoError(t, err)

	src := t.TempDir()
	writeFiles(t, src, map[string]string{"metadata.yml": "changed"})
	require.NoError(t, a.Seal(context.Background(), src, path, []byte("pass")))

	u2, err := a.Extract(context.Background(), path, []byte("pass"), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, u1.AuditKey, u2.AuditKey, "audit key should not change when resealing with the same passphrase")
}

func TestSealFailureKeepsPreviousArchive(t *testing.T) {
	a := newTestArchive()
	path := sealSample(t, a, "pass")
	before, _ := os.ReadFile(path)

	err := a.Seal(context.Background(), filepath.Join(t.TempDir(), "missing"), path, []byte("pass"))
	require.Error(t, err, "seal of a missing tree")

	after, _ := os.ReadFile(path)
	assert.Equal(t, before, after, "a failed seal must leave the archive untouched")

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".*.tmp-*"))
	assert.Empty(t, matches, "temp files left behind")
}

func TestSealHonoursContext(t *testing.T) {
	a := newTestArchive()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := a.Seal(ctx, t.TempDir(), filepath.Join(t.TempDir(), "x"), []byte("p"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmptyPassphrase(t *testing.T) {
	a := newTestArchive()
	err := a.Seal(context.Background(), t.TempDir(), filepath.Join(t.TempDir(), "x"), nil)
	assert.ErrorIs(t, err, ErrEmptyPassphrase)
}

func TestPackIsDeterministic(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, sampleTree)
	first, n, err := pack(src)
	require.NoError(t, err)
	assert.Equal(t, len(sampleTree), n)

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(src, "metadata.yml"), later, later))

	second, _, err := pack(src)
	require.NoError(t, err)
	assert.Equal(t, first, second, "pack output should not depend on modification times")
}

func TestUnpackRejectsUnsafeEntries(t *testing.T) {
	tests := []struct {
		name string
		hdr  tar.Header
	}{
		{"absolute", tar.Header{Name: "/etc/passwd", Typeflag: tar.TypeReg}},
		{"parent", tar.Header{Name: "../escape", Typeflag: tar.TypeReg}},
		{"nested parent", tar.Header{Name: "credentials/../../escape", Typeflag: tar.TypeReg}},
		{"symlink", tar.Header{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "/etc"}},
		{"hardlink", tar.Header{Name: "hard", Typeflag: tar.TypeLink, Linkname: "metadata.yml"}},
		{"fifo", tar.Header{Name: "pipe", Typeflag: tar.TypeFifo}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tw := tar.NewWriter(&buf)
			hdr := tt.hdr
			hdr.Mode = 0600
			require.NoError(t, tw.WriteHeader(&hdr))
			require.NoError(t, tw.Close())

			dest := t.TempDir()
			_, err := unpack(buf.Bytes(), dest)
			assert.ErrorIs(t, err, ErrUnsafeEntry)
			assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "escape"), "entry escaped the destination")
		})
	}
}

func TestReadHeaderRejectsFutureVersion(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHeader(&buf, &Header{Version: FormatVersion + 1}))

	_, err := ReadHeader(&buf)
	assert.ErrorIs(t, err, ErrInvalidFormat)
}
