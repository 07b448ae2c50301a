package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/credstore/pkg/archive"
	"github.com/forest6511/credstore/pkg/credential"
	"github.com/forest6511/credstore/pkg/crypto"
	"github.com/forest6511/credstore/pkg/importer"
	"github.com/forest6511/credstore/pkg/session"
)

func openTestManager(t *testing.T) *session.Manager {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.cred")
	mgr := session.NewManager(
		archive.New(archive.WithKDF(&crypto.PBKDF2{Iterations: 1000})),
		session.WithWorkDir(t.TempDir()),
	)
	require.NoError(t, mgr.Init(ctx, path, []byte("testpassword123")))
	_, err := mgr.Open(ctx, path, []byte("testpassword123"), session.OpenOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func importBatch() []*importer.Imported {
	return []*importer.Imported{
		{Title: "GitHub", Type: "login", Fields: map[string]credential.Field{"password": credential.Secret("gh-pass")}},
		{Title: "AWS", Type: "login", Fields: map[string]credential.Field{"password": credential.Secret("aws-pass")}},
	}
}

func TestImportRecordsOnConflict(t *testing.T) {
	tests := []struct {
		mode          string
		wantImported  int
		wantConflicts int
		wantRecords   int
		wantErr       bool
	}{
		{mode: conflictSkip, wantImported: 1, wantConflicts: 1, wantRecords: 2},
		{mode: conflictDuplicate, wantImported: 2, wantRecords: 3},
		{mode: conflictError, wantErr: true, wantRecords: 1},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			mgr := openTestManager(t)
			_, err := mgr.Create("github", "login", func(r *credential.Record) error { return nil })
			require.NoError(t, err)

			imported, conflicts, err := importRecords(mgr, importBatch(), tt.mode)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "GitHub")
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantImported, imported)
			assert.Equal(t, tt.wantConflicts, conflicts)

			all, err := mgr.List()
			require.NoError(t, err)
			assert.Len(t, all, tt.wantRecords)
		})
	}
}
