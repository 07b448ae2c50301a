package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/credstore/pkg/archive"
	"github.com/forest6511/credstore/pkg/credential"
	"github.com/forest6511/credstore/pkg/repository"
	"github.com/forest6511/credstore/pkg/session"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "wrong passphrase", err: &session.OpenError{Err: archive.ErrDecryptionFailed}, want: exitAuth},
		{name: "cooldown", err: fmt.Errorf("open: %w", session.ErrCooldownActive), want: exitAuth},
		{name: "too many attempts", err: session.ErrTooManyAttempts, want: exitAuth},
		{name: "schema", err: &session.OpenError{Err: repository.ErrSchema}, want: exitValidation},
		{name: "duplicate", err: repository.ErrDuplicateID, want: exitValidation},
		{name: "repair disabled", err: session.ErrRepairRequired, want: exitValidation},
		{name: "other", err: errors.New("boom"), want: exitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestCollectFieldsAndApply(t *testing.T) {
	def, _ := credential.Builtin("login")

	fv, err := collectFields([]string{"username=alice", "password=hunter22", "url=https://x?a=b"}, []string{"pin=1234"})
	require.NoError(t, err)
	fv.set("recovery", "generated")

	r := &credential.Record{}
	require.NoError(t, fv.apply(r, def))

	want := map[string]bool{
		"username": false,
		"password": true, // template field marked sensitive
		"url":      false,
		"pin":      true,
		"recovery": true,
	}
	for name, secret := range want {
		f, ok := r.Fields[name]
		if assert.True(t, ok, "field %s missing", name) {
			assert.Equal(t, secret, f.IsSecret(), "field %s", name)
		}
	}
	assert.Equal(t, "https://x?a=b", r.Fields["url"].Reveal())
}

func TestCollectFieldsErrors(t *testing.T) {
	_, err := collectFields([]string{"novalue"}, nil)
	assert.Error(t, err, "missing '='")

	fv, err := collectFields([]string{"Bad-Name=x"}, nil)
	require.NoError(t, err)
	err = fv.apply(&credential.Record{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Bad-Name")
}

func TestApplyWithoutTypeMakesText(t *testing.T) {
	fv, _ := collectFields([]string{"password=x"}, nil)
	r := &credential.Record{}
	require.NoError(t, fv.apply(r, nil))
	assert.False(t, r.Fields["password"].IsSecret(), "without a type definition --field values are text")
}

func TestEditTagSet(t *testing.T) {
	r := &credential.Record{Tags: []string{"dev", "work"}}
	editTagSet(r, []string{"prod", "dev"}, []string{"work ", "absent"})
	assert.Equal(t, []string{"dev", "prod"}, r.Tags)

	editTagSet(r, nil, nil)
	assert.Equal(t, []string{"dev", "prod"}, r.Tags)
}

func TestReadPassphraseFromEnv(t *testing.T) {
	t.Setenv(PassphraseEnv, "correct horse battery staple")

	p, err := readPassphrase("Passphrase: ", false)
	require.NoError(t, err)
	assert.Equal(t, "correct horse battery staple", string(p))
	_, set := os.LookupEnv(PassphraseEnv)
	assert.False(t, set, "the variable is cleared once read")

	t.Setenv(PassphraseEnv, "")
	_, err = readPassphrase("Passphrase: ", false)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), PassphraseEnv))
}
