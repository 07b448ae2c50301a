package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/credstore/pkg/session"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, session.Strict, cfg.Mode())
	assert.True(t, cfg.Validation.AutoRepair)
	assert.Equal(t, cfg.Archive+".audit", cfg.AuditDir())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty archive", func(c *Config) { c.Archive = "" }},
		{"bad mode", func(c *Config) { c.Validation.Mode = "lenient" }},
		{"bad kdf", func(c *Config) { c.Crypto.KDF = "md5" }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credstore.yaml")
	content := `
archive: /from/file.cred
validation:
  mode: permissive
  auto_repair: false
log:
  level: info
audit:
  dir: /var/audit
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	t.Setenv("CREDSTORE_LOG_LEVEL", "debug")
	t.Setenv("CREDSTORE_CRYPTO_KDF", "pbkdf2-sha256")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("archive", "", "")
	fs.String("mode", "", "")
	require.NoError(t, fs.Parse([]string{"--archive", "/from/flag.cred"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, "/from/flag.cred", cfg.Archive, "flag wins over file")
	assert.Equal(t, session.Permissive, cfg.Mode(), "unset flag does not override file")
	assert.False(t, cfg.Validation.AutoRepair)
	assert.Equal(t, "debug", cfg.Log.Level, "env wins over file")
	assert.Equal(t, "pbkdf2-sha256", cfg.Crypto.KDF)
	assert.Equal(t, "console", cfg.Log.Format, "default kept")
	assert.Equal(t, "/var/audit", cfg.AuditDir())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  format: xml\n"), 0600))
	_, err := Load(path, nil)
	assert.Error(t, err)
}
