// Package config loads credstore configuration from defaults, an optional
// YAML file, CREDSTORE_* environment variables and command-line flags, in
// increasing order of priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/forest6511/credstore/pkg/crypto"
	"github.com/forest6511/credstore/pkg/session"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "CREDSTORE"

// Config holds all application configuration.
type Config struct {
	// Archive is the path of the encrypted repository file.
	Archive string `mapstructure:"archive"`

	Validation ValidationConfig `mapstructure:"validation"`
	Crypto     CryptoConfig     `mapstructure:"crypto"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Log        LogConfig        `mapstructure:"log"`
	Audit      AuditConfig      `mapstructure:"audit"`
}

// ValidationConfig controls what Open does with damaged repositories.
type ValidationConfig struct {
	Mode       string `mapstructure:"mode"`        // strict, permissive
	AutoRepair bool   `mapstructure:"auto_repair"` // fix repairable issues on open
}

// CryptoConfig selects the KDF for new archives.
type CryptoConfig struct {
	KDF            string `mapstructure:"kdf"`              // auto, argon2id, pbkdf2-sha256
	MemoryLimitKiB uint32 `mapstructure:"memory_limit_kib"` // 0 = no limit
}

// StorageConfig for local plaintext working directories.
type StorageConfig struct {
	WorkDir string `mapstructure:"work_dir"` // empty = system temp dir
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console, json
}

// AuditConfig for the audit log.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"` // empty = <archive>.audit
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	archive := "credstore.cred"
	if home, err := os.UserHomeDir(); err == nil {
		archive = filepath.Join(home, ".credstore", "credstore.cred")
	}
	return &Config{
		Archive: archive,
		Validation: ValidationConfig{
			Mode:       "strict",
			AutoRepair: true,
		},
		Crypto: CryptoConfig{KDF: crypto.KDFAuto},
		Log: LogConfig{
			Level:  "warn",
			Format: "console",
		},
		Audit: AuditConfig{Enabled: true},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Archive == "" {
		return errors.New("archive path is required")
	}
	if _, err := session.ParseMode(c.Validation.Mode); err != nil {
		return fmt.Errorf("invalid validation mode: %s", c.Validation.Mode)
	}
	if _, err := crypto.SelectKDF(c.Crypto.KDF, c.Crypto.MemoryLimitKiB); err != nil {
		return fmt.Errorf("invalid kdf: %s", c.Crypto.KDF)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	validFormats := map[string]bool{"console": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}
	return nil
}

// Mode returns the parsed validation mode.
func (c *Config) Mode() session.Mode {
	m, _ := session.ParseMode(c.Validation.Mode)
	return m
}

// AuditDir returns the audit log directory.
func (c *Config) AuditDir() string {
	if c.Audit.Dir != "" {
		return c.Audit.Dir
	}
	return c.Archive + ".audit"
}

// FlagKeys maps command-line flag names to config keys.
var FlagKeys = map[string]string{
	"archive":   "archive",
	"mode":      "validation.mode",
	"log-level": "log.level",
	"kdf":       "crypto.kdf",
	"work-dir":  "storage.work_dir",
}

// Load reads configuration. path names an explicit config file; when empty
// the default locations are tried and a missing file is not an error.
// Flags from fs that were set on the command line override everything else.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("credstore")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "credstore"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range FlagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("archive", d.Archive)
	v.SetDefault("validation.mode", d.Validation.Mode)
	v.SetDefault("validation.auto_repair", d.Validation.AutoRepair)
	v.SetDefault("crypto.kdf", d.Crypto.KDF)
	v.SetDefault("crypto.memory_limit_kib", d.Crypto.MemoryLimitKiB)
	v.SetDefault("storage.work_dir", d.Storage.WorkDir)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("audit.enabled", d.Audit.Enabled)
	v.SetDefault("audit.dir", d.Audit.Dir)
}
