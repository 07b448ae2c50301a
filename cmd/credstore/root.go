package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/forest6511/credstore/internal/cli"
	"github.com/forest6511/credstore/internal/config"
	"github.com/forest6511/credstore/internal/index"
	"github.com/forest6511/credstore/internal/logging"
	"github.com/forest6511/credstore/pkg/archive"
	"github.com/forest6511/credstore/pkg/audit"
	"github.com/forest6511/credstore/pkg/crypto"
	"github.com/forest6511/credstore/pkg/repository"
	"github.com/forest6511/credstore/pkg/security"
	"github.com/forest6511/credstore/pkg/session"
)

// PassphraseEnv supplies the passphrase non-interactively. It is cleared
// from the environment once read.
const PassphraseEnv = "CREDSTORE_PASSPHRASE"

// Exit codes
const (
	exitError      = 1
	exitValidation = 2
	exitAuth       = 3
)

var (
	cfgFile  string
	noRepair bool

	cfg      *config.Config
	logger   = logging.Nop()
	auditLog *audit.Logger
)

var rootCmd = &cobra.Command{
	Use:   "credstore",
	Short: "credstore is an encrypted credential store with integrity checking",
	Long: `credstore keeps credentials in a single encrypted archive.

Every time the archive is opened its contents are validated. Repairable
problems (missing directories, stale metadata, legacy layouts) are fixed in
memory and written back on the next save; unreadable records either fail the
open (strict mode) or are set aside untouched (permissive mode).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	// PersistentPreRunE loads configuration and the logger for every command.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(cfgFile, cmd.Flags()); err != nil {
			return err
		}
		if logger, err = logging.New(cfg.Log); err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./credstore.yaml or ~/.config/credstore/credstore.yaml)")
	pf.StringP("archive", "a", "", "path of the encrypted repository")
	pf.String("mode", "", "validation mode: strict or permissive")
	pf.BoolVar(&noRepair, "no-repair", false, "fail instead of repairing repairable issues")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("kdf", "", "key derivation for new archives: auto, argon2id, pbkdf2-sha256")
	pf.String("work-dir", "", "directory for decrypted working copies (default: system temp)")
}

// newManager wires the session manager from the loaded configuration.
func newManager(source string) (*session.Manager, error) {
	kdf, err := crypto.SelectKDF(cfg.Crypto.KDF, cfg.Crypto.MemoryLimitKiB)
	if err != nil {
		return nil, err
	}
	opts := []session.Option{
		session.WithLogger(logger),
		session.WithIndex(func() (session.Index, error) { return index.Open() }),
		session.WithWorkDir(cfg.Storage.WorkDir),
		session.WithSource(source),
	}
	if cfg.Audit.Enabled {
		auditLog = audit.NewLogger(cfg.AuditDir())
		opts = append(opts, session.WithAuditor(auditLog))
	}
	arc := archive.New(archive.WithKDF(kdf), archive.WithLogger(logger))
	return session.NewManager(arc, opts...), nil
}

// openOptions returns the configured validation policy.
func openOptions() session.OpenOptions {
	return session.OpenOptions{
		Mode:          cfg.Mode(),
		DisableRepair: noRepair || !cfg.Validation.AutoRepair,
	}
}

// openRepository prompts for the passphrase and opens the configured
// archive. On a validation failure the report is printed to stderr.
func openRepository(ctx context.Context, source string, opts session.OpenOptions) (*session.Manager, error) {
	mgr, err := newManager(source)
	if err != nil {
		return nil, err
	}
	passphrase, err := readPassphrase("Enter passphrase: ", false)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(passphrase)

	if _, err := mgr.Open(ctx, cfg.Archive, passphrase, opts); err != nil {
		var oe *session.OpenError
		if errors.As(err, &oe) && oe.Report != nil {
			cli.PrintReport(os.Stderr, oe.Report)
		}
		return nil, err
	}
	return mgr, nil
}

// withRepository runs fn against an open repository and closes it after.
// When save is set the repository is saved if fn succeeds.
func withRepository(cmd *cobra.Command, save bool, fn func(ctx context.Context, mgr *session.Manager) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	mgr, err := openRepository(ctx, audit.SourceCLI, openOptions())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := mgr.Close(); cerr != nil {
			logger.Warnw("close failed", "error", cerr)
		}
	}()

	if r := mgr.LastValidationReport(); r != nil && r.Repair != nil && len(r.Repair.Applied) > 0 {
		fmt.Fprintf(os.Stderr, "Repaired %d issue(s) in memory; they are written on the next save.\n", len(r.Repair.Applied))
	}
	if err := fn(ctx, mgr); err != nil {
		return err
	}
	if save {
		return mgr.Save(ctx)
	}
	return nil
}

// readPassphrase reads from PassphraseEnv, or prompts on the terminal.
// confirm asks twice and checks the passphrase strength.
func readPassphrase(prompt string, confirm bool) ([]byte, error) {
	if env, ok := os.LookupEnv(PassphraseEnv); ok {
		os.Unsetenv(PassphraseEnv)
		if env == "" {
			return nil, fmt.Errorf("%s is set but empty", PassphraseEnv)
		}
		if confirm {
			if err := checkPassphrase(env); err != nil {
				return nil, err
			}
		}
		return []byte(env), nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("no terminal for the passphrase prompt: set %s", PassphraseEnv)
	}
	fmt.Fprint(os.Stderr, prompt)
	p1, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	if !confirm {
		return p1, nil
	}

	if err := checkPassphrase(string(p1)); err != nil {
		crypto.SecureWipe(p1)
		return nil, err
	}
	fmt.Fprint(os.Stderr, "Confirm passphrase: ")
	p2, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		crypto.SecureWipe(p1)
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	defer crypto.SecureWipe(p2)
	if string(p1) != string(p2) {
		crypto.SecureWipe(p1)
		return nil, errors.New("passphrases do not match")
	}
	return p1, nil
}

func checkPassphrase(p string) error {
	result := security.ValidatePassphrase(p)
	if !result.Valid {
		return fmt.Errorf("passphrase rejected: %s", result.Warnings[0])
	}
	fmt.Fprintf(os.Stderr, "Passphrase strength: %s\n", result.Strength)
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
	}
	return nil
}

// readSecretValue prompts for one secret field value without echo.
func readSecretValue(name string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("no terminal to prompt for %s", name)
	}
	fmt.Fprintf(os.Stderr, "%s: ", name)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	defer crypto.SecureWipe(b)
	return string(b), nil
}

// confirmPrompt asks a yes/no question on stderr.
func confirmPrompt(in io.Reader, question string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", question)
	line, _ := bufio.NewReader(in).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// exitCode maps errors to process exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, archive.ErrDecryptionFailed),
		errors.Is(err, session.ErrTooManyAttempts),
		errors.Is(err, session.ErrCooldownActive):
		return exitAuth
	case errors.Is(err, repository.ErrSchema),
		errors.Is(err, repository.ErrDuplicateID),
		errors.Is(err, repository.ErrStructural),
		errors.Is(err, repository.ErrCriticalCorruption),
		errors.Is(err, repository.ErrRepairIncomplete),
		errors.Is(err, session.ErrRepairRequired):
		return exitValidation
	default:
		return exitError
	}
}

// parseDuration parses a duration string with support for d (days),
// w (weeks), m (months) and y (years) in addition to Go durations.
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %s", s)
	}

	unit := s[len(s)-1]
	valueStr := s[:len(s)-1]

	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return time.ParseDuration(s)
	}

	switch unit {
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	case 'm':
		return time.Duration(value) * 30 * 24 * time.Hour, nil
	case 'y':
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		return time.ParseDuration(s)
	}
}
