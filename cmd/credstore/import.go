package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/credstore/internal/cli"
	"github.com/forest6511/credstore/pkg/crypto"
	"github.com/forest6511/credstore/pkg/importer"
	"github.com/forest6511/credstore/pkg/session"
)

// Import conflict modes for titles that already exist.
const (
	conflictSkip      = "skip"
	conflictDuplicate = "duplicate"
	conflictError     = "error"
)

var (
	importFrom     string
	importTags     string
	importDryRun   bool
	importConflict string
)

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().StringVar(&importFrom, "from", "", "export format: "+strings.Join(importer.ValidSources(), ", "))
	importCmd.Flags().StringVar(&importTags, "tags", "", "extra tags for every imported credential")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "parse and report without changing the repository")
	importCmd.Flags().StringVar(&importConflict, "on-conflict", conflictSkip, "when the title exists: skip, duplicate, error")
	_ = importCmd.MarkFlagRequired("from")
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import credentials from another password manager",
	Long: `Import credentials from a 1Password CSV, Bitwarden JSON or LastPass CSV
export. Passwords, one-time codes and notes become secret fields.

Delete the export file afterwards: it holds every secret in plaintext.

Examples:
  credstore import --from bitwarden bitwarden_export.json
  credstore import --from lastpass lastpass.csv --tags imported --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch importConflict {
		case conflictSkip, conflictDuplicate, conflictError:
		default:
			return fmt.Errorf("invalid --on-conflict %q: use skip, duplicate or error", importConflict)
		}
		parser, err := importer.GetParser(importer.Source(importFrom))
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read import file: %w", err)
		}
		defer crypto.SecureWipe(data)

		result, err := parser.Parse(data)
		if err != nil {
			return fmt.Errorf("failed to parse %s export: %w", importFrom, err)
		}
		defer result.Wipe()

		extra := cli.SplitTags(importTags)
		for _, rec := range result.Records {
			rec.Tags = append(rec.Tags, extra...)
		}

		w := cmd.OutOrStdout()
		for _, warning := range result.Warnings {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
		}
		if importDryRun {
			for _, rec := range result.Records {
				fmt.Fprintf(w, "%-10s %s (%d fields)\n", rec.Type, rec.Title, len(rec.Fields))
			}
			fmt.Fprintf(w, "\n%d to import, %d skipped (dry run)\n", len(result.Records), len(result.Skipped))
			return nil
		}

		return withRepository(cmd, true, func(ctx context.Context, mgr *session.Manager) error {
			imported, conflicts, err := importRecords(mgr, result.Records, importConflict)
			if err != nil {
				return err
			}
			skipped := len(result.Skipped) + len(result.Records) - imported - conflicts
			fmt.Fprintf(w, "Imported %d credential(s), %d existing, %d skipped\n", imported, conflicts, skipped)
			return nil
		})
	},
}

// importRecords creates each record unless its title already exists and
// onConflict says otherwise. Records the model rejects are reported and
// left out.
func importRecords(mgr *session.Manager, records []*importer.Imported, onConflict string) (imported, conflicts int, err error) {
	for _, rec := range records {
		existing, err := mgr.FindByTitle(rec.Title)
		if err != nil {
			return imported, conflicts, err
		}
		if len(existing) > 0 {
			switch onConflict {
			case conflictError:
				return imported, conflicts, fmt.Errorf("credential '%s' already exists (use --on-conflict)", rec.Title)
			case conflictSkip:
				conflicts++
				continue
			}
		}
		if _, err := mgr.Create(rec.Title, rec.Type, rec.Apply); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %s: %v\n", rec.Title, err)
			continue
		}
		imported++
	}
	return imported, conflicts, nil
}
