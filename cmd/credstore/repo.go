package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forest6511/credstore/internal/cli"
	"github.com/forest6511/credstore/pkg/audit"
	"github.com/forest6511/credstore/pkg/crypto"
	"github.com/forest6511/credstore/pkg/session"
)

func init() {
	rootCmd.AddCommand(initCmd, checkCmd, repairCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new encrypted repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newManager(audit.SourceCLI)
		if err != nil {
			return err
		}
		passphrase, err := readPassphrase("New passphrase: ", true)
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(passphrase)

		if err := mgr.Init(cmd.Context(), cfg.Archive, passphrase); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Repository created at %s\n", cfg.Archive)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the repository without writing anything",
	Long: `Open the repository, run validation and print the report. Repairs are
applied only to the temporary working copy and are discarded.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(cmd, false, func(ctx context.Context, mgr *session.Manager) error {
			cli.PrintReport(cmd.OutOrStdout(), mgr.LastValidationReport())
			h, err := mgr.Describe()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d credential(s), mode %s, kdf %s\n", h.Records, h.Mode, h.KDF.Name)
			return nil
		})
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Validate the repository and persist repairs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if noRepair {
			return fmt.Errorf("repair cannot run with --no-repair")
		}
		cfg.Validation.AutoRepair = true
		return withRepository(cmd, true, func(ctx context.Context, mgr *session.Manager) error {
			r := mgr.LastValidationReport()
			cli.PrintReport(cmd.OutOrStdout(), r)
			if r.Counts().Repaired == 0 {
				fmt.Fprintln(os.Stderr, "Nothing to repair; the archive is rewritten unchanged.")
			}
			return nil
		})
	},
}
