package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/credstore/internal/cli"
	"github.com/forest6511/credstore/pkg/credential"
	"github.com/forest6511/credstore/pkg/security"
	"github.com/forest6511/credstore/pkg/session"
)

var healthJSON bool

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "output in JSON format")
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Score the strength and reuse of stored secrets",
	Long: `Analyze stored secrets and print a security score.

The score is calculated from:
  - Strength (0-35): average strength of password and token fields
  - Uniqueness (0-35): share of secret values not reused elsewhere
  - Coverage (0-30): required template fields that are filled in

Values never leave the process; duplicates are found by keyed hash.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(cmd, false, func(ctx context.Context, mgr *session.Manager) error {
			score, err := scoreRepository(mgr)
			if err != nil {
				return err
			}
			if healthJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(score)
			}
			cli.PrintScore(cmd.OutOrStdout(), score)
			return nil
		})
	},
}

func scoreRepository(mgr *session.Manager) (*security.SecurityScore, error) {
	types, err := mgr.Types()
	if err != nil {
		return nil, err
	}
	calc, err := security.NewCalculator(types)
	if err != nil {
		return nil, fmt.Errorf("failed to create calculator: %w", err)
	}

	summaries, err := mgr.List()
	if err != nil {
		return nil, err
	}
	records := make([]*credential.Record, 0, len(summaries))
	defer func() {
		for _, r := range records {
			r.Wipe()
		}
	}()
	for _, s := range summaries {
		rec, err := mgr.Get(s.ID)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return calc.CalculateScore(records), nil
}
