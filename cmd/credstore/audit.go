package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/credstore/pkg/session"
)

var (
	auditLimit        int
	auditSince        string
	auditExportFormat string
	auditExportSince  string
	auditExportOutput string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd, auditVerifyCmd, auditExportCmd)

	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "maximum number of events to show")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "show events since duration (e.g., 24h, 7d)")

	auditExportCmd.Flags().StringVar(&auditExportFormat, "format", "json", "output format: json, csv")
	auditExportCmd.Flags().StringVar(&auditExportSince, "since", "", "export events since duration (e.g., 30d)")
	auditExportCmd.Flags().StringVarP(&auditExportOutput, "output", "o", "", "output file path (default: stdout)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long: `Inspect the audit log. The log's HMAC key is derived from the
repository passphrase, so the repository is opened first.`,
}

// withAudit opens the repository so the audit key is installed.
func withAudit(cmd *cobra.Command, fn func() error) error {
	if !cfg.Audit.Enabled {
		return errors.New("audit logging is disabled in the configuration")
	}
	return withRepository(cmd, false, func(ctx context.Context, mgr *session.Manager) error {
		return fn()
	})
}

func sinceTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	d, err := parseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid since format: %w", err)
	}
	return time.Now().Add(-d), nil
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit log entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		since, err := sinceTime(auditSince)
		if err != nil {
			return err
		}
		return withAudit(cmd, func() error {
			events, err := auditLog.ListEvents(auditLimit, since)
			if err != nil {
				return fmt.Errorf("failed to list audit events: %w", err)
			}
			w := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(w, "No audit events found")
				return nil
			}
			for _, event := range events {
				line := fmt.Sprintf("%s %s %s %s", event.Timestamp, event.Source, event.Operation, event.Result)
				if event.Credential != "" {
					cred := event.Credential
					if len(cred) > 16 {
						cred = cred[:16] + "..."
					}
					line += " cred:" + cred
				}
				if event.Error != nil {
					line += " error:" + event.Error.Code
				}
				fmt.Fprintln(w, line)
			}
			fmt.Fprintf(w, "\nTotal: %d events\n", len(events))
			return nil
		})
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log HMAC chain integrity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAudit(cmd, func() error {
			result, err := auditLog.Verify()
			if err != nil {
				return fmt.Errorf("failed to verify audit log: %w", err)
			}
			w := cmd.OutOrStdout()
			if !result.Valid {
				fmt.Fprintln(w, "Audit log verification FAILED")
				fmt.Fprintf(w, "  Records total: %d\n", result.RecordsTotal)
				fmt.Fprintf(w, "  Records verified: %d\n", result.RecordsVerified)
				for _, e := range result.Errors {
					fmt.Fprintf(w, "    - %s\n", e)
				}
				return errors.New("audit log integrity check failed")
			}
			fmt.Fprintf(w, "Audit log verified: %d records, chain intact\n", result.RecordsTotal)
			data, _ := json.Marshal(result)
			fmt.Fprintf(w, "\nJSON: %s\n", data)
			return nil
		})
	},
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit logs to JSON or CSV",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if auditExportFormat != "json" && auditExportFormat != "csv" {
			return fmt.Errorf("invalid format: %s (must be json or csv)", auditExportFormat)
		}
		since, err := sinceTime(auditExportSince)
		if err != nil {
			return err
		}
		return withAudit(cmd, func() error {
			data, err := auditLog.Export(auditExportFormat, since)
			if err != nil {
				return fmt.Errorf("failed to export audit log: %w", err)
			}
			if auditExportOutput == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(auditExportOutput, data, 0600); err != nil {
				return fmt.Errorf("failed to write output file: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Exported to %s\n", auditExportOutput)
			return nil
		})
	},
}
