package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forest6511/credstore/internal/mcp"
	"github.com/forest6511/credstore/pkg/audit"
)

func init() {
	rootCmd.AddCommand(mcpServerCmd)
}

var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Start the MCP server for AI coding assistants",
	Long: `Start a Model Context Protocol server over stdio. Agents can list,
search and inspect credentials, but never receive secret values: secrets
are returned masked (e.g. "*************ABCD").

Available tools:
  - credential_list:        list credentials with field names (no values)
  - credential_exists:      check whether an id exists
  - credential_get_masked:  get a record with secrets masked
  - credential_search:      search titles, tags, types and text fields
  - validation_report:      the validation and repair report of this open

Authentication:
  Set CREDSTORE_PASSPHRASE before starting the server. It is read once and
  cleared from the environment; stdin belongs to the protocol, so there is
  no prompt.

Policy:
  An optional mcp-policy.yaml next to the archive (mode 0600) can deny tools
  and hide records by tag or type. Without one every tool is allowed.

Example MCP configuration:
  {
    "mcpServers": {
      "credstore": {
        "type": "stdio",
        "command": "/path/to/credstore",
        "args": ["mcp-server"],
        "env": {"CREDSTORE_PASSPHRASE": "..."}
      }
    }
  }`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPServer()
	},
}

func runMCPServer() error {
	if _, ok := os.LookupEnv(PassphraseEnv); !ok {
		return fmt.Errorf("%s must be set for the MCP server", PassphraseEnv)
	}

	policy, err := mcp.LoadPolicy(mcp.PolicyPath(cfg.Archive))
	switch {
	case errors.Is(err, mcp.ErrPolicyNotFound):
		policy = mcp.DefaultPolicy()
	case err != nil:
		return err
	}

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	mgr, err := openRepository(ctx, audit.SourceMCP, openOptions())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := mgr.Close(); cerr != nil {
			logger.Warnw("close failed", "error", cerr)
		}
	}()

	server, err := mcp.NewServer(mgr, &mcp.ServerOptions{Policy: policy, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	if err := server.Run(ctx); err != nil {
		// Don't report context canceled as an error
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
