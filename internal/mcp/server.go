// Package mcp implements the MCP (Model Context Protocol) server for
// credstore. Agents connected to it can browse an open repository and see
// masked secrets, but never receive secret plaintext.
package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/forest6511/credstore/pkg/session"
)

// Version is reported to clients in the implementation info.
const Version = "0.1.0"

// Tool names
const (
	ToolCredentialList      = "credential_list"
	ToolCredentialExists    = "credential_exists"
	ToolCredentialGetMasked = "credential_get_masked"
	ToolCredentialSearch    = "credential_search"
	ToolValidationReport    = "validation_report"
)

// ToolNames returns every tool the server registers.
func ToolNames() []string {
	return []string{
		ToolCredentialList,
		ToolCredentialExists,
		ToolCredentialGetMasked,
		ToolCredentialSearch,
		ToolValidationReport,
	}
}

// Server represents the MCP server over one repository session.
type Server struct {
	server  *mcp.Server
	session *session.Manager
	policy  *Policy
	logger  *zap.SugaredLogger
}

// ServerOptions contains configuration options for the MCP server.
type ServerOptions struct {
	// Policy restricts tools and visible records. Nil means DefaultPolicy.
	Policy *Policy

	Logger *zap.SugaredLogger
}

// NewServer creates a server over mgr, which must hold an open repository.
// The caller keeps ownership of the session and closes it after Run.
func NewServer(mgr *session.Manager, opts *ServerOptions) (*Server, error) {
	if mgr == nil {
		return nil, errors.New("mcp: session manager is required")
	}
	if opts == nil {
		opts = &ServerOptions{}
	}
	if _, err := mgr.Describe(); err != nil {
		return nil, err
	}

	s := &Server{
		server: mcp.NewServer(
			&mcp.Implementation{
				Name:    "credstore",
				Version: Version,
			},
			nil,
		),
		session: mgr,
		policy:  opts.Policy,
		logger:  opts.Logger,
	}
	if s.policy == nil {
		s.policy = DefaultPolicy()
	}
	if s.logger == nil {
		s.logger = zap.NewNop().Sugar()
	}

	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolCredentialList,
		Description: "List credentials with their id, title, type, tags and field names. Optionally filter by tag or type. Does NOT return field values.",
	}, s.handleCredentialList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolCredentialExists,
		Description: "Check whether a credential id exists and return its metadata. Does NOT return field values.",
	}, s.handleCredentialExists)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolCredentialGetMasked,
		Description: "Get the fields of a credential. Text fields are returned as-is; secret fields are masked (e.g. '****WXYZ') so their format can be checked without exposing them.",
	}, s.handleCredentialGetMasked)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolCredentialSearch,
		Description: "Search credentials by id, title, type, tag or text field value. Secret values are never searched.",
	}, s.handleCredentialSearch)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolValidationReport,
		Description: "Report the integrity issues found, repaired and excluded when the repository was opened.",
	}, s.handleValidationReport)
}

// Run serves MCP over stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Infow("mcp server started", "tools", len(ToolNames()))
	defer s.logger.Infow("mcp server stopped")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// allow checks the policy for tool.
func (s *Server) allow(tool string) error {
	if ok, reason := s.policy.IsToolAllowed(tool); !ok {
		s.logger.Warnw("mcp tool denied", "tool", tool)
		return fmt.Errorf("%w: %s", ErrToolDenied, reason)
	}
	return nil
}
