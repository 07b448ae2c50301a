package mcp

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/forest6511/credstore/pkg/credential"
)

// Policy limits what an agent connected over MCP may see.
type Policy struct {
	Version       int      `yaml:"version"`
	DefaultAction string   `yaml:"default_action"`
	DeniedTools   []string `yaml:"denied_tools"`
	AllowedTools  []string `yaml:"allowed_tools"`
	HiddenTags    []string `yaml:"hidden_tags"`
	HiddenTypes   []string `yaml:"hidden_types"`
}

// PolicyFileName is looked up next to the archive.
const PolicyFileName = "mcp-policy.yaml"

// Policy action constants
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

var (
	ErrPolicyNotFound       = errors.New("mcp: policy file not found")
	ErrPolicyInsecure       = errors.New("mcp: policy file has insecure permissions")
	ErrPolicySymlink        = errors.New("mcp: policy file is a symlink")
	ErrPolicyNotOwnedByUser = errors.New("mcp: policy file not owned by current user")
	ErrToolDenied           = errors.New("mcp: tool denied by policy")
)

// DefaultPolicy allows every tool and hides nothing. It applies when no
// policy file exists; the tools never return plaintext either way.
func DefaultPolicy() *Policy {
	return &Policy{Version: 1, DefaultAction: ActionAllow}
}

// PolicyPath returns the policy location for an archive.
func PolicyPath(archivePath string) string {
	return filepath.Join(filepath.Dir(archivePath), PolicyFileName)
}

// LoadPolicy reads and validates the policy at path. The file must be a
// regular file, mode 0600, owned by the current user.
func LoadPolicy(path string) (*Policy, error) {
	f, err := openPolicyFile(path)
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) || errors.Is(err, ErrPolicySymlink) {
			return nil, err
		}
		return nil, fmt.Errorf("mcp: open policy file: %w", err)
	}
	defer f.Close()

	// fstat the open descriptor, not the path
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("mcp: stat policy file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: not a regular file", ErrPolicyInsecure)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		return nil, fmt.Errorf("%w: %o (expected 0600)", ErrPolicyInsecure, perm)
	}
	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("mcp: read policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(content, &policy); err != nil {
		return nil, fmt.Errorf("mcp: parse policy file: %w", err)
	}
	if policy.DefaultAction == "" {
		policy.DefaultAction = ActionDeny
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &policy, nil
}

// Validate checks the policy configuration.
func (p *Policy) Validate() error {
	if p.Version != 1 {
		return fmt.Errorf("mcp: unsupported policy version: %d", p.Version)
	}
	if p.DefaultAction != ActionDeny && p.DefaultAction != ActionAllow {
		return fmt.Errorf("mcp: invalid default_action: %s (must be '%s' or '%s')", p.DefaultAction, ActionDeny, ActionAllow)
	}
	for _, name := range append(slices.Clone(p.DeniedTools), p.AllowedTools...) {
		if !slices.Contains(ToolNames(), name) {
			return fmt.Errorf("mcp: unknown tool in policy: %s", name)
		}
	}
	return nil
}

// IsToolAllowed evaluates denied_tools, then allowed_tools, then
// default_action.
func (p *Policy) IsToolAllowed(tool string) (allowed bool, reason string) {
	if slices.Contains(p.DeniedTools, tool) {
		return false, fmt.Sprintf("tool '%s' is in denied_tools", tool)
	}
	if slices.Contains(p.AllowedTools, tool) {
		return true, ""
	}
	if p.DefaultAction == ActionAllow {
		return true, ""
	}
	return false, fmt.Sprintf("tool '%s' not in allowed_tools list", tool)
}

// Visible reports whether a record may be shown to the agent at all.
// Hidden records behave as if absent.
func (p *Policy) Visible(s credential.Summary) bool {
	if slices.Contains(p.HiddenTypes, s.Type) {
		return false
	}
	for _, tag := range s.Tags {
		if slices.Contains(p.HiddenTags, tag) {
			return false
		}
	}
	return true
}
