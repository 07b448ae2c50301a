// Package cli provides shared utilities for CLI commands.
package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/forest6511/credstore/pkg/credential"
)

// ErrAmbiguous is returned when a reference matches more than one title.
var ErrAmbiguous = errors.New("reference matches more than one credential")

// MatchTitles filters summaries by a glob pattern over titles, ignoring
// case. An empty pattern matches everything. Order is preserved.
func MatchTitles(pattern string, summaries []credential.Summary) ([]credential.Summary, error) {
	if pattern == "" {
		return summaries, nil
	}
	pattern = strings.ToLower(pattern)
	// Validate pattern syntax
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
	}

	var matches []credential.Summary
	for _, s := range summaries {
		matched, err := filepath.Match(pattern, strings.ToLower(s.Title))
		if err != nil {
			return nil, err
		}
		if matched {
			matches = append(matches, s)
		}
	}
	return matches, nil
}

// Resolve turns a command-line reference into a credential id. An exact id
// wins; otherwise the reference must match exactly one title, ignoring case,
// or one title glob if it contains glob characters.
func Resolve(ref string, summaries []credential.Summary) (string, error) {
	for _, s := range summaries {
		if s.ID == ref {
			return ref, nil
		}
	}

	var candidates []credential.Summary
	if strings.ContainsAny(ref, "*?[") {
		var err error
		if candidates, err = MatchTitles(ref, summaries); err != nil {
			return "", err
		}
	} else {
		for _, s := range summaries {
			if strings.EqualFold(s.Title, ref) {
				candidates = append(candidates, s)
			}
		}
	}

	switch len(candidates) {
	case 0:
		return "", fmt.Errorf("%w: '%s'", credential.ErrNotFound, ref)
	case 1:
		return candidates[0].ID, nil
	default:
		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ID
		}
		return "", fmt.Errorf("%w: '%s' (%s)", ErrAmbiguous, ref, strings.Join(ids, ", "))
	}
}

// ParseFieldArg splits a "name=value" argument.
func ParseFieldArg(arg string) (name, value string, err error) {
	name, value, ok := strings.Cut(arg, "=")
	if !ok || name == "" {
		return "", "", fmt.Errorf("invalid field '%s': expected name=value", arg)
	}
	return name, value, nil
}

// SplitTags parses a comma-separated tag list.
func SplitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
