//go:build windows

package mcp

import (
	"os"
)

// openPolicyFile opens the policy file. Windows has no O_NOFOLLOW, so a
// symlink is rejected with Lstat before opening.
func openPolicyFile(path string) (*os.File, error) {
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		return nil, ErrPolicySymlink
	}
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPolicyNotFound
		}
		return nil, err
	}
	return f, nil
}

// checkFileOwnership is a no-op: ownership is governed by ACLs on Windows.
func checkFileOwnership(_ os.FileInfo) error {
	return nil
}
