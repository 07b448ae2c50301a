package repository

import (
	"fmt"
	"os"
	"path/filepath"
)

// Disk space thresholds
const (
	MinDiskSpaceBytes  = 10 * 1024 * 1024 // 10 MB minimum free space
	DiskWarningPercent = 90
)

// DiskSpaceInfo contains disk usage information
type DiskSpaceInfo struct {
	Total     uint64 `json:"total"`     // Total disk space in bytes
	Free      uint64 `json:"free"`      // Free disk space in bytes
	Available uint64 `json:"available"` // Available to non-root users
	UsedPct   int    `json:"used_pct"`  // Percentage of disk used
}

// existingDir returns p or its nearest existing ancestor.
func existingDir(p string) string {
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

// CheckDiskSpace verifies that the filesystem holding dir can take a write
// of size bytes. It asks for twice the size or MinDiskSpaceBytes, whichever
// is larger. A failure to query the filesystem does not block the write.
func CheckDiskSpace(dir string, size int64) error {
	info, err := DiskSpace(dir)
	if err != nil {
		return nil
	}
	required := uint64(MinDiskSpaceBytes)
	if size > 0 && uint64(size)*2 > required {
		required = uint64(size) * 2
	}
	if info.Available < required {
		return fmt.Errorf("%w: only %d MB available, need at least %d MB",
			ErrInsufficientDisk, info.Available/(1024*1024), required/(1024*1024))
	}
	return nil
}

// TreeSize sums the sizes of the regular files under root.
func TreeSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, ioErr("walk", root, err)
	}
	return total, nil
}
