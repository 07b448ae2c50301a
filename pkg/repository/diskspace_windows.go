//go:build windows

package repository

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// DiskSpace returns disk space information for the volume holding p.
func DiskSpace(p string) (*DiskSpaceInfo, error) {
	pathPtr, err := windows.UTF16PtrFromString(existingDir(p))
	if err != nil {
		return nil, fmt.Errorf("repository: failed to convert path: %w", err)
	}

	var freeBytesAvailable, totalBytes, totalFreeBytes uint64
	err = windows.GetDiskFreeSpaceEx(pathPtr, &freeBytesAvailable, &totalBytes, &totalFreeBytes)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to get disk stats: %w", err)
	}

	usedPct := 0
	if totalBytes > 0 {
		usedPct = int(100 * (totalBytes - totalFreeBytes) / totalBytes)
	}

	return &DiskSpaceInfo{
		Total:     totalBytes,
		Free:      totalFreeBytes,
		Available: freeBytesAvailable,
		UsedPct:   usedPct,
	}, nil
}
