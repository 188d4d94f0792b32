//go:build windows

package sqlite

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func diskStats(dir string) (available, total uint64, err error) {
	dirPtr, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to convert path: %w", err)
	}

	var totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(dirPtr, &available, &total, &totalFree); err != nil {
		return 0, 0, fmt.Errorf("failed to get disk stats: %w", err)
	}
	return available, total, nil
}
