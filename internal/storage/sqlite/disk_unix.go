//go:build !windows

package sqlite

import (
	"fmt"
	"syscall"
)

func diskStats(dir string) (available, total uint64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to get disk stats: %w", err)
	}
	return stat.Bavail * uint64(stat.Bsize), stat.Blocks * uint64(stat.Bsize), nil
}
