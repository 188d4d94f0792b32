package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MinDiskSpaceBytes is the free space required to start (10 MB).
const MinDiskSpaceBytes = 10 * 1024 * 1024

// CorruptionError indicates database corruption was detected.
type CorruptionError struct {
	Details string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("database corruption detected: %s", e.Details)
}

// DiskFullError indicates insufficient disk space.
type DiskFullError struct {
	AvailableBytes uint64
	RequiredBytes  uint64
}

func (e *DiskFullError) Error() string {
	return fmt.Sprintf("insufficient disk space: %d bytes available, %d bytes required",
		e.AvailableBytes, e.RequiredBytes)
}

// CheckIntegrity runs PRAGMA quick_check on an existing database file. A
// missing file is not an error.
func CheckIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	conn, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&mode=ro")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer conn.Close()

	var result string
	if err := conn.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return &CorruptionError{Details: result}
	}
	return nil
}

// MoveAside renames a corrupted database (and drops its WAL files) so a
// fresh one can be created. It returns the backup path, or "" if the file
// could only be removed.
func MoveAside(path string) (string, error) {
	backup := fmt.Sprintf("%s.corrupted.%d", path, os.Getpid())
	if err := os.Rename(path, backup); err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			return "", fmt.Errorf("failed to backup or remove corrupted database: %w", err)
		}
		backup = ""
	}
	_ = os.Remove(path + "-wal")
	_ = os.Remove(path + "-shm")
	return backup, nil
}

// CheckDiskSpace returns a *DiskFullError when the volume holding path has
// less than MinDiskSpaceBytes free. Failure to read disk stats is ignored.
func CheckDiskSpace(path string) error {
	available, _, err := diskStats(filepath.Dir(path))
	if err != nil {
		return nil
	}
	if available < MinDiskSpaceBytes {
		return &DiskFullError{AvailableBytes: available, RequiredBytes: MinDiskSpaceBytes}
	}
	return nil
}

// IsDiskFullError reports whether err looks like SQLITE_FULL.
func IsDiskFullError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range []string{"disk is full", "database is full", "no space left", "SQLITE_FULL"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
