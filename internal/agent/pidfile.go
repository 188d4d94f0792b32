package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/logger"
)

// ErrAgentRunning is returned when another agent owns the database.
var ErrAgentRunning = errors.New("another insights-agent instance is already running")

// ErrNoPIDFile is returned when no PID file exists.
var ErrNoPIDFile = errors.New("no PID file found")

const pidFileName = "insights-agent.pid"

// PIDFile marks which process owns a local database. It lives next to the
// database, so agents started with different storage paths never collide.
type PIDFile struct {
	Path string
}

// PIDFileFor returns the PID file guarding the database at dbPath.
func PIDFileFor(dbPath string) PIDFile {
	return PIDFile{Path: filepath.Join(filepath.Dir(dbPath), pidFileName)}
}

// Acquire records the current process as owner. A file left behind by a
// dead process is taken over.
func (p PIDFile) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	self := os.Getpid()
	owner, err := p.Read()
	switch {
	case err == nil && owner != self && processAlive(owner):
		return ErrAgentRunning
	case err == nil && owner != self:
		logger.Warn("Replacing stale PID file", "path", p.Path, "stale_pid", owner)
	case err != nil && !errors.Is(err, ErrNoPIDFile):
		// Unreadable content is treated as stale.
		logger.Warn("Replacing unreadable PID file", "path", p.Path, "error", err.Error())
	}

	if err := os.WriteFile(p.Path, []byte(strconv.Itoa(self)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// Release removes the file if this process still owns it.
func (p PIDFile) Release() error {
	owner, err := p.Read()
	if errors.Is(err, ErrNoPIDFile) {
		return nil
	}
	if err == nil && owner != os.Getpid() {
		return nil
	}
	if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// Read returns the recorded PID.
func (p PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoPIDFile
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// Running reports whether the recorded owner is alive. A stale file is
// removed along the way.
func (p PIDFile) Running() (bool, int, error) {
	pid, err := p.Read()
	if errors.Is(err, ErrNoPIDFile) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	if !processAlive(pid) {
		_ = os.Remove(p.Path)
		return false, 0, nil
	}
	return true, pid, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds, so we need to signal
	return process.Signal(syscall.Signal(0)) == nil
}
