package agent

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/storage/sqlite"
)

// Status is the combined service, process and database view printed by
// `insights-agent status`.
type Status struct {
	State      string   `json:"state"`
	PID        int      `json:"pid,omitempty"`
	Uptime     string   `json:"uptime,omitempty"`
	LastRun    string   `json:"last_run,omitempty"`
	Healthy    bool     `json:"healthy"`
	Version    string   `json:"version,omitempty"`
	ErrorCount int      `json:"error_count"`
	Errors     []string `json:"errors,omitempty"`
	Database   string   `json:"database"`
	DBSize     string   `json:"db_size,omitempty"`
}

// GetStatus reads the agent status from the service manager, the PID file
// next to dbPath and the status row. staleAfter is how old the last
// successful run may be before the agent counts as unhealthy.
func GetStatus(dbPath string, staleAfter time.Duration) (*Status, error) {
	status := &Status{State: ServiceState(), Database: dbPath}

	running, pid, err := PIDFileFor(dbPath).Running()
	if err != nil {
		return nil, err
	}
	if running {
		status.PID = pid
		if status.State != "running" {
			status.State = "running (foreground)"
		}
	}

	info, err := os.Stat(dbPath)
	if os.IsNotExist(err) {
		return status, nil
	}
	if err == nil {
		status.DBSize = humanize.Bytes(uint64(info.Size()))
	}

	db, err := sqlite.Open(dbPath)
	if err != nil {
		return status, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	healthy, row, err := NewAgentStatusStore(db.Conn()).IsHealthy(staleAfter)
	if err != nil {
		return status, err
	}
	if row == nil {
		return status, nil
	}

	status.Healthy = healthy && running
	status.Version = row.Version
	status.ErrorCount = row.ErrorCount
	if status.PID == 0 {
		status.PID = row.PID
	}
	if !row.StartTime.IsZero() {
		status.Uptime = formatUptime(time.Since(row.StartTime))
	}
	if !row.LastRun.IsZero() {
		status.LastRun = humanize.Time(row.LastRun)
	}
	if row.LastError != "" {
		status.Errors = append(status.Errors, row.LastError)
	}
	return status, nil
}

// formatUptime formats a duration as a compact human-readable string.
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
