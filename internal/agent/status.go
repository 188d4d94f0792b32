package agent

import (
	"database/sql"
	"time"
)

// AgentStatus represents the running agent's state for status output and
// health monitoring. This is a singleton table (id=1 always).
type AgentStatus struct {
	PID        int       `json:"pid"`
	StartTime  time.Time `json:"start_time"`
	LastRun    time.Time `json:"last_run"`
	Version    string    `json:"version"`
	ErrorCount int       `json:"error_count"`
	LastError  string    `json:"last_error,omitempty"`
}

// AgentStatusStore manages agent status persistence.
type AgentStatusStore struct {
	db *sql.DB
}

// NewAgentStatusStore creates a new agent status store.
func NewAgentStatusStore(db *sql.DB) *AgentStatusStore {
	return &AgentStatusStore{db: db}
}

// Upsert inserts or updates the agent status (singleton row).
func (s *AgentStatusStore) Upsert(status *AgentStatus) error {
	query := `
	INSERT INTO agent_status (id, pid, start_time, last_run, version, error_count, last_error)
	VALUES (1, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		pid = excluded.pid,
		start_time = excluded.start_time,
		last_run = excluded.last_run,
		version = excluded.version,
		error_count = excluded.error_count,
		last_error = excluded.last_error`

	_, err := s.db.Exec(query,
		status.PID,
		status.StartTime.UnixMilli(),
		status.LastRun.UnixMilli(),
		status.Version,
		status.ErrorCount,
		status.LastError,
	)
	return err
}

// UpdateLastRun updates only the last_run timestamp.
func (s *AgentStatusStore) UpdateLastRun(timestamp time.Time) error {
	_, err := s.db.Exec(`UPDATE agent_status SET last_run = ? WHERE id = 1`, timestamp.UnixMilli())
	return err
}

// IncrementErrorCount increments error count and sets last error message.
func (s *AgentStatusStore) IncrementErrorCount(errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE agent_status
		SET error_count = error_count + 1, last_error = ?
		WHERE id = 1`, errMsg)
	return err
}

// Get retrieves the current agent status, or nil if no agent is recorded.
func (s *AgentStatusStore) Get() (*AgentStatus, error) {
	row := s.db.QueryRow(`
		SELECT pid, start_time, last_run, version, error_count, last_error
		FROM agent_status WHERE id = 1`)

	var status AgentStatus
	var start, lastRun int64
	err := row.Scan(&status.PID, &start, &lastRun, &status.Version, &status.ErrorCount, &status.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	status.StartTime = time.UnixMilli(start).UTC()
	status.LastRun = time.UnixMilli(lastRun).UTC()
	return &status, nil
}

// Delete removes the agent status row (called on clean shutdown).
func (s *AgentStatusStore) Delete() error {
	_, err := s.db.Exec(`DELETE FROM agent_status WHERE id = 1`)
	return err
}

// IsHealthy checks if the agent is healthy based on last_run freshness.
func (s *AgentStatusStore) IsHealthy(maxStaleness time.Duration) (bool, *AgentStatus, error) {
	status, err := s.Get()
	if err != nil {
		return false, nil, err
	}
	if status == nil {
		return false, nil, nil
	}

	staleness := time.Since(status.LastRun)
	return staleness <= maxStaleness, status, nil
}
