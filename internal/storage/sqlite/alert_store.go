package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/alerts"
)

// AlertStore provides SQLite persistence for alert definitions.
type AlertStore struct {
	db *DB
}

// NewAlertStore creates a new AlertStore.
func NewAlertStore(db *DB) *AlertStore {
	return &AlertStore{db: db}
}

const alertColumns = `id, entity_id, report_id, name, metric_field, operator,
	warning_threshold, critical_threshold, check_interval_seconds, cooldown_seconds,
	notify_on_warning, notify_on_critical, notify_on_recovery, channels, targets, message,
	enabled, current_status, last_checked_at, last_alert_at, remote_id, created_at, updated_at`

// Create inserts a new definition and sets its ID and timestamps.
func (s *AlertStore) Create(ctx context.Context, def *alerts.Definition) error {
	channels, targets, err := encodeDelivery(def)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if def.CurrentStatus == "" {
		def.CurrentStatus = alerts.StatusOK
	}

	result, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO alerts (entity_id, report_id, name, metric_field, operator,
			warning_threshold, critical_threshold, check_interval_seconds, cooldown_seconds,
			notify_on_warning, notify_on_critical, notify_on_recovery, channels, targets, message,
			enabled, current_status, last_checked_at, last_alert_at, remote_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.EntityID, def.ReportID, def.Name, def.MetricField, string(def.Operator),
		nullFloat(def.Warning), nullFloat(def.Critical),
		int64(def.CheckInterval/time.Second), int64(def.Cooldown/time.Second),
		boolToInt(def.NotifyOnWarning), boolToInt(def.NotifyOnCritical), boolToInt(def.NotifyOnRecovery),
		channels, targets, def.Message, boolToInt(def.Enabled), string(def.CurrentStatus),
		nullMillis(def.LastCheckedAt), nullMillis(def.LastAlertAt), def.RemoteID,
		toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("create alert: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	def.ID = id
	def.CreatedAt = now
	def.UpdatedAt = now
	return nil
}

// Update saves the user-editable configuration of a definition. Runtime
// state (status, check times) is only changed by UpdateCheckState.
func (s *AlertStore) Update(ctx context.Context, def *alerts.Definition) error {
	channels, targets, err := encodeDelivery(def)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	result, err := s.db.conn.ExecContext(ctx, `
		UPDATE alerts SET name = ?, metric_field = ?, operator = ?,
			warning_threshold = ?, critical_threshold = ?, check_interval_seconds = ?, cooldown_seconds = ?,
			notify_on_warning = ?, notify_on_critical = ?, notify_on_recovery = ?,
			channels = ?, targets = ?, message = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		def.Name, def.MetricField, string(def.Operator),
		nullFloat(def.Warning), nullFloat(def.Critical),
		int64(def.CheckInterval/time.Second), int64(def.Cooldown/time.Second),
		boolToInt(def.NotifyOnWarning), boolToInt(def.NotifyOnCritical), boolToInt(def.NotifyOnRecovery),
		channels, targets, def.Message, boolToInt(def.Enabled), toMillis(now), def.ID)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &alerts.AlertNotFoundError{ID: def.ID}
	}
	def.UpdatedAt = now
	return nil
}

// Get returns a definition by ID.
func (s *AlertStore) Get(ctx context.Context, id int64) (*alerts.Definition, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	def, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, &alerts.AlertNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return def, nil
}

// Delete removes a definition. The fire log for it is cleared as well.
func (s *AlertStore) Delete(ctx context.Context, id int64) error {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM alerts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete alert: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &alerts.AlertNotFoundError{ID: id}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM alert_fire_log WHERE alert_id = ?`, id); err != nil {
		return fmt.Errorf("delete fire log: %w", err)
	}
	return tx.Commit()
}

// ListByEntity returns an entity's definitions, optionally restricted to one
// report when reportID is not empty.
func (s *AlertStore) ListByEntity(ctx context.Context, entityID int64, reportID string) ([]*alerts.Definition, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE entity_id = ?`
	args := []any{entityID}
	if reportID != "" {
		query += ` AND report_id = ?`
		args = append(args, reportID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// ListAll returns every definition ordered by entity.
func (s *AlertStore) ListAll(ctx context.Context) ([]*alerts.Definition, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT `+alertColumns+` FROM alerts ORDER BY entity_id, report_id, id`)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// DueAlerts returns enabled definitions never checked or whose check
// interval has elapsed at now, ordered by entity.
func (s *AlertStore) DueAlerts(ctx context.Context, now time.Time) ([]*alerts.Definition, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE enabled = 1
		  AND (last_checked_at IS NULL OR ? - last_checked_at >= check_interval_seconds * 1000)
		ORDER BY entity_id, report_id, id`, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("query due alerts: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// UpdateCheckState persists the outcome of an evaluation. lastAlertAt is
// only written when non-nil.
func (s *AlertStore) UpdateCheckState(ctx context.Context, id int64, status alerts.Status, checkedAt time.Time, lastAlertAt *time.Time) error {
	_, err := s.db.conn.ExecContext(ctx, `
		UPDATE alerts
		SET current_status = ?, last_checked_at = ?, last_alert_at = COALESCE(?, last_alert_at)
		WHERE id = ?`,
		string(status), toMillis(checkedAt), nullMillis(lastAlertAt), id)
	if err != nil {
		return fmt.Errorf("update alert state: %w", err)
	}
	return nil
}

// DisableEntity disables every definition of an entity.
func (s *AlertStore) DisableEntity(ctx context.Context, entityID int64) (int64, error) {
	result, err := s.db.conn.ExecContext(ctx,
		`UPDATE alerts SET enabled = 0, updated_at = ? WHERE entity_id = ? AND enabled = 1`,
		toMillis(time.Now()), entityID)
	if err != nil {
		return 0, fmt.Errorf("disable alerts: %w", err)
	}
	return result.RowsAffected()
}

// SetRemoteID records the identifier assigned by the remote authority.
func (s *AlertStore) SetRemoteID(ctx context.Context, id int64, remoteID string) error {
	_, err := s.db.conn.ExecContext(ctx, `UPDATE alerts SET remote_id = ? WHERE id = ?`, remoteID, id)
	if err != nil {
		return fmt.Errorf("set remote id: %w", err)
	}
	return nil
}

func encodeDelivery(def *alerts.Definition) (channels, targets string, err error) {
	ch := def.Channels
	if ch == nil {
		ch = []alerts.Channel{}
	}
	cb, err := json.Marshal(ch)
	if err != nil {
		return "", "", fmt.Errorf("encode channels: %w", err)
	}
	tb, err := json.Marshal(def.Targets)
	if err != nil {
		return "", "", fmt.Errorf("encode targets: %w", err)
	}
	return string(cb), string(tb), nil
}

func scanAlert(row rowScanner) (*alerts.Definition, error) {
	var def alerts.Definition
	var operator, channels, targets, status string
	var warning, critical sql.NullFloat64
	var intervalSeconds, cooldownSeconds int64
	var notifyWarning, notifyCritical, notifyRecovery, enabled int
	var lastChecked, lastAlert sql.NullInt64
	var created, updated int64

	err := row.Scan(
		&def.ID, &def.EntityID, &def.ReportID, &def.Name, &def.MetricField, &operator,
		&warning, &critical, &intervalSeconds, &cooldownSeconds,
		&notifyWarning, &notifyCritical, &notifyRecovery, &channels, &targets, &def.Message,
		&enabled, &status, &lastChecked, &lastAlert, &def.RemoteID, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	def.Operator = alerts.Operator(operator)
	def.Warning = floatPtr(warning)
	def.Critical = floatPtr(critical)
	def.CheckInterval = time.Duration(intervalSeconds) * time.Second
	def.Cooldown = time.Duration(cooldownSeconds) * time.Second
	def.NotifyOnWarning = notifyWarning == 1
	def.NotifyOnCritical = notifyCritical == 1
	def.NotifyOnRecovery = notifyRecovery == 1
	def.Enabled = enabled == 1
	def.CurrentStatus = alerts.ParseStatus(status)
	def.LastCheckedAt = timePtr(lastChecked)
	def.LastAlertAt = timePtr(lastAlert)
	def.CreatedAt = fromMillis(created)
	def.UpdatedAt = fromMillis(updated)

	if err := json.Unmarshal([]byte(channels), &def.Channels); err != nil {
		return nil, fmt.Errorf("decode channels for alert %d: %w", def.ID, err)
	}
	if err := json.Unmarshal([]byte(targets), &def.Targets); err != nil {
		return nil, fmt.Errorf("decode targets for alert %d: %w", def.ID, err)
	}
	return &def, nil
}

func scanAlerts(rows *sql.Rows) ([]*alerts.Definition, error) {
	var out []*alerts.Definition
	for rows.Next() {
		def, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}
