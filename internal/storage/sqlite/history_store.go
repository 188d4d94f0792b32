package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/alerts"
)

// HistoryStore persists alert status transitions and the fire-once log.
type HistoryStore struct {
	db *DB
}

// NewHistoryStore creates a new HistoryStore.
func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// SaveHistory records a status transition.
func (s *HistoryStore) SaveHistory(ctx context.Context, h *alerts.HistoryEntry) error {
	result, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO alert_history (alert_id, entity_id, report_id, previous_status, new_status,
			metric_value, threshold_value, threshold_type, notified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.AlertID, h.EntityID, h.ReportID, string(h.PreviousStatus), string(h.NewStatus),
		h.MetricValue, h.ThresholdValue, string(h.ThresholdType), boolToInt(h.Notified),
		toMillis(h.CreatedAt))
	if err != nil {
		return fmt.Errorf("save alert history: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	h.ID = id
	return nil
}

// ListHistory returns the most recent transitions of an alert, newest first.
func (s *HistoryStore) ListHistory(ctx context.Context, alertID int64, limit int) ([]alerts.HistoryEntry, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, alert_id, entity_id, report_id, previous_status, new_status,
		       metric_value, threshold_value, threshold_type, notified, created_at
		FROM alert_history
		WHERE alert_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, alertID, limit)
	if err != nil {
		return nil, fmt.Errorf("query alert history: %w", err)
	}
	defer rows.Close()

	var out []alerts.HistoryEntry
	for rows.Next() {
		var h alerts.HistoryEntry
		var prev, next, thresholdType string
		var notified int
		var created int64
		if err := rows.Scan(&h.ID, &h.AlertID, &h.EntityID, &h.ReportID, &prev, &next,
			&h.MetricValue, &h.ThresholdValue, &thresholdType, &notified, &created); err != nil {
			return nil, fmt.Errorf("scan alert history: %w", err)
		}
		h.PreviousStatus = alerts.ParseStatus(prev)
		h.NewStatus = alerts.ParseStatus(next)
		h.ThresholdType = alerts.ThresholdType(thresholdType)
		h.Notified = notified == 1
		h.CreatedAt = fromMillis(created)
		out = append(out, h)
	}
	return out, rows.Err()
}

// PruneHistory deletes up to limit history rows created before cutoff.
func (s *HistoryStore) PruneHistory(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return pruneBatch(ctx, s.db, "alert_history", "created_at", cutoff, limit)
}

// HasFired reports whether severity was already delivered for (entity, alert).
func (s *HistoryStore) HasFired(ctx context.Context, entityID, alertID int64, severity alerts.Severity) (bool, error) {
	var n int
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alert_fire_log WHERE entity_id = ? AND alert_id = ? AND severity = ?`,
		entityID, alertID, string(severity)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check fire log: %w", err)
	}
	return n > 0, nil
}

// RecordFired marks severity as delivered. Recording twice keeps the first
// fired_at.
func (s *HistoryStore) RecordFired(ctx context.Context, e alerts.FireLogEntry) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO alert_fire_log (entity_id, alert_id, severity, fired_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_id, alert_id, severity) DO NOTHING`,
		e.EntityID, e.AlertID, string(e.Severity), toMillis(e.FiredAt))
	if err != nil {
		return fmt.Errorf("record fire log: %w", err)
	}
	return nil
}

// ClearFired removes fire-log entries for the given severities so they can
// fire again in a new episode.
func (s *HistoryStore) ClearFired(ctx context.Context, entityID, alertID int64, severities ...alerts.Severity) error {
	for _, sev := range severities {
		if _, err := s.db.conn.ExecContext(ctx,
			`DELETE FROM alert_fire_log WHERE entity_id = ? AND alert_id = ? AND severity = ?`,
			entityID, alertID, string(sev)); err != nil {
			return fmt.Errorf("clear fire log: %w", err)
		}
	}
	return nil
}

// ListFired returns the fire-log entries of an alert.
func (s *HistoryStore) ListFired(ctx context.Context, entityID, alertID int64) ([]alerts.FireLogEntry, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT entity_id, alert_id, severity, fired_at
		FROM alert_fire_log
		WHERE entity_id = ? AND alert_id = ?
		ORDER BY fired_at`, entityID, alertID)
	if err != nil {
		return nil, fmt.Errorf("list fire log: %w", err)
	}
	defer rows.Close()

	var out []alerts.FireLogEntry
	for rows.Next() {
		var e alerts.FireLogEntry
		var sev string
		var fired int64
		if err := rows.Scan(&e.EntityID, &e.AlertID, &sev, &fired); err != nil {
			return nil, fmt.Errorf("scan fire log: %w", err)
		}
		e.Severity = alerts.Severity(sev)
		e.FiredAt = fromMillis(fired)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneFired deletes up to limit fire-log entries older than cutoff.
func (s *HistoryStore) PruneFired(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return pruneBatch(ctx, s.db, "alert_fire_log", "fired_at", cutoff, limit)
}
