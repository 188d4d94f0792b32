package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/snapshots"
)

// SnapshotStore persists captured snapshots and their schedules.
type SnapshotStore struct {
	db *DB
}

// NewSnapshotStore creates a new SnapshotStore.
func NewSnapshotStore(db *DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// SaveSnapshot inserts an immutable snapshot row.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap *snapshots.Snapshot) error {
	result, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO snapshots (entity_id, report_id, value, captured_at) VALUES (?, ?, ?, ?)`,
		snap.EntityID, snap.ReportID, snap.Value, toMillis(snap.CapturedAt))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	snap.ID = id
	return nil
}

// RecentSnapshots returns up to limit snapshots for a pair, newest first.
func (s *SnapshotStore) RecentSnapshots(ctx context.Context, entityID int64, reportID string, limit int) ([]snapshots.Snapshot, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, entity_id, report_id, value, captured_at
		FROM snapshots
		WHERE entity_id = ? AND report_id = ?
		ORDER BY captured_at DESC, id DESC
		LIMIT ?`, entityID, reportID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []snapshots.Snapshot
	for rows.Next() {
		var snap snapshots.Snapshot
		var captured int64
		if err := rows.Scan(&snap.ID, &snap.EntityID, &snap.ReportID, &snap.Value, &captured); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.CapturedAt = fromMillis(captured)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// LatestPair returns the latest snapshot and, when present, the one before
// it. ok is false when the pair has no snapshots.
func (s *SnapshotStore) LatestPair(ctx context.Context, entityID int64, reportID string) (latest snapshots.Snapshot, previous *snapshots.Snapshot, ok bool, err error) {
	recent, err := s.RecentSnapshots(ctx, entityID, reportID, 2)
	if err != nil {
		return snapshots.Snapshot{}, nil, false, err
	}
	if len(recent) == 0 {
		return snapshots.Snapshot{}, nil, false, nil
	}
	if len(recent) == 2 {
		previous = &recent[1]
	}
	return recent[0], previous, true, nil
}

// PruneSnapshots deletes up to limit snapshots captured before cutoff.
func (s *SnapshotStore) PruneSnapshots(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return pruneBatch(ctx, s.db, "snapshots", "captured_at", cutoff, limit)
}

// UpsertSchedule inserts or replaces the schedule for a pair.
func (s *SnapshotStore) UpsertSchedule(ctx context.Context, sched *snapshots.Schedule) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO snapshot_schedules (entity_id, report_id, source, interval_seconds,
			last_snapshot_at, next_due_at, last_value, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, report_id) DO UPDATE SET
			source = excluded.source,
			interval_seconds = excluded.interval_seconds,
			last_snapshot_at = excluded.last_snapshot_at,
			next_due_at = excluded.next_due_at,
			last_value = excluded.last_value,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		sched.EntityID, sched.ReportID, string(sched.Source), int64(sched.Interval/time.Second),
		nullMillis(sched.LastSnapshotAt), toMillis(sched.NextDueAt), nullFloat(sched.LastValue),
		boolToInt(sched.Active), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert schedule: %w", err)
	}
	return nil
}

const scheduleColumns = `entity_id, report_id, source, interval_seconds, last_snapshot_at, next_due_at, last_value, active`

// GetSchedule returns the schedule for a pair.
func (s *SnapshotStore) GetSchedule(ctx context.Context, entityID int64, reportID string) (*snapshots.Schedule, bool, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM snapshot_schedules WHERE entity_id = ? AND report_id = ?`,
		entityID, reportID)

	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get schedule: %w", err)
	}
	return sched, true, nil
}

// DueSchedules returns active schedules due at now, earliest first.
func (s *SnapshotStore) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*snapshots.Schedule, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM snapshot_schedules
		WHERE active = 1 AND next_due_at <= ?
		ORDER BY next_due_at ASC
		LIMIT ?`, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// ListSchedules returns every schedule of an entity, or of all entities
// when entityID is 0.
func (s *SnapshotStore) ListSchedules(ctx context.Context, entityID int64) ([]*snapshots.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM snapshot_schedules`
	args := []any{}
	if entityID != 0 {
		query += ` WHERE entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY entity_id, report_id`

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// RecordCapture advances a schedule after a successful snapshot.
func (s *SnapshotStore) RecordCapture(ctx context.Context, entityID int64, reportID string, capturedAt, nextDue time.Time, value float64) error {
	_, err := s.db.conn.ExecContext(ctx, `
		UPDATE snapshot_schedules
		SET last_snapshot_at = ?, next_due_at = ?, last_value = ?, updated_at = ?
		WHERE entity_id = ? AND report_id = ?`,
		toMillis(capturedAt), toMillis(nextDue), value, toMillis(time.Now()), entityID, reportID)
	if err != nil {
		return fmt.Errorf("failed to record capture: %w", err)
	}
	return nil
}

// DeactivateEntity marks every schedule of an entity inactive. Rows are
// kept so history remains attributable.
func (s *SnapshotStore) DeactivateEntity(ctx context.Context, entityID int64) (int64, error) {
	result, err := s.db.conn.ExecContext(ctx,
		`UPDATE snapshot_schedules SET active = 0, updated_at = ? WHERE entity_id = ? AND active = 1`,
		toMillis(time.Now()), entityID)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate schedules: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*snapshots.Schedule, error) {
	var sched snapshots.Schedule
	var source string
	var intervalSeconds, nextDue int64
	var lastSnapshot sql.NullInt64
	var lastValue sql.NullFloat64
	var active int

	if err := row.Scan(&sched.EntityID, &sched.ReportID, &source, &intervalSeconds,
		&lastSnapshot, &nextDue, &lastValue, &active); err != nil {
		return nil, err
	}

	sched.Source = snapshots.SourceKind(source)
	sched.Interval = time.Duration(intervalSeconds) * time.Second
	sched.LastSnapshotAt = timePtr(lastSnapshot)
	sched.NextDueAt = fromMillis(nextDue)
	sched.LastValue = floatPtr(lastValue)
	sched.Active = active == 1
	return &sched, nil
}

func scanSchedules(rows *sql.Rows) ([]*snapshots.Schedule, error) {
	var out []*snapshots.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// pruneBatch deletes up to limit rows of table whose column is before cutoff.
func pruneBatch(ctx context.Context, db *DB, table, column string, cutoff time.Time, limit int) (int64, error) {
	query := fmt.Sprintf(
		`DELETE FROM %s WHERE rowid IN (SELECT rowid FROM %s WHERE %s < ? LIMIT ?)`,
		table, table, column)
	result, err := db.conn.ExecContext(ctx, query, toMillis(cutoff), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to prune %s: %w", table, err)
	}
	return result.RowsAffected()
}
