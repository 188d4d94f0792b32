package sqlite

import (
	"fmt"
)

// migration is one forward-only schema step. The applied version is kept
// in PRAGMA user_version.
type migration struct {
	version int
	name    string
	up      string
}

var migrations = []migration{
	{
		version: 1,
		name:    "initial_schema",
		up: `
		CREATE TABLE IF NOT EXISTS entities (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			deleted_at INTEGER,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			username TEXT NOT NULL,
			fullname TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			suspended INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS role_assignments (
			entity_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			PRIMARY KEY (entity_id, user_id, role)
		);
		CREATE INDEX IF NOT EXISTS idx_role_assignments_role ON role_assignments(entity_id, role);

		CREATE TABLE IF NOT EXISTS reports (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'primary',
			query TEXT NOT NULL DEFAULT '',
			key_field TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id INTEGER NOT NULL,
			report_id TEXT NOT NULL,
			value REAL NOT NULL,
			captured_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_snapshots_pair ON snapshots(entity_id, report_id, captured_at DESC);
		CREATE INDEX IF NOT EXISTS idx_snapshots_captured ON snapshots(captured_at);

		CREATE TABLE IF NOT EXISTS snapshot_schedules (
			entity_id INTEGER NOT NULL,
			report_id TEXT NOT NULL,
			source TEXT NOT NULL,
			interval_seconds INTEGER NOT NULL,
			last_snapshot_at INTEGER,
			next_due_at INTEGER NOT NULL,
			last_value REAL,
			active INTEGER NOT NULL DEFAULT 1,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (entity_id, report_id)
		);
		CREATE INDEX IF NOT EXISTS idx_schedules_due ON snapshot_schedules(active, next_due_at);

		CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id INTEGER NOT NULL,
			report_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			metric_field TEXT NOT NULL DEFAULT '',
			operator TEXT NOT NULL,
			warning_threshold REAL,
			critical_threshold REAL,
			check_interval_seconds INTEGER NOT NULL,
			cooldown_seconds INTEGER NOT NULL DEFAULT 0,
			notify_on_warning INTEGER NOT NULL DEFAULT 1,
			notify_on_critical INTEGER NOT NULL DEFAULT 1,
			notify_on_recovery INTEGER NOT NULL DEFAULT 0,
			channels TEXT NOT NULL DEFAULT '[]',
			targets TEXT NOT NULL DEFAULT '{}',
			message TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			current_status TEXT NOT NULL DEFAULT 'ok',
			last_checked_at INTEGER,
			last_alert_at INTEGER,
			remote_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_entity ON alerts(entity_id, report_id);
		CREATE INDEX IF NOT EXISTS idx_alerts_enabled ON alerts(enabled, last_checked_at);

		CREATE TABLE IF NOT EXISTS alert_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alert_id INTEGER NOT NULL,
			entity_id INTEGER NOT NULL,
			report_id TEXT NOT NULL,
			previous_status TEXT NOT NULL,
			new_status TEXT NOT NULL,
			metric_value REAL NOT NULL,
			threshold_value REAL NOT NULL,
			threshold_type TEXT NOT NULL DEFAULT '',
			notified INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alert_history_alert ON alert_history(alert_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_alert_history_created ON alert_history(created_at);

		CREATE TABLE IF NOT EXISTS alert_fire_log (
			entity_id INTEGER NOT NULL,
			alert_id INTEGER NOT NULL,
			severity TEXT NOT NULL,
			fired_at INTEGER NOT NULL,
			PRIMARY KEY (entity_id, alert_id, severity)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			entity_id INTEGER NOT NULL,
			alert_id INTEGER NOT NULL,
			severity TEXT NOT NULL,
			subject TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			read_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS agent_status (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			pid INTEGER NOT NULL,
			start_time INTEGER NOT NULL,
			last_run INTEGER NOT NULL,
			version TEXT NOT NULL,
			error_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT ''
		);
		`,
	},
}

// SchemaVersion is the newest schema version this build understands.
func SchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// migrate applies pending migrations, each in its own transaction.
func (db *DB) migrate() error {
	var current int
	if err := db.conn.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}
	if current > SchemaVersion() {
		return fmt.Errorf("database schema version %d is newer than supported version %d - please upgrade insights-agent",
			current, SchemaVersion())
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.up); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}
