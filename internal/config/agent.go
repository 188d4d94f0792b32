package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultBatchLimit caps how many due schedules one snapshot pass processes.
const DefaultBatchLimit = 100

// SnapshotsConfig configures the snapshot scheduler.
type SnapshotsConfig struct {
	// DefaultInterval applies to schedules registered without an explicit interval.
	DefaultInterval time.Duration `mapstructure:"default_interval"`

	// BatchLimit is the maximum number of due schedules per pass (default: 100).
	BatchLimit int `mapstructure:"batch_limit"`

	// Retention is how long snapshots are kept (default: 2160h/90d).
	Retention time.Duration `mapstructure:"retention"`

	// TickInterval is how often the agent looks for due schedules.
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// DefaultStoragePath returns ~/.config/insights/insights.db.
func DefaultStoragePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.TempDir()
	}
	return filepath.Join(homeDir, ".config", "insights", "insights.db")
}

// DefaultSnapshotsConfig returns the default snapshot configuration.
func DefaultSnapshotsConfig() SnapshotsConfig {
	return SnapshotsConfig{
		DefaultInterval: 24 * time.Hour,
		BatchLimit:      DefaultBatchLimit,
		Retention:       90 * 24 * time.Hour,
		TickInterval:    time.Minute,
	}
}

func validateSnapshots(cfg *SnapshotsConfig) error {
	if err := validateInterval("snapshots.default_interval", cfg.DefaultInterval, time.Minute, 31*24*time.Hour); err != nil {
		return err
	}
	if cfg.BatchLimit < 1 || cfg.BatchLimit > 1000 {
		return fmt.Errorf("snapshots.batch_limit must be between 1 and 1000, got %d", cfg.BatchLimit)
	}
	if err := validateRetention("snapshots.retention", cfg.Retention, 24*time.Hour, 3650*24*time.Hour); err != nil {
		return err
	}
	return validateInterval("snapshots.tick_interval", cfg.TickInterval, time.Second, time.Hour)
}

// validateInterval validates a scheduling interval.
func validateInterval(field string, value, min, max time.Duration) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %v and %v, got %v", field, min, max, value)
	}
	return nil
}

// validateRetention validates a retention period.
func validateRetention(field string, value, min, max time.Duration) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %v and %v, got %v", field, min, max, value)
	}
	return nil
}
