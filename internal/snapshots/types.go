// Package snapshots captures periodic KPI values per (entity, report) pair.
package snapshots

import (
	"context"
	"fmt"
	"time"
)

// Snapshot is one immutable captured metric value.
type Snapshot struct {
	ID         int64
	EntityID   int64
	ReportID   string
	Value      float64
	CapturedAt time.Time
}

// SourceKind says where a report's metric is computed.
type SourceKind string

const (
	// SourcePrimary reports run a query against the local report database.
	SourcePrimary SourceKind = "primary"
	// SourceSecondary reports are served by the remote authority.
	SourceSecondary SourceKind = "secondary"
)

// IsValid returns true if the kind is recognized.
func (k SourceKind) IsValid() bool {
	return k == SourcePrimary || k == SourceSecondary
}

// ParseSourceKind converts a string to a SourceKind.
func ParseSourceKind(s string) (SourceKind, error) {
	k := SourceKind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("unknown report source %q", s)
	}
	return k, nil
}

// Schedule tracks when a pair is next due for a snapshot.
type Schedule struct {
	EntityID       int64
	ReportID       string
	Source         SourceKind
	Interval       time.Duration
	LastSnapshotAt *time.Time
	NextDueAt      time.Time
	LastValue      *float64
	Active         bool
}

// Key identifies the pair in logs.
func (s *Schedule) Key() string {
	return fmt.Sprintf("%d/%s", s.EntityID, s.ReportID)
}

// Store persists snapshots.
type Store interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	// RecentSnapshots returns up to limit snapshots, newest first.
	RecentSnapshots(ctx context.Context, entityID int64, reportID string, limit int) ([]Snapshot, error)
}

// ScheduleStore persists schedules.
type ScheduleStore interface {
	UpsertSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, entityID int64, reportID string) (*Schedule, bool, error)
	// DueSchedules returns active schedules with NextDueAt <= now, earliest first.
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]*Schedule, error)
	// RecordCapture advances a schedule after a successful snapshot.
	RecordCapture(ctx context.Context, entityID int64, reportID string, capturedAt, nextDue time.Time, value float64) error
	DeactivateEntity(ctx context.Context, entityID int64) (int64, error)
}

// EntityChecker reports whether an entity still exists.
type EntityChecker interface {
	EntityExists(ctx context.Context, entityID int64) (bool, error)
}

// MetricSource computes the current value of a report.
type MetricSource interface {
	FetchMetric(ctx context.Context, reportID string, kind SourceKind) (float64, error)
}

// Publisher receives captured snapshots, e.g. to mirror them to the remote
// authority. Failures are logged by the scheduler and never retried.
type Publisher interface {
	PublishSnapshot(ctx context.Context, snap Snapshot, elapsed time.Duration) error
}
