package snapshots

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/logger"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/metrics"
)

// DefaultBatchLimit is the number of due schedules processed per pass.
const DefaultBatchLimit = 100

// DefaultFetchTimeout bounds a single metric fetch.
const DefaultFetchTimeout = 30 * time.Second

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	BatchLimit      int
	FetchTimeout    time.Duration
	DefaultInterval time.Duration
}

// Scheduler registers (entity, report) pairs and captures their snapshots
// when due.
type Scheduler struct {
	snapshots Store
	schedules ScheduleStore
	entities  EntityChecker
	source    MetricSource
	publisher Publisher
	cfg       SchedulerConfig
}

// NewScheduler creates a Scheduler. publisher may be nil.
func NewScheduler(snaps Store, schedules ScheduleStore, entities EntityChecker, source MetricSource, publisher Publisher, cfg SchedulerConfig) *Scheduler {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = 24 * time.Hour
	}
	return &Scheduler{
		snapshots: snaps,
		schedules: schedules,
		entities:  entities,
		source:    source,
		publisher: publisher,
		cfg:       cfg,
	}
}

// RunResult summarizes one RunDue pass.
type RunResult struct {
	Due         int
	Captured    int
	Failed      int
	Deactivated int
}

// RegisterPair creates or updates the schedule for a pair. NextDueAt is
// always reset to now+interval. A new schedule stores initialValue as its
// bootstrap snapshot; an existing one only takes the new interval and last
// value, and keeps its active flag and snapshot history.
func (s *Scheduler) RegisterPair(ctx context.Context, entityID int64, reportID string, kind SourceKind, interval time.Duration, initialValue float64, now time.Time) (*Schedule, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("register %d/%s: unknown source %q", entityID, reportID, kind)
	}
	if interval <= 0 {
		interval = s.cfg.DefaultInterval
	}

	existing, ok, err := s.schedules.GetSchedule(ctx, entityID, reportID)
	if err != nil {
		return nil, fmt.Errorf("register %d/%s: lookup schedule: %w", entityID, reportID, err)
	}

	value := initialValue
	sched := existing
	if ok {
		sched.Source = kind
		sched.Interval = interval
		sched.NextDueAt = now.Add(interval)
		sched.LastValue = &value
	} else {
		snap := &Snapshot{EntityID: entityID, ReportID: reportID, Value: initialValue, CapturedAt: now}
		if err := s.snapshots.SaveSnapshot(ctx, snap); err != nil {
			return nil, fmt.Errorf("register %d/%s: failed to save snapshot: %w", entityID, reportID, err)
		}
		sched = &Schedule{
			EntityID:       entityID,
			ReportID:       reportID,
			Source:         kind,
			Interval:       interval,
			LastSnapshotAt: &now,
			NextDueAt:      now.Add(interval),
			LastValue:      &value,
			Active:         true,
		}
	}
	if err := s.schedules.UpsertSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("register %d/%s: failed to save schedule: %w", entityID, reportID, err)
	}
	return sched, nil
}

// RegisterIfAbsent is the first-view bootstrap: it registers the pair with
// a bootstrap snapshot only when no schedule exists yet. created is false
// when a schedule was already present; it is returned unchanged.
func (s *Scheduler) RegisterIfAbsent(ctx context.Context, entityID int64, reportID string, kind SourceKind, interval time.Duration, initialValue float64, now time.Time) (sched *Schedule, created bool, err error) {
	existing, ok, err := s.schedules.GetSchedule(ctx, entityID, reportID)
	if err != nil {
		return nil, false, fmt.Errorf("lookup schedule %d/%s: %w", entityID, reportID, err)
	}
	if ok {
		return existing, false, nil
	}

	sched, err = s.RegisterPair(ctx, entityID, reportID, kind, interval, initialValue, now)
	if err != nil {
		return nil, false, err
	}
	logger.Info("registered snapshot schedule", "entity_id", entityID, "report_id", reportID,
		"source", kind, "interval", sched.Interval.String())
	return sched, true, nil
}

// GetDueSchedules returns up to limit active schedules with NextDueAt <= now,
// earliest first. A non-positive limit uses the configured batch limit.
func (s *Scheduler) GetDueSchedules(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	if limit <= 0 {
		limit = s.cfg.BatchLimit
	}
	return s.schedules.DueSchedules(ctx, now, limit)
}

// ExecuteSnapshot captures one snapshot. On success the schedule advances
// to now+interval; on failure it is left untouched so the pair is retried
// on the next pass.
func (s *Scheduler) ExecuteSnapshot(ctx context.Context, sched *Schedule, now time.Time) bool {
	log := logger.With("entity_id", sched.EntityID, "report_id", sched.ReportID, "source", sched.Source)

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	value, err := s.source.FetchMetric(fetchCtx, sched.ReportID, sched.Source)
	elapsed := time.Since(start)
	if err == nil && (math.IsNaN(value) || math.IsInf(value, 0)) {
		err = fmt.Errorf("metric is not a finite number: %v", value)
	}
	if err != nil {
		log.Warn("snapshot fetch failed", "error", err.Error())
		metrics.SnapshotsFailed.WithLabelValues(string(sched.Source)).Inc()
		return false
	}

	snap := &Snapshot{EntityID: sched.EntityID, ReportID: sched.ReportID, Value: value, CapturedAt: now}
	if err := s.snapshots.SaveSnapshot(ctx, snap); err != nil {
		log.Warn("failed to save snapshot", "error", err.Error())
		metrics.SnapshotsFailed.WithLabelValues(string(sched.Source)).Inc()
		return false
	}

	next := now.Add(sched.Interval)
	if err := s.schedules.RecordCapture(ctx, sched.EntityID, sched.ReportID, now, next, value); err != nil {
		// The snapshot exists; the pair will simply be captured again next pass.
		log.Warn("failed to advance schedule", "error", err.Error())
	}
	sched.LastSnapshotAt = &now
	sched.NextDueAt = next
	sched.LastValue = &value

	metrics.SnapshotsTaken.WithLabelValues(string(sched.Source)).Inc()
	metrics.SnapshotFetchDuration.Observe(elapsed.Seconds())
	log.Debug("snapshot captured", "value", value, "elapsed_ms", elapsed.Milliseconds())

	if s.publisher != nil {
		if err := s.publisher.PublishSnapshot(ctx, *snap, elapsed); err != nil {
			log.Warn("failed to publish snapshot", "error", err.Error())
		}
	}
	return true
}

// RunDue processes one batch of due schedules. Schedules whose entity no
// longer exists are deactivated; every other failure is isolated to its
// schedule.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) (RunResult, error) {
	due, err := s.GetDueSchedules(ctx, now, s.cfg.BatchLimit)
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to load due schedules: %w", err)
	}

	result := RunResult{Due: len(due)}
	gone := make(map[int64]bool)

	for _, sched := range due {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		if gone[sched.EntityID] {
			continue
		}
		exists, err := s.entities.EntityExists(ctx, sched.EntityID)
		if err != nil {
			logger.Warn("entity lookup failed", "entity_id", sched.EntityID, "error", err.Error())
			result.Failed++
			continue
		}
		if !exists {
			gone[sched.EntityID] = true
			n, err := s.schedules.DeactivateEntity(ctx, sched.EntityID)
			if err != nil {
				logger.Warn("failed to deactivate schedules", "entity_id", sched.EntityID, "error", err.Error())
				result.Failed++
				continue
			}
			logger.Info("entity removed, schedules deactivated", "entity_id", sched.EntityID, "schedules", n)
			result.Deactivated += int(n)
			continue
		}

		if s.ExecuteSnapshot(ctx, sched, now) {
			result.Captured++
		} else {
			result.Failed++
		}
	}

	return result, nil
}
