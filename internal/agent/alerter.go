package agent

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/alerts"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/logger"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/metrics"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/notify"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/snapshots"
)

// AlertStore is the definition storage used by the scheduler.
type AlertStore interface {
	DueAlerts(ctx context.Context, now time.Time) ([]*alerts.Definition, error)
	UpdateCheckState(ctx context.Context, id int64, status alerts.Status, checkedAt time.Time, lastAlertAt *time.Time) error
	DisableEntity(ctx context.Context, entityID int64) (int64, error)
}

// SnapshotReader returns the newest snapshot of a pair and the one before it.
type SnapshotReader interface {
	LatestPair(ctx context.Context, entityID int64, reportID string) (latest snapshots.Snapshot, previous *snapshots.Snapshot, ok bool, err error)
}

// HistoryStore records transitions and resets fire-once episodes.
type HistoryStore interface {
	SaveHistory(ctx context.Context, h *alerts.HistoryEntry) error
	ClearFired(ctx context.Context, entityID, alertID int64, severities ...alerts.Severity) error
}

// ScheduleDeactivator turns off snapshot schedules for a removed entity.
type ScheduleDeactivator interface {
	DeactivateEntity(ctx context.Context, entityID int64) (int64, error)
}

// Dispatcher delivers fired alerts.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev notify.Event) (notify.DispatchResult, error)
}

// CheckResult summarizes one RunDueChecks pass.
type CheckResult struct {
	Processed int
	Triggered int
	Errors    int
	// DisabledEntities counts entities found gone during the pass.
	DisabledEntities int
}

// AlertScheduler evaluates due alert definitions against the latest
// snapshots and hands fired severities to the dispatcher.
type AlertScheduler struct {
	alerts     AlertStore
	snaps      SnapshotReader
	history    HistoryStore
	schedules  ScheduleDeactivator
	entities   snapshots.EntityChecker
	dispatcher Dispatcher
	timeout    time.Duration
}

// NewAlertScheduler creates an AlertScheduler. timeout bounds the work for
// one entity.
func NewAlertScheduler(store AlertStore, snaps SnapshotReader, history HistoryStore, schedules ScheduleDeactivator,
	entities snapshots.EntityChecker, dispatcher Dispatcher, timeout time.Duration) *AlertScheduler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AlertScheduler{
		alerts:     store,
		snaps:      snaps,
		history:    history,
		schedules:  schedules,
		entities:   entities,
		dispatcher: dispatcher,
		timeout:    timeout,
	}
}

// RunDueChecks evaluates every enabled definition whose check interval has
// elapsed. A failing entity or alert is logged and counted without stopping
// the others.
func (s *AlertScheduler) RunDueChecks(ctx context.Context, now time.Time) (CheckResult, error) {
	var result CheckResult

	due, err := s.alerts.DueAlerts(ctx, now)
	if err != nil {
		return result, fmt.Errorf("failed to load due alerts: %w", err)
	}
	if len(due) == 0 {
		return result, nil
	}

	byEntity := make(map[int64][]*alerts.Definition)
	for _, def := range due {
		byEntity[def.EntityID] = append(byEntity[def.EntityID], def)
	}
	entityIDs := make([]int64, 0, len(byEntity))
	for id := range byEntity {
		entityIDs = append(entityIDs, id)
	}
	sort.Slice(entityIDs, func(i, j int) bool { return entityIDs[i] < entityIDs[j] })

	for _, entityID := range entityIDs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if err := s.checkEntity(ctx, entityID, byEntity[entityID], now, &result); err != nil {
			result.Errors++
			metrics.AlertCheckErrors.Inc()
			logger.Error("alert check failed", "entity_id", entityID, "error", err.Error())
		}
	}

	if result.Processed > 0 || result.Errors > 0 {
		logger.Info("alert checks complete",
			"processed", result.Processed,
			"triggered", result.Triggered,
			"errors", result.Errors,
		)
	}
	return result, nil
}

func (s *AlertScheduler) checkEntity(ctx context.Context, entityID int64, defs []*alerts.Definition, now time.Time, result *CheckResult) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	exists, err := s.entities.EntityExists(ctx, entityID)
	if err != nil {
		return fmt.Errorf("failed to check entity: %w", err)
	}
	if !exists {
		return s.retireEntity(ctx, entityID, result)
	}

	pairs := make(map[string]*latestPair)
	pairErrs := make(map[string]error)
	for _, def := range defs {
		pair, ok := pairs[def.ReportID]
		loadErr := pairErrs[def.ReportID]
		if !ok && loadErr == nil {
			pair, loadErr = s.loadPair(ctx, entityID, def.ReportID)
			if loadErr != nil {
				pairErrs[def.ReportID] = loadErr
			} else {
				pairs[def.ReportID] = pair
			}
		}
		if loadErr != nil {
			s.alertFailed(def, loadErr, result)
			continue
		}
		if pair == nil {
			logger.Debug("no snapshot yet, skipping alert", "entity_id", entityID, "report_id", def.ReportID, "alert_id", def.ID)
			continue
		}

		fired, err := s.checkAlert(ctx, def, pair, now)
		if err != nil {
			s.alertFailed(def, err, result)
			continue
		}
		result.Processed++
		metrics.AlertChecks.Inc()
		if fired {
			result.Triggered++
		}
	}
	return nil
}

// alertFailed counts a failed check. The alert stays due and is retried on
// the next pass.
func (s *AlertScheduler) alertFailed(def *alerts.Definition, err error, result *CheckResult) {
	result.Errors++
	metrics.AlertCheckErrors.Inc()
	logger.Error("alert check failed",
		"entity_id", def.EntityID, "report_id", def.ReportID, "alert_id", def.ID, "error", err.Error())
}

type latestPair struct {
	current  float64
	previous *float64
}

func (s *AlertScheduler) loadPair(ctx context.Context, entityID int64, reportID string) (*latestPair, error) {
	latest, prev, ok, err := s.snaps.LatestPair(ctx, entityID, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots for %s: %w", reportID, err)
	}
	if !ok {
		return nil, nil
	}
	pair := &latestPair{current: latest.Value}
	if prev != nil {
		v := prev.Value
		pair.previous = &v
	}
	return pair, nil
}

// checkAlert evaluates one definition and persists the outcome. It reports
// whether a severity fired.
func (s *AlertScheduler) checkAlert(ctx context.Context, def *alerts.Definition, pair *latestPair, now time.Time) (bool, error) {
	var previous *float64
	if def.Operator.IsPercentage() {
		previous = pair.previous
	}
	res := alerts.Evaluate(def, pair.current, previous)

	if res.Skipped {
		logger.Debug("alert evaluation skipped", "entity_id", def.EntityID, "alert_id", def.ID, "reason", res.Reason)
		return false, s.alerts.UpdateCheckState(ctx, def.ID, res.PreviousStatus, now, nil)
	}

	if res.Changed {
		metrics.AlertTransitions.WithLabelValues(string(res.NewStatus)).Inc()
		if err := s.resetEpisode(ctx, def, res); err != nil {
			return false, err
		}
		logger.Info("alert status changed",
			"entity_id", def.EntityID,
			"report_id", def.ReportID,
			"alert_id", def.ID,
			"from", res.PreviousStatus,
			"to", res.NewStatus,
			"reason", res.Reason,
		)
	}

	var lastAlertAt *time.Time
	notified := false
	if res.Fired != "" {
		metrics.AlertsTriggered.WithLabelValues(string(res.Fired)).Inc()
		lastAlertAt = &now

		// pair.previous is passed even for threshold operators so the
		// message can describe the movement.
		dr, err := s.dispatcher.Dispatch(ctx, notify.NewEvent(def, res, pair.current, pair.previous, now))
		if err != nil {
			logger.Warn("alert notification failed",
				"entity_id", def.EntityID, "alert_id", def.ID, "severity", res.Fired, "error", err.Error())
		}
		notified = dr.SentCount > 0
	}

	if res.Changed {
		entry := alerts.NewHistoryEntry(def, res, pair.current, notified, now)
		if err := s.history.SaveHistory(ctx, entry); err != nil {
			return false, fmt.Errorf("failed to save history: %w", err)
		}
	}

	if err := s.alerts.UpdateCheckState(ctx, def.ID, res.NewStatus, now, lastAlertAt); err != nil {
		return false, fmt.Errorf("failed to update check state: %w", err)
	}
	def.CurrentStatus = res.NewStatus
	def.LastCheckedAt = &now
	return res.Fired != "", nil
}

// resetEpisode clears fire-once records so a new episode can notify again.
// Returning to ok re-arms warning and critical; leaving ok re-arms recovery.
func (s *AlertScheduler) resetEpisode(ctx context.Context, def *alerts.Definition, res alerts.Result) error {
	var clear []alerts.Severity
	switch {
	case res.NewStatus == alerts.StatusOK:
		clear = []alerts.Severity{alerts.SeverityWarning, alerts.SeverityCritical}
	case res.PreviousStatus == alerts.StatusOK:
		clear = []alerts.Severity{alerts.SeverityRecovery}
	default:
		return nil
	}
	if err := s.history.ClearFired(ctx, def.EntityID, def.ID, clear...); err != nil {
		return fmt.Errorf("failed to reset fire log: %w", err)
	}
	return nil
}

func (s *AlertScheduler) retireEntity(ctx context.Context, entityID int64, result *CheckResult) error {
	disabled, err := s.alerts.DisableEntity(ctx, entityID)
	if err != nil {
		return fmt.Errorf("failed to disable alerts of removed entity: %w", err)
	}
	deactivated, err := s.schedules.DeactivateEntity(ctx, entityID)
	if err != nil {
		return fmt.Errorf("failed to deactivate schedules of removed entity: %w", err)
	}
	result.DisabledEntities++
	logger.Info("entity gone, alerts disabled",
		"entity_id", entityID, "alerts", disabled, "schedules", deactivated)
	return nil
}
