package notify

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/alerts"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/logger"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/metrics"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/storage/sqlite"
)

// FireLog records which severities already fired.
type FireLog interface {
	HasFired(ctx context.Context, entityID, alertID int64, severity alerts.Severity) (bool, error)
	RecordFired(ctx context.Context, e alerts.FireLogEntry) error
}

// Directory resolves recipients.
type Directory interface {
	UsersWithRoles(ctx context.Context, entityID int64, roles []string) ([]int64, error)
	Users(ctx context.Context, ids []int64) ([]sqlite.User, error)
	ReportName(ctx context.Context, id string) string
}

// Event is a fired alert transition.
type Event struct {
	Definition    *alerts.Definition
	Severity      alerts.Severity
	Current       float64
	Previous      *float64
	Threshold     float64
	ThresholdType alerts.ThresholdType
	At            time.Time
}

// NewEvent builds an Event from an evaluation result. current and previous
// are the raw snapshot values, not the compared percentage.
func NewEvent(def *alerts.Definition, res alerts.Result, current float64, previous *float64, at time.Time) Event {
	return Event{
		Definition:    def,
		Severity:      res.Fired,
		Current:       current,
		Previous:      previous,
		Threshold:     res.Threshold,
		ThresholdType: res.ThresholdType,
		At:            at,
	}
}

// DispatchResult summarizes one dispatch.
type DispatchResult struct {
	// Duplicate is set when the severity already fired for this alert.
	Duplicate  bool
	Recipients int
	// SentCount counts successful channel deliveries.
	SentCount int
	Failed    []alerts.Channel
}

// Dispatcher routes events to notifiers.
type Dispatcher struct {
	fireLog   FireLog
	directory Directory
	notifiers map[alerts.Channel]Notifier
	timeout   time.Duration
}

// NewDispatcher creates a Dispatcher. timeout bounds each channel send.
func NewDispatcher(fireLog FireLog, directory Directory, timeout time.Duration, notifiers ...Notifier) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &Dispatcher{
		fireLog:   fireLog,
		directory: directory,
		notifiers: make(map[alerts.Channel]Notifier, len(notifiers)),
		timeout:   timeout,
	}
	for _, n := range notifiers {
		d.notifiers[n.Channel()] = n
	}
	return d
}

// Dispatch sends ev on every channel of its definition. A severity that has
// already fired is skipped entirely. Channels fail independently; the fire
// log is written as soon as one channel succeeds.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (DispatchResult, error) {
	var result DispatchResult
	def := ev.Definition
	if ev.Severity == "" {
		return result, nil
	}

	fired, err := d.fireLog.HasFired(ctx, def.EntityID, def.ID, ev.Severity)
	if err != nil {
		return result, fmt.Errorf("failed to check fire log: %w", err)
	}
	if fired {
		result.Duplicate = true
		metrics.NotificationsDeduplicated.Inc()
		logger.Debug("notification already sent", "entity_id", def.EntityID, "alert_id", def.ID, "severity", ev.Severity)
		return result, nil
	}

	recipients, err := d.recipients(ctx, def)
	if err != nil {
		return result, err
	}
	result.Recipients = len(recipients)
	if len(recipients) == 0 {
		logger.Warn("alert fired with no recipients", "entity_id", def.EntityID, "alert_id", def.ID, "severity", ev.Severity)
		return result, nil
	}

	reportName := d.directory.ReportName(ctx, def.ReportID)
	delivery := &Delivery{
		Definition: def,
		Severity:   ev.Severity,
		Message:    alerts.BuildMessage(def, reportName, ev.Severity, ev.Current, ev.Previous, ev.Threshold, ev.ThresholdType),
		Recipients: recipients,
		At:         ev.At,
	}

	var errs []error
	for _, ch := range def.Channels {
		n, ok := d.notifiers[ch]
		if !ok {
			logger.Debug("channel not configured", "alert_id", def.ID, "channel", ch)
			continue
		}
		if err := d.send(ctx, n, delivery); err != nil {
			metrics.NotificationsFailed.WithLabelValues(string(ch)).Inc()
			logger.Error("notification delivery failed",
				"entity_id", def.EntityID, "alert_id", def.ID, "channel", ch, "error", err.Error())
			result.Failed = append(result.Failed, ch)
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
			continue
		}
		metrics.NotificationsSent.WithLabelValues(string(ch)).Inc()
		result.SentCount++
	}

	if result.SentCount > 0 {
		entry := alerts.FireLogEntry{EntityID: def.EntityID, AlertID: def.ID, Severity: ev.Severity, FiredAt: ev.At}
		if err := d.fireLog.RecordFired(ctx, entry); err != nil {
			return result, fmt.Errorf("failed to record fire log: %w", err)
		}
		return result, nil
	}
	if len(errs) > 0 {
		return result, fmt.Errorf("all channels failed: %w", errors.Join(errs...))
	}
	return result, nil
}

func (d *Dispatcher) send(ctx context.Context, n Notifier, delivery *Delivery) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return n.Send(ctx, delivery)
}

// recipients returns the explicit target users plus users holding any
// target role in the entity, without duplicates.
func (d *Dispatcher) recipients(ctx context.Context, def *alerts.Definition) ([]sqlite.User, error) {
	ids := slices.Clone(def.Targets.Users)
	if len(def.Targets.Roles) > 0 {
		byRole, err := d.directory.UsersWithRoles(ctx, def.EntityID, def.Targets.Roles)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve role recipients: %w", err)
		}
		ids = append(ids, byRole...)
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	users, err := d.directory.Users(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}
	return users, nil
}
