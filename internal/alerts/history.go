package alerts

import "time"

// HistoryEntry records one status transition of a definition.
type HistoryEntry struct {
	ID             int64
	AlertID        int64
	EntityID       int64
	ReportID       string
	PreviousStatus Status
	NewStatus      Status
	MetricValue    float64
	ThresholdValue float64
	ThresholdType  ThresholdType
	Notified       bool
	CreatedAt      time.Time
}

// NewHistoryEntry builds the history row for a changed result.
func NewHistoryEntry(def *Definition, res Result, metricValue float64, notified bool, now time.Time) *HistoryEntry {
	return &HistoryEntry{
		AlertID:        def.ID,
		EntityID:       def.EntityID,
		ReportID:       def.ReportID,
		PreviousStatus: res.PreviousStatus,
		NewStatus:      res.NewStatus,
		MetricValue:    metricValue,
		ThresholdValue: res.Threshold,
		ThresholdType:  res.ThresholdType,
		Notified:       notified,
		CreatedAt:      now,
	}
}

// FireLogEntry marks that a severity was delivered for (entity, alert).
// While an entry exists the same severity is not sent again.
type FireLogEntry struct {
	EntityID int64
	AlertID  int64
	Severity Severity
	FiredAt  time.Time
}
