package alerts

import (
	"fmt"
	"text/template"
	"time"
)

// Targets lists who receives notifications for a definition.
type Targets struct {
	Users []int64  `json:"users,omitempty" yaml:"users,omitempty"`
	Roles []string `json:"roles,omitempty" yaml:"roles,omitempty"`
}

// IsEmpty returns true if no user or role is targeted.
func (t Targets) IsEmpty() bool {
	return len(t.Users) == 0 && len(t.Roles) == 0
}

// Definition is a user-configured threshold alert on one report's metric
// within one entity.
type Definition struct {
	ID       int64
	EntityID int64
	ReportID string

	// Name is an optional label shown in notifications.
	Name string
	// MetricField documents which column the metric came from. The value
	// itself is extracted by the snapshot pipeline.
	MetricField string

	Operator Operator
	Warning  *float64
	Critical *float64

	CheckInterval time.Duration
	// Cooldown is stored for compatibility and not applied; fire-once
	// deduplication governs repeats.
	Cooldown time.Duration

	NotifyOnWarning  bool
	NotifyOnCritical bool
	NotifyOnRecovery bool

	Channels []Channel
	Targets  Targets

	// Message is an optional text/template body; see MessageData.
	Message string

	Enabled       bool
	CurrentStatus Status
	LastCheckedAt *time.Time
	LastAlertAt   *time.Time

	// RemoteID is the identifier assigned by the remote authority, if synced.
	RemoteID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the definition for configuration errors. It is called at
// save time so invalid definitions never reach the scheduler.
func (d *Definition) Validate() error {
	if d.EntityID <= 0 {
		return &ValidationError{Field: "entity_id", Message: "must be positive"}
	}
	if d.ReportID == "" {
		return &ValidationError{Field: "report_id", Message: "is required"}
	}
	if !d.Operator.IsValid() {
		return &ValidationError{Field: "operator", Message: fmt.Sprintf("invalid operator %q", d.Operator)}
	}
	if d.Warning == nil && d.Critical == nil {
		return &ValidationError{Field: "thresholds", Message: "at least one of warning or critical is required"}
	}
	if d.Operator.IsPercentage() {
		for _, th := range []*float64{d.Warning, d.Critical} {
			if th != nil && *th < 0 {
				return &ValidationError{Field: "thresholds", Message: "percentage thresholds must be >= 0"}
			}
		}
	}
	if d.CheckInterval <= 0 {
		return &ValidationError{Field: "check_interval", Message: "must be positive"}
	}
	if d.Cooldown < 0 {
		return &ValidationError{Field: "cooldown", Message: "must not be negative"}
	}
	for _, ch := range d.Channels {
		if !ch.IsValid() {
			return &ValidationError{Field: "channels", Message: fmt.Sprintf("unknown channel %q", ch)}
		}
	}
	if d.Message != "" {
		if _, err := template.New("message").Parse(d.Message); err != nil {
			return &ValidationError{Field: "message", Message: err.Error()}
		}
	}
	return nil
}

// IsDue returns true if the definition has never been checked or its check
// interval has elapsed.
func (d *Definition) IsDue(now time.Time) bool {
	if d.LastCheckedAt == nil {
		return true
	}
	return now.Sub(*d.LastCheckedAt) >= d.CheckInterval
}

// HasChannel returns true if the channel is enabled for the definition.
func (d *Definition) HasChannel(ch Channel) bool {
	for _, c := range d.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// Label returns the name used in messages and logs.
func (d *Definition) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return fmt.Sprintf("alert #%d", d.ID)
}

// Float returns a pointer to v, for building thresholds.
func Float(v float64) *float64 {
	return &v
}
