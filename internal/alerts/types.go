// Package alerts evaluates KPI values against threshold alert definitions.
package alerts

// Status is the state an alert definition is currently in.
type Status string

const (
	// StatusOK indicates the metric is within acceptable thresholds.
	StatusOK Status = "ok"
	// StatusWarning indicates the metric has crossed the warning threshold.
	StatusWarning Status = "warning"
	// StatusCritical indicates the metric has crossed the critical threshold.
	StatusCritical Status = "critical"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsActive returns true if the status is Warning or Critical.
func (s Status) IsActive() bool {
	return s == StatusWarning || s == StatusCritical
}

// ParseStatus converts a stored value to a Status, treating unknown values as ok.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusWarning, StatusCritical:
		return Status(s)
	default:
		return StatusOK
	}
}

// Severity classifies a notification.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityRecovery Severity = "recovery"
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	return string(s)
}

// IsValid returns true if the severity is recognized.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityWarning, SeverityCritical, SeverityRecovery:
		return true
	default:
		return false
	}
}

// Operator defines how a metric is compared against a threshold.
type Operator string

const (
	OpGreaterThan    Operator = "gt"
	OpLessThan       Operator = "lt"
	OpEqual          Operator = "eq"
	OpGreaterOrEqual Operator = "gte"
	OpLessOrEqual    Operator = "lte"

	// Percentage operators compare the change against the previous snapshot.
	OpChangePct   Operator = "change_pct"
	OpIncreasePct Operator = "increase_pct"
	OpDecreasePct Operator = "decrease_pct"
)

// String returns the string representation of the operator.
func (o Operator) String() string {
	return string(o)
}

// IsPercentage reports whether the operator compares a percentage change
// rather than the raw value.
func (o Operator) IsPercentage() bool {
	return o == OpChangePct || o == OpIncreasePct || o == OpDecreasePct
}

// Compare evaluates value against threshold. For percentage operators value
// is the percentage change from the previous value.
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGreaterThan:
		return value > threshold
	case OpLessThan:
		return value < threshold
	case OpEqual:
		return value == threshold
	case OpGreaterOrEqual:
		return value >= threshold
	case OpLessOrEqual:
		return value <= threshold
	case OpChangePct:
		if value < 0 {
			value = -value
		}
		return value >= threshold
	case OpIncreasePct:
		return value >= threshold
	case OpDecreasePct:
		return value <= -threshold
	default:
		return false
	}
}

// IsValid returns true if the operator is a recognized operator.
func (o Operator) IsValid() bool {
	switch o {
	case OpGreaterThan, OpLessThan, OpEqual, OpGreaterOrEqual, OpLessOrEqual,
		OpChangePct, OpIncreasePct, OpDecreasePct:
		return true
	default:
		return false
	}
}

// Symbol returns a short human-readable form used in messages.
func (o Operator) Symbol() string {
	switch o {
	case OpGreaterThan:
		return ">"
	case OpLessThan:
		return "<"
	case OpEqual:
		return "="
	case OpGreaterOrEqual:
		return ">="
	case OpLessOrEqual:
		return "<="
	case OpChangePct:
		return "changed by"
	case OpIncreasePct:
		return "increased by"
	case OpDecreasePct:
		return "decreased by"
	default:
		return string(o)
	}
}

// Channel is a notification delivery channel.
type Channel string

const (
	ChannelInApp Channel = "inapp"
	ChannelEmail Channel = "email"
)

// IsValid returns true if the channel is recognized.
func (c Channel) IsValid() bool {
	return c == ChannelInApp || c == ChannelEmail
}

// ThresholdType names which threshold a transition was judged against.
type ThresholdType string

const (
	ThresholdNone     ThresholdType = ""
	ThresholdWarning  ThresholdType = "warning"
	ThresholdCritical ThresholdType = "critical"
)
