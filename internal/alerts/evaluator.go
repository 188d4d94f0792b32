package alerts

import (
	"fmt"
	"math"
)

// Result is the outcome of evaluating one definition against one value.
type Result struct {
	PreviousStatus Status
	NewStatus      Status

	// Changed is true when NewStatus differs from PreviousStatus. Every
	// change is recorded in history whether or not anything fires.
	Changed bool

	// Fired is the severity to notify, or empty when nothing fires.
	Fired Severity

	// Skipped is true when a percentage operator had no usable previous
	// value. The status is left untouched.
	Skipped bool

	// Value is the number compared against the thresholds: the raw metric,
	// or the percentage change for percentage operators.
	Value         float64
	ChangePercent *float64

	Threshold     float64
	ThresholdType ThresholdType
	Reason        string
}

// ChangePercent returns (current-previous)/|previous|*100. ok is false when
// previous is nil or zero.
func ChangePercent(current float64, previous *float64) (pct float64, ok bool) {
	if previous == nil || *previous == 0 {
		return 0, false
	}
	return (current - *previous) / math.Abs(*previous) * 100, true
}

// Evaluate compares current (and, for percentage operators, previous)
// against the definition's thresholds. Critical is checked before warning.
// Only status changes can fire a notification; a single call reports at
// most one transition.
func Evaluate(def *Definition, current float64, previous *float64) Result {
	prevStatus := ParseStatus(string(def.CurrentStatus))
	res := Result{
		PreviousStatus: prevStatus,
		NewStatus:      prevStatus,
		Value:          current,
	}

	if def.Operator.IsPercentage() {
		pct, ok := ChangePercent(current, previous)
		if !ok {
			res.Skipped = true
			res.Reason = "no non-zero previous value to compare against"
			return res
		}
		res.ChangePercent = &pct
		res.Value = pct
	}

	status, threshold, thresholdType := classify(def, res.Value)
	res.NewStatus = status
	if status == prevStatus {
		return res
	}
	res.Changed = true

	if status.IsActive() {
		res.Threshold = threshold
		res.ThresholdType = thresholdType
		res.Reason = fmt.Sprintf("%s crossed %s threshold (%s %s)",
			describeValue(def.Operator, res.Value), thresholdType, def.Operator, formatNumber(threshold))
	} else {
		// Recovery is judged against the threshold that was previously breached.
		res.ThresholdType = ThresholdType(prevStatus)
		if th := def.threshold(res.ThresholdType); th != nil {
			res.Threshold = *th
		}
		res.Reason = fmt.Sprintf("%s back within thresholds", describeValue(def.Operator, res.Value))
	}

	res.Fired = firedSeverity(def, prevStatus, status)
	return res
}

func classify(def *Definition, value float64) (Status, float64, ThresholdType) {
	if def.Critical != nil && def.Operator.Compare(value, *def.Critical) {
		return StatusCritical, *def.Critical, ThresholdCritical
	}
	if def.Warning != nil && def.Operator.Compare(value, *def.Warning) {
		return StatusWarning, *def.Warning, ThresholdWarning
	}
	return StatusOK, 0, ThresholdNone
}

func firedSeverity(def *Definition, from, to Status) Severity {
	switch to {
	case StatusCritical:
		if def.NotifyOnCritical {
			return SeverityCritical
		}
	case StatusWarning:
		// Covers both ok->warning and de-escalation from critical.
		if def.NotifyOnWarning {
			return SeverityWarning
		}
	case StatusOK:
		if from.IsActive() && def.NotifyOnRecovery {
			return SeverityRecovery
		}
	}
	return ""
}

func (d *Definition) threshold(t ThresholdType) *float64 {
	switch t {
	case ThresholdWarning:
		return d.Warning
	case ThresholdCritical:
		return d.Critical
	default:
		return nil
	}
}

func describeValue(op Operator, v float64) string {
	if op.IsPercentage() {
		return fmt.Sprintf("change %+.2f%%", v)
	}
	return "value " + formatNumber(v)
}
