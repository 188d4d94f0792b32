package snapshots

import (
	"math"
	"time"

	"github.com/VividCortex/ewma"
)

// Direction of the most recent change.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionFlat Direction = "flat"
)

// Point is one value of a sparkline.
type Point struct {
	Value      float64   `json:"value"`
	CapturedAt time.Time `json:"captured_at"`
}

// Trend summarizes a series of snapshots for display.
type Trend struct {
	Current  *float64  `json:"current,omitempty"`
	Previous *float64  `json:"previous,omitempty"`
	Change   float64   `json:"change"`
	// ChangePercent is nil when there is no non-zero previous value.
	ChangePercent *float64  `json:"change_percent,omitempty"`
	Direction     Direction `json:"direction"`
	// Baseline is an exponentially weighted moving average of the series.
	Baseline float64 `json:"baseline"`
	Points   []Point `json:"points"`
}

// ComputeTrend builds a Trend from snapshots ordered newest first, as
// returned by Store.RecentSnapshots.
func ComputeTrend(recent []Snapshot) Trend {
	t := Trend{Direction: DirectionFlat, Points: make([]Point, 0, len(recent))}
	if len(recent) == 0 {
		return t
	}

	avg := ewma.NewMovingAverage()
	for i := len(recent) - 1; i >= 0; i-- {
		s := recent[i]
		t.Points = append(t.Points, Point{Value: s.Value, CapturedAt: s.CapturedAt})
		avg.Add(s.Value)
	}
	t.Baseline = avg.Value()

	current := recent[0].Value
	t.Current = &current
	if len(recent) < 2 {
		return t
	}

	previous := recent[1].Value
	t.Previous = &previous
	t.Change = current - previous
	switch {
	case t.Change > 0:
		t.Direction = DirectionUp
	case t.Change < 0:
		t.Direction = DirectionDown
	}
	if previous != 0 {
		pct := t.Change / math.Abs(previous) * 100
		t.ChangePercent = &pct
	}
	return t
}
