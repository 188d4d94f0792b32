// Package notify delivers fired alerts to their recipients through the
// in-app inbox and email, at most once per (entity, alert, severity).
package notify

import (
	"context"
	"time"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/alerts"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/storage/sqlite"
)

// Delivery is one rendered notification ready for a channel.
type Delivery struct {
	Definition *alerts.Definition
	Severity   alerts.Severity
	Message    alerts.Message
	Recipients []sqlite.User
	At         time.Time
}

// Notifier is a delivery channel.
type Notifier interface {
	// Channel returns the channel this notifier serves.
	Channel() alerts.Channel
	// Send delivers d to all of its recipients.
	Send(ctx context.Context, d *Delivery) error
}
