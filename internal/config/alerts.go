package config

import (
	"fmt"
	"strings"
	"time"
)

// AlertsConfig holds alert scheduler configuration.
type AlertsConfig struct {
	// TickInterval is how often the agent runs due alert checks (default: 1m).
	TickInterval time.Duration `mapstructure:"tick_interval"`

	// DefaultCheckInterval is used for definitions saved without one (default: 1h).
	DefaultCheckInterval time.Duration `mapstructure:"default_check_interval"`

	// HistoryRetention is how long to keep alert history (default: 4320h/180d).
	HistoryRetention time.Duration `mapstructure:"history_retention"`

	// FireLogRetention is how long fire-once records are kept (default: 4320h/180d).
	FireLogRetention time.Duration `mapstructure:"fire_log_retention"`

	// CheckTimeout bounds one entity's evaluation pass.
	CheckTimeout time.Duration `mapstructure:"check_timeout"`
}

// NotifyConfig configures notification channels.
type NotifyConfig struct {
	// EmailURL is a shoutrrr smtp:// URL. Empty disables the email channel.
	EmailURL string `mapstructure:"email_url"`

	// SubjectPrefix is prepended to email subjects.
	SubjectPrefix string `mapstructure:"subject_prefix"`

	// Timeout bounds a single channel delivery.
	Timeout time.Duration `mapstructure:"timeout"`

	// MessageRetention is how long read in-app messages are kept.
	MessageRetention time.Duration `mapstructure:"message_retention"`
}

// EmailEnabled reports whether email delivery is configured.
func (n NotifyConfig) EmailEnabled() bool {
	return n.EmailURL != ""
}

// DefaultAlertsConfig returns the default alerts configuration.
func DefaultAlertsConfig() AlertsConfig {
	return AlertsConfig{
		TickInterval:         time.Minute,
		DefaultCheckInterval: time.Hour,
		HistoryRetention:     180 * 24 * time.Hour,
		FireLogRetention:     180 * 24 * time.Hour,
		CheckTimeout:         30 * time.Second,
	}
}

func validateAlerts(cfg *AlertsConfig) error {
	if err := validateInterval("alerts.tick_interval", cfg.TickInterval, time.Second, time.Hour); err != nil {
		return err
	}
	if err := validateInterval("alerts.default_check_interval", cfg.DefaultCheckInterval, time.Minute, 31*24*time.Hour); err != nil {
		return err
	}

	maxRetention := 3650 * 24 * time.Hour
	if err := validateRetention("alerts.history_retention", cfg.HistoryRetention, 24*time.Hour, maxRetention); err != nil {
		return err
	}
	if err := validateRetention("alerts.fire_log_retention", cfg.FireLogRetention, 24*time.Hour, maxRetention); err != nil {
		return err
	}
	return validateTimeout("alerts.check_timeout", cfg.CheckTimeout)
}

func validateNotify(cfg *NotifyConfig) error {
	if cfg.EmailEnabled() && !strings.HasPrefix(cfg.EmailURL, "smtp://") {
		return fmt.Errorf("notify.email_url must be an smtp:// URL")
	}
	if err := validateTimeout("notify.timeout", cfg.Timeout); err != nil {
		return err
	}
	return validateRetention("notify.message_retention", cfg.MessageRetention, 24*time.Hour, 3650*24*time.Hour)
}
