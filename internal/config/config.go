package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the root configuration structure
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Reports   ReportsConfig   `mapstructure:"reports"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Snapshots SnapshotsConfig `mapstructure:"snapshots"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Preload   PreloadConfig   `mapstructure:"preload"`
	API       APIConfig       `mapstructure:"api"`
	LogFile   string          `mapstructure:"log_file"`
	Debug     bool            `mapstructure:"debug"`
}

// StorageConfig locates the agent's local SQLite database.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// ReportsConfig holds the connection used to execute primary report queries.
type ReportsConfig struct {
	// DSN is a PostgreSQL connection string. Empty disables primary sources.
	DSN          string        `mapstructure:"dsn"`
	PoolMaxConns int           `mapstructure:"pool_max_conns"`
	PoolMinConns int           `mapstructure:"pool_min_conns"`
	RowLimit     int           `mapstructure:"row_limit"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// RemoteConfig configures the remote authority that stores alert copies
// and serves secondary reports.
type RemoteConfig struct {
	// BaseURL is empty when no remote authority is configured.
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// Enabled reports whether a remote authority is configured.
func (r RemoteConfig) Enabled() bool {
	return r.BaseURL != ""
}

// APIConfig configures the dashboard-facing HTTP API.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// PreloadConfig configures the report preload cache.
type PreloadConfig struct {
	TTL     time.Duration `mapstructure:"ttl"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoadConfig loads configuration from YAML file and environment variables.
// When path is empty, config.yaml is searched in ~/.config/insights and the
// working directory; a missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("$HOME/.config/insights")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("INSIGHTS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	applyDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := ValidateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// ValidateConfig validates the configuration values
func ValidateConfig(cfg *Config) error {
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path cannot be empty")
	}

	if cfg.Reports.DSN != "" {
		if cfg.Reports.PoolMaxConns < 1 {
			return fmt.Errorf("reports.pool_max_conns must be >= 1, got %d", cfg.Reports.PoolMaxConns)
		}
		if cfg.Reports.PoolMinConns < 0 || cfg.Reports.PoolMinConns > cfg.Reports.PoolMaxConns {
			return fmt.Errorf("reports.pool_min_conns must be between 0 and %d, got %d",
				cfg.Reports.PoolMaxConns, cfg.Reports.PoolMinConns)
		}
	}
	if cfg.Reports.RowLimit < 1 {
		return fmt.Errorf("reports.row_limit must be >= 1, got %d", cfg.Reports.RowLimit)
	}
	if err := validateTimeout("reports.query_timeout", cfg.Reports.QueryTimeout); err != nil {
		return err
	}

	if cfg.Remote.Enabled() {
		if !strings.HasPrefix(cfg.Remote.BaseURL, "http://") && !strings.HasPrefix(cfg.Remote.BaseURL, "https://") {
			return fmt.Errorf("remote.base_url must be an http(s) URL, got %q", cfg.Remote.BaseURL)
		}
		if err := validateTimeout("remote.timeout", cfg.Remote.Timeout); err != nil {
			return err
		}
		if cfg.Remote.RequestsPerSecond < 0 {
			return fmt.Errorf("remote.requests_per_second must be >= 0, got %v", cfg.Remote.RequestsPerSecond)
		}
	}

	if err := validateSnapshots(&cfg.Snapshots); err != nil {
		return err
	}
	if err := validateAlerts(&cfg.Alerts); err != nil {
		return err
	}
	if err := validateNotify(&cfg.Notify); err != nil {
		return err
	}

	if cfg.Preload.TTL < time.Second {
		return fmt.Errorf("preload.ttl must be >= 1s, got %v", cfg.Preload.TTL)
	}
	if err := validateTimeout("preload.timeout", cfg.Preload.Timeout); err != nil {
		return err
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}

	return nil
}

// applyDefaults sets default configuration values
func applyDefaults() {
	viper.SetDefault("storage.path", DefaultStoragePath())

	viper.SetDefault("reports.pool_max_conns", 5)
	viper.SetDefault("reports.pool_min_conns", 0)
	viper.SetDefault("reports.row_limit", 10000)
	viper.SetDefault("reports.query_timeout", "30s")

	viper.SetDefault("remote.timeout", "15s")
	viper.SetDefault("remote.requests_per_second", 5)

	viper.SetDefault("snapshots.default_interval", "24h")
	viper.SetDefault("snapshots.batch_limit", DefaultBatchLimit)
	viper.SetDefault("snapshots.retention", "2160h")
	viper.SetDefault("snapshots.tick_interval", "1m")

	viper.SetDefault("alerts.tick_interval", "1m")
	viper.SetDefault("alerts.default_check_interval", "1h")
	viper.SetDefault("alerts.history_retention", "4320h")
	viper.SetDefault("alerts.fire_log_retention", "4320h")
	viper.SetDefault("alerts.check_timeout", "30s")

	viper.SetDefault("notify.subject_prefix", "[Insights]")
	viper.SetDefault("notify.timeout", "10s")
	viper.SetDefault("notify.message_retention", "4320h")

	viper.SetDefault("preload.ttl", "5m")
	viper.SetDefault("preload.timeout", "30s")

	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", "127.0.0.1:8470")

	viper.SetDefault("debug", false)
}

// validateTimeout bounds blocking I/O timeouts.
func validateTimeout(field string, value time.Duration) error {
	return validateInterval(field, value, time.Second, 2*time.Minute)
}
