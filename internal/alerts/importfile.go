package alerts

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefinitionFile is the YAML document read by `insights-agent alerts import`.
type DefinitionFile struct {
	Version int              `yaml:"version"`
	Alerts  []DefinitionSpec `yaml:"alerts"`
}

// DefinitionSpec is one alert in a DefinitionFile.
type DefinitionSpec struct {
	Name             string        `yaml:"name"`
	EntityID         int64         `yaml:"entity"`
	ReportID         string        `yaml:"report"`
	MetricField      string        `yaml:"metric_field,omitempty"`
	Operator         string        `yaml:"operator"`
	Warning          *float64      `yaml:"warning,omitempty"`
	Critical         *float64      `yaml:"critical,omitempty"`
	CheckInterval    time.Duration `yaml:"check_interval,omitempty"`
	Cooldown         time.Duration `yaml:"cooldown,omitempty"`
	NotifyOnWarning  *bool         `yaml:"notify_on_warning,omitempty"`
	NotifyOnCritical *bool         `yaml:"notify_on_critical,omitempty"`
	NotifyOnRecovery *bool         `yaml:"notify_on_recovery,omitempty"`
	Channels         []string      `yaml:"channels,omitempty"`
	Targets          Targets       `yaml:"targets,omitempty"`
	Message          string        `yaml:"message,omitempty"`
	Enabled          *bool         `yaml:"enabled,omitempty"`
}

// LoadDefinitionFile reads and validates a definitions file. Definitions
// without a check interval get defaultInterval.
func LoadDefinitionFile(path string, defaultInterval time.Duration) ([]*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ParseDefinitions(data, defaultInterval)
}

// ParseDefinitions decodes YAML definitions and validates every entry.
func ParseDefinitions(data []byte, defaultInterval time.Duration) ([]*Definition, error) {
	var file DefinitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse definitions: %w", err)
	}

	defs := make([]*Definition, 0, len(file.Alerts))
	for i, spec := range file.Alerts {
		def := spec.toDefinition(defaultInterval)
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("alerts[%d] %q: %w", i, spec.Name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (s DefinitionSpec) toDefinition(defaultInterval time.Duration) *Definition {
	def := &Definition{
		Name:             s.Name,
		EntityID:         s.EntityID,
		ReportID:         s.ReportID,
		MetricField:      s.MetricField,
		Operator:         Operator(s.Operator),
		Warning:          s.Warning,
		Critical:         s.Critical,
		CheckInterval:    s.CheckInterval,
		Cooldown:         s.Cooldown,
		NotifyOnWarning:  boolOr(s.NotifyOnWarning, true),
		NotifyOnCritical: boolOr(s.NotifyOnCritical, true),
		NotifyOnRecovery: boolOr(s.NotifyOnRecovery, false),
		Targets:          s.Targets,
		Message:          s.Message,
		Enabled:          boolOr(s.Enabled, true),
		CurrentStatus:    StatusOK,
	}
	if def.CheckInterval == 0 {
		def.CheckInterval = defaultInterval
	}
	if len(s.Channels) == 0 {
		def.Channels = []Channel{ChannelInApp}
	}
	for _, ch := range s.Channels {
		def.Channels = append(def.Channels, Channel(ch))
	}
	return def
}

func boolOr(b *bool, fallback bool) bool {
	if b == nil {
		return fallback
	}
	return *b
}
