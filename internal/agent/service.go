package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/config"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/logger"
)

// ServiceName is the name registered with the service manager.
const ServiceName = "insights-agent"

// Exit codes returned by the service subcommands.
const (
	ExitSuccess          = 0
	ExitPermissionDenied = 1
	ExitServiceExists    = 2
	ExitConfigError      = 3
	ExitServiceNotFound  = 1
	ExitAlreadyRunning   = 2
	ExitStartFailed      = 3
	ExitNotRunning       = 1
	ExitStopFailed       = 2
	ExitUnhealthy        = 3
)

// Service state errors.
var (
	ErrServiceInstalled    = errors.New("service already installed")
	ErrServiceNotInstalled = errors.New("service not installed")
	ErrServiceRunning      = errors.New("service already running")
	ErrServiceNotRunning   = errors.New("service not running")
)

// ServiceConfig holds configuration for creating the service.
type ServiceConfig struct {
	ConfigPath string
	UserMode   bool
	Debug      bool
}

// program implements the service.Program interface for kardianos/service.
type program struct {
	agent      *Agent
	configPath string
}

// Start is called when the service starts.
// Per kardianos/service, this must return quickly. Agent.Start only spawns
// the job loop, so it runs inline and a failure (another agent owning the
// database, an unwritable status row) reaches the service manager.
func (p *program) Start(s service.Service) error {
	cfg, err := config.LoadConfig(p.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	a, err := New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	if err := a.Start(); err != nil {
		logger.Error("Agent start error", "error", err.Error())
		a.Close()
		return err
	}
	p.agent = a
	return nil
}

// Stop is called when the service stops.
// Per kardianos/service, this should complete gracefully.
func (p *program) Stop(s service.Service) error {
	if p.agent != nil {
		return p.agent.Stop()
	}
	return nil
}

// NewService creates a new service instance.
func NewService(svcConfig ServiceConfig) (service.Service, error) {
	prg := &program{configPath: svcConfig.ConfigPath}

	cfg := &service.Config{
		Name:        ServiceName,
		DisplayName: "Insights KPI Agent",
		Description: "Captures report snapshots, evaluates KPI alerts and delivers notifications.",
	}

	// Auto-detect a user service by checking for a plist in LaunchAgents
	userMode := svcConfig.UserMode || isUserServiceInstalled()
	if userMode {
		cfg.Option = service.KeyValue{"UserService": true}
	}

	switch runtime.GOOS {
	case "darwin":
		// launchd
		cfg.Option = mergeOptions(cfg.Option, service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		})
	case "linux":
		// systemd
		cfg.Option = mergeOptions(cfg.Option, service.KeyValue{
			"Restart": "on-failure",
		})
	case "windows":
		// Windows service recovery
		cfg.Option = mergeOptions(cfg.Option, service.KeyValue{
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   10,
		})
	}

	cfg.Arguments = serviceArguments(svcConfig)
	return service.New(prg, cfg)
}

// serviceArguments builds the command line the service manager runs. The
// config path must already be absolute; see ResolveConfigPath.
func serviceArguments(svcConfig ServiceConfig) []string {
	args := []string{"run"}
	if svcConfig.ConfigPath != "" {
		args = append(args, "--config", svcConfig.ConfigPath)
	}
	if svcConfig.Debug {
		args = append(args, "--debug")
	}
	return args
}

// mergeOptions merges two KeyValue maps.
func mergeOptions(base, additional service.KeyValue) service.KeyValue {
	if base == nil {
		base = service.KeyValue{}
	}
	for k, v := range additional {
		base[k] = v
	}
	return base
}

// RunService runs the agent under the platform service manager, or in the
// foreground when started interactively.
func RunService(svcConfig ServiceConfig) error {
	svc, err := NewService(svcConfig)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	return svc.Run()
}

// ResolveConfigPath makes path absolute and checks it exists. Service
// managers start the agent from their own working directory, so a relative
// path would not resolve at boot. An empty path is kept and means the
// default search locations.
func ResolveConfigPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("config file %s: %w", abs, err)
	}
	return abs, nil
}

// Install installs the service.
func Install(svcConfig ServiceConfig) error {
	path, err := ResolveConfigPath(svcConfig.ConfigPath)
	if err != nil {
		return err
	}
	svcConfig.ConfigPath = path

	svc, err := NewService(svcConfig)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	// Check if already installed
	status, err := svc.Status()
	if err == nil && status != service.StatusUnknown {
		return ErrServiceInstalled
	}

	if err := svc.Install(); err != nil {
		if os.IsPermission(err) {
			return &PermissionError{Err: err}
		}
		return fmt.Errorf("failed to install service: %w", err)
	}
	return nil
}

// Uninstall removes the service, stopping it first.
func Uninstall() error {
	svc, err := NewService(ServiceConfig{})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	status, err := svc.Status()
	if err != nil || status == service.StatusUnknown {
		return ErrServiceNotInstalled
	}
	// Best effort; uninstalling a running service also stops it on most platforms
	if status == service.StatusRunning {
		_ = svc.Stop()
	}

	if err := svc.Uninstall(); err != nil {
		if os.IsPermission(err) {
			return &PermissionError{Err: err}
		}
		return fmt.Errorf("failed to uninstall service: %w", err)
	}
	return nil
}

// Start starts the installed service.
func Start() error {
	svc, err := NewService(ServiceConfig{})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	status, err := svc.Status()
	if err != nil {
		return ErrServiceNotInstalled
	}
	if status == service.StatusRunning {
		return ErrServiceRunning
	}

	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	return nil
}

// Stop stops the running service.
func Stop() error {
	svc, err := NewService(ServiceConfig{})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	status, err := svc.Status()
	if err != nil {
		return ErrServiceNotInstalled
	}
	if status != service.StatusRunning {
		return ErrServiceNotRunning
	}

	if err := svc.Stop(); err != nil {
		return fmt.Errorf("failed to stop service: %w", err)
	}
	return nil
}

// ServiceState returns "running", "stopped", "unknown" or "not_installed".
func ServiceState() string {
	svc, err := NewService(ServiceConfig{})
	if err != nil {
		return "unknown"
	}
	status, err := svc.Status()
	if err != nil {
		return "not_installed"
	}
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PermissionError indicates an operation requires elevated privileges.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	if runtime.GOOS == "windows" {
		return "administrator privileges required"
	}
	return "permission denied (try with sudo)"
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// isUserServiceInstalled checks if the service plist exists in the user's LaunchAgents.
// Only launchd distinguishes user services by location.
func isUserServiceInstalled() bool {
	if runtime.GOOS != "darwin" {
		return false
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	_, err = os.Stat(homeDir + "/Library/LaunchAgents/" + ServiceName + ".plist")
	return err == nil
}
