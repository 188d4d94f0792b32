package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/agent"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/config"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/logger"
)

var (
	// Version info (set by ldflags)
	version = "dev"

	// Flags
	configPath string
	debug      bool
	userMode   bool
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "insights-agent",
		Short: "KPI snapshot and alerting agent",
		Long: `insights-agent captures periodic snapshots of report KPIs, evaluates
threshold alerts against them and delivers notifications.

Service Management:
  insights-agent install [--user]   Install as system/user service
  insights-agent uninstall          Remove the service
  insights-agent start              Start the installed service
  insights-agent stop               Stop the running service
  insights-agent status [--json]    Show service status

One-shot passes (cron style):
  insights-agent snapshot           Capture due snapshots
  insights-agent check              Run due alert checks
  insights-agent prune              Delete data past retention
  insights-agent reconcile          Remove orphaned remote alerts

Direct Run:
  insights-agent run [--debug]      Run in foreground mode`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/insights/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newRunCmd(),
		newSnapshotCmd(),
		newCheckCmd(),
		newPruneCmd(),
		newReconcileCmd(),
		newPreloadCmd(),
		newAlertsCmd(),
		newInstallCmd(),
		newUninstallCmd(),
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and initializes logging. Foreground commands
// also log to stderr.
func setup(foreground bool) *config.Config {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(agent.ExitConfigError)
	}
	if debug {
		cfg.Debug = true
	}

	level := logger.LevelInfo
	if cfg.Debug {
		level = logger.LevelDebug
	}
	logger.InitLogger(logger.Options{Level: level, Path: cfg.LogFile, Foreground: foreground})
	agent.Version = version
	return cfg
}

// openAgent builds an agent for a one-shot command.
func openAgent(cfg *config.Config) *agent.Agent {
	a, err := agent.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating agent: %v\n", err)
		os.Exit(agent.ExitConfigError)
	}
	return a
}

// newRunCmd creates the run subcommand
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run agent in foreground",
		Long: `Run the agent: snapshot, alert and retention jobs plus the HTTP API when
enabled. This is also the entry point used by the installed service.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !service.Interactive() {
				setup(false)
				defer logger.Close()
				return agent.RunService(agent.ServiceConfig{ConfigPath: configPath, Debug: debug})
			}
			return runForeground()
		},
	}
}

// runForeground runs the agent until SIGINT or SIGTERM.
func runForeground() error {
	cfg := setup(true)
	defer logger.Close()

	a := openAgent(cfg)
	if err := a.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting agent: %v\n", err)
		if errors.Is(err, agent.ErrAgentRunning) {
			a.Close()
			os.Exit(agent.ExitAlreadyRunning)
		}
		a.Close()
		os.Exit(agent.ExitStartFailed)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

	if err := a.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping agent: %v\n", err)
		os.Exit(1)
	}
	return nil
}
