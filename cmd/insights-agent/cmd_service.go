package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/agent"
)

// newInstallCmd creates the install subcommand
func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install insights-agent as a system service",
		Long: `Install insights-agent as a system service that starts on boot.

Use --user to install as a user service (no elevated privileges required).
System service installation requires administrator/root privileges.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svcConfig := agent.ServiceConfig{
				ConfigPath: configPath,
				UserMode:   userMode,
				Debug:      debug,
			}

			if err := agent.Install(svcConfig); err != nil {
				var permErr *agent.PermissionError
				if errors.As(err, &permErr) {
					fmt.Fprintf(os.Stderr, "Error: %v\n", permErr)
					os.Exit(agent.ExitPermissionDenied)
				}
				if errors.Is(err, agent.ErrServiceInstalled) {
					fmt.Fprintf(os.Stderr, "Error: service already installed\n")
					fmt.Fprintf(os.Stderr, "Use 'insights-agent uninstall' first to reinstall\n")
					os.Exit(agent.ExitServiceExists)
				}
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(agent.ExitConfigError)
			}

			fmt.Println("insights-agent installed successfully")
			if userMode {
				fmt.Println("Installed as user service")
			} else {
				fmt.Println("Installed as system service")
			}
			fmt.Println("\nTo start the service:")
			fmt.Println("  insights-agent start")
			return nil
		},
	}
	cmd.Flags().BoolVar(&userMode, "user", false, "install as user service instead of system")
	return cmd
}

// newUninstallCmd creates the uninstall subcommand
func newUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove insights-agent service",
		Long:  `Remove the insights-agent service. The service will be stopped if running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := agent.Uninstall(); err != nil {
				var permErr *agent.PermissionError
				if errors.As(err, &permErr) {
					fmt.Fprintf(os.Stderr, "Error: %v\n", permErr)
					os.Exit(agent.ExitPermissionDenied)
				}
				if errors.Is(err, agent.ErrServiceNotInstalled) {
					fmt.Fprintf(os.Stderr, "Error: service not installed\n")
					os.Exit(agent.ExitServiceNotFound)
				}
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			fmt.Println("insights-agent uninstalled successfully")
			return nil
		},
	}
}

// newStartCmd creates the start subcommand
func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the installed service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := agent.Start(); err != nil {
				switch {
				case errors.Is(err, agent.ErrServiceNotInstalled):
					fmt.Fprintf(os.Stderr, "Error: service not installed\n")
					fmt.Fprintf(os.Stderr, "Use 'insights-agent install' first\n")
					os.Exit(agent.ExitServiceNotFound)
				case errors.Is(err, agent.ErrServiceRunning):
					fmt.Fprintf(os.Stderr, "Error: service already running\n")
					os.Exit(agent.ExitAlreadyRunning)
				}
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(agent.ExitStartFailed)
			}

			fmt.Println("insights-agent started")
			return nil
		},
	}
}

// newStopCmd creates the stop subcommand
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := agent.Stop(); err != nil {
				switch {
				case errors.Is(err, agent.ErrServiceNotInstalled):
					fmt.Fprintf(os.Stderr, "Error: service not installed\n")
					os.Exit(agent.ExitServiceNotFound)
				case errors.Is(err, agent.ErrServiceNotRunning):
					fmt.Fprintf(os.Stderr, "Error: service not running\n")
					os.Exit(agent.ExitNotRunning)
				}
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(agent.ExitStopFailed)
			}

			fmt.Println("insights-agent stopped")
			return nil
		},
	}
}
