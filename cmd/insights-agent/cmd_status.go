package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/agent"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/config"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	dim    = color.New(color.Faint).SprintFunc()
)

// failed colors a non-zero failure count red.
func failed(n int) string {
	if n > 0 {
		return red(n)
	}
	return fmt.Sprint(n)
}

// newStatusCmd creates the status subcommand
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show agent status",
		Long: `Show the service state, process, last successful run and database.

Exit code 3 means the agent is not healthy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
				os.Exit(agent.ExitConfigError)
			}

			// A healthy agent has finished a job within two alert ticks.
			staleAfter := 2 * cfg.Alerts.TickInterval
			if cfg.Snapshots.TickInterval > cfg.Alerts.TickInterval {
				staleAfter = 2 * cfg.Snapshots.TickInterval
			}

			status, err := agent.GetStatus(cfg.Storage.Path, staleAfter)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				if status == nil {
					os.Exit(1)
				}
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(status); err != nil {
					return err
				}
			} else {
				printHumanStatus(status)
			}

			if !status.Healthy {
				os.Exit(agent.ExitUnhealthy)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output status as JSON")
	return cmd
}

func printHumanStatus(s *agent.Status) {
	state := s.State
	switch s.State {
	case "running", "running (foreground)":
		state = green(s.State)
	case "stopped":
		state = yellow(s.State)
	case "not_installed", "unknown":
		state = dim(s.State)
	}

	health := red("unhealthy")
	if s.Healthy {
		health = green("healthy")
	}

	fmt.Printf("insights-agent: %s (%s)\n", state, health)
	if s.Version != "" {
		fmt.Printf("  Version:   %s\n", s.Version)
	}
	if s.PID > 0 {
		fmt.Printf("  PID:       %d\n", s.PID)
	}
	if s.Uptime != "" {
		fmt.Printf("  Uptime:    %s\n", s.Uptime)
	}
	if s.LastRun != "" {
		fmt.Printf("  Last run:  %s\n", s.LastRun)
	}
	db := s.Database
	if s.DBSize != "" {
		db = fmt.Sprintf("%s (%s)", db, s.DBSize)
	}
	fmt.Printf("  Database:  %s\n", db)

	if s.ErrorCount > 0 {
		fmt.Printf("  Errors:    %s\n", red(s.ErrorCount))
		for _, e := range s.Errors {
			fmt.Printf("    %s\n", e)
		}
	}
}
