package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/agent"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/logger"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/remote"
)

// withAgent runs fn against a freshly opened agent and closes it afterwards.
// SIGINT cancels the context.
func withAgent(fn func(ctx context.Context, a *agent.Agent) error) error {
	cfg := setup(true)
	defer logger.Close()

	a := openAgent(cfg)
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := fn(ctx, a)
	printProblems()
	return err
}

// printProblems lists warnings and errors logged during a one-shot run.
func printProblems() {
	problems := logger.RecentProblems()
	if len(problems) == 0 {
		return
	}
	fmt.Fprintf(os.Stderr, "\n%s\n", yellow(fmt.Sprintf("%d problem(s) logged:", len(problems))))
	for _, p := range problems {
		fmt.Fprintf(os.Stderr, "  %s\n", p.Format())
	}
}

func newSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Capture all due snapshots once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(func(ctx context.Context, a *agent.Agent) error {
				res, err := a.CaptureSnapshots(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Due: %d  Captured: %s  Failed: %s  Deactivated: %d\n",
					res.Due, green(res.Captured), failed(res.Failed), res.Deactivated)
				return nil
			})
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run all due alert checks once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(func(ctx context.Context, a *agent.Agent) error {
				res, err := a.CheckAlerts(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Processed: %d  Triggered: %s  Errors: %s\n",
					res.Processed, yellow(res.Triggered), failed(res.Errors))
				if res.DisabledEntities > 0 {
					fmt.Printf("Disabled alerts for %d removed entities\n", res.DisabledEntities)
				}
				return nil
			})
		},
	}
}

func newPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete snapshots, history and messages past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(func(ctx context.Context, a *agent.Agent) error {
				pruned, err := a.Prune(ctx)
				names := make([]string, 0, len(pruned))
				for name := range pruned {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Printf("%-16s %s rows\n", name, humanize.Comma(pruned[name]))
				}
				return err
			})
		},
	}
}

func newReconcileCmd() *cobra.Command {
	var (
		entityID int64
		reportID string
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Delete remote alerts with no local counterpart",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(func(ctx context.Context, a *agent.Agent) error {
				res, err := a.Reconcile(ctx, entityID, reportID)
				if errors.Is(err, remote.ErrNotConfigured) {
					return fmt.Errorf("remote.base_url is not set")
				}
				if err != nil {
					return err
				}
				fmt.Printf("Remote: %d  Deleted: %s  Failed: %s\n",
					res.Remote, green(res.Deleted), failed(res.Failed))
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&entityID, "entity", 0, "entity id")
	cmd.Flags().StringVar(&reportID, "report", "", "report id")
	_ = cmd.MarkFlagRequired("entity")
	_ = cmd.MarkFlagRequired("report")
	return cmd
}

func newPreloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preload REPORT...",
		Short: "Compute report values and print them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(func(ctx context.Context, a *agent.Agent) error {
				values, err := a.PreloadReports(ctx, args)
				if err != nil {
					return err
				}
				for _, id := range args {
					e := values[id]
					fmt.Printf("%-24s %s  (%s)\n", id, humanize.Commaf(e.Value), e.Elapsed.Round(time.Millisecond))
				}
				return nil
			})
		},
	}
}
