package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/agent"
	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/alerts"
)

func newAlertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Manage alert definitions",
	}
	cmd.AddCommand(newAlertsImportCmd(), newAlertsListCmd())
	return cmd
}

func newAlertsImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Create alert definitions from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(func(ctx context.Context, a *agent.Agent) error {
				defs, err := a.ImportAlerts(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Imported %s alert definitions\n", green(len(defs)))
				return nil
			})
		},
	}
}

func newAlertsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show alert definitions grouped by entity and report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(func(ctx context.Context, a *agent.Agent) error {
				defs, err := a.ListAlerts(ctx)
				if err != nil {
					return err
				}
				fmt.Print(alertTree(defs))
				return nil
			})
		},
	}
}

// alertTree renders definitions as entity > report > alert.
func alertTree(defs []*alerts.Definition) string {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("alerts (%d)", len(defs)))

	byEntity := make(map[int64]map[string][]*alerts.Definition)
	for _, d := range defs {
		if byEntity[d.EntityID] == nil {
			byEntity[d.EntityID] = make(map[string][]*alerts.Definition)
		}
		byEntity[d.EntityID][d.ReportID] = append(byEntity[d.EntityID][d.ReportID], d)
	}

	entities := make([]int64, 0, len(byEntity))
	for id := range byEntity {
		entities = append(entities, id)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i] < entities[j] })

	for _, eid := range entities {
		entity := tree.AddBranch(fmt.Sprintf("entity %d", eid))
		reports := make([]string, 0, len(byEntity[eid]))
		for rid := range byEntity[eid] {
			reports = append(reports, rid)
		}
		sort.Strings(reports)
		for _, rid := range reports {
			report := entity.AddBranch(rid)
			for _, d := range byEntity[eid][rid] {
				report.AddNode(alertLine(d))
			}
		}
	}
	return tree.String()
}

func alertLine(d *alerts.Definition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d ", d.ID)
	if d.Name != "" {
		fmt.Fprintf(&b, "%s ", d.Name)
	}
	fmt.Fprintf(&b, "[%s", d.Operator)
	if d.Warning != nil {
		fmt.Fprintf(&b, " warn=%g", *d.Warning)
	}
	if d.Critical != nil {
		fmt.Fprintf(&b, " crit=%g", *d.Critical)
	}
	b.WriteString("] ")

	switch {
	case !d.Enabled:
		b.WriteString(dim("disabled"))
	case d.CurrentStatus == alerts.StatusCritical:
		b.WriteString(red(string(d.CurrentStatus)))
	case d.CurrentStatus == alerts.StatusWarning:
		b.WriteString(yellow(string(d.CurrentStatus)))
	default:
		b.WriteString(green(string(d.CurrentStatus)))
	}
	return b.String()
}
