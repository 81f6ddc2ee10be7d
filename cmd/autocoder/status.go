package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"autocoder/pkg/billing"
	"autocoder/pkg/config"
	"autocoder/pkg/events"
	"autocoder/pkg/metrics"
	"autocoder/pkg/persistence"
	"autocoder/pkg/project"
)

const queryTimeout = 10 * time.Second

var (
	statusDB      string
	statusActive  bool
	statusProject string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored projects",
	Long: `Lists the projects recorded in the database with their phase, healing
iteration and accumulated usage. With --project the transition history,
unresolved errors and event log of one project are shown.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusDB, "db", "", "database path (defaults to persistence.db_path)")
	statusCmd.Flags().BoolVar(&statusActive, "active", false, "only show projects that have not finished")
	statusCmd.Flags().StringVarP(&statusProject, "project", "p", "", "show details of one project")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if statusDB != "" {
		cfg.Persistence.DBPath = statusDB
	}
	store, err := persistence.Open(cfg.Persistence.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	if statusProject != "" {
		return showProject(ctx, out, cfg, store, statusProject)
	}

	projects, err := store.ListProjects(ctx, persistence.ProjectFilter{ActiveOnly: statusActive})
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Fprintln(out, "No projects")
		return nil
	}
	return printProjects(ctx, out, store, projects)
}

// printProjects writes one row per project.
func printProjects(ctx context.Context, out io.Writer, store *persistence.Store, projects []*project.PluginProject) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tPHASE\tITERATION\tUPDATED\tCOST")
	for _, p := range projects {
		totals, err := store.UsageTotals(ctx, p.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d/%d\t%s\t$%.4f\n",
			p.ID, p.Name, p.Status,
			p.Phase, p.TotalPhases,
			p.CurrentIteration, p.MaxIterations,
			humanize.Time(p.UpdatedAt), totals.CostUSD)
	}
	return tw.Flush()
}

func showProject(ctx context.Context, out io.Writer, cfg *config.Config, store *persistence.Store, id string) error {
	p, err := store.LoadProject(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s (%s)\n", p.Name, p.ID)
	fmt.Fprintf(out, "  status:     %s\n", p.Status)
	fmt.Fprintf(out, "  mode:       %s, phase %d/%d\n", p.Mode, p.Phase, p.TotalPhases)
	fmt.Fprintf(out, "  iteration:  %d/%d\n", p.CurrentIteration, p.MaxIterations)
	fmt.Fprintf(out, "  created:    %s\n", humanize.Time(p.CreatedAt))
	if p.LocalPath != "" {
		fmt.Fprintf(out, "  workspace:  %s\n", p.LocalPath)
	}
	if len(p.RequiredSecrets) > 0 {
		fmt.Fprintf(out, "  waiting on: %s\n", strings.Join(p.RequiredSecrets, ", "))
	}
	if p.Error != "" {
		fmt.Fprintf(out, "  error:      %s\n", p.Error)
	}

	if unresolved := p.Unresolved(); len(unresolved) > 0 {
		fmt.Fprintf(out, "\nUnresolved errors (%d):\n%s\n", len(unresolved), p.UnresolvedSummary(10))
	}

	if len(p.History) > 0 {
		fmt.Fprintln(out, "\nHistory:")
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, t := range p.History {
			fmt.Fprintf(tw, "  %s\t%s → %s\t%s\n", t.At.Local().Format(time.DateTime), t.From, t.To, t.Reason)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	totals, err := store.UsageTotals(ctx, p.ID)
	if err != nil {
		return err
	}
	printUsage(out, totals)

	if evs, err := events.ProjectEvents(cfg.Persistence.EventLogDir, p.ID); err == nil && len(evs) > 0 {
		fmt.Fprintf(out, "\nEvents: %s recorded, last %s (%s)\n",
			humanize.Comma(int64(len(evs))), evs[len(evs)-1].Type, humanize.Time(evs[len(evs)-1].At))
	}

	if cfg.Metrics.PrometheusURL != "" {
		printPrometheus(ctx, out, cfg.Metrics.PrometheusURL, p.ID)
	}
	return nil
}

func printUsage(out io.Writer, t billing.Totals) {
	fmt.Fprintln(out, "\nUsage:")
	fmt.Fprintf(out, "  records:    %d\n", t.Records)
	fmt.Fprintf(out, "  containers: %.1fs wall, %.1fs CPU\n", t.ContainerSeconds, t.CPUSeconds)
	fmt.Fprintf(out, "  tokens:     %s prompt, %s completion\n",
		humanize.Comma(int64(t.PromptTokens)), humanize.Comma(int64(t.CompletionTokens)))
	fmt.Fprintf(out, "  cost:       $%.4f\n", t.CostUSD)
}

// printPrometheus adds the live counters; failures are reported inline
// since the database view is already complete.
func printPrometheus(ctx context.Context, out io.Writer, url, projectID string) {
	q, err := metrics.NewQueryService(url)
	if err != nil {
		fmt.Fprintf(out, "\nPrometheus: %v\n", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	m, err := q.GetProjectMetrics(ctx, projectID)
	if err != nil {
		fmt.Fprintf(out, "\nPrometheus: %v\n", err)
		return
	}
	fmt.Fprintln(out, "\nPrometheus:")
	fmt.Fprintf(out, "  tokens:     %s\n", humanize.Comma(m.TotalTokens))
	fmt.Fprintf(out, "  cost:       $%.4f\n", m.TotalCost)
	fmt.Fprintf(out, "  cpu:        %.1fs\n", m.CPUSeconds)
	fmt.Fprintf(out, "  iterations: %d\n", m.HealIterations)
}
