package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"autocoder/pkg/config"
	"autocoder/pkg/orchestrator"
	"autocoder/pkg/project"
)

const pollInterval = 500 * time.Millisecond

// errProjectsFailed makes the process exit non-zero once the summary has
// been printed.
var errProjectsFailed = errors.New("one or more projects failed")

var runOpts struct {
	name        string
	description string
	user        string
	keywords    []string
	mode        string
	authorName  string
	authorEmail string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Build a plugin and heal it until it verifies",
	Long: `Creates a project from --name and --description and drives it through
discovery, generation, healing and (in full mode) publishing. Projects left
active by an earlier run are resumed alongside it; without --name only
those are resumed.

Interrupting the command stops work in place. The next run continues from
the last recorded phase.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runOpts.name, "name", "n", "", "plugin name")
	f.StringVarP(&runOpts.description, "description", "d", "", "what the plugin should do")
	f.StringVarP(&runOpts.user, "user", "u", "", "user the project belongs to (defaults to $USER)")
	f.StringSliceVarP(&runOpts.keywords, "keywords", "k", nil, "comma-separated research keywords")
	f.StringVarP(&runOpts.mode, "mode", "m", "", "mvp or full (defaults to orchestrator.default_mode)")
	f.StringVar(&runOpts.authorName, "author-name", "", "commit author; full mode then commits the workspace to git instead of only logging it")
	f.StringVar(&runOpts.authorEmail, "author-email", "autocoder@localhost", "commit author email for publishing")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	if runOpts.name != "" && strings.TrimSpace(runOpts.description) == "" {
		return errors.New("--description is required with --name")
	}
	if runOpts.mode != "" && runOpts.mode != config.ModeMVP && runOpts.mode != config.ModeFull {
		return fmt.Errorf("unknown mode %q (want %s or %s)", runOpts.mode, config.ModeMVP, config.ModeFull)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	creds, err := openSecrets(cfg)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, creds, appOptions{authorName: runOpts.authorName, authorEmail: runOpts.authorEmail})
	if err != nil {
		return err
	}
	defer a.Close()

	ids, err := startProjects(ctx, a)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return errors.New("nothing to run: pass --name and --description, or leave active projects to resume")
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return a.serveMetrics(gctx) })
	g.Go(func() error {
		a.manager.WatchSecrets(gctx)
		return nil
	})
	g.Go(func() error {
		defer cancelRun()
		waitTerminal(gctx, a.manager, ids)
		return nil
	})
	err = g.Wait()
	cancelRun()
	a.manager.WaitAll()
	if err != nil {
		return err
	}

	return summarize(cmd, a, ids, ctx.Err() != nil)
}

// startProjects resumes restored projects and creates the requested one,
// returning the ids the command waits for.
func startProjects(ctx context.Context, a *app) ([]string, error) {
	restored, err := a.manager.Restore(ctx)
	if err != nil {
		return nil, err
	}
	if restored > 0 {
		a.logger.Info("Resuming %d project(s) from a previous run", restored)
	}

	var ids []string
	for _, p := range a.manager.GetActiveProjects() {
		ids = append(ids, p.ID)
		if p.Status == project.StatusAwaitingSecrets {
			// The secrets watcher restarts it once credentials appear.
			continue
		}
		if err := a.manager.Start(ctx, p.ID, p.Keywords, p.Mode); err != nil {
			a.logger.Warn("Failed to resume %s: %v", p.ID, err)
		}
	}

	if runOpts.name == "" {
		return ids, nil
	}
	user := runOpts.user
	if user == "" {
		user = os.Getenv("USER")
	}
	p, err := a.manager.CreatePluginProject(ctx, runOpts.name, runOpts.description, user)
	if err != nil {
		return nil, err
	}
	if err := a.manager.Start(ctx, p.ID, runOpts.keywords, runOpts.mode); err != nil {
		return nil, err
	}
	a.logger.Info("Started project %s (%s)", p.Name, p.ID)
	return append(ids, p.ID), nil
}

// waitTerminal returns once every project is terminal or ctx ends. Parked
// projects keep it waiting since the secrets watcher may resume them.
func waitTerminal(ctx context.Context, m *orchestrator.Manager, ids []string) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		done := true
		for _, id := range ids {
			p, err := m.GetProject(id)
			if err == nil && !p.IsTerminal() {
				done = false
				break
			}
		}
		if done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func summarize(cmd *cobra.Command, a *app, ids []string, interrupted bool) error {
	out := cmd.OutOrStdout()
	var projects []*project.PluginProject
	failed := false
	for _, id := range ids {
		p, err := a.manager.GetProject(id)
		if err != nil {
			continue
		}
		projects = append(projects, p)
		if p.Status == project.StatusFailed {
			failed = true
		}
	}
	project.SortByCreated(projects)

	ctx := context.WithoutCancel(cmd.Context())
	if err := printProjects(ctx, out, a.store, projects); err != nil {
		return err
	}
	for _, p := range projects {
		switch {
		case p.Status == project.StatusFailed:
			fmt.Fprintf(out, "\n%s failed: %s\n", p.Name, p.Error)
		case p.Status == project.StatusAwaitingSecrets:
			fmt.Fprintf(out, "\n%s is waiting for: %s (store them with `autocoder secrets set NAME`)\n",
				p.Name, strings.Join(p.RequiredSecrets, ", "))
		case p.Status == project.StatusCompleted && p.LocalPath != "":
			fmt.Fprintf(out, "\n%s is ready in %s\n", p.Name, p.LocalPath)
		}
	}
	if interrupted {
		fmt.Fprintln(out, "\nInterrupted; run again to resume unfinished projects.")
	}
	if failed {
		return errProjectsFailed
	}
	return nil
}
