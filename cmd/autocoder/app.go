package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autocoder/pkg/billing"
	"autocoder/pkg/codegen"
	"autocoder/pkg/config"
	"autocoder/pkg/events"
	"autocoder/pkg/exec"
	"autocoder/pkg/logx"
	"autocoder/pkg/metrics"
	"autocoder/pkg/orchestrator"
	"autocoder/pkg/persistence"
	"autocoder/pkg/publish"
	"autocoder/pkg/research"
	"autocoder/pkg/secrets"
	"autocoder/pkg/subagent"
	"autocoder/pkg/workspace"
)

const (
	cleanupInterval  = time.Minute
	shutdownTimeout  = 30 * time.Second
	metricsReadLimit = 5 * time.Second
)

// app holds every long-lived component of a run.
type app struct {
	cfg        *config.Config
	store      *persistence.Store
	writer     *events.Writer
	bus        *events.NATSPublisher
	registry   *exec.ContainerRegistry
	containers *exec.ContainerManager
	integrator *research.Integrator
	manager    *orchestrator.Manager
	metricsSrv *http.Server
	logger     *logx.Logger
}

type appOptions struct {
	authorName  string
	authorEmail string
}

// newApp wires the orchestrator. On error everything opened so far is
// closed again.
func newApp(ctx context.Context, cfg *config.Config, creds *secrets.Manager, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logx.NewLogger("autocoder")}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.store, err = persistence.Open(cfg.Persistence.DBPath); err != nil {
		return nil, err
	}
	if a.writer, err = events.NewWriter(cfg.Persistence.EventLogDir); err != nil {
		return nil, err
	}
	sink := events.Multi{a.writer}
	reporter := billing.MultiReporter{a.store}
	if cfg.Events.NATSURL != "" {
		if a.bus, err = events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix); err != nil {
			return nil, err
		}
		sink = append(sink, a.bus)
		reporter = append(reporter, billing.NewBusReporter(a.bus.Conn(), cfg.Events.SubjectPrefix))
	}

	recorder := metrics.Nop()
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		recorder = metrics.NewPrometheusRecorder(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		a.metricsSrv = &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: metricsReadLimit,
		}
	}

	a.registry = exec.NewContainerRegistry(logx.NewLogger("containers"))
	a.containers = exec.NewContainerManager(
		exec.WithRegistry(a.registry),
		exec.WithCommand(cfg.Container.Command),
	)
	if !a.containers.Available(ctx) {
		return nil, errors.New("no container runtime available (install docker or podman)")
	}
	a.registry.StartCleanupRoutine(ctx, a.containers.Reap, cleanupInterval, cfg.Container.StaleAfter)

	coordinator := subagent.NewCoordinator(a.containers, subagent.Options{
		Image: cfg.Container.Image,
		Resources: exec.ResourceLimits{
			CPUs:   cfg.Container.CPUs,
			Memory: cfg.Container.Memory,
			PIDs:   cfg.Container.PIDs,
		},
		User:            cfg.Container.User,
		ReadOnlyRootFS:  cfg.Container.ReadOnly,
		NetworkDisabled: cfg.Container.NetworkDisabled,
		TmpfsSize:       cfg.Container.TmpfsSize,
		StopTimeout:     cfg.Container.StopTimeout,
		TaskTimeout:     cfg.Container.TaskTimeout,
	},
		subagent.WithReporter(reporter),
		subagent.WithRecorder(recorder),
		subagent.WithEventSink(sink),
	)

	client, err := codegen.NewClient(&cfg.LLM)
	if err != nil {
		return nil, err
	}
	generator := codegen.NewLLMGenerator(client,
		codegen.WithMetrics(recorder),
		codegen.WithTokenLimits(cfg.LLM.MaxTokens, cfg.LLM.MaxPromptTokens),
	)

	workspaces, err := workspace.NewManager(cfg.Orchestrator.WorkspaceRoot)
	if err != nil {
		return nil, err
	}

	knowledgeDir := cfg.Research.KnowledgeDir
	if knowledgeDir == "" {
		knowledgeDir = filepath.Join(cfg.Orchestrator.WorkspaceRoot, "knowledge")
	}
	knowledge, err := research.NewFileKnowledgeStore(knowledgeDir)
	if err != nil {
		return nil, err
	}
	// No hosted research capability ships with the CLI; issues are covered
	// by static analysis and the knowledge base.
	a.integrator, err = research.NewIntegrator(nil, knowledge, research.Config{
		PollInterval:  cfg.Research.PollInterval,
		MaxPolls:      cfg.Research.MaxPolls,
		CacheTTL:      cfg.Research.CacheTTL,
		CacheMaxBytes: cfg.Research.CacheMaxBytes,
	})
	if err != nil {
		return nil, err
	}

	deps := orchestrator.Deps{
		Workspaces:  workspaces,
		Generator:   generator,
		Agents:      coordinator,
		Research:    a.integrator,
		Credentials: reloadingCredentials{m: creds, logger: a.logger},
		Store:       a.store,
		Reporter:    reporter,
		Recorder:    recorder,
		Events:      sink,
		Publisher:   publish.LogPublisher{},
	}
	if opts.authorName != "" {
		deps.Publisher = publish.NewGitPublisher(publish.NewHostGitRunner(), opts.authorName, opts.authorEmail)
	}

	if a.manager, err = orchestrator.New(cfg, deps); err != nil {
		return nil, err
	}
	return a, nil
}

// serveMetrics blocks serving /metrics until ctx ends. Without a metrics
// listener it returns immediately.
func (a *app) serveMetrics(ctx context.Context) error {
	if a.metricsSrv == nil {
		return nil
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Serving metrics on %s/metrics", a.metricsSrv.Addr)
		errCh <- a.metricsSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics listener: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsReadLimit)
		defer cancel()
		return a.metricsSrv.Shutdown(shutdownCtx)
	}
}

// Close releases every component. It tolerates a partially built app.
func (a *app) Close() {
	if a.registry != nil {
		a.registry.Shutdown()
	}
	if a.containers != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.containers.Shutdown(ctx); err != nil {
			a.logger.Warn("Container shutdown incomplete: %v", err)
		}
		cancel()
	}
	if a.integrator != nil {
		a.integrator.Close()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Warn("Failed to close event bus: %v", err)
		}
	}
	if a.writer != nil {
		if err := a.writer.Close(); err != nil {
			a.logger.Warn("Failed to close event log: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close database: %v", err)
		}
	}
}

// reloadingCredentials re-reads the secrets file before every check so
// values stored with `autocoder secrets set` reach a running process.
type reloadingCredentials struct {
	m      *secrets.Manager
	logger *logx.Logger
}

func (c reloadingCredentials) MissingEnvVars() []secrets.MissingVar {
	if err := c.m.Reload(); err != nil {
		c.logger.Warn("Failed to reload secrets: %v", err)
	}
	return c.m.MissingEnvVars()
}
