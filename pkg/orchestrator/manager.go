// Package orchestrator is the orchestration manager. It owns every
// PluginProject, runs its phases and reports its progress through the
// event stream, the store and metrics.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"autocoder/pkg/billing"
	"autocoder/pkg/codegen"
	"autocoder/pkg/config"
	"autocoder/pkg/events"
	"autocoder/pkg/heal"
	"autocoder/pkg/logx"
	"autocoder/pkg/metrics"
	"autocoder/pkg/persistence"
	"autocoder/pkg/project"
	"autocoder/pkg/publish"
	"autocoder/pkg/research"
	"autocoder/pkg/secrets"
	"autocoder/pkg/subagent"
	"autocoder/pkg/workspace"
)

const defaultSecretsPollInterval = 30 * time.Second

// Store persists projects. *persistence.Store implements it.
type Store interface {
	SaveProject(ctx context.Context, p *project.PluginProject) error
	ListProjects(ctx context.Context, filter persistence.ProjectFilter) ([]*project.PluginProject, error)
}

// Researcher produces findings for an issue and never fails.
// *research.Integrator implements it.
type Researcher interface {
	ResearchIssue(ctx context.Context, issue research.Issue) *research.Context
}

// Agents provisions sub-agent containers. *subagent.Coordinator implements it.
type Agents interface {
	heal.Executor
	Assign(ctx context.Context, req subagent.AssignRequest) (subagent.SubAgentConfig, error)
	Release(ctx context.Context, agentID string) error
	ReleaseProject(ctx context.Context, projectID string) error
}

// Credentials reports which plugin credentials are missing.
// *secrets.Manager implements it.
type Credentials interface {
	MissingEnvVars() []secrets.MissingVar
}

// VerifierFactory builds the verifier run by a project's tester agent.
type VerifierFactory func(agentID string, ws *workspace.Workspace) heal.Verifier

// Deps are the manager's collaborators. Workspaces, Generator and Agents are
// required; the rest are optional.
type Deps struct {
	Workspaces  *workspace.Manager
	Generator   codegen.Generator
	Agents      Agents
	Research    Researcher
	Credentials Credentials
	Store       Store
	Publisher   publish.Publisher
	Reporter    billing.Reporter
	Recorder    metrics.Recorder
	Events      events.Sink
	Verifier    VerifierFactory
}

// entry is the manager's authoritative copy of one project.
type entry struct {
	mu       sync.Mutex
	p        *project.PluginProject
	cancel   context.CancelFunc // cancels the running phase; guarded by mu
	workflow chan struct{}      // closed when the Start workflow ends; guarded by mu
	runMu    sync.Mutex         // held while a phase runs
}

// Manager runs plugin projects. Projects run concurrently; phases of one
// project never overlap.
type Manager struct {
	cfg         config.OrchestratorConfig
	taskTimeout time.Duration
	deps        Deps
	healer      *heal.Loop
	sem         *semaphore.Weighted
	logger      *logx.Logger

	projects map[string]*entry // key: project ID
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// New creates a manager from the orchestrator, container and verify sections
// of cfg.
func New(cfg *config.Config, deps Deps) (*Manager, error) {
	if deps.Workspaces == nil {
		return nil, errors.New("workspace manager is required")
	}
	if deps.Generator == nil {
		return nil, errors.New("code generator is required")
	}
	if deps.Agents == nil {
		return nil, errors.New("sub-agent coordinator is required")
	}
	if deps.Research == nil {
		deps.Research = staticResearcher{}
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.Nop()
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	if deps.Verifier == nil {
		verify, agents := cfg.Verify, deps.Agents
		deps.Verifier = func(agentID string, _ *workspace.Workspace) heal.Verifier {
			return heal.NewContainerVerifier(agents, agentID, verify)
		}
	}

	orch := cfg.Orchestrator
	if orch.MaxConcurrentProjects <= 0 {
		orch.MaxConcurrentProjects = 1
	}
	if orch.SecretsPollInterval <= 0 {
		orch.SecretsPollInterval = defaultSecretsPollInterval
	}
	if orch.DefaultMode == "" {
		orch.DefaultMode = project.ModeMVP
	}

	return &Manager{
		cfg:         orch,
		taskTimeout: cfg.Container.TaskTimeout,
		deps:        deps,
		healer:      heal.NewLoop(deps.Generator, heal.WithRecorder(deps.Recorder), heal.WithEventSink(deps.Events)),
		sem:         semaphore.NewWeighted(int64(orch.MaxConcurrentProjects)),
		logger:      logx.NewLogger("orchestrator"),
		projects:    make(map[string]*entry),
	}, nil
}

// CreatePluginProject registers a new pending project. Identical names and
// descriptions still create distinct projects.
func (m *Manager) CreatePluginProject(ctx context.Context, name, description, userID string) (*project.PluginProject, error) {
	if name == "" {
		return nil, errors.New("project name is required")
	}
	p := project.New(name, description, userID, m.cfg.MaxIterations)
	p.Mode = m.cfg.DefaultMode
	p.TotalPhases = m.totalPhases(p.Mode)

	e := &entry{p: p}
	m.mu.Lock()
	m.projects[p.ID] = e
	m.mu.Unlock()

	e.mu.Lock()
	m.persist(ctx, p)
	snap := p.Clone()
	e.mu.Unlock()

	m.deps.Recorder.ObserveProject(string(project.StatusPending))
	m.emit(ctx, events.New(events.TypeProjectCreated, p.ID, name))
	m.logger.Info("Created project %s (%s) for user %s", p.ID, name, userID)
	return snap, nil
}

// GetProject returns a copy of the project.
func (m *Manager) GetProject(id string) (*project.PluginProject, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return m.snapshot(e), nil
}

// GetActiveProjects returns copies of every non-terminal project, oldest first.
func (m *Manager) GetActiveProjects() []*project.PluginProject {
	return m.list(func(p *project.PluginProject) bool { return !p.IsTerminal() })
}

// Projects returns copies of every project, oldest first.
func (m *Manager) Projects() []*project.PluginProject {
	return m.list(func(*project.PluginProject) bool { return true })
}

func (m *Manager) list(keep func(*project.PluginProject) bool) []*project.PluginProject {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.projects))
	for _, e := range m.projects {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*project.PluginProject, 0, len(entries))
	for _, e := range entries {
		if snap := m.snapshot(e); keep(snap) {
			out = append(out, snap)
		}
	}
	project.SortByCreated(out)
	return out
}

// AddUserFeedback queues text for the project's next healing iteration. It
// does not start any work.
func (m *Manager) AddUserFeedback(ctx context.Context, id, text string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := m.update(ctx, e, func(p *project.PluginProject) error {
		p.AddFeedback(text)
		return nil
	}); err != nil {
		return err
	}
	m.emit(ctx, events.New(events.TypeFeedback, id, text))
	return nil
}

// CancelProject moves the project to cancelled, stops its running phase and
// tears down its containers. Cancelling a terminal project does nothing.
func (m *Manager) CancelProject(ctx context.Context, id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	err = m.update(ctx, e, func(p *project.PluginProject) error {
		return p.TransitionTo(project.StatusCancelled, "cancelled by user")
	})
	if err != nil {
		if m.snapshot(e).IsTerminal() {
			return nil
		}
		return err
	}

	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if err := m.deps.Agents.ReleaseProject(context.WithoutCancel(ctx), id); err != nil {
		m.logger.Warn("Failed to release containers of %s: %v", id, err)
	}
	m.flushUsage(ctx, e)
	m.logger.Info("Cancelled project %s", id)
	return nil
}

// Restore reloads non-terminal projects from the store. Projects already
// registered are left alone. It returns how many were loaded.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.deps.Store == nil {
		return 0, nil
	}
	stored, err := m.deps.Store.ListProjects(ctx, persistence.ProjectFilter{ActiveOnly: true})
	if err != nil {
		return 0, fmt.Errorf("failed to restore projects: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	loaded := 0
	for _, p := range stored {
		if _, exists := m.projects[p.ID]; exists {
			continue
		}
		m.projects[p.ID] = &entry{p: p}
		loaded++
	}
	if loaded > 0 {
		m.logger.Info("Restored %d project(s) from the store", loaded)
	}
	return loaded, nil
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	e, exists := m.projects[id]
	m.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", project.ErrNotFound, id)
	}
	return e, nil
}

func (m *Manager) snapshot(e *entry) *project.PluginProject {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p.Clone()
}

// update applies fn to a copy of the project and swaps it in only when fn
// succeeds, so a rejected change leaves the project untouched. Terminal
// projects are never modified. The new state is persisted before the lock is
// released so the store never sees writes out of order.
func (m *Manager) update(ctx context.Context, e *entry, fn func(p *project.PluginProject) error) error {
	e.mu.Lock()
	if e.p.IsTerminal() {
		id, status := e.p.ID, e.p.Status
		e.mu.Unlock()
		return fmt.Errorf("%w: project %s is %s", project.ErrInvalidTransition, id, status)
	}
	next := e.p.Clone()
	if err := fn(next); err != nil {
		e.mu.Unlock()
		return err
	}
	next.UpdatedAt = time.Now().UTC()
	changes := append([]project.Transition(nil), next.History[len(e.p.History):]...)
	e.p = next
	m.persist(ctx, next)
	e.mu.Unlock()

	for _, t := range changes {
		m.deps.Recorder.ObserveProject(string(t.To))
		m.emit(ctx, events.StatusChanged(next.ID, string(t.From), string(t.To), t.Reason))
		m.logger.Info("Project %s: %s -> %s (%s)", next.ID, t.From, t.To, t.Reason)
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, p *project.PluginProject) {
	if m.deps.Store == nil {
		return
	}
	if err := m.deps.Store.SaveProject(context.WithoutCancel(ctx), p); err != nil {
		m.logger.Warn("Failed to persist project %s: %v", p.ID, err)
	}
}

func (m *Manager) emit(ctx context.Context, e *events.Event) {
	if err := m.deps.Events.Emit(context.WithoutCancel(ctx), e); err != nil {
		m.logger.Warn("Failed to emit %s event for %s: %v", e.Type, e.ProjectID, err)
	}
}

// totalPhases counts publishing only when a publisher can run it.
func (m *Manager) totalPhases(mode string) int {
	if mode == project.ModeFull && m.deps.Publisher == nil {
		return project.TotalPhasesFor(project.ModeMVP)
	}
	return project.TotalPhasesFor(mode)
}

// flushUsage reports the project's LLM usage to the billing collaborator.
func (m *Manager) flushUsage(ctx context.Context, e *entry) {
	source, ok := m.deps.Generator.(codegen.UsageSource)
	if !ok || m.deps.Reporter == nil {
		return
	}
	snap := m.snapshot(e)
	usage := source.TakeUsage(snap.ID)
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		return
	}
	rec := billing.UsageRecord{
		ProjectID:        snap.ID,
		UserID:           snap.UserID,
		AgentID:          "codegen-" + snap.ID,
		Role:             string(subagent.RoleCoder),
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CostUSD:          usage.CostUSD,
		StartedAt:        snap.CreatedAt,
		EndedAt:          time.Now().UTC(),
	}
	if err := m.deps.Reporter.ReportUsage(context.WithoutCancel(ctx), rec); err != nil {
		m.logger.Warn("Failed to report LLM usage for %s: %v", snap.ID, err)
		return
	}
	m.emit(ctx, events.New(events.TypeUsage, snap.ID,
		fmt.Sprintf("%d prompt / %d completion tokens, $%.4f", usage.PromptTokens, usage.CompletionTokens, usage.CostUSD)))
}

// projectState gives the healing loop serialised access to one project.
type projectState struct {
	m *Manager
	e *entry
}

func (s projectState) Snapshot() *project.PluginProject {
	return s.m.snapshot(s.e)
}

func (s projectState) Update(ctx context.Context, fn func(p *project.PluginProject) error) error {
	return s.m.update(ctx, s.e, fn)
}

// staticResearcher is used when no research integrator is configured.
type staticResearcher struct{}

func (staticResearcher) ResearchIssue(_ context.Context, issue research.Issue) *research.Context {
	return research.StaticAnalysis(issue)
}
