package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autocoder/pkg/codegen"
	"autocoder/pkg/events"
	"autocoder/pkg/heal"
	"autocoder/pkg/project"
	"autocoder/pkg/publish"
	"autocoder/pkg/research"
	"autocoder/pkg/subagent"
	"autocoder/pkg/workspace"
)

// beginPhase claims the project's phase slot. The returned context is
// cancelled by CancelProject; end must be called when the phase returns.
func (m *Manager) beginPhase(ctx context.Context, e *entry) (context.Context, func(), error) {
	if !e.runMu.TryLock() {
		return nil, nil, fmt.Errorf("%w: project %s already has a phase running", project.ErrInvalidTransition, m.snapshot(e).ID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	return runCtx, func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
		cancel()
		e.runMu.Unlock()
	}, nil
}

// settled reports whether the project ended while a phase was running, in
// which case the phase's failed update is not an error for the caller.
func (m *Manager) settled(e *entry, err error) error {
	if err != nil && m.snapshot(e).IsTerminal() {
		return nil
	}
	return err
}

// RunDiscoveryPhase researches the project and stores the MVP plan. Research
// failures fall back to static analysis and are never returned. A project
// missing credentials is parked in awaiting_secrets.
func (m *Manager) RunDiscoveryPhase(ctx context.Context, id string, keywords []string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	runCtx, end, err := m.beginPhase(ctx, e)
	if err != nil {
		return err
	}
	defer end()

	snap := m.snapshot(e)
	switch snap.Status {
	case project.StatusPending, project.StatusDiscovery:
	default:
		return fmt.Errorf("%w: discovery cannot run for project %s in %s", project.ErrInvalidTransition, id, snap.Status)
	}

	parked, err := m.parkIfMissingSecrets(runCtx, e)
	if parked || err != nil {
		return m.settled(e, err)
	}

	start := time.Now()
	err = m.update(runCtx, e, func(p *project.PluginProject) error {
		if len(keywords) > 0 {
			p.Keywords = append([]string(nil), keywords...)
		}
		if p.Status == project.StatusDiscovery {
			return nil
		}
		return p.TransitionTo(project.StatusDiscovery, "discovery started")
	})
	if err != nil {
		return m.settled(e, err)
	}
	snap = m.snapshot(e)

	rc := m.deps.Research.ResearchIssue(runCtx, research.Issue{
		Title:       snap.Name,
		Description: snap.Description,
		Keywords:    snap.Keywords,
		ProjectID:   id,
	})
	m.emit(runCtx, events.New(events.TypeResearch, id,
		fmt.Sprintf("%d finding(s) from %s", len(rc.Findings), rc.Source)))

	err = m.update(runCtx, e, func(p *project.PluginProject) error {
		p.MVPPlan = research.Summarize(rc)
		p.AdvancePhase()
		return p.TransitionTo(project.StatusMVPDevelopment, "discovery complete: "+rc.Source)
	})
	m.deps.Recorder.ObservePhase(string(project.StatusDiscovery), time.Since(start))
	return m.settled(e, err)
}

// RunDevelopmentPhase generates the project's code and heals it until every
// error is resolved, the iteration budget runs out or a tool cannot run. In
// full mode a resolved project is handed to the publisher. Outcomes other
// than NotFound and InvalidTransition are recorded in the project.
func (m *Manager) RunDevelopmentPhase(ctx context.Context, id, mode string) error {
	if mode == "" {
		mode = m.cfg.DefaultMode
	}
	if mode != project.ModeMVP && mode != project.ModeFull {
		return fmt.Errorf("unknown development mode %q", mode)
	}

	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	runCtx, end, err := m.beginPhase(ctx, e)
	if err != nil {
		return err
	}
	defer end()

	snap := m.snapshot(e)
	switch snap.Status {
	case project.StatusMVPDevelopment, project.StatusHealing, project.StatusPublishing:
	default:
		return fmt.Errorf("%w: development cannot run for project %s in %s", project.ErrInvalidTransition, id, snap.Status)
	}

	parked, err := m.parkIfMissingSecrets(runCtx, e)
	if parked || err != nil {
		return m.settled(e, err)
	}

	err = m.update(runCtx, e, func(p *project.PluginProject) error {
		p.Mode = mode
		p.TotalPhases = m.totalPhases(mode)
		return nil
	})
	if err != nil {
		return m.settled(e, err)
	}

	err = m.develop(runCtx, e)
	if m.snapshot(e).IsTerminal() {
		m.flushUsage(runCtx, e)
	}
	return m.settled(e, err)
}

func (m *Manager) develop(ctx context.Context, e *entry) error {
	snap := m.snapshot(e)
	ws, err := m.deps.Workspaces.Create(snap.ID, snap.Name, snap.Description)
	if err != nil {
		return m.fail(ctx, e, fmt.Sprintf("failed to prepare workspace: %v", err))
	}

	if snap.Status == project.StatusMVPDevelopment {
		if err := m.scaffold(ctx, e, ws); err != nil {
			return err
		}
	} else if snap.LocalPath == "" {
		if err := m.update(ctx, e, func(p *project.PluginProject) error {
			p.LocalPath = ws.Root()
			return nil
		}); err != nil {
			return err
		}
	}

	if m.snapshot(e).Status == project.StatusHealing {
		resolved, err := m.healProject(ctx, e, ws)
		if err != nil || !resolved {
			return err
		}
	}
	return m.finish(ctx, e)
}

// scaffold writes the generated project into the workspace and moves the
// project to healing.
func (m *Manager) scaffold(ctx context.Context, e *entry, ws *workspace.Workspace) error {
	start := time.Now()
	var feedback []string
	if err := m.update(ctx, e, func(p *project.PluginProject) error {
		feedback = p.DrainFeedback()
		return nil
	}); err != nil {
		return err
	}

	snap := m.snapshot(e)
	files, err := m.deps.Generator.GenerateProject(ctx, codegen.ScaffoldRequest{
		ProjectID:   snap.ID,
		Name:        snap.Name,
		Description: snap.Description,
		Plan:        snap.MVPPlan,
		Feedback:    feedback,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return m.fail(ctx, e, fmt.Sprintf("code generation failed: %v", err))
	}
	if err := ws.WriteFiles(files); err != nil {
		return m.fail(ctx, e, fmt.Sprintf("failed to write generated files: %v", err))
	}

	err = m.update(ctx, e, func(p *project.PluginProject) error {
		p.LocalPath = ws.Root()
		p.AdvancePhase()
		return p.TransitionTo(project.StatusHealing, fmt.Sprintf("generated %d file(s)", len(files)))
	})
	m.deps.Recorder.ObservePhase(string(project.StatusMVPDevelopment), time.Since(start))
	return err
}

// healProject runs the healing loop in a tester container. It reports
// whether every error was resolved.
func (m *Manager) healProject(ctx context.Context, e *entry, ws *workspace.Workspace) (bool, error) {
	start := time.Now()
	snap := m.snapshot(e)
	agentID := "tester-" + snap.ID

	_, err := m.deps.Agents.Assign(ctx, subagent.AssignRequest{
		AgentID:      agentID,
		ProjectID:    snap.ID,
		UserID:       snap.UserID,
		Role:         subagent.RoleTester,
		Capabilities: []string{"typescript", "eslint", "test"},
		Task: subagent.TaskContext{
			Description:        "Verify " + snap.Name,
			AcceptanceCriteria: []string{"compiler reports no errors", "linter reports no errors", "tests pass"},
			TimeoutMs:          m.taskTimeout.Milliseconds(),
		},
		WorkspacePath: ws.Root(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, m.fail(ctx, e, fmt.Sprintf("%v: could not provision tester: %v", project.ErrToolFailure, err))
	}
	defer func() {
		if err := m.deps.Agents.Release(context.WithoutCancel(ctx), agentID); err != nil && !errors.Is(err, subagent.ErrAgentNotFound) {
			m.logger.Warn("Failed to release %s: %v", agentID, err)
		}
	}()

	res := m.healer.Run(ctx, projectState{m: m, e: e}, ws, m.deps.Verifier(agentID, ws))
	m.deps.Recorder.ObservePhase(string(project.StatusHealing), time.Since(start))

	switch res.Outcome {
	case heal.OutcomeResolved:
		return true, m.update(ctx, e, func(p *project.PluginProject) error {
			p.AdvancePhase()
			return nil
		})
	case heal.OutcomeStopped:
		m.logger.Info("Healing of %s stopped after %d iteration(s)", snap.ID, res.Iterations)
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
	default:
		m.logger.Warn("Healing of %s ended %s after %d iteration(s): %v", snap.ID, res.Outcome, res.Iterations, res.Err)
	}
	return false, nil
}

// finish publishes a healed project when a publisher runs in full mode, then
// completes it.
func (m *Manager) finish(ctx context.Context, e *entry) error {
	snap := m.snapshot(e)
	if snap.Mode != project.ModeFull || m.deps.Publisher == nil {
		return m.update(ctx, e, func(p *project.PluginProject) error {
			return p.TransitionTo(project.StatusCompleted, "all errors resolved")
		})
	}

	if snap.Status != project.StatusPublishing {
		if err := m.update(ctx, e, func(p *project.PluginProject) error {
			return p.TransitionTo(project.StatusPublishing, "all errors resolved")
		}); err != nil {
			return err
		}
		snap = m.snapshot(e)
	}

	start := time.Now()
	res, err := m.deps.Publisher.Publish(ctx, publish.NewHandoff(snap))
	m.deps.Recorder.ObservePhase(string(project.StatusPublishing), time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return m.fail(ctx, e, fmt.Sprintf("publishing failed: %v", err))
	}
	return m.update(ctx, e, func(p *project.PluginProject) error {
		p.AdvancePhase()
		return p.TransitionTo(project.StatusCompleted, fmt.Sprintf("published to %s: %s", res.Target, res.Reference))
	})
}

// fail records msg as the project's terminal error. The returned error is
// nil unless the project could not be updated.
func (m *Manager) fail(ctx context.Context, e *entry, msg string) error {
	return m.update(ctx, e, func(p *project.PluginProject) error {
		return p.Fail(msg)
	})
}
