package orchestrator

import (
	"context"
	"fmt"

	"autocoder/pkg/project"
)

// Start runs the project's remaining phases on a background goroutine. At
// most max_concurrent_projects workflows run at once; the rest wait for a
// slot. Use Wait to join it.
func (m *Manager) Start(ctx context.Context, id string, keywords []string, mode string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.p.IsTerminal() {
		status := e.p.Status
		e.mu.Unlock()
		return fmt.Errorf("%w: project %s is %s", project.ErrInvalidTransition, id, status)
	}
	if running(e.workflow) {
		e.mu.Unlock()
		return fmt.Errorf("%w: project %s already has a workflow running", project.ErrInvalidTransition, id)
	}
	done := make(chan struct{})
	e.workflow = done
	e.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)

		if err := m.sem.Acquire(ctx, 1); err != nil {
			m.logger.Info("Workflow of %s not started: %v", id, err)
			return
		}
		defer m.sem.Release(1)
		m.runWorkflow(ctx, id, keywords, mode)
	}()
	return nil
}

// runWorkflow runs discovery when it has not completed yet, then development.
// It stops early when a phase parks, fails or is interrupted.
func (m *Manager) runWorkflow(ctx context.Context, id string, keywords []string, mode string) {
	p, err := m.GetProject(id)
	if err != nil {
		m.logger.Error("Workflow of %s: %v", id, err)
		return
	}

	if p.Status == project.StatusPending || p.Status == project.StatusDiscovery {
		if err := m.RunDiscoveryPhase(ctx, id, keywords); err != nil {
			m.logger.Error("Discovery of %s: %v", id, err)
			return
		}
		if p, err = m.GetProject(id); err != nil {
			return
		}
	}

	switch p.Status {
	case project.StatusMVPDevelopment, project.StatusHealing, project.StatusPublishing:
		if err := m.RunDevelopmentPhase(ctx, id, mode); err != nil {
			m.logger.Error("Development of %s: %v", id, err)
			return
		}
	}

	if p, err = m.GetProject(id); err == nil {
		m.logger.Info("Workflow of %s ended in %s", id, p.Status)
	}
}

// Wait blocks until the project's workflow started by Start returns. It
// returns immediately when no workflow was started.
func (m *Manager) Wait(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	done := e.workflow
	e.mu.Unlock()
	if done != nil {
		<-done
	}
	return nil
}

// WaitAll blocks until every started workflow has returned.
func (m *Manager) WaitAll() {
	m.wg.Wait()
}

func running(done chan struct{}) bool {
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}
