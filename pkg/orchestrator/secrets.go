package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"autocoder/pkg/project"
	"autocoder/pkg/secrets"
	"autocoder/pkg/utils"
)

// missingSecrets lists the credentials the project's plugin still lacks.
func (m *Manager) missingSecrets(p *project.PluginProject) []string {
	if m.deps.Credentials == nil {
		return nil
	}
	return secrets.MissingFor(m.deps.Credentials.MissingEnvVars(), utils.Slugify(p.Name))
}

// parkIfMissingSecrets moves the project to awaiting_secrets when a
// credential is missing and reports whether it did.
func (m *Manager) parkIfMissingSecrets(ctx context.Context, e *entry) (bool, error) {
	missing := m.missingSecrets(m.snapshot(e))
	if len(missing) == 0 {
		return false, nil
	}
	err := m.update(ctx, e, func(p *project.PluginProject) error {
		p.RequiredSecrets = missing
		return p.TransitionTo(project.StatusAwaitingSecrets,
			fmt.Sprintf("%v: %s", project.ErrMissingCredential, strings.Join(missing, ", ")))
	})
	if err != nil {
		return false, err
	}
	m.logger.Warn("Project %s is waiting for credentials: %s", m.snapshot(e).ID, strings.Join(missing, ", "))
	return true, nil
}

// CheckSecrets resumes a parked project whose credentials are now present,
// returning it to the status it left. It reports whether the project
// resumed; projects that are not parked are left alone.
func (m *Manager) CheckSecrets(ctx context.Context, id string) (bool, error) {
	e, err := m.lookup(id)
	if err != nil {
		return false, err
	}
	snap := m.snapshot(e)
	if snap.Status != project.StatusAwaitingSecrets {
		return false, nil
	}

	missing := m.missingSecrets(snap)
	if len(missing) > 0 {
		if slices.Equal(missing, snap.RequiredSecrets) {
			return false, nil
		}
		return false, m.settled(e, m.update(ctx, e, func(p *project.PluginProject) error {
			p.RequiredSecrets = missing
			return nil
		}))
	}

	err = m.update(ctx, e, func(p *project.PluginProject) error {
		p.RequiredSecrets = nil
		return p.TransitionTo(p.ResumeStatus, "credentials supplied")
	})
	if err != nil {
		return false, m.settled(e, err)
	}
	return true, nil
}

// WatchSecrets polls parked projects until ctx ends. Resumed projects have
// their workflow restarted.
func (m *Manager) WatchSecrets(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SecretsPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.resumeParked(ctx)
		}
	}
}

func (m *Manager) resumeParked(ctx context.Context) {
	for _, p := range m.GetActiveProjects() {
		if p.Status != project.StatusAwaitingSecrets {
			continue
		}
		resumed, err := m.CheckSecrets(ctx, p.ID)
		if err != nil {
			m.logger.Warn("Failed to resume %s: %v", p.ID, err)
			continue
		}
		if !resumed {
			continue
		}
		// The workflow that parked the project may still be unwinding.
		if err := m.Wait(p.ID); err != nil {
			m.logger.Warn("Failed waiting for previous workflow of %s: %v", p.ID, err)
			continue
		}
		if err := m.Start(ctx, p.ID, p.Keywords, p.Mode); err != nil {
			m.logger.Warn("Failed to restart workflow of %s: %v", p.ID, err)
		}
	}
}
