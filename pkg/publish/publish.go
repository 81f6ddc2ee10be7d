// Package publish hands a finished workspace to publishing collaborators.
// Repository creation, pull requests and package publishing happen outside
// this process; the hand-off is a workspace path plus a commit message.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"autocoder/pkg/project"
	"autocoder/pkg/workspace"
)

// ErrOversizedFiles is returned when the workspace holds files too large to push.
var ErrOversizedFiles = errors.New("workspace contains files over the publish size limit")

// Handoff is what publishing needs from a completed project.
type Handoff struct {
	ProjectID     string
	Name          string
	UserID        string
	WorkspacePath string
	CommitMessage string
}

// Result identifies what was published.
type Result struct {
	Target    string // publisher name
	Reference string // commit sha, package version, ...
}

// Publisher delivers a finished workspace.
type Publisher interface {
	Publish(ctx context.Context, h Handoff) (Result, error)
}

// NewHandoff builds the hand-off for p.
func NewHandoff(p *project.PluginProject) Handoff {
	return Handoff{
		ProjectID:     p.ID,
		Name:          p.Name,
		UserID:        p.UserID,
		WorkspacePath: p.LocalPath,
		CommitMessage: CommitMessage(p),
	}
}

// CommitMessage summarises a project: a subject line, the description, and
// how much healing it took.
func CommitMessage(p *project.PluginProject) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Add %s plugin\n", p.Name)
	if d := strings.TrimSpace(p.Description); d != "" {
		fmt.Fprintf(&b, "\n%s\n", d)
	}
	fixed := 0
	for _, ea := range p.ErrorAnalysis {
		if ea.Resolved {
			fixed++
		}
	}
	fmt.Fprintf(&b, "\nGenerated in %d healing iteration(s); %d diagnosed error(s) fixed.\n", p.CurrentIteration, fixed)
	return b.String()
}

// checkSizes rejects workspaces with files over the push limit and logs
// large ones.
func checkSizes(path string) error {
	ws, err := workspace.Open(path)
	if err != nil {
		return err
	}
	report, err := ws.CheckSizes()
	if err != nil {
		return err
	}
	if report.HasViolations() {
		return fmt.Errorf("%w: %s", ErrOversizedFiles, report)
	}
	if len(report.LargeFiles) > 0 {
		logger.Warn("Publishing large files: %s", report)
	}
	return nil
}
