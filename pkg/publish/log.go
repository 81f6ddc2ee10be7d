package publish

import (
	"context"
	"os"
)

// LogPublisher records the hand-off without delivering it anywhere. It is
// the default when no publishing target is configured.
type LogPublisher struct{}

// Publish implements Publisher.
func (LogPublisher) Publish(_ context.Context, h Handoff) (Result, error) {
	if err := checkSizes(h.WorkspacePath); err != nil {
		return Result{}, err
	}
	logger.Info("Workspace for %s ready at %s", h.Name, h.WorkspacePath)
	logger.Debug("Commit message for %s:\n%s", h.Name, h.CommitMessage)
	return Result{Target: "log", Reference: h.WorkspacePath}, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
