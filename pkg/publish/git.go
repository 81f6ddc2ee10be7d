package publish

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"autocoder/pkg/exec"
	"autocoder/pkg/logx"
)

//nolint:gochecknoglobals // package logger
var logger = logx.NewLogger("publish")

const gitTimeout = 2 * time.Minute

// GitRunner runs git in a directory and returns its combined output.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// HostGitRunner runs the host's git through a local executor.
type HostGitRunner struct {
	executor exec.Executor
}

// NewHostGitRunner creates a runner over exec.LocalExec.
func NewHostGitRunner() *HostGitRunner {
	return &HostGitRunner{executor: exec.NewLocalExec()}
}

// Run implements GitRunner. A non-zero exit is an error carrying the output.
func (g *HostGitRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	logx.Debug(ctx, "publish", "Executing Git command: cd %s && git %s", dir, strings.Join(args, " "))
	res, err := g.executor.Run(ctx, append([]string{"git"}, args...), &exec.Opts{WorkDir: dir, Timeout: gitTimeout})
	output := []byte(res.Combined())
	if err != nil {
		return output, fmt.Errorf("git %s failed in %s: %w", strings.Join(args, " "), dir, err)
	}
	if res.ExitCode != 0 {
		return output, fmt.Errorf("git %s failed in %s (exit %d)\nOutput: %s",
			strings.Join(args, " "), dir, res.ExitCode, strings.TrimSpace(res.Combined()))
	}
	return output, nil
}

// GitPublisher commits the workspace to a local repository that external
// tooling pushes and opens pull requests from.
type GitPublisher struct {
	runner      GitRunner
	authorName  string
	authorEmail string
	exists      func(path string) bool
}

// NewGitPublisher creates a publisher committing as the given author.
func NewGitPublisher(runner GitRunner, authorName, authorEmail string) *GitPublisher {
	return &GitPublisher{runner: runner, authorName: authorName, authorEmail: authorEmail, exists: dirExists}
}

// Publish implements Publisher. It initialises the repository on first use
// and skips the commit when nothing changed.
func (g *GitPublisher) Publish(ctx context.Context, h Handoff) (Result, error) {
	if err := checkSizes(h.WorkspacePath); err != nil {
		return Result{}, err
	}

	if !g.exists(filepath.Join(h.WorkspacePath, ".git")) {
		if _, err := g.runner.Run(ctx, h.WorkspacePath, "init", "-q"); err != nil {
			return Result{}, err
		}
	}
	if _, err := g.runner.Run(ctx, h.WorkspacePath, "add", "-A"); err != nil {
		return Result{}, err
	}
	status, err := g.runner.Run(ctx, h.WorkspacePath, "status", "--porcelain")
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(string(status)) != "" {
		_, err := g.runner.Run(ctx, h.WorkspacePath,
			"-c", "user.name="+g.authorName, "-c", "user.email="+g.authorEmail,
			"commit", "-q", "-m", h.CommitMessage)
		if err != nil {
			return Result{}, err
		}
	} else {
		logger.Info("Nothing to commit for %s", h.Name)
	}

	sha, err := g.runner.Run(ctx, h.WorkspacePath, "rev-parse", "HEAD")
	if err != nil {
		return Result{}, err
	}
	ref := strings.TrimSpace(string(sha))
	logger.Info("Committed %s at %s", h.Name, ref)
	return Result{Target: "git", Reference: ref}, nil
}
