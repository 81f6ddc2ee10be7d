package exec

import (
	"context"
	"fmt"
	"os"
	"time"
)

// LocalExec executes commands directly on the host without sandboxing.
// It backs verification when no container runtime is available.
type LocalExec struct{}

func NewLocalExec() *LocalExec {
	return &LocalExec{}
}

func (e *LocalExec) Name() ExecutorType {
	return ExecutorTypeLocal
}

func (e *LocalExec) Available() bool {
	return true
}

// Run executes cmd locally. A non-zero exit code is a normal result.
func (e *LocalExec) Run(ctx context.Context, cmd []string, opts *Opts) (Result, error) {
	if len(cmd) == 0 {
		return Result{}, fmt.Errorf("command cannot be empty")
	}
	if opts == nil {
		defaults := DefaultExecOpts()
		opts = &defaults
	}

	start := time.Now()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if opts.WorkDir != "" {
		if _, err := os.Stat(opts.WorkDir); os.IsNotExist(err) {
			return Result{}, fmt.Errorf("working directory does not exist: %s", opts.WorkDir)
		}
	}

	runner := OSRunner{Dir: opts.WorkDir, Env: opts.Env}
	stdout, stderr, exitCode, err := runner.Run(ctx, nil, cmd[0], cmd[1:]...)

	return Result{
		Stdout:       stdout,
		Stderr:       stderr,
		ExitCode:     exitCode,
		Duration:     time.Since(start),
		ExecutorUsed: string(e.Name()),
	}, err
}
