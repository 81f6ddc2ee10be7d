package exec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"strings"
)

// CommandRunner starts a process and collects its output. The container
// manager drives the docker/podman CLI through it.
type CommandRunner interface {
	// Run executes name with args. A process that ran and exited non-zero
	// returns its exit code with a nil error; err is set only when the
	// process could not be run or ctx ended first.
	Run(ctx context.Context, stdin io.Reader, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// OSRunner runs commands with os/exec.
type OSRunner struct {
	// Dir is the working directory; empty inherits the caller's.
	Dir string
	// Env is appended to os.Environ when non-empty.
	Env []string
}

// Run implements CommandRunner.
func (r OSRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) (string, string, int, error) {
	cmd := osexec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	if stdin != nil {
		cmd.Stdin = stdin
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), stderr.String(), 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdout.String(), stderr.String(), -1, fmt.Errorf("%s interrupted: %w", name, ctxErr)
	}
	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
	}
	return stdout.String(), stderr.String(), -1, fmt.Errorf("failed to run %s: %w", name, err)
}
