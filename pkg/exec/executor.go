// Package exec runs commands locally or inside sandboxed containers and
// manages the lifecycle of those containers.
package exec

import (
	"context"
	"time"
)

// ExecutorType names an execution environment.
type ExecutorType string

const (
	ExecutorTypeLocal     ExecutorType = "local"
	ExecutorTypeContainer ExecutorType = "container"
)

// Executor runs a command and reports its result.
type Executor interface {
	// Run executes cmd. A non-zero exit code is reported in Result, not as an error.
	Run(ctx context.Context, cmd []string, opts *Opts) (Result, error)

	Name() ExecutorType

	// Available reports whether the executor can be used in this environment.
	Available() bool
}

// Opts contains options for command execution.
//
//nolint:govet // logical grouping preferred
type Opts struct {
	// Env contains environment variables (KEY=VALUE format)
	Env []string

	ResourceLimits *ResourceLimits

	Timeout time.Duration

	WorkDir string

	// User is the uid:gid to run as inside a container.
	User string

	ReadOnly        bool
	NetworkDisabled bool
}

// ResourceLimits defines resource constraints for execution.
type ResourceLimits struct {
	// CPUs is the number of cores (e.g., "2" or "1.5")
	CPUs string

	// Memory is the memory limit (e.g., "2g", "512m")
	Memory string

	// PIDs is the maximum number of processes/threads.
	PIDs int64
}

// Result is the outcome of one command.
type Result struct {
	Stdout       string
	Stderr       string
	ExecutorUsed string
	Duration     time.Duration
	ExitCode     int
	OOMKilled    bool // the runtime reported the container OOM-killed
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Well-known exit codes from container runtimes and shells.
const (
	ExitCodeCannotInvoke = 126
	ExitCodeNotFound     = 127
	ExitCodeKilled       = 137 // SIGKILL, usually the OOM killer
)

// DefaultExecOpts returns default execution options.
func DefaultExecOpts() Opts {
	return Opts{
		Timeout: 5 * time.Minute,
		ResourceLimits: &ResourceLimits{
			CPUs:   "2",
			Memory: "2g",
			PIDs:   1024,
		},
	}
}
