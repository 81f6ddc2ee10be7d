// Package subagent binds role-scoped workers (coder, reviewer, tester) to
// sandbox containers and mediates command execution inside them.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autocoder/pkg/exec"
)

// Role is a sub-agent's job.
type Role string

const (
	RoleCoder    Role = "coder"
	RoleReviewer Role = "reviewer"
	RoleTester   Role = "tester"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCoder, RoleReviewer, RoleTester:
		return true
	}
	return false
}

var (
	// ErrAgentNotFound is returned for an unknown agent id.
	ErrAgentNotFound = errors.New("sub-agent not found")

	// ErrAgentBusy is returned when an agent already owns a container.
	ErrAgentBusy = errors.New("sub-agent already has an active container")

	// ErrTaskTimeout marks a task that ran past its TimeoutMs or deadline.
	// The agent's container is stopped when it fires.
	ErrTaskTimeout = errors.New("sub-agent task timed out")

	// ErrInvalidRole is returned for roles other than coder, reviewer and tester.
	ErrInvalidRole = errors.New("invalid sub-agent role")
)

// TaskContext describes the work assigned to a sub-agent.
type TaskContext struct {
	Description        string    `json:"description"`
	Requirements       []string  `json:"requirements,omitempty"`
	AcceptanceCriteria []string  `json:"acceptanceCriteria,omitempty"`
	TimeoutMs          int64     `json:"timeoutMs"`
	Priority           int       `json:"priority"`
	Deadline           time.Time `json:"deadline,omitempty"`
}

// Timeout returns the effective per-task timeout: TimeoutMs (or def when
// unset), shortened so the task cannot outlive Deadline.
func (t TaskContext) Timeout(def time.Duration) time.Duration {
	timeout := def
	if t.TimeoutMs > 0 {
		timeout = time.Duration(t.TimeoutMs) * time.Millisecond
	}
	if !t.Deadline.IsZero() {
		if remaining := time.Until(t.Deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

// SubAgentConfig binds an agent identity to a container and a task.
type SubAgentConfig struct {
	AgentID      string      `json:"agentId"`
	ContainerID  string      `json:"containerId"`
	ProjectID    string      `json:"projectId"`
	UserID       string      `json:"userId,omitempty"`
	Role         Role        `json:"role"`
	Capabilities []string    `json:"capabilities,omitempty"`
	TaskContext  TaskContext `json:"taskContext"`
	AssignedAt   time.Time   `json:"assignedAt"`
}

// AssignRequest asks the coordinator for a sub-agent.
type AssignRequest struct {
	AgentID       string
	ProjectID     string
	UserID        string
	Role          Role
	Capabilities  []string
	Task          TaskContext
	WorkspacePath string // mounted read-write at exec.ContainerWorkspace
	Env           map[string]string
}

func (r *AssignRequest) validate() error {
	if r.AgentID == "" {
		return fmt.Errorf("agent id is required")
	}
	if r.ProjectID == "" {
		return fmt.Errorf("project id is required")
	}
	if !r.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, r.Role)
	}
	return nil
}

// ContainerRuntime is the container lifecycle the coordinator drives.
// *exec.ContainerManager implements it.
type ContainerRuntime interface {
	CreateContainer(ctx context.Context, cfg exec.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	ExecuteInContainer(ctx context.Context, opts exec.ExecOptions) (exec.Result, error)
	GetContainerStats(ctx context.Context, id string) exec.ResourceUsage
}

var _ ContainerRuntime = (*exec.ContainerManager)(nil)

// ContainerHolder is implemented by runtimes that reap idle containers. A
// held container is never reaped; the coordinator holds every container it
// has assigned until the agent is released.
type ContainerHolder interface {
	Hold(id string)
	Unhold(id string)
}

var _ ContainerHolder = (*exec.ContainerManager)(nil)
