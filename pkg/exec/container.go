package exec

import (
	"errors"
	"fmt"
	"time"
)

// ContainerState is a container lifecycle state.
type ContainerState string

const (
	StateCreating ContainerState = "creating"
	StateRunning  ContainerState = "running"
	StatePaused   ContainerState = "paused"
	StateStopped  ContainerState = "stopped"
	StateExited   ContainerState = "exited"
	StateError    ContainerState = "error"
)

// IsTerminal reports whether the container can never run again.
func (s ContainerState) IsTerminal() bool {
	return s == StateStopped || s == StateExited || s == StateError
}

// HealthStatus mirrors the runtime healthcheck.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthStarting  HealthStatus = "starting"
	HealthNone      HealthStatus = "none"
)

// containerTransitions is monotonic: nothing re-enters creating and terminal
// states have no outgoing edges.
//
//nolint:gochecknoglobals // static table
var containerTransitions = map[ContainerState][]ContainerState{
	StateCreating: {StateRunning, StateError, StateStopped},
	StateRunning:  {StatePaused, StateStopped, StateExited, StateError},
	StatePaused:   {StateRunning, StateStopped, StateError},
	StateStopped:  {},
	StateExited:   {},
	StateError:    {},
}

// IsValidContainerTransition checks the container lifecycle table.
func IsValidContainerTransition(from, to ContainerState) bool {
	for _, allowed := range containerTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

var (
	// ErrCreateFailed marks a container that could not be allocated. It is
	// distinct from command execution failures.
	ErrCreateFailed = errors.New("container creation failed")

	ErrStartFailed         = errors.New("container start failed")
	ErrContainerNotFound   = errors.New("container not found")
	ErrContainerNotRunning = errors.New("container not running")
	ErrContainerRunning    = errors.New("container still running")
	ErrExecFailed          = errors.New("container exec failed")
	ErrInvalidState        = errors.New("invalid container state transition")
)

// VolumeMount binds a host path into the container.
type VolumeMount struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readOnly"`
}

// PortMapping publishes a container port.
type PortMapping struct {
	HostPort      int    `json:"hostPort"`
	ContainerPort int    `json:"containerPort"`
	Protocol      string `json:"protocol,omitempty"` // tcp (default) or udp
}

// ContainerConfig requests one isolated execution environment. The manager
// applies exactly the policy requested here and never broadens it.
type ContainerConfig struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Environment map[string]string `json:"environment,omitempty"`
	Volumes     []VolumeMount     `json:"volumes,omitempty"`
	Ports       []PortMapping     `json:"ports,omitempty"`
	Resources   ResourceLimits    `json:"resources"`
	Labels      map[string]string `json:"labels,omitempty"`

	WorkDir         string   `json:"workDir,omitempty"`
	User            string   `json:"user,omitempty"` // uid:gid; empty keeps the image default
	ReadOnlyRootFS  bool     `json:"readOnlyRootFs"`
	NetworkDisabled bool     `json:"networkDisabled"`
	CapDrop         []string `json:"capDrop,omitempty"`
	TmpfsSize       string   `json:"tmpfsSize,omitempty"`
}

// ResourceUsage is a point-in-time stats snapshot.
type ResourceUsage struct {
	CPUPercent       float64   `json:"cpuPercent"`
	MemoryBytes      uint64    `json:"memoryBytes"`
	MemoryLimitBytes uint64    `json:"memoryLimitBytes"`
	PIDs             int       `json:"pids"`
	SampledAt        time.Time `json:"sampledAt"`
}

// ContainerStatus is the tracked state of one container.
type ContainerStatus struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	State      ContainerState `json:"state"`
	Health     HealthStatus   `json:"health"`
	ExitCode   *int           `json:"exitCode,omitempty"`
	OOMKilled  bool           `json:"oomKilled"`
	CreatedAt  time.Time      `json:"createdAt"`
	StartedAt  time.Time      `json:"startedAt,omitempty"`
	FinishedAt time.Time      `json:"finishedAt,omitempty"`
	Usage      *ResourceUsage `json:"usage,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// ExecOptions describes one command run inside a running container.
type ExecOptions struct {
	ContainerID string
	Command     []string
	Env         map[string]string
	WorkDir     string
	User        string
	Timeout     time.Duration
	Stdin       string
}

func (o ExecOptions) validate() error {
	if o.ContainerID == "" {
		return fmt.Errorf("%w: empty container id", ErrContainerNotFound)
	}
	if len(o.Command) == 0 {
		return fmt.Errorf("command cannot be empty")
	}
	return nil
}
