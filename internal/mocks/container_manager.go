package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"autocoder/pkg/exec"
)

// ExecCall records the parameters of an ExecuteInContainer call.
type ExecCall struct {
	ContainerID string
	Command     []string
}

// MockContainerManager is an in-memory container runtime. It implements
// subagent.ContainerRuntime and tracks the same lifecycle states as
// exec.ContainerManager without touching docker.
type MockContainerManager struct {
	// ExecFunc answers ExecuteInContainer. The default returns exit code 0.
	ExecFunc func(ctx context.Context, opts exec.ExecOptions) (exec.Result, error)

	// CreateErr, when set, fails every CreateContainer call.
	CreateErr error

	// BeforeCreate, when set, runs at the start of CreateContainer without
	// the mock's lock held. Tests use it to block provisioning.
	BeforeCreate func(ctx context.Context)

	// Usage is returned from GetContainerStats for running containers.
	Usage exec.ResourceUsage

	ExecCalls []ExecCall
	Configs   map[string]exec.ContainerConfig
	States    map[string]exec.ContainerState
	Holds     map[string]int

	// mu protects call tracking
	mu sync.Mutex
}

// NewMockContainerManager creates a mock where every operation succeeds.
func NewMockContainerManager() *MockContainerManager {
	return &MockContainerManager{
		ExecFunc: func(_ context.Context, _ exec.ExecOptions) (exec.Result, error) {
			return exec.Result{ExecutorUsed: string(exec.ExecutorTypeContainer)}, nil
		},
		Configs: make(map[string]exec.ContainerConfig),
		States:  make(map[string]exec.ContainerState),
		Holds:   make(map[string]int),
	}
}

// CreateContainer implements subagent.ContainerRuntime.
func (m *MockContainerManager) CreateContainer(ctx context.Context, cfg exec.ContainerConfig) (string, error) {
	if m.BeforeCreate != nil {
		m.BeforeCreate(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return "", fmt.Errorf("%w: %w", exec.ErrCreateFailed, m.CreateErr)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	m.Configs[cfg.ID] = cfg
	m.States[cfg.ID] = exec.StateCreating
	return cfg.ID, nil
}

// StartContainer implements subagent.ContainerRuntime.
func (m *MockContainerManager) StartContainer(_ context.Context, id string) error {
	return m.transition(id, exec.StateRunning)
}

// StopContainer implements subagent.ContainerRuntime.
func (m *MockContainerManager) StopContainer(_ context.Context, id string, _ time.Duration) error {
	m.mu.Lock()
	state, ok := m.States[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", exec.ErrContainerNotFound, id)
	}
	if state.IsTerminal() {
		return nil
	}
	return m.transition(id, exec.StateStopped)
}

// RemoveContainer implements subagent.ContainerRuntime.
func (m *MockContainerManager) RemoveContainer(_ context.Context, id string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.States[id]
	if !ok {
		return fmt.Errorf("%w: %s", exec.ErrContainerNotFound, id)
	}
	if !force && state == exec.StateRunning {
		return fmt.Errorf("%w: %s", exec.ErrContainerRunning, id)
	}
	delete(m.States, id)
	return nil
}

// ExecuteInContainer implements subagent.ContainerRuntime.
func (m *MockContainerManager) ExecuteInContainer(ctx context.Context, opts exec.ExecOptions) (exec.Result, error) {
	m.mu.Lock()
	m.ExecCalls = append(m.ExecCalls, ExecCall{ContainerID: opts.ContainerID, Command: append([]string(nil), opts.Command...)})
	state, ok := m.States[opts.ContainerID]
	fn := m.ExecFunc
	m.mu.Unlock()

	if !ok {
		return exec.Result{}, fmt.Errorf("%w: %s", exec.ErrContainerNotFound, opts.ContainerID)
	}
	if state != exec.StateRunning {
		return exec.Result{}, fmt.Errorf("%w: %s is %s", exec.ErrContainerNotRunning, opts.ContainerID, state)
	}
	return fn(ctx, opts)
}

// GetContainerStats implements subagent.ContainerRuntime.
func (m *MockContainerManager) GetContainerStats(_ context.Context, id string) exec.ResourceUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.States[id] != exec.StateRunning {
		return exec.ResourceUsage{}
	}
	return m.Usage
}

// Hold implements subagent.ContainerHolder.
func (m *MockContainerManager) Hold(id string) {
	m.mu.Lock()
	m.Holds[id]++
	m.mu.Unlock()
}

// Unhold implements subagent.ContainerHolder.
func (m *MockContainerManager) Unhold(id string) {
	m.mu.Lock()
	if m.Holds[id] > 0 {
		m.Holds[id]--
	}
	m.mu.Unlock()
}

func (m *MockContainerManager) transition(id string, to exec.ContainerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.States[id]
	if !ok {
		return fmt.Errorf("%w: %s", exec.ErrContainerNotFound, id)
	}
	if !exec.IsValidContainerTransition(state, to) {
		return fmt.Errorf("%w: %s -> %s", exec.ErrInvalidState, state, to)
	}
	m.States[id] = to
	return nil
}

// --- Configuration methods ---

// OnExec sets a custom handler for ExecuteInContainer calls.
func (m *MockContainerManager) OnExec(fn func(ctx context.Context, opts exec.ExecOptions) (exec.Result, error)) {
	m.mu.Lock()
	m.ExecFunc = fn
	m.mu.Unlock()
}

// --- Verification helpers ---

// State returns a container's state and whether it still exists.
func (m *MockContainerManager) State(id string) (exec.ContainerState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.States[id]
	return s, ok
}

// LiveCount returns the number of containers not yet removed.
func (m *MockContainerManager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.States)
}

// Held returns the number of outstanding holds on a container.
func (m *MockContainerManager) Held(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Holds[id]
}

// ExecCount returns the number of ExecuteInContainer calls.
func (m *MockContainerManager) ExecCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ExecCalls)
}

// Config returns the config a container was created with.
func (m *MockContainerManager) Config(id string) exec.ContainerConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Configs[id]
}
