package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	osexec "os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"autocoder/pkg/logx"
	"autocoder/pkg/utils"
)

const (
	dockerCommand = "docker"
	podmanCommand = "podman"

	containerPrefix = "autocoder-"

	// ContainerWorkspace is where project workspaces are mounted.
	ContainerWorkspace = "/workspace"

	statsTimeout   = 5 * time.Second
	logsTimeout    = 10 * time.Second
	stopGrace      = 5 * time.Second
	shutdownLimit  = 8
	defaultLogTail = 200
)

// ContainerManager creates, runs and tears down sandbox containers through
// the docker (or podman) CLI. It is shared by every project; each container
// is owned by exactly one sub-agent at a time, which the coordinator enforces.
type ContainerManager struct {
	logger     *logx.Logger
	runner     CommandRunner
	registry   *ContainerRegistry
	dockerCmd  string
	containers map[string]*ContainerStatus // key: container ID
	mu         sync.RWMutex
}

// ManagerOption configures a ContainerManager.
type ManagerOption func(*ContainerManager)

// WithRunner replaces the process runner (tests use a fake).
func WithRunner(r CommandRunner) ManagerOption {
	return func(m *ContainerManager) { m.runner = r }
}

// WithRegistry tracks containers in r for stale cleanup and shutdown.
func WithRegistry(r *ContainerRegistry) ManagerOption {
	return func(m *ContainerManager) { m.registry = r }
}

// WithCommand forces the container CLI binary.
func WithCommand(cmd string) ManagerOption {
	return func(m *ContainerManager) {
		if cmd != "" {
			m.dockerCmd = cmd
		}
	}
}

// NewContainerManager creates a manager, preferring docker and falling back
// to podman when only podman is installed.
func NewContainerManager(opts ...ManagerOption) *ContainerManager {
	dockerCmd := dockerCommand
	if _, err := osexec.LookPath(podmanCommand); err == nil {
		if _, err := osexec.LookPath(dockerCommand); err != nil {
			dockerCmd = podmanCommand
		}
	}

	m := &ContainerManager{
		logger:     logx.NewLogger("containers"),
		runner:     OSRunner{},
		dockerCmd:  dockerCmd,
		containers: make(map[string]*ContainerStatus),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Available checks that the CLI exists and the daemon answers.
func (m *ContainerManager) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()
	_, _, code, err := m.runner.Run(ctx, nil, m.dockerCmd, "ps", "-q")
	if err != nil || code != 0 {
		m.logger.Debug("container runtime not available: code=%d err=%v", code, err)
		return false
	}
	return true
}

// CreateContainer allocates a container for cfg in the creating state and
// returns its id. Failures wrap ErrCreateFailed and leave nothing tracked.
func (m *ContainerManager) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	if cfg.Image == "" {
		return "", fmt.Errorf("%w: image is required", ErrCreateFailed)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.Name == "" {
		cfg.Name = containerPrefix + cfg.ID
	}
	name := utils.SanitizeIdentifier(cfg.Name)

	m.mu.Lock()
	if _, exists := m.containers[cfg.ID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: container id %s already in use", ErrCreateFailed, cfg.ID)
	}
	m.containers[cfg.ID] = &ContainerStatus{
		ID:        cfg.ID,
		Name:      name,
		State:     StateCreating,
		Health:    HealthNone,
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Unlock()

	args, err := createArgs(name, &cfg)
	if err != nil {
		m.forget(cfg.ID)
		return "", fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}

	// A container with this name may survive from a previous run.
	_, _, _, _ = m.runner.Run(ctx, nil, m.dockerCmd, "rm", "-f", name)

	m.logger.Info("Creating container %s from %s", name, cfg.Image)
	_, stderr, code, err := m.runner.Run(ctx, nil, m.dockerCmd, args...)
	if err != nil || code != 0 {
		m.forget(cfg.ID)
		if err == nil {
			err = fmt.Errorf("exit code %d: %s", code, strings.TrimSpace(stderr))
		}
		m.logger.Error("Failed to create container %s: %v", name, err)
		return "", fmt.Errorf("%w: %s: %w", ErrCreateFailed, name, err)
	}

	if m.registry != nil {
		m.registry.Register(cfg.ID, name, cfg.Labels[LabelAgent], cfg.Labels[LabelProject], cfg.Labels[LabelRole])
	}
	return cfg.ID, nil
}

// StartContainer moves a created container to running.
func (m *ContainerManager) StartContainer(ctx context.Context, id string) error {
	name, err := m.requireState(id, StateCreating)
	if err != nil {
		return err
	}

	_, stderr, code, err := m.runner.Run(ctx, nil, m.dockerCmd, "start", name)
	if err != nil || code != 0 {
		if err == nil {
			err = fmt.Errorf("exit code %d: %s", code, strings.TrimSpace(stderr))
		}
		m.setState(id, StateError, err.Error())
		return fmt.Errorf("%w: %s: %w", ErrStartFailed, name, err)
	}

	m.setState(id, StateRunning, "")
	m.logger.Info("Started container %s", name)
	return nil
}

// StopContainer asks the container to exit, giving it timeout to do so
// before the runtime kills it. Stopping a terminal container is a no-op.
func (m *ContainerManager) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	m.mu.RLock()
	st, exists := m.containers[id]
	var state ContainerState
	var name string
	if exists {
		state, name = st.State, st.Name
	}
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}
	if state.IsTerminal() {
		return nil
	}
	if state == StateCreating {
		m.setState(id, StateStopped, "")
		return nil
	}

	if timeout < 0 {
		timeout = 0
	}
	started := time.Now()
	stopCtx, cancel := context.WithTimeout(ctx, timeout+stopGrace)
	defer cancel()

	_, stderr, code, err := m.runner.Run(stopCtx, nil, m.dockerCmd,
		"stop", "--time", strconv.Itoa(int(timeout.Seconds())), name)
	if err != nil || code != 0 {
		m.logger.Warn("Graceful stop of %s failed (code=%d err=%v stderr=%s), killing",
			name, code, err, strings.TrimSpace(stderr))
		_, killStderr, killCode, killErr := m.runner.Run(ctx, nil, m.dockerCmd, "kill", name)
		if killErr != nil || killCode != 0 {
			msg := fmt.Sprintf("kill failed: code=%d err=%v %s", killCode, killErr, strings.TrimSpace(killStderr))
			m.setState(id, StateError, msg)
			m.unregister(id)
			return fmt.Errorf("failed to stop container %s: %s", name, msg)
		}
	}

	m.setState(id, StateStopped, "")
	m.unregister(id)
	m.logger.Info("Container %s stopped in %v", name, time.Since(started).Round(time.Millisecond))
	return nil
}

// RemoveContainer deletes the container. A running container is refused
// unless force is set.
func (m *ContainerManager) RemoveContainer(ctx context.Context, id string, force bool) error {
	m.mu.RLock()
	st, exists := m.containers[id]
	var state ContainerState
	var name string
	if exists {
		state, name = st.State, st.Name
	}
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}
	if !force && (state == StateRunning || state == StatePaused) {
		return fmt.Errorf("%w: %s", ErrContainerRunning, name)
	}

	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, name)
	_, stderr, code, err := m.runner.Run(ctx, nil, m.dockerCmd, args...)
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	if code != 0 && !strings.Contains(stderr, "No such container") {
		return fmt.Errorf("failed to remove container %s: exit code %d: %s", name, code, strings.TrimSpace(stderr))
	}

	m.unregister(id)
	m.forget(id)
	m.logger.Info("Container %s removed", name)
	return nil
}

// ExecuteInContainer runs a command in a running container. A non-zero exit
// code is a normal result. An error means the command could not be run or
// ctx/the timeout ended first.
func (m *ContainerManager) ExecuteInContainer(ctx context.Context, opts ExecOptions) (Result, error) {
	if err := opts.validate(); err != nil {
		return Result{}, err
	}
	name, err := m.requireState(opts.ContainerID, StateRunning)
	if err != nil {
		return Result{}, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var stdin io.Reader
	if opts.Stdin != "" {
		stdin = strings.NewReader(opts.Stdin)
	}

	m.Hold(opts.ContainerID)
	defer m.Unhold(opts.ContainerID)

	start := time.Now()
	logx.Debug(ctx, "containers", "exec in %s: %s", name, strings.Join(opts.Command, " "))
	stdout, stderr, code, err := m.runner.Run(ctx, stdin, m.dockerCmd, execArgs(name, &opts)...)

	result := Result{
		Stdout:       stdout,
		Stderr:       stderr,
		ExitCode:     code,
		Duration:     time.Since(start),
		ExecutorUsed: string(ExecutorTypeContainer),
	}
	if err != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("%w: %s: %w", ErrExecFailed, name, err)
	}

	if code == ExitCodeKilled {
		st, inspectErr := m.Inspect(ctx, opts.ContainerID)
		if inspectErr != nil {
			m.logger.Warn("Failed to inspect %s after SIGKILL: %v", name, inspectErr)
		}
		result.OOMKilled = st.OOMKilled
	}
	return result, nil
}

// Hold keeps the stale reaper away from a container until Unhold.
func (m *ContainerManager) Hold(id string) {
	if m.registry != nil {
		m.registry.Hold(id)
	}
}

// Unhold releases a Hold.
func (m *ContainerManager) Unhold(id string) {
	if m.registry != nil {
		m.registry.Unhold(id)
	}
}

// dockerState is the subset of `docker inspect .State` we read.
type dockerState struct {
	Status     string `json:"Status"`
	OOMKilled  bool   `json:"OOMKilled"`
	ExitCode   int    `json:"ExitCode"`
	StartedAt  string `json:"StartedAt"`
	FinishedAt string `json:"FinishedAt"`
	Health     *struct {
		Status string `json:"Status"`
	} `json:"Health"`
}

func mapDockerStatus(s string) ContainerState {
	switch s {
	case "created":
		return StateCreating
	case "running", "restarting":
		return StateRunning
	case "paused":
		return StatePaused
	case "exited":
		return StateExited
	case "dead":
		return StateError
	case "removing":
		return StateStopped
	}
	return ""
}

// Inspect refreshes a container's state from the runtime. Observed states
// are only applied when they move the lifecycle forward.
func (m *ContainerManager) Inspect(ctx context.Context, id string) (ContainerStatus, error) {
	current, ok := m.GetStatus(id)
	if !ok {
		return ContainerStatus{}, fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}

	ctx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()
	stdout, stderr, code, err := m.runner.Run(ctx, nil, m.dockerCmd, "inspect", "--format", "{{json .State}}", current.Name)
	if err != nil || code != 0 {
		if err == nil {
			err = fmt.Errorf("exit code %d: %s", code, strings.TrimSpace(stderr))
		}
		return current, fmt.Errorf("failed to inspect %s: %w", current.Name, err)
	}

	var ds dockerState
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &ds); err != nil {
		return current, fmt.Errorf("failed to parse inspect output for %s: %w", current.Name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st, exists := m.containers[id]
	if !exists {
		return current, fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}
	if observed := mapDockerStatus(ds.Status); observed != "" && IsValidContainerTransition(st.State, observed) {
		st.State = observed
	}
	st.OOMKilled = ds.OOMKilled
	if ds.Health != nil && ds.Health.Status != "" {
		st.Health = HealthStatus(ds.Health.Status)
	}
	if st.State == StateExited || st.State == StateError {
		exitCode := ds.ExitCode
		st.ExitCode = &exitCode
		if t, err := time.Parse(time.RFC3339Nano, ds.FinishedAt); err == nil {
			st.FinishedAt = t
		}
	}
	return copyStatus(st), nil
}

// dockerStats is the subset of `docker stats --format {{json .}}` we read.
type dockerStats struct {
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
	PIDs     string `json:"PIDs"`
}

// GetContainerStats samples resource usage. It never blocks longer than a
// few seconds and returns a zero value when data is unavailable.
func (m *ContainerManager) GetContainerStats(ctx context.Context, id string) ResourceUsage {
	st, ok := m.GetStatus(id)
	if !ok || st.State != StateRunning {
		return ResourceUsage{}
	}

	ctx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()
	stdout, _, code, err := m.runner.Run(ctx, nil, m.dockerCmd, "stats", "--no-stream", "--format", "{{json .}}", st.Name)
	if err != nil || code != 0 {
		return ResourceUsage{}
	}

	var ds dockerStats
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &ds); err != nil {
		return ResourceUsage{}
	}
	usage := parseStats(ds)

	m.mu.Lock()
	if tracked, exists := m.containers[id]; exists {
		u := usage
		tracked.Usage = &u
	}
	m.mu.Unlock()
	return usage
}

func parseStats(ds dockerStats) ResourceUsage {
	usage := ResourceUsage{SampledAt: time.Now().UTC()}
	if cpu, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(ds.CPUPerc), "%"), 64); err == nil {
		usage.CPUPercent = cpu
	}
	if used, limit, found := strings.Cut(ds.MemUsage, "/"); found {
		if b, err := humanize.ParseBytes(strings.TrimSpace(used)); err == nil {
			usage.MemoryBytes = b
		}
		if b, err := humanize.ParseBytes(strings.TrimSpace(limit)); err == nil {
			usage.MemoryLimitBytes = b
		}
	}
	if pids, err := strconv.Atoi(strings.TrimSpace(ds.PIDs)); err == nil {
		usage.PIDs = pids
	}
	return usage
}

// GetContainerLogs returns the last tail lines of output, or "" when the
// logs cannot be read in time.
func (m *ContainerManager) GetContainerLogs(ctx context.Context, id string, tail int) string {
	st, ok := m.GetStatus(id)
	if !ok {
		return ""
	}
	if tail <= 0 {
		tail = defaultLogTail
	}

	ctx, cancel := context.WithTimeout(ctx, logsTimeout)
	defer cancel()
	stdout, stderr, code, err := m.runner.Run(ctx, nil, m.dockerCmd, "logs", "--tail", strconv.Itoa(tail), st.Name)
	if err != nil || code != 0 {
		return ""
	}
	return Result{Stdout: stdout, Stderr: stderr}.Combined()
}

// GetStatus returns a copy of the tracked status.
func (m *ContainerManager) GetStatus(id string) (ContainerStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, exists := m.containers[id]
	if !exists {
		return ContainerStatus{}, false
	}
	return copyStatus(st), true
}

// ListContainers returns copies of all tracked containers, oldest first.
func (m *ContainerManager) ListContainers() []ContainerStatus {
	m.mu.RLock()
	out := make([]ContainerStatus, 0, len(m.containers))
	for _, st := range m.containers {
		out = append(out, copyStatus(st))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Reap stops and removes a container. It is the registry's cleanup hook.
func (m *ContainerManager) Reap(ctx context.Context, id string) error {
	if err := m.StopContainer(ctx, id, stopGrace); err != nil {
		m.logger.Warn("Stop during reap of %s failed: %v", id, err)
	}
	return m.RemoveContainer(ctx, id, true)
}

// Shutdown reaps every tracked container concurrently.
func (m *ContainerManager) Shutdown(ctx context.Context) error {
	containers := m.ListContainers()
	m.logger.Info("Shutting down %d containers", len(containers))

	var g errgroup.Group
	g.SetLimit(shutdownLimit)
	for _, c := range containers {
		id := c.ID
		g.Go(func() error {
			if err := m.Reap(ctx, id); err != nil {
				m.logger.Error("Failed to reap container %s during shutdown: %v", id, err)
				return err
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("container shutdown incomplete: %w", err)
		}
		m.logger.Info("All containers stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("container shutdown timed out: %w", ctx.Err())
	}
}

func (m *ContainerManager) requireState(id string, want ContainerState) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, exists := m.containers[id]
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}
	if st.State != want {
		if want == StateRunning {
			return "", fmt.Errorf("%w: %s is %s", ErrContainerNotRunning, st.Name, st.State)
		}
		return "", fmt.Errorf("%w: %s is %s, want %s", ErrInvalidState, st.Name, st.State, want)
	}
	return st.Name, nil
}

// setState applies a lifecycle transition if it is valid; invalid moves
// (for example a late start after a concurrent stop) are dropped.
func (m *ContainerManager) setState(id string, to ContainerState, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, exists := m.containers[id]
	if !exists {
		return
	}
	if !IsValidContainerTransition(st.State, to) {
		m.logger.Debug("Ignoring container transition %s -> %s for %s", st.State, to, st.Name)
		return
	}
	st.State = to
	now := time.Now().UTC()
	switch {
	case to == StateRunning:
		st.StartedAt = now
	case to.IsTerminal():
		st.FinishedAt = now
	}
	if errMsg != "" {
		st.Error = errMsg
	}
}

func (m *ContainerManager) forget(id string) {
	m.mu.Lock()
	delete(m.containers, id)
	m.mu.Unlock()
}

func (m *ContainerManager) unregister(id string) {
	if m.registry != nil {
		m.registry.Unregister(id)
	}
}

func copyStatus(st *ContainerStatus) ContainerStatus {
	c := *st
	if st.ExitCode != nil {
		code := *st.ExitCode
		c.ExitCode = &code
	}
	if st.Usage != nil {
		u := *st.Usage
		c.Usage = &u
	}
	return c
}
