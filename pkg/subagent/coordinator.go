package subagent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"autocoder/pkg/billing"
	"autocoder/pkg/events"
	"autocoder/pkg/exec"
	"autocoder/pkg/logx"
	"autocoder/pkg/metrics"
)

const (
	defaultTaskTimeout = 10 * time.Minute
	defaultStopTimeout = 10 * time.Second
	teardownTimeout    = 30 * time.Second
)

// Options is the container policy applied to every sub-agent.
type Options struct {
	Image           string
	Resources       exec.ResourceLimits
	User            string
	ReadOnlyRootFS  bool
	NetworkDisabled bool
	TmpfsSize       string
	Env             map[string]string
	StopTimeout     time.Duration
	TaskTimeout     time.Duration // used when TaskContext.TimeoutMs is unset
}

// assignment is the coordinator's record of one active sub-agent.
type assignment struct {
	cfg        SubAgentConfig
	execMu     sync.Mutex // one command at a time per container
	mu         sync.Mutex
	busy       time.Duration
	cpuSeconds float64
	failed     error
}

// Coordinator owns the agent → container mapping. Each agent holds at most
// one active container, and each container is used by exactly one agent.
type Coordinator struct {
	runtime  ContainerRuntime
	opts     Options
	reporter billing.Reporter
	recorder metrics.Recorder
	sink     events.Sink
	logger   *logx.Logger
	agents   map[string]*assignment // key: agent ID
	mu       sync.Mutex
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithReporter sends usage to r when agents are released.
func WithReporter(r billing.Reporter) CoordinatorOption {
	return func(c *Coordinator) { c.reporter = r }
}

// WithRecorder records per-task metrics.
func WithRecorder(r metrics.Recorder) CoordinatorOption {
	return func(c *Coordinator) { c.recorder = r }
}

// WithEventSink emits container lifecycle events.
func WithEventSink(s events.Sink) CoordinatorOption {
	return func(c *Coordinator) { c.sink = s }
}

// NewCoordinator creates a coordinator over runtime.
func NewCoordinator(runtime ContainerRuntime, opts Options, options ...CoordinatorOption) *Coordinator {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = defaultTaskTimeout
	}
	c := &Coordinator{
		runtime:  runtime,
		opts:     opts,
		recorder: metrics.Nop(),
		sink:     events.Discard{},
		logger:   logx.NewLogger("subagents"),
		agents:   make(map[string]*assignment),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Assign provisions and starts a container for the agent and binds the task
// to it. An agent that already holds a container gets ErrAgentBusy.
func (c *Coordinator) Assign(ctx context.Context, req AssignRequest) (SubAgentConfig, error) {
	if err := req.validate(); err != nil {
		return SubAgentConfig{}, err
	}

	// Reserve the agent id before the slow container work.
	c.mu.Lock()
	if _, exists := c.agents[req.AgentID]; exists {
		c.mu.Unlock()
		return SubAgentConfig{}, fmt.Errorf("%w: %s", ErrAgentBusy, req.AgentID)
	}
	a := &assignment{cfg: SubAgentConfig{
		AgentID:      req.AgentID,
		ProjectID:    req.ProjectID,
		UserID:       req.UserID,
		Role:         req.Role,
		Capabilities: append([]string(nil), req.Capabilities...),
		TaskContext:  req.Task,
	}}
	c.agents[req.AgentID] = a
	c.mu.Unlock()

	containerID, err := c.provision(ctx, &req)
	if err != nil {
		c.mu.Lock()
		delete(c.agents, req.AgentID)
		c.mu.Unlock()
		return SubAgentConfig{}, err
	}

	// A release that ran while the container was provisioning removed the
	// reservation; the container is then nobody's and must not outlive it.
	c.mu.Lock()
	if c.agents[req.AgentID] != a {
		c.mu.Unlock()
		c.logger.Warn("%s was released while provisioning, tearing down container %s", req.AgentID, containerID)
		c.teardown(ctx, containerID)
		return SubAgentConfig{}, fmt.Errorf("%w: %s released during provisioning", ErrAgentNotFound, req.AgentID)
	}
	a.mu.Lock()
	a.cfg.ContainerID = containerID
	a.cfg.AssignedAt = time.Now().UTC()
	cfg := a.cfg
	a.mu.Unlock()
	c.hold(containerID)
	c.mu.Unlock()

	c.logger.Info("Assigned %s (%s) to container %s for project %s", req.AgentID, req.Role, containerID, req.ProjectID)
	c.emit(ctx, events.TypeContainerStarted, &cfg, "")
	return cfg, nil
}

func (c *Coordinator) provision(ctx context.Context, req *AssignRequest) (string, error) {
	env := make(map[string]string, len(c.opts.Env)+len(req.Env))
	for k, v := range c.opts.Env {
		env[k] = v
	}
	for k, v := range req.Env {
		env[k] = v
	}

	cfg := exec.ContainerConfig{
		Image:           c.opts.Image,
		Environment:     env,
		Resources:       c.opts.Resources,
		User:            c.opts.User,
		ReadOnlyRootFS:  c.opts.ReadOnlyRootFS,
		NetworkDisabled: c.opts.NetworkDisabled,
		TmpfsSize:       c.opts.TmpfsSize,
		CapDrop:         []string{"ALL"},
		Labels: map[string]string{
			exec.LabelAgent:   req.AgentID,
			exec.LabelProject: req.ProjectID,
			exec.LabelRole:    string(req.Role),
		},
	}
	if req.WorkspacePath != "" {
		cfg.Volumes = []exec.VolumeMount{{HostPath: req.WorkspacePath, ContainerPath: exec.ContainerWorkspace}}
		cfg.WorkDir = exec.ContainerWorkspace
	}

	containerID, err := c.runtime.CreateContainer(ctx, cfg)
	if err != nil {
		return "", fmt.Errorf("failed to provision container for %s: %w", req.AgentID, err)
	}
	if err := c.runtime.StartContainer(ctx, containerID); err != nil {
		c.teardown(ctx, containerID)
		return "", fmt.Errorf("failed to start container for %s: %w", req.AgentID, err)
	}
	return containerID, nil
}

// Execute runs cmd in the agent's container under the task timeout. A
// non-zero exit code is a normal result. When the timeout fires the
// container is stopped and ErrTaskTimeout is returned.
func (c *Coordinator) Execute(ctx context.Context, agentID string, cmd []string, env map[string]string) (exec.Result, error) {
	a, err := c.lookup(agentID)
	if err != nil {
		return exec.Result{}, err
	}

	a.execMu.Lock()
	defer a.execMu.Unlock()

	a.mu.Lock()
	cfg, failed := a.cfg, a.failed
	a.mu.Unlock()
	if failed != nil {
		return exec.Result{}, fmt.Errorf("sub-agent %s is no longer usable: %w", agentID, failed)
	}

	timeout := cfg.TaskContext.Timeout(c.opts.TaskTimeout)
	if timeout <= 0 {
		c.fail(ctx, a, ErrTaskTimeout)
		return exec.Result{}, fmt.Errorf("%w: %s deadline already passed", ErrTaskTimeout, agentID)
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, execErr := c.runtime.ExecuteInContainer(taskCtx, exec.ExecOptions{
		ContainerID: cfg.ContainerID,
		Command:     cmd,
		Env:         env,
		WorkDir:     exec.ContainerWorkspace,
	})
	wall := time.Since(start)

	if errors.Is(taskCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		c.logger.Warn("Task for %s exceeded %v, stopping container %s", agentID, timeout, cfg.ContainerID)
		c.account(ctx, a, wall, exec.ResourceUsage{})
		c.fail(ctx, a, ErrTaskTimeout)
		return result, fmt.Errorf("%w: %s after %v", ErrTaskTimeout, agentID, timeout)
	}
	if execErr != nil {
		return result, execErr
	}

	c.account(ctx, a, wall, c.runtime.GetContainerStats(ctx, cfg.ContainerID))
	return result, nil
}

// account adds a task's wall time and estimated CPU seconds to the agent.
func (c *Coordinator) account(ctx context.Context, a *assignment, wall time.Duration, usage exec.ResourceUsage) {
	cpu := usage.CPUPercent / 100 * wall.Seconds()

	a.mu.Lock()
	a.busy += wall
	a.cpuSeconds += cpu
	projectID, role := a.cfg.ProjectID, a.cfg.Role
	a.mu.Unlock()

	logx.Debug(ctx, "subagents", "%s task took %v (cpu %.2fs)", role, wall, cpu)
	c.recorder.ObserveContainerExec(projectID, string(role), wall, cpu)
}

// fail marks the agent unusable and stops its container.
func (c *Coordinator) fail(ctx context.Context, a *assignment, cause error) {
	a.mu.Lock()
	if a.failed == nil {
		a.failed = cause
	}
	containerID := a.cfg.ContainerID
	a.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.StopTimeout+teardownTimeout)
	defer cancel()
	if err := c.runtime.StopContainer(stopCtx, containerID, c.opts.StopTimeout); err != nil {
		c.logger.Error("Failed to stop container %s: %v", containerID, err)
	}
}

// Release tears down the agent's container, reports its usage and frees the
// agent id.
func (c *Coordinator) Release(ctx context.Context, agentID string) error {
	c.mu.Lock()
	a, exists := c.agents[agentID]
	if exists {
		delete(c.agents, agentID)
	}
	c.mu.Unlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	// Wait for an in-flight command to finish or time out.
	a.execMu.Lock()
	defer a.execMu.Unlock()

	a.mu.Lock()
	cfg, busy, cpu := a.cfg, a.busy, a.cpuSeconds
	a.mu.Unlock()

	if cfg.ContainerID == "" {
		// Still provisioning; Assign sees the missing reservation and tears
		// the container down itself.
		c.logger.Info("Released %s before its container was ready", agentID)
		return nil
	}
	c.unhold(cfg.ContainerID)
	c.teardown(ctx, cfg.ContainerID)

	ended := time.Now().UTC()
	if c.reporter != nil {
		rec := billing.UsageRecord{
			ID:               uuid.New().String(),
			ProjectID:        cfg.ProjectID,
			UserID:           cfg.UserID,
			AgentID:          cfg.AgentID,
			Role:             string(cfg.Role),
			ContainerSeconds: ended.Sub(cfg.AssignedAt).Seconds(),
			CPUSeconds:       cpu,
			StartedAt:        cfg.AssignedAt,
			EndedAt:          ended,
		}
		if err := c.reporter.ReportUsage(ctx, rec); err != nil {
			c.logger.Warn("Failed to report usage for %s: %v", agentID, err)
		}
	}

	c.logger.Info("Released %s (busy %v, cpu %.2fs)", agentID, busy.Round(time.Millisecond), cpu)
	c.emit(ctx, events.TypeContainerStopped, &cfg, "")
	return nil
}

// ReleaseProject releases every agent working on projectID.
func (c *Coordinator) ReleaseProject(ctx context.Context, projectID string) error {
	var errs []error
	for _, cfg := range c.ListByProject(projectID) {
		if err := c.Release(ctx, cfg.AgentID); err != nil && !errors.Is(err, ErrAgentNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) hold(containerID string) {
	if h, ok := c.runtime.(ContainerHolder); ok {
		h.Hold(containerID)
	}
}

func (c *Coordinator) unhold(containerID string) {
	if h, ok := c.runtime.(ContainerHolder); ok {
		h.Unhold(containerID)
	}
}

// teardown stops and removes a container, tolerating a cancelled ctx.
func (c *Coordinator) teardown(ctx context.Context, containerID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.StopTimeout+teardownTimeout)
	defer cancel()
	if err := c.runtime.StopContainer(ctx, containerID, c.opts.StopTimeout); err != nil {
		c.logger.Warn("Failed to stop container %s: %v", containerID, err)
	}
	if err := c.runtime.RemoveContainer(ctx, containerID, true); err != nil {
		c.logger.Warn("Failed to remove container %s: %v", containerID, err)
	}
}

// Get returns the agent's binding.
func (c *Coordinator) Get(agentID string) (SubAgentConfig, bool) {
	a, err := c.lookup(agentID)
	if err != nil {
		return SubAgentConfig{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg, true
}

// ListByProject returns the project's agents ordered by agent id.
func (c *Coordinator) ListByProject(projectID string) []SubAgentConfig {
	c.mu.Lock()
	list := make([]*assignment, 0, len(c.agents))
	for _, a := range c.agents {
		list = append(list, a)
	}
	c.mu.Unlock()

	var out []SubAgentConfig
	for _, a := range list {
		a.mu.Lock()
		if a.cfg.ProjectID == projectID {
			out = append(out, a.cfg)
		}
		a.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// ActiveCount returns the number of assigned agents.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.agents)
}

func (c *Coordinator) lookup(agentID string) (*assignment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, exists := c.agents[agentID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return a, nil
}

func (c *Coordinator) emit(ctx context.Context, typ events.Type, cfg *SubAgentConfig, msg string) {
	e := events.New(typ, cfg.ProjectID, msg)
	e.Data = map[string]string{
		"agentId":     cfg.AgentID,
		"containerId": cfg.ContainerID,
		"role":        string(cfg.Role),
	}
	if err := c.sink.Emit(context.WithoutCancel(ctx), e); err != nil {
		c.logger.Warn("Failed to emit %s event: %v", typ, err)
	}
}
