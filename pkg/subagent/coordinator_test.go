package subagent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autocoder/internal/mocks"
	"autocoder/pkg/billing"
	"autocoder/pkg/exec"
)

func newCoordinator(t *testing.T) (*Coordinator, *mocks.MockContainerManager, *billing.Ledger) {
	t.Helper()
	runtime := mocks.NewMockContainerManager()
	ledger := billing.NewLedger()
	c := NewCoordinator(runtime, Options{
		Image:           "node:20",
		Resources:       exec.ResourceLimits{CPUs: "1", Memory: "1g", PIDs: 128},
		User:            "1000:1000",
		ReadOnlyRootFS:  true,
		NetworkDisabled: true,
		StopTimeout:     time.Second,
	}, WithReporter(ledger))
	return c, runtime, ledger
}

func assignReq(agentID string, role Role) AssignRequest {
	return AssignRequest{
		AgentID:       agentID,
		ProjectID:     "p1",
		UserID:        "u1",
		Role:          role,
		Task:          TaskContext{Description: "run tests", TimeoutMs: 5000},
		WorkspacePath: "/tmp/p1",
	}
}

func TestAssignProvisionsRunningContainer(t *testing.T) {
	c, runtime, _ := newCoordinator(t)

	cfg, err := c.Assign(context.Background(), assignReq("tester-1", RoleTester))
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.ContainerID)
	assert.False(t, cfg.AssignedAt.IsZero())

	state, ok := runtime.State(cfg.ContainerID)
	require.True(t, ok)
	assert.Equal(t, exec.StateRunning, state)

	cc := runtime.Config(cfg.ContainerID)
	assert.Equal(t, "node:20", cc.Image)
	assert.True(t, cc.ReadOnlyRootFS)
	assert.True(t, cc.NetworkDisabled)
	assert.Equal(t, []string{"ALL"}, cc.CapDrop)
	assert.Equal(t, "1000:1000", cc.User)
	assert.Equal(t, "tester", cc.Labels[exec.LabelRole])
	require.Len(t, cc.Volumes, 1)
	assert.Equal(t, exec.ContainerWorkspace, cc.Volumes[0].ContainerPath)
}

func TestOneContainerPerAgent(t *testing.T) {
	c, runtime, _ := newCoordinator(t)
	ctx := context.Background()

	_, err := c.Assign(ctx, assignReq("coder-1", RoleCoder))
	require.NoError(t, err)
	_, err = c.Assign(ctx, assignReq("coder-1", RoleCoder))
	assert.ErrorIs(t, err, ErrAgentBusy)
	assert.Equal(t, 1, runtime.LiveCount())

	require.NoError(t, c.Release(ctx, "coder-1"))
	_, err = c.Assign(ctx, assignReq("coder-1", RoleCoder))
	assert.NoError(t, err)
}

func TestAssignConcurrentSameAgent(t *testing.T) {
	c, runtime, _ := newCoordinator(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Assign(context.Background(), assignReq("coder-1", RoleCoder)); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, runtime.LiveCount())
}

func TestAssignValidation(t *testing.T) {
	c, _, _ := newCoordinator(t)

	_, err := c.Assign(context.Background(), assignReq("x", Role("manager")))
	assert.ErrorIs(t, err, ErrInvalidRole)

	req := assignReq("", RoleCoder)
	_, err = c.Assign(context.Background(), req)
	assert.Error(t, err)
}

func TestAssignCreateFailureFreesAgent(t *testing.T) {
	c, runtime, _ := newCoordinator(t)
	runtime.CreateErr = errors.New("no such image")

	_, err := c.Assign(context.Background(), assignReq("coder-1", RoleCoder))
	require.Error(t, err)
	assert.ErrorIs(t, err, exec.ErrCreateFailed)
	assert.Equal(t, 0, c.ActiveCount())
}

func TestExecuteReturnsNonZeroExitAsResult(t *testing.T) {
	c, runtime, _ := newCoordinator(t)
	ctx := context.Background()
	_, err := c.Assign(ctx, assignReq("tester-1", RoleTester))
	require.NoError(t, err)

	runtime.OnExec(func(_ context.Context, opts exec.ExecOptions) (exec.Result, error) {
		assert.Equal(t, exec.ContainerWorkspace, opts.WorkDir)
		return exec.Result{ExitCode: 1, Stdout: "FAIL src/a.test.ts"}, nil
	})
	res, err := c.Execute(ctx, "tester-1", []string{"npm", "test"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)

	_, err = c.Execute(ctx, "ghost", []string{"ls"}, nil)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestExecuteTimeoutStopsContainer(t *testing.T) {
	c, runtime, _ := newCoordinator(t)
	ctx := context.Background()

	req := assignReq("tester-1", RoleTester)
	req.Task.TimeoutMs = 50
	cfg, err := c.Assign(ctx, req)
	require.NoError(t, err)

	runtime.OnExec(func(ctx context.Context, _ exec.ExecOptions) (exec.Result, error) {
		<-ctx.Done()
		return exec.Result{ExitCode: -1}, ctx.Err()
	})

	start := time.Now()
	_, err = c.Execute(ctx, "tester-1", []string{"sleep", "60"}, nil)
	require.ErrorIs(t, err, ErrTaskTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)

	state, _ := runtime.State(cfg.ContainerID)
	assert.Equal(t, exec.StateStopped, state)

	// The agent is unusable until released.
	_, err = c.Execute(ctx, "tester-1", []string{"ls"}, nil)
	assert.ErrorIs(t, err, ErrTaskTimeout)
	require.NoError(t, c.Release(ctx, "tester-1"))
}

func TestExecutePastDeadline(t *testing.T) {
	c, _, _ := newCoordinator(t)
	req := assignReq("coder-1", RoleCoder)
	req.Task.Deadline = time.Now().Add(-time.Minute)
	_, err := c.Assign(context.Background(), req)
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), "coder-1", []string{"ls"}, nil)
	assert.ErrorIs(t, err, ErrTaskTimeout)
}

func TestReleaseReportsUsage(t *testing.T) {
	c, runtime, ledger := newCoordinator(t)
	runtime.Usage = exec.ResourceUsage{CPUPercent: 50}
	ctx := context.Background()

	cfg, err := c.Assign(ctx, assignReq("tester-1", RoleTester))
	require.NoError(t, err)
	runtime.OnExec(func(_ context.Context, _ exec.ExecOptions) (exec.Result, error) {
		time.Sleep(20 * time.Millisecond)
		return exec.Result{}, nil
	})
	_, err = c.Execute(ctx, "tester-1", []string{"npm", "test"}, nil)
	require.NoError(t, err)

	require.NoError(t, c.Release(ctx, "tester-1"))
	_, alive := runtime.State(cfg.ContainerID)
	assert.False(t, alive)

	records := ledger.Records("p1")
	require.Len(t, records, 1)
	assert.Equal(t, "tester", records[0].Role)
	assert.Equal(t, "u1", records[0].UserID)
	assert.Greater(t, records[0].ContainerSeconds, 0.0)
	assert.Greater(t, records[0].CPUSeconds, 0.0)

	assert.ErrorIs(t, c.Release(ctx, "tester-1"), ErrAgentNotFound)
}

func TestReleaseProject(t *testing.T) {
	c, runtime, _ := newCoordinator(t)
	ctx := context.Background()

	for _, id := range []string{"coder-1", "reviewer-1", "tester-1"} {
		_, err := c.Assign(ctx, assignReq(id, RoleCoder))
		require.NoError(t, err)
	}
	other := assignReq("coder-2", RoleCoder)
	other.ProjectID = "p2"
	_, err := c.Assign(ctx, other)
	require.NoError(t, err)

	assert.Len(t, c.ListByProject("p1"), 3)
	require.NoError(t, c.ReleaseProject(ctx, "p1"))
	assert.Empty(t, c.ListByProject("p1"))
	assert.Len(t, c.ListByProject("p2"), 1)
	assert.Equal(t, 1, runtime.LiveCount())
}

func TestReleaseDuringProvisioningRemovesContainer(t *testing.T) {
	c, runtime, ledger := newCoordinator(t)
	ctx := context.Background()

	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	runtime.BeforeCreate = func(context.Context) {
		once.Do(func() { close(entered) })
		<-unblock
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Assign(ctx, assignReq("tester-1", RoleTester))
		done <- err
	}()
	<-entered

	require.Len(t, c.ListByProject("p1"), 1)
	require.NoError(t, c.ReleaseProject(ctx, "p1"))
	assert.Zero(t, c.ActiveCount())

	close(unblock)
	err := <-done
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.Zero(t, runtime.LiveCount())
	_, ok := c.Get("tester-1")
	assert.False(t, ok)
	assert.Empty(t, ledger.Records("p1"))

	_, err = c.Assign(ctx, assignReq("tester-1", RoleTester))
	assert.NoError(t, err)
}

func TestAssignedContainerHeldUntilRelease(t *testing.T) {
	c, runtime, _ := newCoordinator(t)
	ctx := context.Background()

	cfg, err := c.Assign(ctx, assignReq("coder-1", RoleCoder))
	require.NoError(t, err)
	assert.Equal(t, 1, runtime.Held(cfg.ContainerID))

	require.NoError(t, c.Release(ctx, "coder-1"))
	assert.Zero(t, runtime.Held(cfg.ContainerID))
}

func TestTaskTimeout(t *testing.T) {
	def := time.Minute
	assert.Equal(t, def, TaskContext{}.Timeout(def))
	assert.Equal(t, 2*time.Second, TaskContext{TimeoutMs: 2000}.Timeout(def))

	soon := TaskContext{TimeoutMs: 60000, Deadline: time.Now().Add(time.Second)}
	assert.LessOrEqual(t, soon.Timeout(def), time.Second)
}
