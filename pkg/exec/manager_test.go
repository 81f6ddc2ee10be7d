package exec

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runnerCall struct {
	name  string
	args  []string
	stdin string
}

// fakeRunner records docker CLI invocations and answers from respond.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []runnerCall
	respond func(args []string) (string, string, int, error)
}

func (f *fakeRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) (string, string, int, error) {
	var in string
	if stdin != nil {
		b, _ := io.ReadAll(stdin)
		in = string(b)
	}
	f.mu.Lock()
	f.calls = append(f.calls, runnerCall{name: name, args: append([]string(nil), args...), stdin: in})
	respond := f.respond
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", "", -1, err
	}
	if respond != nil {
		return respond(args)
	}
	if len(args) > 0 && args[0] == "create" {
		return "f00dfeed\n", "", 0, nil
	}
	return "", "", 0, nil
}

func (f *fakeRunner) callsFor(verb string) []runnerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runnerCall
	for _, c := range f.calls {
		if len(c.args) > 0 && c.args[0] == verb {
			out = append(out, c)
		}
	}
	return out
}

func newTestManager(runner *fakeRunner) *ContainerManager {
	return NewContainerManager(WithRunner(runner), WithCommand("docker"), WithRegistry(NewContainerRegistry(nil)))
}

func testConfig() ContainerConfig {
	return ContainerConfig{
		Image:           "node:20",
		Environment:     map[string]string{"B": "2", "A": "1"},
		Volumes:         []VolumeMount{{HostPath: "/tmp/ws", ContainerPath: ContainerWorkspace}},
		Resources:       ResourceLimits{CPUs: "1.5", Memory: "1g", PIDs: 256},
		User:            "1000:1000",
		ReadOnlyRootFS:  true,
		NetworkDisabled: true,
		CapDrop:         []string{"ALL"},
		WorkDir:         ContainerWorkspace,
		Labels:          map[string]string{LabelAgent: "coder:1", LabelProject: "p1", LabelRole: "coder"},
	}
}

func startedContainer(t *testing.T, m *ContainerManager) string {
	t.Helper()
	id, err := m.CreateContainer(context.Background(), testConfig())
	require.NoError(t, err)
	require.NoError(t, m.StartContainer(context.Background(), id))
	return id
}

func TestCreateContainerAppliesRequestedPolicy(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)

	id, err := m.CreateContainer(context.Background(), testConfig())
	require.NoError(t, err)

	st, ok := m.GetStatus(id)
	require.True(t, ok)
	assert.Equal(t, StateCreating, st.State)
	assert.Equal(t, HealthNone, st.Health)

	creates := runner.callsFor("create")
	require.Len(t, creates, 1)
	args := strings.Join(creates[0].args, " ")
	for _, want := range []string{
		"--security-opt no-new-privileges",
		"--cap-drop ALL",
		"--read-only",
		"--network none",
		"--cpus 1.5",
		"--memory 1g",
		"--pids-limit 256",
		"--user 1000:1000",
		"--volume /tmp/ws:/workspace:rw",
		"--workdir /workspace",
		"--env A=1 --env B=2",
		"node:20 sleep infinity",
	} {
		assert.Contains(t, args, want)
	}
	assert.NotContains(t, args, "--privileged")
	assert.NotContains(t, args, "docker.sock")
}

func TestCreateContainerWithoutIsolationAddsNone(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)

	_, err := m.CreateContainer(context.Background(), ContainerConfig{Image: "alpine"})
	require.NoError(t, err)

	args := strings.Join(runner.callsFor("create")[0].args, " ")
	assert.NotContains(t, args, "--read-only")
	assert.NotContains(t, args, "--network")
	assert.NotContains(t, args, "--user")
}

func TestCreateFailureIsDistinct(t *testing.T) {
	runner := &fakeRunner{respond: func(args []string) (string, string, int, error) {
		if args[0] == "create" {
			return "", "Unable to find image 'nope:latest'", 125, nil
		}
		return "", "", 0, nil
	}}
	m := newTestManager(runner)

	_, err := m.CreateContainer(context.Background(), ContainerConfig{Image: "nope"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCreateFailed)
	assert.NotErrorIs(t, err, ErrExecFailed)
	assert.Empty(t, m.ListContainers())

	_, err = m.CreateContainer(context.Background(), ContainerConfig{})
	assert.ErrorIs(t, err, ErrCreateFailed)
}

func TestStartAndExecute(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)
	id := startedContainer(t, m)

	st, _ := m.GetStatus(id)
	assert.Equal(t, StateRunning, st.State)
	assert.False(t, st.StartedAt.IsZero())

	runner.respond = func(args []string) (string, string, int, error) {
		return "compiled\n", "warning\n", 0, nil
	}
	res, err := m.ExecuteInContainer(context.Background(), ExecOptions{
		ContainerID: id,
		Command:     []string{"npx", "tsc"},
		Env:         map[string]string{"CI": "1"},
		WorkDir:     ContainerWorkspace,
		Stdin:       "input",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "compiled\n", res.Stdout)
	assert.Equal(t, "container", res.ExecutorUsed)

	execs := runner.callsFor("exec")
	require.Len(t, execs, 1)
	assert.Equal(t, []string{"exec", "-i", "--workdir", "/workspace", "-e", "CI=1", st.Name, "npx", "tsc"}, execs[0].args)
	assert.Equal(t, "input", execs[0].stdin)
}

func TestExecuteNonZeroExitIsResult(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)
	id := startedContainer(t, m)

	runner.respond = func(args []string) (string, string, int, error) {
		return "", "error TS2304", 2, nil
	}
	res, err := m.ExecuteInContainer(context.Background(), ExecOptions{ContainerID: id, Command: []string{"npx", "tsc"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "error TS2304", res.Stderr)
}

func TestExecuteRunnerFailureIsError(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)
	id := startedContainer(t, m)

	runner.respond = func(args []string) (string, string, int, error) {
		return "", "", -1, errors.New("docker: executable file not found")
	}
	res, err := m.ExecuteInContainer(context.Background(), ExecOptions{ContainerID: id, Command: []string{"ls"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecFailed)
	assert.Equal(t, -1, res.ExitCode)
}

func TestExecuteRequiresRunningContainer(t *testing.T) {
	m := newTestManager(&fakeRunner{})
	id, err := m.CreateContainer(context.Background(), testConfig())
	require.NoError(t, err)

	_, err = m.ExecuteInContainer(context.Background(), ExecOptions{ContainerID: id, Command: []string{"ls"}})
	assert.ErrorIs(t, err, ErrContainerNotRunning)

	_, err = m.ExecuteInContainer(context.Background(), ExecOptions{ContainerID: "missing", Command: []string{"ls"}})
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

func TestStopIsGracefulWithTimeout(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)
	id := startedContainer(t, m)

	require.NoError(t, m.StopContainer(context.Background(), id, 7*time.Second))

	stops := runner.callsFor("stop")
	require.Len(t, stops, 1)
	assert.Equal(t, []string{"stop", "--time", "7"}, stops[0].args[:3])
	assert.Empty(t, runner.callsFor("kill"))

	st, _ := m.GetStatus(id)
	assert.Equal(t, StateStopped, st.State)
	assert.False(t, st.FinishedAt.IsZero())
}

func TestStopFallsBackToKill(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)
	id := startedContainer(t, m)

	runner.respond = func(args []string) (string, string, int, error) {
		if args[0] == "stop" {
			return "", "timeout", 1, nil
		}
		return "", "", 0, nil
	}
	require.NoError(t, m.StopContainer(context.Background(), id, time.Second))
	assert.Len(t, runner.callsFor("kill"), 1)

	st, _ := m.GetStatus(id)
	assert.Equal(t, StateStopped, st.State)
}

func TestContainerNeverLeavesTerminalState(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)
	id := startedContainer(t, m)
	require.NoError(t, m.StopContainer(context.Background(), id, time.Second))

	// Starting again is refused and the state is unchanged.
	err := m.StartContainer(context.Background(), id)
	assert.ErrorIs(t, err, ErrInvalidState)

	// A stale inspect reporting "running" is ignored.
	runner.respond = func(args []string) (string, string, int, error) {
		return `{"Status":"running","ExitCode":0}`, "", 0, nil
	}
	st, err := m.Inspect(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, st.State)

	// Stopping again is a no-op.
	require.NoError(t, m.StopContainer(context.Background(), id, time.Second))
	assert.Len(t, runner.callsFor("stop"), 1)
}

func TestStartFailureMovesToError(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)
	id, err := m.CreateContainer(context.Background(), testConfig())
	require.NoError(t, err)

	runner.respond = func(args []string) (string, string, int, error) {
		return "", "cannot start", 1, nil
	}
	err = m.StartContainer(context.Background(), id)
	assert.ErrorIs(t, err, ErrStartFailed)

	st, _ := m.GetStatus(id)
	assert.Equal(t, StateError, st.State)
}

func TestRemoveRefusesRunningWithoutForce(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)
	id := startedContainer(t, m)

	assert.ErrorIs(t, m.RemoveContainer(context.Background(), id, false), ErrContainerRunning)
	require.NoError(t, m.RemoveContainer(context.Background(), id, true))

	_, ok := m.GetStatus(id)
	assert.False(t, ok)
	assert.Equal(t, []string{"rm", "-f"}, runner.callsFor("rm")[len(runner.callsFor("rm"))-1].args[:2])
	assert.ErrorIs(t, m.RemoveContainer(context.Background(), id, true), ErrContainerNotFound)
}

func TestInspectDetectsOOMExit(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)
	id := startedContainer(t, m)

	runner.respond = func(args []string) (string, string, int, error) {
		switch args[0] {
		case "exec":
			return "", "Killed", ExitCodeKilled, nil
		case "inspect":
			return `{"Status":"exited","OOMKilled":true,"ExitCode":137,"FinishedAt":"2026-01-02T03:04:05.123456789Z"}`, "", 0, nil
		}
		return "", "", 0, nil
	}
	res, err := m.ExecuteInContainer(context.Background(), ExecOptions{ContainerID: id, Command: []string{"npm", "test"}})
	require.NoError(t, err)
	assert.Equal(t, ExitCodeKilled, res.ExitCode)
	assert.True(t, res.OOMKilled)

	st, _ := m.GetStatus(id)
	assert.True(t, st.OOMKilled)
	assert.Equal(t, StateExited, st.State)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 137, *st.ExitCode)
}

func TestExecHoldsContainerWhileRunning(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)
	id := startedContainer(t, m)

	entered := make(chan struct{})
	release := make(chan struct{})
	runner.respond = func(args []string) (string, string, int, error) {
		if args[0] == "exec" {
			close(entered)
			<-release
		}
		return "", "", 0, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.ExecuteInContainer(context.Background(), ExecOptions{ContainerID: id, Command: []string{"npm", "test"}})
		done <- err
	}()
	<-entered
	assert.Equal(t, 1, m.registry.GetActiveContainers()[id].Holds)
	assert.Empty(t, m.registry.GetStaleContainers(0))

	close(release)
	require.NoError(t, <-done)
	assert.Zero(t, m.registry.GetActiveContainers()[id].Holds)
}

func TestStatsParsesAndDegradesToZero(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)
	id := startedContainer(t, m)

	runner.respond = func(args []string) (string, string, int, error) {
		return `{"CPUPerc":"12.50%","MemUsage":"100MiB / 2GiB","PIDs":"17"}`, "", 0, nil
	}
	usage := m.GetContainerStats(context.Background(), id)
	assert.InDelta(t, 12.5, usage.CPUPercent, 1e-9)
	assert.Equal(t, uint64(100*1024*1024), usage.MemoryBytes)
	assert.Equal(t, uint64(2*1024*1024*1024), usage.MemoryLimitBytes)
	assert.Equal(t, 17, usage.PIDs)

	runner.respond = func(args []string) (string, string, int, error) {
		return "", "daemon gone", 1, nil
	}
	assert.Equal(t, ResourceUsage{}, m.GetContainerStats(context.Background(), id))
	assert.Equal(t, ResourceUsage{}, m.GetContainerStats(context.Background(), "missing"))
}

func TestStatsDoNotHang(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)
	id := startedContainer(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan ResourceUsage, 1)
	go func() { done <- m.GetContainerStats(ctx, id) }()

	select {
	case usage := <-done:
		assert.Equal(t, ResourceUsage{}, usage)
	case <-time.After(2 * time.Second):
		t.Fatal("GetContainerStats blocked")
	}
}

func TestLogs(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)
	id := startedContainer(t, m)

	runner.respond = func(args []string) (string, string, int, error) {
		return "line1\n", "", 0, nil
	}
	assert.Equal(t, "line1\n", m.GetContainerLogs(context.Background(), id, 10))
	assert.Equal(t, []string{"logs", "--tail", "10"}, runner.callsFor("logs")[0].args[:3])
	assert.Empty(t, m.GetContainerLogs(context.Background(), "missing", 10))
}

func TestShutdownReapsAll(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(runner)
	startedContainer(t, m)
	startedContainer(t, m)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Empty(t, m.ListContainers())
	assert.Equal(t, 0, m.registry.GetContainerCount())
}

func TestContainerTransitionTable(t *testing.T) {
	for _, terminal := range []ContainerState{StateStopped, StateExited, StateError} {
		assert.True(t, terminal.IsTerminal())
		for _, to := range []ContainerState{StateCreating, StateRunning, StatePaused} {
			assert.False(t, IsValidContainerTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
	for from := range containerTransitions {
		assert.False(t, IsValidContainerTransition(from, StateCreating))
	}
}
