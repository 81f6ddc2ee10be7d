package heal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autocoder/internal/mocks"
	"autocoder/pkg/codegen"
	"autocoder/pkg/diagnose"
	"autocoder/pkg/project"
	"autocoder/pkg/workspace"
)

type memState struct {
	p  *project.PluginProject
	mu sync.Mutex
}

func newMemState(t *testing.T, maxIterations int) *memState {
	t.Helper()
	p := project.New("weather", "fetch forecasts", "user-1", maxIterations)
	for _, s := range []project.Status{project.StatusDiscovery, project.StatusMVPDevelopment, project.StatusHealing} {
		require.NoError(t, p.TransitionTo(s, ""))
	}
	return &memState{p: p}
}

func (s *memState) Snapshot() *project.PluginProject {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.Clone()
}

func (s *memState) Update(_ context.Context, fn func(p *project.PluginProject) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p.IsTerminal() {
		return fmt.Errorf("%w: project is %s", project.ErrInvalidTransition, s.p.Status)
	}
	return fn(s.p)
}

func (s *memState) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.p.TransitionTo(project.StatusCancelled, "cancelled by test")
}

// scriptedVerifier returns reports in order, repeating the last one.
type scriptedVerifier struct {
	reports []*Report
	err     error
	calls   int
	onCall  func(call int)
}

func (v *scriptedVerifier) Verify(ctx context.Context) (*Report, error) {
	v.calls++
	if v.onCall != nil {
		v.onCall(v.calls)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if v.err != nil {
		return nil, v.err
	}
	i := min(v.calls-1, len(v.reports)-1)
	return cloneReport(v.reports[i]), nil
}

func cloneReport(r *Report) *Report {
	out := &Report{}
	for _, ea := range r.Errors {
		c := *ea
		out.Errors = append(out.Errors, &c)
	}
	return out
}

func tsError(file string, line int, code, msg string) *diagnose.ErrorAnalysis {
	return &diagnose.ErrorAnalysis{Type: diagnose.TypeTypeScript, File: file, Line: line, Code: code, Message: msg}
}

func newTestWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, ws.WriteFile("src/a.ts", "export function f(runtime) {}\n"))
	require.NoError(t, ws.WriteFile("src/b.ts", "export const n: number = 'x';\n"))
	require.NoError(t, ws.WriteFile("src/c.ts", "export const c = 1;\n"))
	return ws
}

var (
	errA = tsError("src/a.ts", 1, "TS7006", "Parameter 'runtime' implicitly has an 'any' type.")
	errB = tsError("src/b.ts", 1, "TS2322", "Type 'string' is not assignable to type 'number'.")
	errC = tsError("src/c.ts", 1, "TS2304", "Cannot find name 'x'.")
)

func TestLoopResolvesWithinBudget(t *testing.T) {
	state := newMemState(t, 5)
	gen := mocks.NewMockGenerator()
	resolvedCounts := []int{}
	verifier := &scriptedVerifier{reports: []*Report{
		{Errors: []*diagnose.ErrorAnalysis{errB, errA}},
		{Errors: []*diagnose.ErrorAnalysis{errB}},
		{},
	}}
	loop := NewLoop(gen)

	verifier.onCall = func(call int) {
		if call == 1 {
			return
		}
		n := 0
		for _, ea := range state.Snapshot().ErrorAnalysis {
			if ea.Resolved {
				n++
			}
		}
		resolvedCounts = append(resolvedCounts, n)
	}

	res := loop.Run(context.Background(), state, newTestWorkspace(t), verifier)
	require.Equal(t, OutcomeResolved, res.Outcome, res.Err)
	assert.Equal(t, 2, res.Iterations)

	p := state.Snapshot()
	assert.Equal(t, 2, p.CurrentIteration)
	assert.Equal(t, project.StatusHealing, p.Status, "success leaves the status for the caller")
	require.Len(t, p.ErrorAnalysis, 2)
	assert.True(t, p.ErrorAnalysis[errA.Key()].Resolved)
	assert.True(t, p.ErrorAnalysis[errB.Key()].Resolved)
	assert.Equal(t, 1, p.ErrorAnalysis[errA.Key()].FixAttempts)
	assert.Equal(t, 2, p.ErrorAnalysis[errB.Key()].FixAttempts)

	// Processed in file then line order, resolved records skipped.
	assert.Equal(t, []string{errA.Key(), errB.Key(), errB.Key()}, gen.PatchedKeys())
	assert.Equal(t, []int{0, 1}, resolvedCounts, "attempts are counted before re-verification; resolution only after it")
	assert.Equal(t, 3, verifier.calls)
}

func TestLoopExhaustsBudget(t *testing.T) {
	state := newMemState(t, 3)
	gen := mocks.NewMockGenerator()
	verifier := &scriptedVerifier{reports: []*Report{{Errors: []*diagnose.ErrorAnalysis{errA}}}}

	res := NewLoop(gen).Run(context.Background(), state, newTestWorkspace(t), verifier)
	require.Equal(t, OutcomeExhausted, res.Outcome)
	assert.ErrorIs(t, res.Err, project.ErrUnresolvedErrors)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, 1, res.Unresolved)

	p := state.Snapshot()
	assert.Equal(t, project.StatusFailed, p.Status)
	assert.Equal(t, 3, p.CurrentIteration)
	assert.Equal(t, 3, p.ErrorAnalysis[errA.Key()].FixAttempts)
	assert.Contains(t, p.Error, "1 unresolved error(s)")
	assert.Contains(t, p.Error, "src/a.ts:1")
	assert.Len(t, gen.PatchCalls, 3)
}

func TestLoopFixAttemptsNeverExceedBudget(t *testing.T) {
	state := newMemState(t, 2)
	verifier := &scriptedVerifier{reports: []*Report{{Errors: []*diagnose.ErrorAnalysis{errA, errB, errC}}}}

	res := NewLoop(mocks.NewMockGenerator()).Run(context.Background(), state, newTestWorkspace(t), verifier)
	require.Equal(t, OutcomeExhausted, res.Outcome)

	p := state.Snapshot()
	assert.LessOrEqual(t, p.CurrentIteration, p.MaxIterations)
	for _, ea := range p.ErrorAnalysis {
		assert.LessOrEqual(t, ea.FixAttempts, p.MaxIterations, ea.Key())
	}
}

func TestLoopAddsNewErrorsWithNoAttempts(t *testing.T) {
	state := newMemState(t, 5)
	gen := mocks.NewMockGenerator()
	var attemptsOnC []int
	verifier := &scriptedVerifier{reports: []*Report{
		{Errors: []*diagnose.ErrorAnalysis{errA}},
		{Errors: []*diagnose.ErrorAnalysis{errC}},
		{},
	}}
	verifier.onCall = func(call int) {
		if ea, ok := state.Snapshot().ErrorAnalysis[errC.Key()]; ok {
			attemptsOnC = append(attemptsOnC, ea.FixAttempts)
		}
	}

	res := NewLoop(gen).Run(context.Background(), state, newTestWorkspace(t), verifier)
	require.Equal(t, OutcomeResolved, res.Outcome)
	assert.Equal(t, []int{1}, attemptsOnC, "errC appears with zero attempts and is counted once before the last pass")

	p := state.Snapshot()
	assert.True(t, p.ErrorAnalysis[errA.Key()].Resolved)
	assert.True(t, p.ErrorAnalysis[errC.Key()].Resolved)
	assert.Equal(t, 1, p.ErrorAnalysis[errC.Key()].FixAttempts)
}

func TestLoopNothingToHeal(t *testing.T) {
	state := newMemState(t, 5)
	gen := mocks.NewMockGenerator()

	res := NewLoop(gen).Run(context.Background(), state, newTestWorkspace(t), &scriptedVerifier{reports: []*Report{{}}})
	assert.Equal(t, OutcomeResolved, res.Outcome)
	assert.Zero(t, res.Iterations)
	assert.Zero(t, state.Snapshot().CurrentIteration)
	assert.Empty(t, gen.PatchCalls)
}

func TestLoopToolFailureFailsImmediately(t *testing.T) {
	state := newMemState(t, 5)
	gen := mocks.NewMockGenerator()
	verifier := &scriptedVerifier{err: fmt.Errorf("%w: typescript is not runnable (exit 127)", project.ErrToolFailure)}

	res := NewLoop(gen).Run(context.Background(), state, newTestWorkspace(t), verifier)
	assert.Equal(t, OutcomeToolFailure, res.Outcome)
	assert.ErrorIs(t, res.Err, project.ErrToolFailure)

	p := state.Snapshot()
	assert.Equal(t, project.StatusFailed, p.Status)
	assert.Contains(t, p.Error, "exit 127")
	assert.Zero(t, p.CurrentIteration)
	assert.Empty(t, gen.PatchCalls)
	assert.Equal(t, 1, verifier.calls, "tool failures are not retried")
}

func TestLoopUnexpectedVerifierErrorIsToolFailure(t *testing.T) {
	state := newMemState(t, 5)
	res := NewLoop(mocks.NewMockGenerator()).Run(context.Background(), state, newTestWorkspace(t),
		&scriptedVerifier{err: errors.New("container vanished")})
	assert.Equal(t, OutcomeToolFailure, res.Outcome)
	assert.ErrorIs(t, res.Err, project.ErrToolFailure)
}

func TestLoopStopsWhenCancelled(t *testing.T) {
	state := newMemState(t, 5)
	gen := mocks.NewMockGenerator()
	gen.PatchFunc = func(req codegen.PatchRequest) (codegen.Patch, error) {
		state.cancel()
		return codegen.Patch{File: req.File, Content: req.Content}, nil
	}
	verifier := &scriptedVerifier{reports: []*Report{{Errors: []*diagnose.ErrorAnalysis{errA, errB}}}}

	res := NewLoop(gen).Run(context.Background(), state, newTestWorkspace(t), verifier)
	assert.Equal(t, OutcomeStopped, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrStopped)

	p := state.Snapshot()
	assert.Equal(t, project.StatusCancelled, p.Status)
	assert.Equal(t, 1, p.CurrentIteration)
	assert.Zero(t, p.ErrorAnalysis[errA.Key()].FixAttempts, "terminal projects are not mutated")
	assert.Len(t, gen.PatchCalls, 1)
	assert.Equal(t, 1, verifier.calls)
}

func TestLoopStopsOnContextCancel(t *testing.T) {
	state := newMemState(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	gen := mocks.NewMockGenerator()
	gen.PatchFunc = func(req codegen.PatchRequest) (codegen.Patch, error) {
		cancel()
		return codegen.Patch{}, context.Canceled
	}
	verifier := &scriptedVerifier{reports: []*Report{{Errors: []*diagnose.ErrorAnalysis{errA}}}}

	res := NewLoop(gen).Run(ctx, state, newTestWorkspace(t), verifier)
	assert.Equal(t, OutcomeStopped, res.Outcome)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, project.StatusHealing, state.Snapshot().Status)
}

func TestLoopAppliesPatchesAndFeedback(t *testing.T) {
	state := newMemState(t, 5)
	require.NoError(t, state.Update(context.Background(), func(p *project.PluginProject) error {
		p.AddFeedback("prefer explicit interfaces")
		return nil
	}))
	gen := mocks.NewMockGenerator()
	gen.PatchFunc = func(req codegen.PatchRequest) (codegen.Patch, error) {
		return codegen.Patch{File: req.File, Content: "export function f(runtime: unknown) {}\n"}, nil
	}
	ws := newTestWorkspace(t)
	verifier := &scriptedVerifier{reports: []*Report{{Errors: []*diagnose.ErrorAnalysis{errA}}, {}}}

	res := NewLoop(gen, WithContextRadius(2)).Run(context.Background(), state, ws, verifier)
	require.Equal(t, OutcomeResolved, res.Outcome)

	content, err := ws.ReadFile("src/a.ts")
	require.NoError(t, err)
	assert.Equal(t, "export function f(runtime: unknown) {}\n", content)

	require.Len(t, gen.PatchCalls, 1)
	req := gen.PatchCalls[0]
	assert.Equal(t, []string{"prefer explicit interfaces"}, req.Feedback)
	assert.Equal(t, ">1 | export function f(runtime) {}\n", req.Context)
	assert.Equal(t, "export function f(runtime) {}\n", req.Content)
	assert.True(t, state.Snapshot().Feedback[0].Consumed)
}

func TestLoopCountsUntargetableErrors(t *testing.T) {
	state := newMemState(t, 2)
	gen := mocks.NewMockGenerator()
	noFile := &diagnose.ErrorAnalysis{Type: diagnose.TypeTest, Code: "test-exit-1", Message: "exited"}
	verifier := &scriptedVerifier{reports: []*Report{{Errors: []*diagnose.ErrorAnalysis{noFile}}}}

	res := NewLoop(gen).Run(context.Background(), state, newTestWorkspace(t), verifier)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Empty(t, gen.PatchCalls)
	assert.Equal(t, 2, state.Snapshot().ErrorAnalysis[noFile.Key()].FixAttempts)
}
