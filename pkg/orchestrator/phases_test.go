package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autocoder/pkg/codegen"
	"autocoder/pkg/config"
	"autocoder/pkg/diagnose"
	"autocoder/pkg/events"
	"autocoder/pkg/heal"
	"autocoder/pkg/project"
	"autocoder/pkg/publish"
	"autocoder/pkg/research"
	"autocoder/pkg/subagent"
)

// recordingPublisher captures hand-offs.
type recordingPublisher struct {
	handoffs []publish.Handoff
	err      error
	mu       sync.Mutex
}

func (p *recordingPublisher) Publish(_ context.Context, h publish.Handoff) (publish.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handoffs = append(p.handoffs, h)
	if p.err != nil {
		return publish.Result{}, p.err
	}
	return publish.Result{Target: "git", Reference: "abc123"}, nil
}

func TestDiscoveryFallsBackWhenResearchFails(t *testing.T) {
	h := newHarness(t)
	p := h.create(t, "weather")

	require.NoError(t, h.m.RunDiscoveryPhase(context.Background(), p.ID, []string{"forecast", "api"}))

	got, err := h.m.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusMVPDevelopment, got.Status)
	assert.Equal(t, 1, got.Phase)
	assert.Equal(t, []string{"forecast", "api"}, got.Keywords)
	assert.NotEmpty(t, got.MVPPlan)
	assert.Contains(t, got.MVPPlan, research.StaticAnalysisSource)
	assert.Empty(t, got.Error)

	require.Len(t, got.History, 2)
	assert.Equal(t, project.StatusDiscovery, got.History[0].To)
	assert.Equal(t, project.StatusMVPDevelopment, got.History[1].To)
	assert.Contains(t, h.sink.Types(p.ID), events.TypeResearch)
}

func TestDiscoveryWithoutResearcherUsesStaticAnalysis(t *testing.T) {
	h := newHarness(t, func(_ *config.Config, deps *Deps) { deps.Research = nil })
	p := h.create(t, "SQL injection scanner")

	require.NoError(t, h.m.RunDiscoveryPhase(context.Background(), p.ID, nil))

	got, err := h.m.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusMVPDevelopment, got.Status)
	assert.Contains(t, got.MVPPlan, "Security: high")
}

func TestDiscoveryTwiceIsInvalidTransition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.create(t, "weather")
	require.NoError(t, h.m.RunDiscoveryPhase(ctx, p.ID, nil))
	before, err := h.m.GetProject(p.ID)
	require.NoError(t, err)

	err = h.m.RunDiscoveryPhase(ctx, p.ID, []string{"again"})
	assert.ErrorIs(t, err, project.ErrInvalidTransition)

	after, err := h.m.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after, "a rejected phase leaves the project unchanged")
}

func TestDevelopmentRequiresDiscovery(t *testing.T) {
	h := newHarness(t)
	p := h.create(t, "weather")

	err := h.m.RunDevelopmentPhase(context.Background(), p.ID, project.ModeMVP)
	assert.ErrorIs(t, err, project.ErrInvalidTransition)
	assert.Empty(t, h.gen.ScaffoldCalls)
}

func TestDevelopmentRejectsUnknownMode(t *testing.T) {
	h := newHarness(t)
	p := h.create(t, "weather")
	assert.Error(t, h.m.RunDevelopmentPhase(context.Background(), p.ID, "turbo"))
}

func TestDevelopmentHealsToCompletion(t *testing.T) {
	h := newHarness(t)
	errA, errB := tsError(1, "TS7006"), tsError(2, "TS2322")
	h.verifier = newScriptedVerifier(
		&heal.Report{Errors: []*diagnose.ErrorAnalysis{errA, errB}},
		&heal.Report{Errors: []*diagnose.ErrorAnalysis{errB}},
		&heal.Report{},
	)
	h.gen.usage = codegen.TokenUsage{PromptTokens: 1200, CompletionTokens: 300, CostUSD: 0.01}
	p := h.create(t, "weather")

	got := h.develop(t, p.ID, project.ModeMVP)

	assert.Equal(t, project.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.Phase)
	assert.Equal(t, 3, got.TotalPhases)
	assert.Equal(t, 2, got.CurrentIteration, "healing stops as soon as nothing is unresolved")
	require.Len(t, got.ErrorAnalysis, 2)
	assert.True(t, got.ErrorAnalysis[errA.Key()].Resolved)
	assert.True(t, got.ErrorAnalysis[errB.Key()].Resolved)
	assert.Equal(t, 1, got.ErrorAnalysis[errA.Key()].FixAttempts)
	assert.Equal(t, 2, got.ErrorAnalysis[errB.Key()].FixAttempts)
	assert.Equal(t, []string{errA.Key(), errB.Key(), errB.Key()}, h.gen.PatchedKeys())
	assert.NotEmpty(t, got.LocalPath)
	assert.NotNil(t, got.CompletedAt)

	var statuses []project.Status
	for _, tr := range got.History {
		statuses = append(statuses, tr.To)
	}
	assert.Equal(t, []project.Status{
		project.StatusDiscovery, project.StatusMVPDevelopment, project.StatusHealing, project.StatusCompleted,
	}, statuses)

	assert.Zero(t, h.runtime.LiveCount(), "the tester container is released")
	assert.Equal(t, 3, h.verifier.Calls())

	records := h.ledger.Records(p.ID)
	require.Len(t, records, 2)
	roles := []string{records[0].Role, records[1].Role}
	assert.ElementsMatch(t, []string{string(subagent.RoleTester), string(subagent.RoleCoder)}, roles)
	totals := h.ledger.Totals(p.ID)
	assert.Equal(t, 1200, totals.PromptTokens)
	assert.Equal(t, 300, totals.CompletionTokens)

	stored, err := h.store.LoadProject(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusCompleted, stored.Status)
	assert.Len(t, stored.History, 4)
	assert.Len(t, stored.ErrorAnalysis, 2)

	types := h.sink.Types(p.ID)
	assert.Contains(t, types, events.TypeHealIteration)
	assert.Contains(t, types, events.TypeUsage)
	assert.Contains(t, types, events.TypeContainerStarted)
	assert.Contains(t, types, events.TypeContainerStopped)
}

func TestDevelopmentIterationsNeverDecrease(t *testing.T) {
	h := newHarness(t)
	h.verifier = newScriptedVerifier(
		&heal.Report{Errors: []*diagnose.ErrorAnalysis{tsError(1, "TS1"), tsError(2, "TS2")}},
		&heal.Report{Errors: []*diagnose.ErrorAnalysis{tsError(2, "TS2")}},
		&heal.Report{Errors: []*diagnose.ErrorAnalysis{tsError(2, "TS2")}},
		&heal.Report{},
	)
	p := h.create(t, "weather")
	require.NoError(t, h.m.RunDiscoveryPhase(context.Background(), p.ID, nil))

	var observed []int
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if snap, err := h.m.GetProject(p.ID); err == nil {
				observed = append(observed, snap.CurrentIteration)
				for _, ea := range snap.ErrorAnalysis {
					assert.LessOrEqual(t, ea.FixAttempts, snap.MaxIterations)
				}
			}
		}
	}()

	require.NoError(t, h.m.RunDevelopmentPhase(context.Background(), p.ID, project.ModeMVP))
	close(stop)
	wg.Wait()

	for i := 1; i < len(observed); i++ {
		assert.GreaterOrEqual(t, observed[i], observed[i-1])
		assert.LessOrEqual(t, observed[i], 5)
	}
}

func TestDevelopmentExhaustsBudget(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, _ *Deps) { cfg.Orchestrator.MaxIterations = 2 })
	h.verifier = newScriptedVerifier(&heal.Report{Errors: []*diagnose.ErrorAnalysis{tsError(1, "TS7006")}})
	p := h.create(t, "weather")

	got := h.develop(t, p.ID, project.ModeMVP)

	assert.Equal(t, project.StatusFailed, got.Status)
	assert.Equal(t, 2, got.CurrentIteration)
	assert.Contains(t, got.Error, "1 unresolved error(s)")
	for _, ea := range got.ErrorAnalysis {
		assert.LessOrEqual(t, ea.FixAttempts, got.MaxIterations)
	}
	assert.Zero(t, h.runtime.LiveCount())

	// Terminal projects accept no further phases.
	err := h.m.RunDevelopmentPhase(context.Background(), p.ID, project.ModeMVP)
	assert.ErrorIs(t, err, project.ErrInvalidTransition)
	after, err := h.m.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, got.CurrentIteration, after.CurrentIteration)
	assert.Equal(t, got.Phase, after.Phase)
	assert.Equal(t, got.ErrorAnalysis, after.ErrorAnalysis)
}

func TestDevelopmentToolFailureFailsImmediately(t *testing.T) {
	h := newHarness(t)
	h.verifier = newScriptedVerifier()
	h.verifier.err = fmt.Errorf("%w: tsc is not runnable (exit 127)", project.ErrToolFailure)
	p := h.create(t, "weather")

	got := h.develop(t, p.ID, project.ModeMVP)

	assert.Equal(t, project.StatusFailed, got.Status)
	assert.Zero(t, got.CurrentIteration)
	assert.Contains(t, got.Error, "exit 127")
	assert.Empty(t, h.gen.PatchCalls)
}

func TestDevelopmentContainerCreationFailure(t *testing.T) {
	h := newHarness(t)
	h.runtime.CreateErr = errors.New("no such image")
	p := h.create(t, "weather")

	got := h.develop(t, p.ID, project.ModeMVP)

	assert.Equal(t, project.StatusFailed, got.Status)
	assert.Contains(t, got.Error, project.ErrToolFailure.Error())
	assert.Contains(t, got.Error, "no such image")
	assert.Zero(t, h.verifier.Calls())
}

func TestScaffoldFailureFailsProject(t *testing.T) {
	h := newHarness(t)
	h.gen.ScaffoldErr = errors.New("model refused")
	p := h.create(t, "weather")

	got := h.develop(t, p.ID, project.ModeMVP)

	assert.Equal(t, project.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "code generation failed")
	assert.Zero(t, h.runtime.LiveCount())
}

func TestFullModePublishes(t *testing.T) {
	publisher := &recordingPublisher{}
	h := newHarness(t, func(_ *config.Config, deps *Deps) { deps.Publisher = publisher })
	p := h.create(t, "weather")

	got := h.develop(t, p.ID, project.ModeFull)

	assert.Equal(t, project.StatusCompleted, got.Status)
	assert.Equal(t, 4, got.Phase)
	assert.Equal(t, 4, got.TotalPhases)
	require.Len(t, publisher.handoffs, 1)
	assert.Equal(t, got.LocalPath, publisher.handoffs[0].WorkspacePath)
	assert.Contains(t, publisher.handoffs[0].CommitMessage, "weather")

	last := got.History[len(got.History)-1]
	assert.Equal(t, project.StatusPublishing, last.From)
	assert.Contains(t, last.Reason, "abc123")
}

func TestFullModePublishFailure(t *testing.T) {
	publisher := &recordingPublisher{err: publish.ErrOversizedFiles}
	h := newHarness(t, func(_ *config.Config, deps *Deps) { deps.Publisher = publisher })
	p := h.create(t, "weather")

	got := h.develop(t, p.ID, project.ModeFull)

	assert.Equal(t, project.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "publishing failed")
}

func TestFullModeWithoutPublisherCompletesAfterHealing(t *testing.T) {
	h := newHarness(t)
	p := h.create(t, "weather")

	got := h.develop(t, p.ID, project.ModeFull)

	assert.Equal(t, project.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.TotalPhases)
	assert.Equal(t, 3, got.Phase)
}
