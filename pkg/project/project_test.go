package project

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autocoder/pkg/diagnose"
)

func TestNewProjectDefaults(t *testing.T) {
	p := New("weather", "fetch forecasts", "user-1", 0)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, 0, p.Phase)
	assert.Equal(t, DefaultMaxIterations, p.MaxIterations)
	assert.NotNil(t, p.ErrorAnalysis)
	assert.Empty(t, p.ErrorAnalysis)

	other := New("weather", "fetch forecasts", "user-1", 3)
	assert.NotEqual(t, p.ID, other.ID)
	assert.Equal(t, 3, other.MaxIterations)
}

func TestTransitionTableTerminalStatesHaveNoEdges(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.IsTerminal())
		assert.Empty(t, ValidTransitions[s], "terminal %s must have no transitions", s)
	}
	for from := range ValidTransitions {
		if from.IsTerminal() {
			continue
		}
		assert.True(t, IsValidTransition(from, StatusCancelled), "%s must be cancellable", from)
	}
}

func TestHappyPathTransitions(t *testing.T) {
	p := New("p", "d", "u", 5)
	for _, s := range []Status{StatusDiscovery, StatusMVPDevelopment, StatusHealing, StatusCompleted} {
		require.NoError(t, p.TransitionTo(s, ""))
	}
	assert.Len(t, p.History, 4)
	assert.NotNil(t, p.CompletedAt)

	err := p.TransitionTo(StatusDiscovery, "")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatusCompleted, p.Status)
}

func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	p := New("p", "d", "u", 5)
	err := p.TransitionTo(StatusHealing, "skip ahead")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusPending, p.Status)
	assert.Empty(t, p.History)
}

func TestAwaitingSecretsResumesToPriorStatus(t *testing.T) {
	p := New("p", "d", "u", 5)
	require.NoError(t, p.TransitionTo(StatusDiscovery, ""))
	require.NoError(t, p.TransitionTo(StatusMVPDevelopment, ""))
	require.NoError(t, p.TransitionTo(StatusAwaitingSecrets, "missing NPM_TOKEN"))
	assert.Equal(t, StatusMVPDevelopment, p.ResumeStatus)

	err := p.TransitionTo(StatusHealing, "")
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, p.TransitionTo(StatusMVPDevelopment, "credentials supplied"))
	assert.Empty(t, p.ResumeStatus)
}

func TestAwaitingSecretsCanBeCancelled(t *testing.T) {
	p := New("p", "d", "u", 5)
	require.NoError(t, p.TransitionTo(StatusAwaitingSecrets, ""))
	require.NoError(t, p.TransitionTo(StatusCancelled, "user cancelled"))
	assert.True(t, p.IsTerminal())
}

func TestFailSetsError(t *testing.T) {
	p := New("p", "d", "u", 5)
	require.NoError(t, p.Fail("boom"))
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "boom", p.Error)

	require.ErrorIs(t, p.Fail("again"), ErrInvalidTransition)
	assert.Equal(t, "boom", p.Error)
}

func TestAdvancePhaseCapped(t *testing.T) {
	p := New("p", "d", "u", 5)
	for i := 0; i < 10; i++ {
		p.AdvancePhase()
	}
	assert.Equal(t, p.TotalPhases, p.Phase)
}

func TestFeedbackDrain(t *testing.T) {
	p := New("p", "d", "u", 5)
	p.AddFeedback("use zod for validation")
	p.AddFeedback("rename the action")

	assert.Equal(t, []string{"use zod for validation", "rename the action"}, p.DrainFeedback())
	assert.Empty(t, p.DrainFeedback())
	assert.Len(t, p.Feedback, 2)
}

func TestUnresolvedOrderingAndSummary(t *testing.T) {
	p := New("p", "d", "u", 5)
	for _, ea := range []*diagnose.ErrorAnalysis{
		{File: "b.ts", Line: 1, Code: "TS1", Message: "b1"},
		{File: "a.ts", Line: 5, Code: "TS2", Message: "a5"},
		{File: "a.ts", Line: 2, Code: "TS3", Message: "a2", Resolved: true},
	} {
		p.ErrorAnalysis[ea.Key()] = ea
	}

	unresolved := p.Unresolved()
	require.Len(t, unresolved, 2)
	assert.Equal(t, "a.ts", unresolved[0].File)
	assert.Equal(t, "b.ts", unresolved[1].File)

	summary := p.UnresolvedSummary(1)
	assert.Contains(t, summary, "2 unresolved error(s)")
	assert.Contains(t, summary, "a.ts:5 a5")
	assert.Contains(t, summary, "and 1 more")
}

func TestCloneIsDeep(t *testing.T) {
	p := New("p", "d", "u", 5)
	ea := &diagnose.ErrorAnalysis{File: "a.ts", Line: 1, Code: "TS1"}
	p.ErrorAnalysis[ea.Key()] = ea
	p.RequiredSecrets = []string{"NPM_TOKEN"}

	c := p.Clone()
	c.ErrorAnalysis[ea.Key()].FixAttempts = 4
	c.RequiredSecrets[0] = "changed"
	c.Status = StatusFailed

	assert.Zero(t, p.ErrorAnalysis[ea.Key()].FixAttempts)
	assert.Equal(t, "NPM_TOKEN", p.RequiredSecrets[0])
	assert.Equal(t, StatusPending, p.Status)
}
