package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autocoder/pkg/project"
	"autocoder/pkg/secrets"
)

func TestMissingSecretsParkAndResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.creds.Set(
		secrets.MissingVar{Plugin: "weather", VarName: "WEATHER_API_KEY"},
		secrets.MissingVar{Plugin: "other", VarName: "OTHER_TOKEN"},
	)
	p := h.create(t, "Weather")

	require.NoError(t, h.m.RunDiscoveryPhase(ctx, p.ID, nil), "missing credentials are not a call failure")

	got, err := h.m.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusAwaitingSecrets, got.Status)
	assert.Equal(t, []string{"WEATHER_API_KEY"}, got.RequiredSecrets)
	assert.Equal(t, project.StatusPending, got.ResumeStatus)
	assert.Contains(t, got.History[len(got.History)-1].Reason, "WEATHER_API_KEY")
	assert.Len(t, h.m.GetActiveProjects(), 1, "parked projects are still active")

	assert.ErrorIs(t, h.m.RunDiscoveryPhase(ctx, p.ID, nil), project.ErrInvalidTransition,
		"a parked project runs nothing until it resumes")

	resumed, err := h.m.CheckSecrets(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, resumed)

	h.creds.Set(secrets.MissingVar{Plugin: "other", VarName: "OTHER_TOKEN"})
	resumed, err = h.m.CheckSecrets(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, resumed)

	got, err = h.m.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusPending, got.Status)
	assert.Empty(t, got.RequiredSecrets)

	require.NoError(t, h.m.RunDiscoveryPhase(ctx, p.ID, nil))
	got, err = h.m.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusMVPDevelopment, got.Status)
}

func TestMissingSecretsParkDevelopment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.create(t, "weather")
	require.NoError(t, h.m.RunDiscoveryPhase(ctx, p.ID, nil))

	h.creds.Set(secrets.MissingVar{Plugin: secrets.AllPlugins, VarName: "NPM_TOKEN"})
	require.NoError(t, h.m.RunDevelopmentPhase(ctx, p.ID, project.ModeMVP))

	got, err := h.m.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusAwaitingSecrets, got.Status)
	assert.Equal(t, project.StatusMVPDevelopment, got.ResumeStatus)
	assert.Empty(t, h.gen.ScaffoldCalls)

	h.creds.Set()
	resumed, err := h.m.CheckSecrets(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, resumed)
	require.NoError(t, h.m.RunDevelopmentPhase(ctx, p.ID, project.ModeMVP))

	got, err = h.m.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusCompleted, got.Status)
}

func TestCheckSecretsTracksChangingRequirements(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.creds.Set(
		secrets.MissingVar{Plugin: "weather", VarName: "A_KEY"},
		secrets.MissingVar{Plugin: "weather", VarName: "B_KEY"},
	)
	p := h.create(t, "weather")
	require.NoError(t, h.m.RunDiscoveryPhase(ctx, p.ID, nil))

	h.creds.Set(secrets.MissingVar{Plugin: "weather", VarName: "B_KEY"})
	resumed, err := h.m.CheckSecrets(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, resumed)

	got, err := h.m.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"B_KEY"}, got.RequiredSecrets)
}

func TestCheckSecretsIgnoresProjectsNotParked(t *testing.T) {
	h := newHarness(t)
	p := h.create(t, "weather")

	resumed, err := h.m.CheckSecrets(context.Background(), p.ID)
	require.NoError(t, err)
	assert.False(t, resumed)
}
