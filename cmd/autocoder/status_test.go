package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autocoder/pkg/billing"
	"autocoder/pkg/config"
	"autocoder/pkg/persistence"
	"autocoder/pkg/project"
)

func TestPrintProjectsAndDetails(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "autocoder.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	p := project.New("weather", "forecasts", "alice", 5)
	require.NoError(t, p.TransitionTo(project.StatusDiscovery, "discovery started"))
	require.NoError(t, store.SaveProject(ctx, p))
	require.NoError(t, store.ReportUsage(ctx, billing.UsageRecord{
		ID: "u1", ProjectID: p.ID, PromptTokens: 1200, CompletionTokens: 300, CostUSD: 0.25,
	}))

	var buf bytes.Buffer
	require.NoError(t, printProjects(ctx, &buf, store, []*project.PluginProject{p}))
	out := buf.String()
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, p.ID)
	assert.Contains(t, out, "discovery")
	assert.Contains(t, out, "$0.2500")

	cfg := config.Default()
	cfg.Persistence.EventLogDir = filepath.Join(dir, "logs")
	buf.Reset()
	require.NoError(t, showProject(ctx, &buf, &cfg, store, p.ID))
	out = buf.String()
	assert.Contains(t, out, "weather ("+p.ID+")")
	assert.Contains(t, out, "pending → discovery")
	assert.Contains(t, out, "1,200 prompt")

	assert.ErrorIs(t, showProject(ctx, &buf, &cfg, store, "missing"), project.ErrNotFound)
}
