package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckSizes(t *testing.T) {
	ws := newTestWorkspace(t)

	// Sparse files keep the test fast.
	for name, size := range map[string]int64{
		"assets/big.bin":    MaxFileSize + 1,
		"assets/large.bin":  WarnFileSize + 1,
		"node_modules/huge": MaxFileSize * 2,
	} {
		full := filepath.Join(ws.Root(), filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		f, err := os.Create(full)
		require.NoError(t, err)
		require.NoError(t, f.Truncate(size))
		require.NoError(t, f.Close())
	}

	report, err := ws.CheckSizes()
	require.NoError(t, err)
	assert.True(t, report.HasViolations())
	require.Len(t, report.OversizeFiles, 1)
	assert.Equal(t, "assets/big.bin", report.OversizeFiles[0].Path)
	require.Len(t, report.LargeFiles, 1)
	assert.Equal(t, "assets/large.bin", report.LargeFiles[0].Path)
	assert.Contains(t, report.String(), "assets/big.bin is 100 MiB (limit 100 MiB)")
}

func TestCheckSizesCleanWorkspace(t *testing.T) {
	ws := newTestWorkspace(t)
	report, err := ws.CheckSizes()
	require.NoError(t, err)
	assert.False(t, report.HasViolations())
	assert.Positive(t, report.CheckedCount)
}
