package poller

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/tsdb"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	return l.Sugar()
}

func TestDiscoverNUDBPathFollowsPrecedence(t *testing.T) {
	dataPath := t.TempDir()
	nudbDir := filepath.Join(dataPath, "db", "nudb")
	require.NoError(t, os.MkdirAll(filepath.Join(nudbDir, "rippledb.0"), 0o755))
	// The second candidate qualifies too; the first one must still win.
	require.NoError(t, os.MkdirAll(filepath.Join(dataPath, "nudb", "rippledb.1"), 0o755))

	w := tsdb.New(tsdb.Options{BaseURL: "http://unused.invalid"}, testLogger(t))
	p := NewServerStatePoller(nil, w, "validator", dataPath, "", 0, testLogger(t))

	assert.Equal(t, nudbDir, p.discoverNUDBPath())
}

func TestDiscoverNUDBPathFallsBackToSecondCandidate(t *testing.T) {
	dataPath := t.TempDir()
	nudbDir := filepath.Join(dataPath, "nudb")
	require.NoError(t, os.MkdirAll(filepath.Join(nudbDir, "rippledb.1"), 0o755))

	w := tsdb.New(tsdb.Options{BaseURL: "http://unused.invalid"}, testLogger(t))
	p := NewServerStatePoller(nil, w, "validator", dataPath, "", 0, testLogger(t))

	assert.Equal(t, nudbDir, p.discoverNUDBPath())
}

func TestDiscoverNUDBPathReturnsEmptyWhenNothingQualifies(t *testing.T) {
	dataPath := t.TempDir()

	w := tsdb.New(tsdb.Options{BaseURL: "http://unused.invalid"}, testLogger(t))
	p := NewServerStatePoller(nil, w, "validator", dataPath, "", 0, testLogger(t))

	assert.Equal(t, "", p.discoverNUDBPath())
}

func TestDirectorySizeSumsFilesRecursively(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), make([]byte, 100), 0o644))
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "b"), make([]byte, 50), 0o644))

	assert.Equal(t, int64(150), directorySize(dir))
}

func TestDirectorySizeToleratesMissingDirectory(t *testing.T) {
	assert.Equal(t, int64(0), directorySize("/nonexistent/path/for/test"))
}
