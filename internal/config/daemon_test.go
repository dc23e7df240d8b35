package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/stratus/internal/config"
)

// setTestDaemonInfoPath overrides the daemon info path for a test and
// restores it after the test completes.
func setTestDaemonInfoPath(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "stratus", "daemon.toml")
	config.SetDaemonInfoPathOverride(path)
	t.Cleanup(func() { config.SetDaemonInfoPathOverride("") })
	return path
}

func TestWriteReadDaemonInfo(t *testing.T) {
	path := setTestDaemonInfoPath(t, t.TempDir())

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, config.WriteDaemonInfo(config.DaemonInfo{
		PID:      4242,
		StateDB:  "/tmp/state.db",
		Interval: "1m0s",
		Started:  started,
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "pid = 4242")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	d, err := config.ReadDaemonInfo()
	require.NoError(t, err)
	assert.Equal(t, 4242, d.PID)
	assert.Equal(t, "/tmp/state.db", d.StateDB)
	assert.True(t, started.Equal(d.Started))
}

func TestReadDaemonInfo_Missing(t *testing.T) {
	setTestDaemonInfoPath(t, t.TempDir())

	_, err := config.ReadDaemonInfo()
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRemoveDaemonInfo(t *testing.T) {
	path := setTestDaemonInfoPath(t, t.TempDir())

	require.NoError(t, config.WriteDaemonInfo(config.DaemonInfo{PID: 1}))
	config.RemoveDaemonInfo()

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestDaemonInfoPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	assert.Equal(t, "/run/user/1000/stratus/daemon.toml", config.DaemonInfoPath())
}
