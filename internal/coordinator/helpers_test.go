package coordinator_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bamsammich/stratus/internal/coordinator"
	"github.com/bamsammich/stratus/internal/record"
	"github.com/bamsammich/stratus/internal/remote/remotetest"
	"github.com/bamsammich/stratus/internal/source"
	"github.com/bamsammich/stratus/internal/stats"
	"github.com/bamsammich/stratus/internal/task"
)

type harness struct {
	dir   string
	store *record.Store
	srv   *remotetest.Server
	stats *stats.Collector
	coord *coordinator.Coordinator
}

func newHarness(t *testing.T, mod func(*coordinator.Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := record.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{dir: dir, store: store, srv: remotetest.New(), stats: stats.NewCollector()}
	h.coord = h.newCoordinator(t, mod)
	return h
}

// newCoordinator builds a coordinator over the harness store and server,
// as a restarted process would.
func (h *harness) newCoordinator(t *testing.T, mod func(*coordinator.Config)) *coordinator.Coordinator {
	t.Helper()
	cfg := coordinator.Config{
		Store:            h.store,
		Transport:        h.srv,
		Opener:           source.Opener{},
		Stats:            h.stats,
		Workers:          2,
		ChunkConcurrency: 1,
		MaxChunkAttempts: 2,
		MaxTaskAttempts:  1,
		ChunkRetryBase:   time.Millisecond,
		TaskRetryBase:    time.Millisecond,
		TaskRetryCap:     10 * time.Millisecond,
		RequestTimeout:   5 * time.Second,
	}
	if mod != nil {
		mod(&cfg)
	}
	c, err := coordinator.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (h *harness) writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func (h *harness) newTask(t *testing.T, path, destName string, policy task.Policy, chunkSize int64) task.Task {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	tk, err := task.New(task.Params{
		Account:      "acct",
		Source:       path,
		DestDir:      "docs",
		DestName:     destName,
		Policy:       policy,
		TotalSize:    info.Size(),
		ChunkSize:    chunkSize,
		SourceMarker: info.ModTime().UnixNano(),
	}, time.Now())
	require.NoError(t, err)
	return tk
}

func (h *harness) wait(t *testing.T, c *coordinator.Coordinator, id task.ID) coordinator.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := c.Wait(ctx, id)
	require.NoError(t, err)
	return out
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}
