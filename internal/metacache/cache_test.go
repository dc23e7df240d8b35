package metacache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/stratus/internal/record"
	"github.com/bamsammich/stratus/internal/remote"
	"github.com/bamsammich/stratus/internal/task"
)

func newCache(t *testing.T) *SQLite {
	t.Helper()
	store, err := record.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c, err := NewSQLite(store.DB())
	require.NoError(t, err)
	return c
}

func TestSQLite_Lifecycle(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	tk := task.Task{ID: "t1", DestDir: "docs", DestName: "report.pdf", TotalSize: 10}

	require.NoError(t, c.Uploading(ctx, tk))
	require.NoError(t, c.Uploading(ctx, tk))

	entries, err := c.List(ctx, "docs")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].FileID)
	assert.Equal(t, "report.pdf", entries[0].Name)

	f := remote.File{ID: "f-1", Name: "report (1).pdf", DirID: "docs", Size: 10}
	require.NoError(t, c.Committed(ctx, tk.ID, f))
	require.NoError(t, c.Committed(ctx, tk.ID, f))

	entries, err = c.List(ctx, "docs")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "f-1", entries[0].FileID)
	assert.Equal(t, "report (1).pdf", entries[0].Name)
	assert.Equal(t, task.ID("t1"), entries[0].TaskID)
	assert.WithinDuration(t, time.Now(), entries[0].CommittedAt, time.Minute)

	// Deleting the task afterwards keeps the committed file.
	require.NoError(t, c.Deleted(ctx, tk.ID))
	entries, err = c.List(ctx, "docs")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSQLite_DeletedDropsPlaceholder(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	tk := task.Task{ID: "t2", DestDir: "docs", DestName: "draft.txt"}

	require.NoError(t, c.Uploading(ctx, tk))
	require.NoError(t, c.Deleted(ctx, tk.ID))
	require.NoError(t, c.Deleted(ctx, tk.ID))

	entries, err := c.List(ctx, "docs")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNop(t *testing.T) {
	var c Cache = Nop{}
	ctx := context.Background()
	assert.NoError(t, c.Uploading(ctx, task.Task{}))
	assert.NoError(t, c.Committed(ctx, "x", remote.File{}))
	assert.NoError(t, c.Deleted(ctx, "x"))
}
