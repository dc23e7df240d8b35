package s3remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/stratus/internal/coordinator"
	"github.com/bamsammich/stratus/internal/record"
	"github.com/bamsammich/stratus/internal/remote"
	"github.com/bamsammich/stratus/internal/source"
	"github.com/bamsammich/stratus/internal/stats"
	"github.com/bamsammich/stratus/internal/task"
	"github.com/bamsammich/stratus/internal/uperr"
)

// dropFirstFinalize commits the first finalize on S3 and then reports a
// transient failure to the caller.
type dropFirstFinalize struct {
	*Client
	dropped atomic.Bool
}

func (d *dropFirstFinalize) Finalize(ctx context.Context, s remote.Session, req remote.FinalizeRequest) (remote.File, error) {
	f, err := d.Client.Finalize(ctx, s, req)
	if err == nil && d.dropped.CompareAndSwap(false, true) {
		return remote.File{}, fmt.Errorf("connection reset after finalize: %w", uperr.ErrTransient)
	}
	return f, err
}

func TestCoordinator_FinalizeResponseLost(t *testing.T) {
	tests := []struct {
		policy   task.Policy
		existing bool
		want     string
	}{
		{task.Fail, false, "report.pdf"},
		{task.Overwrite, false, "report.pdf"},
		{task.Rename, true, "report (1).pdf"},
		{task.KeepBoth, true, "report (1).pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			api := newFakeS3()
			if tt.existing {
				api.put("home/docs/report.pdf", []byte("old"), nil)
			}
			transport := &dropFirstFinalize{Client: newClient(t, api)}

			dir := t.TempDir()
			store, err := record.Open(filepath.Join(dir, "state.db"))
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })

			data := twoParts()
			path := filepath.Join(dir, "report.pdf")
			require.NoError(t, os.WriteFile(path, data, 0o600))
			info, err := os.Stat(path)
			require.NoError(t, err)

			c, err := coordinator.New(coordinator.Config{
				Store:            store,
				Transport:        transport,
				Opener:           source.Opener{},
				Stats:            stats.NewCollector(),
				MaxTaskAttempts:  3,
				ChunkRetryBase:   time.Millisecond,
				TaskRetryBase:    time.Millisecond,
				TaskRetryCap:     10 * time.Millisecond,
				RequestTimeout:   5 * time.Second,
				MaxChunkAttempts: 2,
			})
			require.NoError(t, err)
			t.Cleanup(func() { c.Close() })

			tk, err := task.New(task.Params{
				Account:      "s3://uploads/home",
				Source:       path,
				DestDir:      "docs",
				DestName:     "report.pdf",
				Policy:       tt.policy,
				TotalSize:    info.Size(),
				ChunkSize:    partSize,
				SourceMarker: info.ModTime().UnixNano(),
			}, time.Now())
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_, err = c.Enqueue(ctx, tk)
			require.NoError(t, err)
			out, err := c.Wait(ctx, tk.ID)
			require.NoError(t, err)

			require.Equal(t, task.Committed, out.State, "outcome error: %v", out.Err)
			assert.Equal(t, 2, out.Attempts)
			assert.Equal(t, tt.want, out.File.Name)
			assert.Equal(t, 1, api.creates)
			assert.Equal(t, 1, api.copies)
			assert.Equal(t, 2, api.parts)

			obj, ok := api.get("home/docs/" + tt.want)
			require.True(t, ok)
			assert.Equal(t, data, obj.data)
			if tt.existing {
				old, _ := api.get("home/docs/report.pdf")
				assert.Equal(t, []byte("old"), old.data)
			}

			_, err = store.Get(ctx, tk.ID)
			assert.ErrorIs(t, err, uperr.ErrTaskNotFound)
		})
	}
}

func TestFetchLedger_OwnObjectIsNoCollision(t *testing.T) {
	api := newFakeS3()
	api.put("home/docs/report.pdf", []byte("new"), map[string]string{metaTask: "task-1"})
	c := newClient(t, api)

	s, err := c.OpenSession(context.Background(), request([]byte("new"), partSize))
	require.NoError(t, err)
	ledger, err := c.FetchLedger(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, ledger.NameCollision)
	assert.Empty(t, ledger.SuggestedName)
}

func TestOpenSession_FindsRenamedCommit(t *testing.T) {
	api := newFakeS3()
	api.put("home/docs/report.pdf", []byte("old"), nil)
	api.put("home/docs/report (1).pdf", []byte("new"), map[string]string{metaTask: "task-1"})
	c := newClient(t, api)

	req := request([]byte("new"), partSize)
	req.Token = "upload-gone"
	s, err := c.OpenSession(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, api.creates)

	f, err := c.Finalize(context.Background(), s, remote.FinalizeRequest{Name: "report.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "report (1).pdf", f.Name)
	assert.Zero(t, api.copies)

	// Without a prior session the same identity uploads afresh.
	fresh, err := newClient(t, api).OpenSession(context.Background(), request([]byte("new"), partSize))
	require.NoError(t, err)
	assert.NotEqual(t, s.Token, fresh.Token)
	assert.Equal(t, 1, api.creates)
}
