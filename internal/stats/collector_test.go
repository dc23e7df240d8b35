package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()
	const goroutines = 100
	const opsPerGoroutine = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			for range opsPerGoroutine {
				c.AddTasksEnqueued(1)
				c.AddTasksCommitted(1)
				c.AddChunksUploaded(1)
				c.AddChunkRetries(1)
				c.AddBytesUploaded(256)
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	expected := int64(goroutines * opsPerGoroutine)
	assert.Equal(t, expected, s.TasksEnqueued)
	assert.Equal(t, expected, s.TasksCommitted)
	assert.Equal(t, expected, s.ChunksUploaded)
	assert.Equal(t, expected, s.ChunkRetries)
	assert.Equal(t, expected*256, s.BytesUploaded)
	assert.Zero(t, s.TasksFailed)
}

func TestSnapshotString(t *testing.T) {
	s := Snapshot{
		TasksEnqueued:  3,
		TasksCommitted: 2,
		TasksFailed:    1,
		ChunksUploaded: 10,
		ChunksSkipped:  4,
		ChunksReset:    1,
		ChunkRetries:   2,
		BytesUploaded:  4096,
		SessionsOpened: 3,
	}
	expected := "enqueued=3 committed=2 failed=1 chunks=10 skipped=4 reset=1 retries=2 bytes=4096 sessions=3"
	assert.Equal(t, expected, s.String())
}

func TestRollingSpeed(t *testing.T) {
	c := NewCollector()
	assert.Zero(t, c.RollingSpeed(5))

	c.AddBytesUploaded(100)
	c.Tick()
	c.AddBytesUploaded(300)
	c.Tick()

	assert.InDelta(t, 300, c.RollingSpeed(1), 0.001)
	assert.InDelta(t, 200, c.RollingSpeed(10), 0.001)
}

func TestFormatBytes(t *testing.T) {
	assert.Contains(t, FormatBytes(2048), "KB")
	assert.Contains(t, FormatBytes(3<<20), "MB")
}

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	time.Sleep(5 * time.Millisecond)
	assert.Greater(t, c.Elapsed(), time.Duration(0))
}
