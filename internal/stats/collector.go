package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inhies/go-bytesize"
)

const ringSize = 60

// Collector tracks upload statistics using lock-free atomic counters.
type Collector struct {
	startTime      time.Time
	tasksEnqueued  atomic.Int64
	tasksCommitted atomic.Int64
	tasksFailed    atomic.Int64
	chunksUploaded atomic.Int64
	chunksSkipped  atomic.Int64
	chunksReset    atomic.Int64
	chunkRetries   atomic.Int64
	bytesUploaded  atomic.Int64
	sessionsOpened atomic.Int64
	renegotiations atomic.Int64

	// Throughput ring, written only by Tick.
	mu         sync.Mutex
	throughput [ringSize]int64
	ringIdx    int
	ringCount  int
	lastBytes  int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	TasksEnqueued  int64
	TasksCommitted int64
	TasksFailed    int64
	ChunksUploaded int64
	ChunksSkipped  int64
	ChunksReset    int64
	ChunkRetries   int64
	BytesUploaded  int64
	SessionsOpened int64
	Renegotiations int64
	Elapsed        time.Duration
}

func (c *Collector) AddTasksEnqueued(n int64)  { c.tasksEnqueued.Add(n) }
func (c *Collector) AddTasksCommitted(n int64) { c.tasksCommitted.Add(n) }
func (c *Collector) AddTasksFailed(n int64)    { c.tasksFailed.Add(n) }
func (c *Collector) AddChunksUploaded(n int64) { c.chunksUploaded.Add(n) }
func (c *Collector) AddChunksSkipped(n int64)  { c.chunksSkipped.Add(n) }
func (c *Collector) AddChunksReset(n int64)    { c.chunksReset.Add(n) }
func (c *Collector) AddChunkRetries(n int64)   { c.chunkRetries.Add(n) }
func (c *Collector) AddBytesUploaded(n int64)  { c.bytesUploaded.Add(n) }
func (c *Collector) AddSessionsOpened(n int64) { c.sessionsOpened.Add(n) }
func (c *Collector) AddRenegotiations(n int64) { c.renegotiations.Add(n) }

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		TasksEnqueued:  c.tasksEnqueued.Load(),
		TasksCommitted: c.tasksCommitted.Load(),
		TasksFailed:    c.tasksFailed.Load(),
		ChunksUploaded: c.chunksUploaded.Load(),
		ChunksSkipped:  c.chunksSkipped.Load(),
		ChunksReset:    c.chunksReset.Load(),
		ChunkRetries:   c.chunkRetries.Load(),
		BytesUploaded:  c.bytesUploaded.Load(),
		SessionsOpened: c.sessionsOpened.Load(),
		Renegotiations: c.renegotiations.Load(),
		Elapsed:        c.Elapsed(),
	}
}

// Tick records the bytes uploaded since the previous tick. Called 1/sec.
func (c *Collector) Tick() {
	current := c.bytesUploaded.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = current - c.lastBytes
	c.lastBytes = current
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n ticks.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(seconds, c.ringCount)
	if count <= 0 {
		return 0
	}
	var sum int64
	for i := range count {
		sum += c.throughput[(c.ringIdx-1-i+ringSize)%ringSize]
	}
	return float64(sum) / float64(count)
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"enqueued=%d committed=%d failed=%d chunks=%d skipped=%d reset=%d retries=%d bytes=%d sessions=%d",
		s.TasksEnqueued, s.TasksCommitted, s.TasksFailed, s.ChunksUploaded, s.ChunksSkipped,
		s.ChunksReset, s.ChunkRetries, s.BytesUploaded, s.SessionsOpened,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	return bytesize.New(float64(b)).String()
}
