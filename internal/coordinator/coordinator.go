// Package coordinator drives upload tasks through their lifecycle: session
// negotiation, reconciliation against the server's ledger, chunk transfer,
// and finalize. It deduplicates concurrent triggers so that a task never
// has two runs in flight, retries resumable failures with backoff and
// publishes a status stream per task.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/bamsammich/stratus/internal/event"
	"github.com/bamsammich/stratus/internal/metacache"
	"github.com/bamsammich/stratus/internal/remote"
	"github.com/bamsammich/stratus/internal/session"
	"github.com/bamsammich/stratus/internal/source"
	"github.com/bamsammich/stratus/internal/stats"
	"github.com/bamsammich/stratus/internal/task"
	"github.com/bamsammich/stratus/internal/transfer"
	"github.com/bamsammich/stratus/internal/uperr"
)

const (
	defaultWorkers         = 2
	defaultMaxTaskAttempts = 3
	defaultTaskRetryBase   = 2 * time.Second
	defaultTaskRetryCap    = 2 * time.Minute
	defaultRequestTimeout  = 30 * time.Second
	outcomeCacheSize       = 4096
	subscriberBuffer       = 64
)

// ErrClosed is returned by operations on a closed coordinator.
var ErrClosed = errors.New("coordinator closed")

// Store is the durable task record the coordinator drives.
type Store interface {
	transfer.ChunkStore
	Create(ctx context.Context, t task.Task) (task.ID, error)
	Get(ctx context.Context, id task.ID) (task.Task, error)
	Chunks(ctx context.Context, id task.ID) (map[int]task.ChunkState, error)
	SetState(ctx context.Context, id task.ID, state task.State, reason string) error
	SetSession(ctx context.Context, id task.ID, token string) error
	Delete(ctx context.Context, id task.ID) error
	ListPending(ctx context.Context) ([]task.ID, error)
}

// Opener opens task sources by reference.
type Opener interface {
	Open(ctx context.Context, ref string) (source.Source, error)
}

// Config configures a Coordinator.
type Config struct {
	Store     Store
	Transport remote.Transport
	Opener    Opener
	Cache     metacache.Cache
	Stats     *stats.Collector
	Logger    *slog.Logger
	Limiter   *rate.Limiter
	// Events receives a copy of every status event. Sends never block.
	Events chan<- event.Event

	// Workers bounds the number of tasks transferring at once.
	Workers          int
	ChunkConcurrency int
	MaxChunkAttempts int
	// MaxTaskAttempts bounds automatic re-runs of a task that failed with a
	// resumable error. Afterwards it waits for the next ResumeAll.
	MaxTaskAttempts  int
	SessionCacheSize int
	RequestTimeout   time.Duration
	ChunkRetryBase   time.Duration
	TaskRetryBase    time.Duration
	TaskRetryCap     time.Duration
}

// Outcome is how a task's run ended.
type Outcome struct {
	Err      error
	File     remote.File
	Reason   string
	State    task.State
	Attempts int
	Terminal bool
}

type run struct {
	cancel  context.CancelCauseFunc
	done    chan struct{}
	outcome Outcome
	bytes   int64 // guarded by Coordinator.mu
	total   int64
}

// Coordinator owns every in-flight upload of the process.
type Coordinator struct {
	cfg        Config
	store      Store
	negotiator *session.Negotiator
	engine     *transfer.Engine
	cache      metacache.Cache
	logger     *slog.Logger
	pool       *semaphore.Weighted
	outcomes   *lru.Cache[task.ID, Outcome]

	base       context.Context
	cancelBase context.CancelCauseFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	runs   map[task.ID]*run
	subs   map[task.ID]map[*subscriber]struct{}
	closed bool
}

// New creates a Coordinator. It does not resume stored tasks; call
// ResumeAll for that.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil || cfg.Transport == nil || cfg.Opener == nil {
		return nil, fmt.Errorf("coordinator needs a store, transport and opener: %w", uperr.ErrInvalidConfiguration)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxTaskAttempts <= 0 {
		cfg.MaxTaskAttempts = defaultMaxTaskAttempts
	}
	if cfg.TaskRetryBase <= 0 {
		cfg.TaskRetryBase = defaultTaskRetryBase
	}
	if cfg.TaskRetryCap <= 0 {
		cfg.TaskRetryCap = defaultTaskRetryCap
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Cache == nil {
		cfg.Cache = metacache.Nop{}
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	neg, err := session.New(session.Config{
		Transport:      cfg.Transport,
		Stats:          cfg.Stats,
		Logger:         logger,
		CacheSize:      cfg.SessionCacheSize,
		RequestTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}
	outcomes, err := lru.New[task.ID, Outcome](outcomeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("outcome cache: %w", err)
	}

	base, cancel := context.WithCancelCause(context.Background())
	c := &Coordinator{
		cfg:        cfg,
		store:      cfg.Store,
		negotiator: neg,
		cache:      cfg.Cache,
		logger:     logger,
		pool:       semaphore.NewWeighted(int64(cfg.Workers)),
		outcomes:   outcomes,
		base:       base,
		cancelBase: cancel,
		runs:       make(map[task.ID]*run),
		subs:       make(map[task.ID]map[*subscriber]struct{}),
	}

	c.engine, err = transfer.New(transfer.Config{
		Store:            cfg.Store,
		Transport:        cfg.Transport,
		Stats:            cfg.Stats,
		Logger:           logger,
		Limiter:          cfg.Limiter,
		OnChunk:          c.chunkCommitted,
		Concurrency:      cfg.ChunkConcurrency,
		MaxChunkAttempts: cfg.MaxChunkAttempts,
		RetryBase:        cfg.ChunkRetryBase,
		RequestTimeout:   cfg.RequestTimeout,
	})
	if err != nil {
		cancel(nil)
		return nil, err
	}
	return c, nil
}

// Stats returns the collector the coordinator reports to.
func (c *Coordinator) Stats() *stats.Collector { return c.cfg.Stats }

// Enqueue records t and starts uploading it. When a task with the same id
// is already stored, the stored task is resumed with its stored settings
// and the id is returned together with an error wrapping
// uperr.ErrDuplicateTask. A task that is already running is left alone.
func (c *Coordinator) Enqueue(ctx context.Context, t task.Task) (task.ID, error) {
	if c.isClosed() {
		return "", ErrClosed
	}

	_, err := c.store.Create(ctx, t)
	switch {
	case errors.Is(err, uperr.ErrDuplicateTask):
		c.duplicate(ctx, t)
		c.dispatch(t.ID)
		return t.ID, fmt.Errorf("enqueue %s: %w", t.ID, err)
	case err != nil:
		return "", fmt.Errorf("enqueue %s: %w", t.ID, err)
	default:
		c.cfg.Stats.AddTasksEnqueued(1)
		if err := c.cache.Uploading(ctx, t); err != nil {
			c.logger.Warn("metadata cache update failed", "task", t.ID, "error", err)
		}
		c.publish(event.Event{Type: event.StateChanged, TaskID: t.ID, State: task.Queued, Total: t.TotalSize})
	}

	c.dispatch(t.ID)
	return t.ID, nil
}

// duplicate logs a re-enqueue, noting settings that differ from the stored
// task and are therefore ignored.
func (c *Coordinator) duplicate(ctx context.Context, t task.Task) {
	stored, err := c.store.Get(ctx, t.ID)
	if err != nil {
		c.logger.Info("task already recorded, resuming", "task", t.ID)
		return
	}
	attrs := []any{"task", t.ID}
	if stored.Policy != t.Policy {
		attrs = append(attrs, "policy", stored.Policy, "ignored_policy", t.Policy)
	}
	if stored.ChunkSize != t.ChunkSize {
		attrs = append(attrs, "chunk_size", stored.ChunkSize, "ignored_chunk_size", t.ChunkSize)
	}
	c.logger.Info("task already recorded, resuming with stored settings", attrs...)
}

// ResumeAll dispatches every stored task that has not committed. Tasks
// already running are left alone.
func (c *Coordinator) ResumeAll(ctx context.Context) ([]task.ID, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	ids, err := c.store.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	for _, id := range ids {
		c.dispatch(id)
	}
	return ids, nil
}

// Cancel stops a task and discards its record. A running task is aborted
// and Cancel waits for it to wind down.
func (c *Coordinator) Cancel(ctx context.Context, id task.ID) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if r, ok := c.runs[id]; ok {
		c.mu.Unlock()
		r.cancel(uperr.ErrCancelled)
		select {
		case <-r.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Not running: hold the run slot while the record is removed so that a
	// concurrent Enqueue or ResumeAll cannot start it underneath us.
	_, r := c.newRun(id)
	c.mu.Unlock()

	out := Outcome{State: task.Failed, Terminal: true, Reason: uperr.Reason(uperr.ErrCancelled), Err: uperr.ErrCancelled}
	if _, err := c.store.Get(ctx, id); err != nil {
		c.finish(id, r, Outcome{State: task.Failed, Err: err, Reason: uperr.Reason(err)}, false)
		return err
	}
	c.discard(ctx, id)
	c.cfg.Stats.AddTasksFailed(1)
	c.finish(id, r, out, true)
	return nil
}

// Wait blocks until the task's current run ends and returns its outcome.
// For a task that is not running, the last outcome seen by this process is
// returned; uperr.ErrTaskNotFound means there is none.
func (c *Coordinator) Wait(ctx context.Context, id task.ID) (Outcome, error) {
	c.mu.Lock()
	r, ok := c.runs[id]
	c.mu.Unlock()
	if !ok {
		if out, ok := c.outcomes.Get(id); ok {
			return out, nil
		}
		return Outcome{}, fmt.Errorf("task %s: %w", id, uperr.ErrTaskNotFound)
	}
	select {
	case <-r.done:
		return r.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Active reports whether the task has a run in flight.
func (c *Coordinator) Active(id task.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runs[id]
	return ok
}

// Close stops every run and waits for them to wind down. Interrupted tasks
// stay in the store for the next ResumeAll.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancelBase(ErrClosed)
	c.wg.Wait()
	return nil
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// newRun registers a run for id. Callers hold c.mu and have checked that
// id has no run.
func (c *Coordinator) newRun(id task.ID) (context.Context, *run) {
	ctx, cancel := context.WithCancelCause(c.base)
	r := &run{cancel: cancel, done: make(chan struct{})}
	c.runs[id] = r
	c.wg.Add(1)
	return ctx, r
}

func (c *Coordinator) dispatch(id task.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.runs[id]; ok {
		c.logger.Debug("task already running", "task", id)
		return
	}
	ctx, r := c.newRun(id)
	go c.loop(ctx, id, r)
}

// finish records the outcome, releases the run slot and ends the status
// stream if no automatic retry follows.
func (c *Coordinator) finish(id task.ID, r *run, out Outcome, publish bool) {
	r.outcome = out
	if publish || !c.outcomes.Contains(id) {
		c.outcomes.Add(id, out)
	}

	if publish {
		c.publishOutcome(id, out)
	}

	c.mu.Lock()
	delete(c.runs, id)
	c.mu.Unlock()
	c.closeSubscribers(id)

	r.cancel(nil)
	close(r.done)
	c.wg.Done()
}

func (c *Coordinator) publishOutcome(id task.ID, out Outcome) {
	switch out.State {
	case task.Committed:
		c.publish(event.Event{
			Type: event.TaskCommitted, TaskID: id, State: task.Committed,
			FileID: out.File.ID, FileName: out.File.Name, Done: out.File.Size, Total: out.File.Size,
		})
	case task.Failed:
		c.publish(event.Event{
			Type: event.TaskFailed, TaskID: id, State: task.Failed,
			Reason: out.Reason, Terminal: out.Terminal, Err: out.Err,
		})
	}
}

// discard removes every trace of a task that will not be resumed.
func (c *Coordinator) discard(ctx context.Context, id task.ID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RequestTimeout)
	defer cancel()

	c.negotiator.Discard(id)
	if err := c.store.Delete(ctx, id); err != nil {
		c.logger.Error("failed to delete task record", "task", id, "error", err)
	}
	if err := c.cache.Deleted(ctx, id); err != nil {
		c.logger.Warn("metadata cache update failed", "task", id, "error", err)
	}
}

func (c *Coordinator) chunkCommitted(id task.ID, number int, size int64) {
	c.mu.Lock()
	r, ok := c.runs[id]
	var done, total int64
	if ok {
		r.bytes += size
		done, total = r.bytes, r.total
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.publish(event.Event{
		Type: event.ChunkUploaded, TaskID: id, State: task.Transferring,
		Chunk: number, Done: done, Total: total,
	})
}

func (c *Coordinator) setProgress(id task.ID, done, total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.runs[id]; ok {
		r.bytes, r.total = done, total
	}
}
