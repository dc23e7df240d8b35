// Package session opens remote upload sessions and fetches their chunk
// ledgers, caching one live session handle per task.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bamsammich/stratus/internal/remote"
	"github.com/bamsammich/stratus/internal/stats"
	"github.com/bamsammich/stratus/internal/task"
	"github.com/bamsammich/stratus/internal/uperr"
)

const (
	defaultCacheSize      = 1024
	defaultRequestTimeout = 30 * time.Second
)

// Config configures a Negotiator.
type Config struct {
	Transport      remote.Transport
	Stats          *stats.Collector
	Logger         *slog.Logger
	CacheSize      int
	RequestTimeout time.Duration
}

// Negotiator owns the session handles of in-flight tasks. Callers must not
// negotiate the same task concurrently; the coordinator's per-task lock
// guarantees that.
type Negotiator struct {
	transport remote.Transport
	cache     *lru.Cache[task.ID, remote.Session]
	stats     *stats.Collector
	logger    *slog.Logger
	timeout   time.Duration
}

// New creates a Negotiator.
func New(cfg Config) (*Negotiator, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("session negotiator needs a transport: %w", uperr.ErrInvalidConfiguration)
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[task.ID, remote.Session](size)
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{
		transport: cfg.Transport,
		cache:     cache,
		stats:     cfg.Stats,
		logger:    logger,
		timeout:   timeout,
	}, nil
}

// OpenOrReuse returns the cached session of t or opens one. The remote open
// is idempotent per task, so a persisted token from an earlier process is
// offered to the server for reuse.
func (n *Negotiator) OpenOrReuse(ctx context.Context, t task.Task) (remote.Session, error) {
	if s, ok := n.cache.Get(t.ID); ok {
		return s, nil
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	s, err := n.transport.OpenSession(ctx, remote.OpenRequest{
		TaskID:     t.ID,
		Account:    t.Account,
		DestDir:    t.DestDir,
		DestName:   t.DestName,
		Policy:     t.Policy,
		TotalSize:  t.TotalSize,
		ChunkSize:  t.ChunkSize,
		ChunkCount: t.ChunkCount,
		Token:      t.SessionToken,
	})
	if err != nil {
		return remote.Session{}, fmt.Errorf("open session for %s: %w", t.ID, classify(err))
	}
	if s.ChunkCount != 0 && s.ChunkCount != t.ChunkCount {
		return remote.Session{}, fmt.Errorf("session for %s expects %d chunks, task has %d: %w",
			t.ID, s.ChunkCount, t.ChunkCount, uperr.ErrSessionRejected)
	}
	s.TaskID = t.ID

	n.cache.Add(t.ID, s)
	if n.stats != nil {
		n.stats.AddSessionsOpened(1)
	}
	n.logger.Debug("session opened", "task", t.ID, "endpoint", s.Endpoint)
	return s, nil
}

// FetchLedger returns the server's current chunk ledger for s. An expired
// session is evicted from the cache before the error is returned.
func (n *Negotiator) FetchLedger(ctx context.Context, s remote.Session) (remote.Ledger, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	l, err := n.transport.FetchLedger(ctx, s)
	if err != nil {
		err = classify(err)
		if errors.Is(err, uperr.ErrSessionExpired) {
			n.Discard(s.TaskID)
		}
		return remote.Ledger{}, fmt.Errorf("fetch ledger for %s: %w", s.TaskID, err)
	}
	return l, nil
}

// Discard drops the cached session of id.
func (n *Negotiator) Discard(id task.ID) {
	n.cache.Remove(id)
}

// Cached reports whether a session handle is cached for id.
func (n *Negotiator) Cached(id task.ID) bool {
	return n.cache.Contains(id)
}

// classify maps a bare deadline overrun to a transient failure.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, uperr.ErrTransient) {
		return fmt.Errorf("%w: %w", uperr.ErrTransient, err)
	}
	return err
}
