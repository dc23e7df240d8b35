// Package transfer moves chunk bytes from a source to the remote service
// and keeps the local record in step with the server's ledger.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/samber/lo"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bamsammich/stratus/internal/chunk"
	"github.com/bamsammich/stratus/internal/remote"
	"github.com/bamsammich/stratus/internal/source"
	"github.com/bamsammich/stratus/internal/stats"
	"github.com/bamsammich/stratus/internal/task"
	"github.com/bamsammich/stratus/internal/uperr"
)

const (
	maxConcurrency          = 4
	defaultMaxChunkAttempts = 5
	defaultRetryBase        = 500 * time.Millisecond
	defaultRetryCap         = 30 * time.Second
	defaultRequestTimeout   = 2 * time.Minute
)

// ChunkStore is the part of the record store the engine writes to.
type ChunkStore interface {
	MarkChunkCommitted(ctx context.Context, id task.ID, number int, size int64, fingerprint string) error
	ResetChunk(ctx context.Context, id task.ID, number int) error
}

// Config configures an Engine.
type Config struct {
	Store     ChunkStore
	Transport remote.Transport
	Stats     *stats.Collector
	Logger    *slog.Logger
	// Limiter caps aggregate chunk read throughput; nil means unlimited.
	Limiter *rate.Limiter
	// OnChunk is called after a chunk is committed locally.
	OnChunk func(id task.ID, number int, size int64)
	// Concurrency is the per-task chunk fan-out, clamped to 1..4.
	Concurrency int
	// MaxChunkAttempts bounds consecutive failed attempts of one chunk,
	// counting the first: a chunk is retried MaxChunkAttempts-1 times.
	MaxChunkAttempts int
	RetryBase        time.Duration
	RetryCap         time.Duration
	RequestTimeout   time.Duration
}

// Engine reconciles and uploads chunks.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Transport == nil {
		return nil, fmt.Errorf("transfer engine needs a store and a transport: %w", uperr.ErrInvalidConfiguration)
	}
	cfg.Concurrency = max(1, min(cfg.Concurrency, maxConcurrency))
	if cfg.MaxChunkAttempts <= 0 {
		cfg.MaxChunkAttempts = defaultMaxChunkAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = defaultRetryCap
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger}, nil
}

// Reconcile brings the local record in line with the ledger and returns
// the chunk numbers the server still needs, in ascending order. The ledger
// is authoritative: local commits the server does not confirm, or confirms
// with a different size or fingerprint, are reset.
func (e *Engine) Reconcile(
	ctx context.Context,
	t task.Task,
	local map[int]task.ChunkState,
	ledger remote.Ledger,
) ([]int, error) {
	confirmed := ledger.ConfirmedSet()
	if ledger.FailedChunks > 0 {
		// Failed chunks are simply absent from the confirmed set.
		e.logger.Debug("server reports failed chunks", "task", t.ID, "failed", ledger.FailedChunks)
	}
	if t.TotalSize == 0 {
		// An empty file has no bytes to send; finalize alone creates it.
		return []int{}, nil
	}

	for n, cs := range local {
		entry, ok := confirmed[n]
		if ok && entry.Size == cs.Size && fingerprintsAgree(entry.Fingerprint, cs.Fingerprint) {
			continue
		}
		e.logger.Debug("resetting chunk not held by server", "task", t.ID, "chunk", n)
		if err := e.cfg.Store.ResetChunk(ctx, t.ID, n); err != nil {
			return nil, fmt.Errorf("reset chunk %d: %w", n, err)
		}
		if e.cfg.Stats != nil {
			e.cfg.Stats.AddChunksReset(1)
		}
	}

	all := lo.RangeFrom(1, t.ChunkCount)
	held := lo.Filter(all, func(n int, _ int) bool {
		entry, ok := confirmed[n]
		if !ok {
			return false
		}
		spec, err := t.Spec(n)
		return err == nil && entry.Size == spec.Length
	})
	missing, _ := lo.Difference(all, held)

	// Adopt chunks the server holds that the local record has lost, so
	// progress survives a wiped or partial local record.
	for _, n := range held {
		cs, ok := local[n]
		entry := confirmed[n]
		if ok && cs.Size == entry.Size && fingerprintsAgree(entry.Fingerprint, cs.Fingerprint) {
			continue
		}
		if err := e.cfg.Store.MarkChunkCommitted(ctx, t.ID, n, entry.Size, entry.Fingerprint); err != nil {
			return nil, fmt.Errorf("adopt chunk %d: %w", n, err)
		}
	}
	if e.cfg.Stats != nil {
		e.cfg.Stats.AddChunksSkipped(int64(len(held)))
	}
	return missing, nil
}

func fingerprintsAgree(a, b string) bool {
	return a == "" || b == "" || a == b
}

// UploadMissing uploads the given chunks with bounded fan-out. It stops at
// the first chunk that fails for good and returns that error.
func (e *Engine) UploadMissing(
	ctx context.Context,
	s remote.Session,
	t task.Task,
	missing []int,
	src source.Source,
) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for _, n := range missing {
		spec, err := t.Spec(n)
		if err != nil {
			return err
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return e.uploadWithRetry(gctx, s, t, spec, src)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (e *Engine) uploadWithRetry(
	ctx context.Context,
	s remote.Session,
	t task.Task,
	spec chunk.Spec,
	src source.Source,
) error {
	b := retry.NewExponential(e.cfg.RetryBase)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(e.cfg.RetryCap, b)
	b = retry.WithMaxRetries(uint64(e.cfg.MaxChunkAttempts-1), b)

	var (
		rejected bool
		lastErr  error
	)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := e.UploadChunk(ctx, s, t, spec, src)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, uperr.ErrChunkRejected):
			if resetErr := e.cfg.Store.ResetChunk(ctx, t.ID, spec.Number); resetErr != nil {
				return fmt.Errorf("reset chunk %d: %w", spec.Number, resetErr)
			}
			if rejected {
				err = fmt.Errorf("%w: %w", uperr.ErrTransient, err)
			}
			rejected = true
		case errors.Is(err, uperr.ErrTransient):
		default:
			return err
		}
		lastErr = err
		if e.cfg.Stats != nil {
			e.cfg.Stats.AddChunkRetries(1)
		}
		e.logger.Debug("chunk attempt failed", "task", t.ID, "chunk", spec.Number, "error", err)
		return retry.RetryableError(err)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && lastErr != nil && errors.Is(err, lastErr) {
		if !errors.Is(lastErr, uperr.ErrTransient) {
			lastErr = fmt.Errorf("%w: %w", uperr.ErrTransient, lastErr)
		}
		return fmt.Errorf("chunk %d after %d attempts: %w: %w",
			spec.Number, e.cfg.MaxChunkAttempts, uperr.ErrChunkRetriesExhausted, lastErr)
	}
	return err
}

// UploadChunk reads one chunk from src, uploads it and records the commit.
// The source is re-checked for modification before every read.
func (e *Engine) UploadChunk(
	ctx context.Context,
	s remote.Session,
	t task.Task,
	spec chunk.Spec,
	src source.Source,
) error {
	marker, err := src.ModMarker(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("stat source for chunk %d: %w: %w", spec.Number, uperr.ErrTransient, err)
	}
	if marker != t.SourceMarker {
		return fmt.Errorf("chunk %d: %w", spec.Number, uperr.ErrSourceChanged)
	}

	buf := make([]byte, spec.Length)
	if err := readChunk(ctx, src, spec.Offset, buf, e.cfg.Limiter); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("chunk %d: source truncated: %w", spec.Number, uperr.ErrSourceChanged)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read chunk %d: %w: %w", spec.Number, uperr.ErrTransient, err)
	}
	fp := chunk.Fingerprint(buf)

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	ack, err := e.cfg.Transport.UploadChunk(reqCtx, s, remote.ChunkUpload{
		Body:        bytes.NewReader(buf),
		Fingerprint: fp,
		Offset:      spec.Offset,
		Size:        spec.Length,
		Number:      spec.Number,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, uperr.ErrTransient) {
			err = fmt.Errorf("%w: %w", uperr.ErrTransient, err)
		}
		return fmt.Errorf("upload chunk %d: %w", spec.Number, err)
	}
	if ack.Fingerprint != "" && ack.Fingerprint != fp {
		return fmt.Errorf("chunk %d acknowledged with fingerprint %s, sent %s: %w",
			spec.Number, ack.Fingerprint, fp, uperr.ErrChunkRejected)
	}

	if err := e.cfg.Store.MarkChunkCommitted(ctx, t.ID, spec.Number, spec.Length, fp); err != nil {
		return fmt.Errorf("record chunk %d: %w", spec.Number, err)
	}
	if e.cfg.Stats != nil {
		e.cfg.Stats.AddChunksUploaded(1)
		e.cfg.Stats.AddBytesUploaded(spec.Length)
	}
	if e.cfg.OnChunk != nil {
		e.cfg.OnChunk(t.ID, spec.Number, spec.Length)
	}
	return nil
}
