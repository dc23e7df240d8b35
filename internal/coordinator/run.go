package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/samber/lo"
	"github.com/sethvargo/go-retry"

	"github.com/bamsammich/stratus/internal/conflict"
	"github.com/bamsammich/stratus/internal/event"
	"github.com/bamsammich/stratus/internal/remote"
	"github.com/bamsammich/stratus/internal/source"
	"github.com/bamsammich/stratus/internal/task"
	"github.com/bamsammich/stratus/internal/uperr"
)

const (
	// maxVerifyRounds bounds upload/verify cycles against a server whose
	// ledger keeps dropping chunks.
	maxVerifyRounds = 3
	// maxFinalizeRounds bounds finalize attempts that lose a name race.
	maxFinalizeRounds = 3
)

// loop runs a task until it commits, fails for good, runs out of automatic
// attempts or is interrupted.
func (c *Coordinator) loop(ctx context.Context, id task.ID, r *run) {
	b := retry.NewExponential(c.cfg.TaskRetryBase)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(c.cfg.TaskRetryCap, b)

	var out Outcome
	for attempt := 1; ; attempt++ {
		out = c.attempt(ctx, id)
		out.Attempts = attempt
		if errors.Is(out.Err, uperr.ErrTaskNotFound) {
			// Committed or cancelled by a run that raced this dispatch.
			c.finish(id, r, out, false)
			return
		}
		if out.State != task.Failed || out.Terminal || attempt >= c.cfg.MaxTaskAttempts {
			break
		}

		c.publishOutcome(id, out)
		delay, _ := b.Next()
		c.logger.Info("task failed, will retry",
			"task", id, "attempt", attempt, "reason", out.Reason, "backoff", delay, "error", out.Err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			continue
		case <-ctx.Done():
			timer.Stop()
		}
		out = c.failed(ctx, id, ctx.Err())
		out.Attempts = attempt
		break
	}
	c.finish(id, r, out, true)
}

func (c *Coordinator) attempt(ctx context.Context, id task.ID) Outcome {
	if err := c.pool.Acquire(ctx, 1); err != nil {
		return c.failed(ctx, id, err)
	}
	defer c.pool.Release(1)

	file, err := c.runOnce(ctx, id)
	if err != nil {
		return c.failed(ctx, id, err)
	}
	return c.committed(ctx, id, file)
}

// runOnce performs one pass over the lifecycle. A session that expires
// mid-run is renegotiated once. The stale token is still offered on the
// reopen, so a server that already committed the upload can say so.
func (c *Coordinator) runOnce(ctx context.Context, id task.ID) (remote.File, error) {
	t, err := c.store.Get(ctx, id)
	if err != nil {
		return remote.File{}, err
	}
	src, err := c.openSource(ctx, t)
	if err != nil {
		return remote.File{}, err
	}
	defer src.Close()

	file, err := c.transferOnce(ctx, &t, src)
	if errors.Is(err, uperr.ErrSessionExpired) && ctx.Err() == nil {
		c.logger.Info("session expired, renegotiating", "task", id)
		c.negotiator.Discard(id)
		c.cfg.Stats.AddRenegotiations(1)
		file, err = c.transferOnce(ctx, &t, src)
	}
	return file, err
}

func (c *Coordinator) openSource(ctx context.Context, t task.Task) (source.Source, error) {
	src, err := c.cfg.Opener.Open(ctx, t.Source)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("source %s: %w: %w", t.Source, uperr.ErrSourceChanged, err)
	}
	if err != nil {
		return nil, fmt.Errorf("source %s: %w: %w", t.Source, uperr.ErrTransient, err)
	}

	marker, err := src.ModMarker(ctx)
	if err == nil && (marker != t.SourceMarker || src.Size() != t.TotalSize) {
		err = fmt.Errorf("source %s was modified: %w", t.Source, uperr.ErrSourceChanged)
	}
	if err != nil {
		src.Close()
		return nil, err
	}
	return src, nil
}

func (c *Coordinator) transferOnce(ctx context.Context, t *task.Task, src source.Source) (remote.File, error) {
	if err := c.setState(ctx, t, task.Negotiating); err != nil {
		return remote.File{}, err
	}
	s, err := c.negotiator.OpenOrReuse(ctx, *t)
	if err != nil {
		return remote.File{}, err
	}
	if s.Token != t.SessionToken {
		if err := c.store.SetSession(ctx, t.ID, s.Token); err != nil {
			return remote.File{}, err
		}
		t.SessionToken = s.Token
	}
	ledger, err := c.negotiator.FetchLedger(ctx, s)
	if err != nil {
		return remote.File{}, err
	}

	if err := c.setState(ctx, t, task.Reconciling); err != nil {
		return remote.File{}, err
	}
	missing, err := c.reconcile(ctx, *t, ledger)
	if err != nil {
		return remote.File{}, err
	}

	if err := c.setState(ctx, t, task.Transferring); err != nil {
		return remote.File{}, err
	}
	for round := 0; len(missing) > 0; round++ {
		if round == maxVerifyRounds {
			return remote.File{}, fmt.Errorf("server still misses %d chunks after %d rounds: %w",
				len(missing), round, uperr.ErrTransient)
		}
		c.setProgress(t.ID, t.TotalSize-pendingBytes(*t, missing), t.TotalSize)
		c.logger.Debug("uploading chunks", "task", t.ID, "missing", len(missing), "round", round)

		if err := c.engine.UploadMissing(ctx, s, *t, missing, src); err != nil {
			return remote.File{}, err
		}
		if ledger, err = c.negotiator.FetchLedger(ctx, s); err != nil {
			return remote.File{}, err
		}
		if missing, err = c.reconcile(ctx, *t, ledger); err != nil {
			return remote.File{}, err
		}
		if len(missing) > 0 {
			c.logger.Warn("server ledger lost chunks, uploading again", "task", t.ID, "missing", missing)
		}
	}

	if err := c.setState(ctx, t, task.Finalizing); err != nil {
		return remote.File{}, err
	}
	return c.finalize(ctx, *t, s, ledger)
}

// finalize commits the upload under the name the conflict policy picks. A
// name taken between the ledger fetch and the commit is only fatal under
// Fail; other policies look at a fresh ledger and pick again.
func (c *Coordinator) finalize(ctx context.Context, t task.Task, s remote.Session, ledger remote.Ledger) (remote.File, error) {
	var tried []string
	for round := 1; ; round++ {
		instr, err := conflict.Resolve(t.Policy, t.DestName, ledger.NameCollision, ledger.SuggestedName)
		if err != nil {
			return remote.File{}, err
		}
		for n := round; t.Policy == task.Rename && lo.Contains(tried, instr.UseName); n++ {
			instr.UseName = conflict.DedupName(t.DestName, n)
		}
		tried = append(tried, instr.UseName)

		file, err := c.commit(ctx, t, s, instr)
		if !errors.Is(err, uperr.ErrNameConflict) || t.Policy == task.Fail {
			return file, err
		}
		if round == maxFinalizeRounds {
			return remote.File{}, fmt.Errorf("finalize %s: no free name after %d rounds: %w: %v",
				t.ID, round, uperr.ErrTransient, err)
		}
		c.logger.Info("name taken at finalize, resolving again", "task", t.ID, "name", instr.UseName)
		if ledger, err = c.negotiator.FetchLedger(ctx, s); err != nil {
			return remote.File{}, err
		}
	}
}

func (c *Coordinator) commit(ctx context.Context, t task.Task, s remote.Session, instr conflict.Instruction) (remote.File, error) {
	fctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	file, err := c.cfg.Transport.Finalize(fctx, s, remote.FinalizeRequest{
		Name:           instr.UseName,
		Overwrite:      instr.ShouldOverwrite,
		AllowDuplicate: instr.AllowDuplicate,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(err, uperr.ErrTransient) {
			err = fmt.Errorf("%w: %w", uperr.ErrTransient, err)
		}
		return remote.File{}, fmt.Errorf("finalize %s: %w", t.ID, err)
	}
	return file, nil
}

func (c *Coordinator) reconcile(ctx context.Context, t task.Task, ledger remote.Ledger) ([]int, error) {
	local, err := c.store.Chunks(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	return c.engine.Reconcile(ctx, t, local, ledger)
}

func (c *Coordinator) setState(ctx context.Context, t *task.Task, state task.State) error {
	if err := c.store.SetState(ctx, t.ID, state, ""); err != nil {
		return err
	}
	t.State = state
	c.publish(event.Event{Type: event.StateChanged, TaskID: t.ID, State: state, Total: t.TotalSize})
	return nil
}

func (c *Coordinator) committed(ctx context.Context, id task.ID, file remote.File) Outcome {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RequestTimeout)
	defer cancel()

	// The cache is updated before the record goes away: if the process dies
	// in between, the resumed task finalizes again and gets the same file.
	if err := c.cache.Committed(wctx, id, file); err != nil {
		c.logger.Warn("metadata cache update failed", "task", id, "error", err)
	}
	c.negotiator.Discard(id)
	if err := c.store.Delete(wctx, id); err != nil {
		c.logger.Error("failed to delete committed task", "task", id, "error", err)
	}
	c.cfg.Stats.AddTasksCommitted(1)
	c.logger.Info("upload committed", "task", id, "file_id", file.ID, "name", file.Name)
	return Outcome{State: task.Committed, File: file}
}

// failed classifies err and applies it to the record: terminal failures
// discard the task, resumable ones keep it with the failure reason.
func (c *Coordinator) failed(ctx context.Context, id task.ID, err error) Outcome {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if !errors.Is(cause, uperr.ErrCancelled) {
			return c.interrupted(ctx, id)
		}
		err = cause
	}

	out := Outcome{
		State:    task.Failed,
		Err:      err,
		Reason:   uperr.Reason(err),
		Terminal: uperr.Terminal(err),
	}
	if errors.Is(err, uperr.ErrTaskNotFound) {
		out.Terminal = true
		return out
	}
	c.cfg.Stats.AddTasksFailed(1)
	if out.Terminal {
		c.discard(ctx, id)
		c.logger.Warn("upload failed", "task", id, "reason", out.Reason, "error", err)
		return out
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RequestTimeout)
	defer cancel()
	if serr := c.store.SetState(wctx, id, task.Failed, out.Reason); serr != nil {
		c.logger.Error("failed to persist task failure", "task", id, "error", serr)
	}
	return out
}

// interrupted leaves a task queued for the next process after shutdown.
func (c *Coordinator) interrupted(ctx context.Context, id task.ID) Outcome {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RequestTimeout)
	defer cancel()
	if err := c.store.SetState(wctx, id, task.Queued, ""); err != nil && !errors.Is(err, uperr.ErrTaskNotFound) {
		c.logger.Error("failed to persist interrupted task", "task", id, "error", err)
	}
	return Outcome{State: task.Queued, Err: ErrClosed, Reason: "Interrupted"}
}

func pendingBytes(t task.Task, missing []int) int64 {
	var n int64
	for _, number := range missing {
		if spec, err := t.Spec(number); err == nil {
			n += spec.Length
		}
	}
	return n
}
