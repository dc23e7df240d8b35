package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bamsammich/stratus/internal/coordinator"
	"github.com/bamsammich/stratus/internal/source"
	"github.com/bamsammich/stratus/internal/task"
	"github.com/bamsammich/stratus/internal/uperr"
)

func newEnqueueCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <source> <dest-dir>",
		Short: "Upload a file into a remote directory",
		Long: `Upload a file into a remote directory and wait for it to commit.

The source is a local path, file:///path, sftp://[user@]host[:port]/path or
[user@]host:path. Enqueuing the same source, destination and name again
resumes the earlier upload instead of starting over.

Exit status is 0 when the upload committed, 1 when it failed but stays
queued for "stratus resume", and 2 when it failed for good.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, o, args[0], args[1])
		},
	}
	cmd.Flags().StringVar(&o.name, "name", "", "remote file name (default: source base name)")
	cmd.Flags().StringVar(&o.policy, "policy", defaultPolicy,
		"on a name collision: overwrite, rename, keep-both or fail")
	cmd.Flags().StringVar(&o.chunkSize, "chunk-size", defaultChunkSize, "chunk size (e.g. 8M, 64MiB)")
	cmd.Flags().BoolVar(&o.detach, "detach", false, "record the upload and return without waiting")
	return cmd
}

func runEnqueue(cmd *cobra.Command, o *options, src, destDir string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cmd, o, true)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.newTask(ctx, src, destDir, o.name)
	if err != nil {
		return err
	}
	id, err := a.coord.Enqueue(ctx, t)
	switch {
	case errors.Is(err, uperr.ErrDuplicateTask):
		fmt.Fprintf(cmd.ErrOrStderr(),
			"%s is already recorded; resuming it with its original policy and chunk size\n", shortID(id))
	case err != nil:
		return err
	}
	a.logger.Debug("task enqueued",
		"task", id, "source", t.Source, "dest", path.Join(t.DestDir, t.DestName),
		"size", t.TotalSize, "chunks", t.ChunkCount, "policy", t.Policy)

	if o.detach {
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	}

	out, err := a.coord.Wait(ctx, id)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "interrupted; %s stays queued, run 'stratus resume' to continue\n", shortID(id))
		return &exitError{code: 1}
	}
	return a.finish(cmd, o, []coordinator.Outcome{out})
}

// newTask stats the source and builds the task for it.
func (a *app) newTask(ctx context.Context, src, destDir, name string) (task.Task, error) {
	ref, err := source.ParseRef(src)
	if err != nil {
		return task.Task{}, err
	}
	f, err := a.opener.Open(ctx, ref.String())
	if err != nil {
		return task.Task{}, fmt.Errorf("source %s: %w", ref, err)
	}
	defer f.Close()

	marker, err := f.ModMarker(ctx)
	if err != nil {
		return task.Task{}, fmt.Errorf("source %s: %w", ref, err)
	}
	if name == "" {
		name = path.Base(ref.Path)
	}
	return task.New(task.Params{
		Account:      a.settings.Remote.account(),
		Source:       ref.String(),
		DestDir:      destDir,
		DestName:     name,
		Policy:       a.settings.Policy,
		TotalSize:    f.Size(),
		ChunkSize:    a.settings.ChunkSize,
		SourceMarker: marker,
	}, time.Now())
}

// finish prints the run summary and maps outcomes to an exit status: 0 when
// all committed, 1 when something is left to resume or only part of the
// work committed, 2 when nothing committed and every failure was terminal.
func (a *app) finish(cmd *cobra.Command, o *options, outs []coordinator.Outcome) error {
	if !o.quiet {
		fmt.Fprintln(cmd.ErrOrStderr(), summary(a.stats.Snapshot()))
	}

	var committed, resumable, terminal int
	for _, out := range outs {
		switch {
		case out.State == task.Committed:
			committed++
		case out.Terminal:
			terminal++
			a.logger.Error("upload failed", "reason", out.Reason, "error", out.Err)
		default:
			resumable++
			if !errors.Is(out.Err, coordinator.ErrClosed) {
				a.logger.Warn("upload failed, will resume", "reason", out.Reason, "error", out.Err)
			}
		}
	}
	switch {
	case terminal == 0 && resumable == 0:
		return nil
	case committed == 0 && resumable == 0:
		return &exitError{code: 2}
	default:
		return &exitError{code: 1}
	}
}
