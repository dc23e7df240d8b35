package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bamsammich/stratus/internal/coordinator"
)

func newResumeCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume every pending upload and wait for them",
		Long: `Resume every upload recorded in the state database that has not
committed, and wait until each one commits or fails.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runResume(cmd, o)
		},
	}
}

func runResume(cmd *cobra.Command, o *options) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cmd, o, true)
	if err != nil {
		return err
	}
	defer a.Close()

	ids, err := a.coord.ResumeAll(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		if !o.quiet {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to resume")
		}
		return nil
	}
	a.logger.Info("resuming uploads", "count", len(ids))

	outs := make([]coordinator.Outcome, 0, len(ids))
	for _, id := range ids {
		out, err := a.coord.Wait(ctx, id)
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "interrupted; unfinished uploads stay queued")
			return &exitError{code: 1}
		}
		outs = append(outs, out)
	}
	return a.finish(cmd, o, outs)
}
