package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"

	"github.com/bamsammich/stratus/internal/config"
)

func newDaemonCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Resume pending uploads periodically",
		Long: `Run in the foreground and resume every pending upload on start and
then every --interval. Uploads started by "stratus enqueue --detach" and
uploads interrupted by a crash or network outage are picked up here.

While running, the daemon registers itself in $XDG_RUNTIME_DIR/stratus/daemon.toml
so that "stratus list" can report it.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd, o)
		},
	}
	cmd.Flags().StringVar(&o.interval, "interval", defaultInterval, "time between resume passes")
	return cmd
}

func runDaemon(cmd *cobra.Command, o *options) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cmd, o, true)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := gocron.NewScheduler(gocron.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(a.settings.Interval),
		gocron.NewTask(func() {
			ids, err := a.coord.ResumeAll(ctx)
			if err != nil {
				a.logger.Error("resume pass failed", "error", err)
				return
			}
			a.logger.Info("resume pass", "pending", len(ids))
		}),
		gocron.WithName("resume"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("schedule resume: %w", err)
	}

	if err := config.WriteDaemonInfo(config.DaemonInfo{
		Started:  time.Now(),
		StateDB:  a.settings.StateDB,
		Interval: a.settings.Interval.String(),
		PID:      os.Getpid(),
	}); err != nil {
		a.logger.Warn("failed to write daemon info file", "error", err)
	}
	defer config.RemoveDaemonInfo()

	a.logger.Info("daemon started", "interval", a.settings.Interval, "state", a.settings.StateDB)
	sched.Start()
	<-ctx.Done()
	a.logger.Info("daemon stopping")

	if err := sched.Shutdown(); err != nil {
		a.logger.Warn("scheduler shutdown", "error", err)
	}
	return nil
}
