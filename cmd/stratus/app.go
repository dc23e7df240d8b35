package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bamsammich/stratus/internal/config"
	"github.com/bamsammich/stratus/internal/coordinator"
	"github.com/bamsammich/stratus/internal/event"
	"github.com/bamsammich/stratus/internal/logging"
	"github.com/bamsammich/stratus/internal/metacache"
	"github.com/bamsammich/stratus/internal/record"
	"github.com/bamsammich/stratus/internal/remote"
	"github.com/bamsammich/stratus/internal/remote/httpremote"
	"github.com/bamsammich/stratus/internal/remote/s3remote"
	"github.com/bamsammich/stratus/internal/source"
	"github.com/bamsammich/stratus/internal/stats"
	"github.com/bamsammich/stratus/internal/transfer"
)

// newTransport builds the transport for r. Tests replace it.
var newTransport = func(ctx context.Context, r remoteSettings, logger *slog.Logger) (remote.Transport, error) {
	switch r.Kind {
	case "s3":
		api, err := s3remote.NewS3API(ctx, s3remote.Options{
			Region:          r.Region,
			Endpoint:        r.Endpoint,
			AccessKeyID:     r.AccessKeyID,
			SecretAccessKey: r.SecretAccessKey,
			PathStyle:       r.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return s3remote.New(s3remote.Config{API: api, Logger: logger, Bucket: r.Bucket, Prefix: r.Prefix})
	default:
		return httpremote.New(httpremote.Config{
			Logger:   logger,
			BaseURL:  r.Endpoint,
			Token:    r.Token,
			RetryMax: r.RetryMax,
		})
	}
}

// app is the wiring shared by the subcommands.
type app struct {
	settings settings
	logger   *slog.Logger
	stats    *stats.Collector
	store    *record.Store
	cache    *metacache.SQLite
	opener   source.Opener
	coord    *coordinator.Coordinator // nil for read-only commands

	events   chan event.Event
	feedDone chan struct{}
	closeLog func() error
}

// openApp loads configuration, sets up logging and opens the state
// database. withCoordinator also connects the transport and starts a
// coordinator.
func openApp(ctx context.Context, cmd *cobra.Command, o *options, withCoordinator bool) (*app, error) {
	cfg, err := loadConfig(o)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	s, err := resolveSettings(cmd.Flags(), o, cfg)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(logging.Options{
		Stderr:  cmd.ErrOrStderr(),
		LogFile: o.logFile,
		Verbose: o.verbose,
		Quiet:   o.quiet,
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{
		settings: s,
		logger:   logger,
		stats:    stats.NewCollector(),
		opener:   source.Opener{SSH: source.SSHOpts{KeyFile: o.sshKey}},
		closeLog: closeLog,
	}
	if err := a.openStore(); err != nil {
		a.Close()
		return nil, err
	}
	if !withCoordinator {
		return a, nil
	}
	var feed *presenter
	if !o.quiet {
		feed = newPresenter(cmd.OutOrStdout(), o.verbose)
		feed.stats = a.stats
	}
	if err := a.startCoordinator(ctx, feed); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func loadConfig(o *options) (config.Config, error) {
	if o.configFile != "" {
		if _, err := os.Stat(o.configFile); err != nil {
			return config.Config{}, err
		}
		return config.LoadFile(o.configFile)
	}
	return config.Load()
}

func (a *app) openStore() error {
	if err := os.MkdirAll(filepath.Dir(a.settings.StateDB), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	store, err := record.Open(a.settings.StateDB)
	if err != nil {
		return err
	}
	a.store = store
	a.cache, err = metacache.NewSQLite(store.DB())
	return err
}

func (a *app) startCoordinator(ctx context.Context, feed *presenter) error {
	if err := validateRemote(a.settings.Remote); err != nil {
		return err
	}
	tr, err := newTransport(ctx, a.settings.Remote, a.logger)
	if err != nil {
		return fmt.Errorf("remote: %w", err)
	}

	cfg := coordinator.Config{
		Store:            a.store,
		Transport:        tr,
		Opener:           a.opener,
		Cache:            a.cache,
		Stats:            a.stats,
		Logger:           a.logger,
		Workers:          a.settings.Workers,
		ChunkConcurrency: a.settings.ChunkConcurrency,
		MaxChunkAttempts: a.settings.MaxChunkAttempts,
		MaxTaskAttempts:  a.settings.MaxTaskAttempts,
		RequestTimeout:   a.settings.RequestTimeout,
	}
	if a.settings.BWLimit > 0 {
		cfg.Limiter = transfer.NewBWLimiter(a.settings.BWLimit)
	}

	if feed != nil {
		a.events = make(chan event.Event, 256)
		a.feedDone = make(chan struct{})
		cfg.Events = a.events
		go func() {
			defer close(a.feedDone)
			feed.Run(a.events)
		}()
	}

	a.coord, err = coordinator.New(cfg)
	return err
}

// Close stops the coordinator, leaving unfinished tasks queued, and
// releases the state database and log file.
func (a *app) Close() error {
	var errs []error
	if a.coord != nil {
		errs = append(errs, a.coord.Close())
	}
	if a.events != nil {
		close(a.events)
		<-a.feedDone
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	errs = append(errs, a.closeLog())
	return errors.Join(errs...)
}
