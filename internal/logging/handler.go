// Package logging builds the process logger: human-readable text on
// stderr, optionally fanned out to a JSON log file.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// MultiHandler sends every record to all of its handlers.
type MultiHandler struct {
	handlers []slog.Handler
}

var _ slog.Handler = (*MultiHandler)(nil)

// NewMultiHandler fans records out to handlers.
func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

// Enabled reports whether any handler accepts level.
func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: hs}
}

func (m *MultiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &MultiHandler{handlers: hs}
}

// Options selects the console level and an optional JSON log file.
type Options struct {
	Stderr  io.Writer // nil means os.Stderr
	LogFile string
	Verbose bool
	Quiet   bool
}

// Level maps the verbosity flags to a console level: warnings only when
// quiet, debug when verbose, info otherwise.
func (o Options) Level() slog.Level {
	switch {
	case o.Verbose:
		return slog.LevelDebug
	case o.Quiet:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// New builds a logger for o. The returned close function releases the log
// file, if any.
func New(o Options) (*slog.Logger, func() error, error) {
	w := o.Stderr
	if w == nil {
		w = os.Stderr
	}
	var h slog.Handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: o.Level()})
	if o.LogFile == "" {
		return slog.New(h), func() error { return nil }, nil
	}

	f, err := os.Create(o.LogFile)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	jsonHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(NewMultiHandler(h, jsonHandler)), f.Close, nil
}
