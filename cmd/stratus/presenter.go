package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/bamsammich/stratus/internal/event"
	"github.com/bamsammich/stratus/internal/stats"
	"github.com/bamsammich/stratus/internal/task"
)

// presenter prints one line per finished task. On a terminal it also keeps
// a progress line for the task that last reported a chunk; elsewhere chunk
// progress is printed only when verbose.
type presenter struct {
	w       io.Writer
	stats   *stats.Collector
	isTTY   bool
	verbose bool
	inline  bool // a progress line is on screen
}

func newPresenter(w io.Writer, verbose bool) *presenter {
	return &presenter{w: w, isTTY: isTTY(w), verbose: verbose}
}

// isTTY reports whether w is a terminal.
func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Run consumes events until the channel closes.
func (p *presenter) Run(events <-chan event.Event) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				p.clearLine()
				return
			}
			p.handleEvent(ev)
		case <-ticker.C:
			if p.stats != nil {
				p.stats.Tick()
			}
		}
	}
}

func (p *presenter) handleEvent(ev event.Event) {
	switch ev.Type {
	case event.ChunkUploaded:
		switch {
		case p.isTTY:
			fmt.Fprintf(p.w, "\r%s  %s  %s/%s  %s\033[K",
				shortID(ev.TaskID), progressBar(ev.Done, ev.Total, 20),
				stats.FormatBytes(ev.Done), stats.FormatBytes(ev.Total), p.rate())
			p.inline = true
		case p.verbose:
			fmt.Fprintf(p.w, "%s  chunk %d  %s/%s\n",
				shortID(ev.TaskID), ev.Chunk, stats.FormatBytes(ev.Done), stats.FormatBytes(ev.Total))
		}
	case event.TaskCommitted:
		p.clearLine()
		fmt.Fprintf(p.w, "%s  committed  %s  %s\n", shortID(ev.TaskID), ev.FileName, stats.FormatBytes(ev.Total))
	case event.TaskFailed:
		p.clearLine()
		fate := "will resume"
		if ev.Terminal {
			fate = "discarded"
		}
		fmt.Fprintf(p.w, "%s  failed  %s (%s)\n", shortID(ev.TaskID), ev.Reason, fate)
	case event.StateChanged:
		if p.verbose && !p.isTTY {
			fmt.Fprintf(p.w, "%s  %s\n", shortID(ev.TaskID), ev.State)
		}
	}
}

func (p *presenter) clearLine() {
	if p.inline {
		fmt.Fprint(p.w, "\r\033[K")
		p.inline = false
	}
}

func (p *presenter) rate() string {
	if p.stats == nil {
		return ""
	}
	return formatRate(p.stats.RollingSpeed(5))
}

// shortID abbreviates a task id for display.
func shortID(id task.ID) string {
	if len(id) > 12 {
		return string(id[:12])
	}
	return string(id)
}

// progressBar renders done/total as a bar of the given width using ▪/□.
func progressBar(done, total int64, width int) string {
	filled := width
	if total > 0 {
		filled = int(done * int64(width) / total)
	}
	filled = min(max(filled, 0), width)
	return strings.Repeat("▪", filled) + strings.Repeat("□", width-filled)
}

// formatRate formats a bytes-per-second rate as a human-readable string.
func formatRate(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "0 B/s"
	}
	return stats.FormatBytes(int64(bytesPerSec)) + "/s"
}

// formatDuration formats elapsed time concisely.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// summary renders the end-of-run totals.
func summary(snap stats.Snapshot) string {
	s := fmt.Sprintf("%d committed, %d failed, %s in %d chunks (%d skipped) in %s",
		snap.TasksCommitted, snap.TasksFailed, stats.FormatBytes(snap.BytesUploaded),
		snap.ChunksUploaded, snap.ChunksSkipped, formatDuration(snap.Elapsed))
	if snap.ChunkRetries > 0 || snap.Renegotiations > 0 {
		s += fmt.Sprintf(", %d chunk retries, %d renegotiations", snap.ChunkRetries, snap.Renegotiations)
	}
	return s
}
