package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/bamsammich/stratus/internal/config"
	"github.com/bamsammich/stratus/internal/stats"
)

func newListCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show recorded uploads",
		Long: `Show every upload recorded in the state database with its progress.
With --files DIR, show the committed files of a remote directory instead.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), cmd, o, false)
			if err != nil {
				return err
			}
			defer a.Close()

			w := cmd.OutOrStdout()
			if cmd.Flags().Changed("files") {
				return a.listFiles(cmd, w, o.files)
			}
			printDaemonInfo(w)
			return a.listTasks(cmd, w)
		},
	}
	cmd.Flags().StringVar(&o.files, "files", "", "list committed files of remote directory DIR")
	return cmd
}

func newTable(w io.Writer) table.Writer {
	tb := table.NewWriter()
	tb.SetOutputMirror(w)
	if isTTY(w) {
		tb.SetStyle(table.StyleColoredBright)
	} else {
		tb.SetStyle(table.StyleLight)
	}
	return tb
}

func (a *app) listTasks(cmd *cobra.Command, w io.Writer) error {
	tasks, err := a.store.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Fprintln(w, "no uploads recorded")
		return nil
	}

	tb := newTable(w)
	tb.AppendHeader(table.Row{"ID", "Destination", "State", "Progress", "Size", "Reason"})
	for _, t := range tasks {
		bm, err := a.store.ChunkBitmap(cmd.Context(), t.ID)
		if err != nil {
			return err
		}
		var done int64
		for _, n := range bm.Numbers() {
			if spec, err := t.Spec(n); err == nil {
				done += spec.Length
			}
		}
		pct := 100
		if t.TotalSize > 0 {
			pct = int(done * 100 / t.TotalSize)
		}
		tb.AppendRow(table.Row{
			shortID(t.ID),
			path.Join(t.DestDir, t.DestName),
			t.State,
			fmt.Sprintf("%s %3d%%", progressBar(done, t.TotalSize, 10), pct),
			stats.FormatBytes(t.TotalSize),
			t.FailReason,
		})
	}
	tb.Render()
	return nil
}

func (a *app) listFiles(cmd *cobra.Command, w io.Writer, dir string) error {
	entries, err := a.cache.List(cmd.Context(), dir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintf(w, "no files recorded in %q\n", dir)
		return nil
	}

	tb := newTable(w)
	tb.AppendHeader(table.Row{"Name", "Size", "File ID", "Committed"})
	for _, e := range entries {
		committed := "uploading"
		if e.FileID != "" {
			committed = e.CommittedAt.Local().Format("2006-01-02 15:04:05")
		}
		tb.AppendRow(table.Row{e.Name, stats.FormatBytes(e.Size), e.FileID, committed})
	}
	tb.Render()
	return nil
}

func printDaemonInfo(w io.Writer) {
	info, err := config.ReadDaemonInfo()
	switch {
	case errors.Is(err, os.ErrNotExist):
		return
	case err != nil:
		fmt.Fprintf(w, "daemon: unreadable info file: %v\n", err)
		return
	}
	fmt.Fprintf(w, "daemon: pid %d, resuming every %s since %s\n",
		info.PID, info.Interval, info.Started.Local().Format("2006-01-02 15:04:05"))
}
