package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/bamsammich/stratus/internal/record"
	"github.com/bamsammich/stratus/internal/task"
	"github.com/bamsammich/stratus/internal/uperr"
)

func newCancelCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel an upload and discard its record",
		Long: `Cancel an upload and discard its local record. The id may be
abbreviated to any unique prefix, as printed by "stratus list".`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cmd, o, true)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := resolveID(cmd.Context(), a.store, args[0])
			if err != nil {
				return err
			}
			if err := a.coord.Cancel(cmd.Context(), id); err != nil {
				return err
			}
			if !o.quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", id)
			}
			return nil
		},
	}
}

// resolveID expands a unique id prefix to the full task id.
func resolveID(ctx context.Context, store *record.Store, prefix string) (task.ID, error) {
	tasks, err := store.List(ctx)
	if err != nil {
		return "", err
	}
	ids := lo.FilterMap(tasks, func(t task.Task, _ int) (task.ID, bool) {
		return t.ID, strings.HasPrefix(string(t.ID), prefix)
	})
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("task %s: %w", prefix, uperr.ErrTaskNotFound)
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("task id %q is ambiguous (%d matches)", prefix, len(ids))
	}
}
