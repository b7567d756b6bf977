package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/convo/internal/app"
)

// NewRepairCommand creates the repair command.
func NewRepairCommand(rootOpts *RootOptions) *cobra.Command {
	var prune bool

	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Reconcile the thread index with the event logs",
		Long: `Repair drops torn final lines left by a crash mid-append, brings
each thread's updated time up to its newest message and lists thread
directories that have no index entry.

Exit codes:
  0 - Nothing left to fix
  1 - Corrupt logs remain or orphans were found without --prune
  2 - Command error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				report, err := ws.Repair(ctx, prune)
				if err != nil {
					return out.Fail("repair failed", err)
				}
				if err := out.Emit(report, func(w io.Writer) { printRepair(w, report) }); err != nil {
					return err
				}
				if len(report.Corrupt) > 0 || (len(report.Orphans) > 0 && !report.Pruned) {
					return NewExitError(ExitFailure, "data directory needs attention")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "delete orphaned thread directories")
	return cmd
}

func printRepair(w io.Writer, r app.RepairReport) {
	ids := make([]string, 0, len(r.Truncated))
	for id := range r.Truncated {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "truncated %s: dropped %d byte(s)\n", id, r.Truncated[id])
	}
	for _, id := range r.Touched {
		fmt.Fprintf(w, "touched %s\n", id)
	}
	for _, id := range r.Corrupt {
		fmt.Fprintf(w, "corrupt %s\n", id)
	}
	verb := "orphan"
	if r.Pruned {
		verb = "pruned"
	}
	for _, id := range r.Orphans {
		fmt.Fprintf(w, "%s %s\n", verb, id)
	}
	if len(ids)+len(r.Touched)+len(r.Corrupt)+len(r.Orphans) == 0 {
		fmt.Fprintln(w, "✓ Nothing to repair")
	}
}
