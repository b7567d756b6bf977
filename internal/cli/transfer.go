package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/convo/internal/app"
)

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export <archive.zip>",
		Short: "Write all threads, logs and attachments to a zip archive",
		Long: `Export the data directory to a zip archive. The model registry
and credentials are not included.

Examples:
  convo export backup.zip`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				n, err := ws.Export(ctx, args[0])
				if err != nil {
					return out.Fail("export failed", err)
				}
				return out.Emit(map[string]any{"archive": args[0], "files": n}, func(w io.Writer) {
					fmt.Fprintf(w, "Exported %d file(s) to %s\n", n, args[0])
				})
			})
		},
	}
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <archive.zip>",
		Short: "Merge threads from an exported archive",
		Long: `Import the threads of an archive written by "export".

Each top-level thread is imported together with its sub-threads. A
thread tree whose IDs already exist here, or whose logs do not validate,
is skipped and reported; the rest are imported.

Exit codes:
  0 - Archive processed (see the report for skipped threads)
  2 - Command error (unreadable archive, etc.)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				report, err := ws.Import(ctx, args[0])
				if err != nil {
					return out.Fail("import failed", err)
				}
				return out.Emit(report, func(w io.Writer) {
					fmt.Fprintf(w, "Imported %d thread(s)\n", len(report.Imported))
					for _, s := range report.Skipped {
						fmt.Fprintf(w, "  skipped %s: %s\n", s.ThreadID, s.Reason)
					}
				})
			})
		},
	}
}
