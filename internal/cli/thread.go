package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/convo/internal/app"
	"github.com/roach88/convo/internal/ir"
)

// NewThreadCommand creates the thread command group.
func NewThreadCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thread",
		Short: "Create, list and organise threads",
	}

	cmd.AddCommand(newThreadCreateCommand(rootOpts))
	cmd.AddCommand(newThreadListCommand(rootOpts))
	cmd.AddCommand(newThreadRenameCommand(rootOpts))
	cmd.AddCommand(newThreadPinCommand(rootOpts))
	cmd.AddCommand(newThreadPromptCommand(rootOpts))
	cmd.AddCommand(newThreadMoveCommand(rootOpts))
	cmd.AddCommand(newThreadDeleteCommand(rootOpts))
	return cmd
}

func newThreadCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var parent string

	cmd := &cobra.Command{
		Use:   "create [title]",
		Short: "Create a thread",
		Long: `Create a thread, optionally nested under another.

An untitled thread takes its title from its first user message.

Examples:
  convo thread create
  convo thread create "Trip planning"
  convo thread create "Flights" --parent 0190f5c2-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := ""
			if len(args) == 1 {
				title = args[0]
			}
			return rootOpts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				t, err := ws.CreateThread(ctx, title, parent)
				if err != nil {
					return out.Fail("failed to create thread", err)
				}
				return out.Emit(t, func(w io.Writer) {
					fmt.Fprintln(w, t.ID)
				})
			})
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "parent thread ID")
	return cmd
}

func newThreadListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List threads as a tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				x, err := ws.Threads(ctx)
				if err != nil {
					return out.Fail("failed to read threads", err)
				}
				return out.Emit(x, func(w io.Writer) {
					if len(x.Roots) == 0 {
						fmt.Fprintln(w, "No threads.")
						return
					}
					printTree(w, x, x.Roots, 0)
				})
			})
		},
	}
}

// printTree writes one line per thread, children indented under parents.
func printTree(w io.Writer, x ir.ThreadIndex, ids []string, depth int) {
	for _, id := range ids {
		t := x.Threads[id]
		mark := " "
		if t.Pinned {
			mark = "*"
		}
		title := t.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(w, "%s%s %s  %s\n", strings.Repeat("  ", depth), mark, t.ID, title)
		printTree(w, x, t.Children, depth+1)
	}
}

func newThreadRenameCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <thread> <title>",
		Short: "Rename a thread",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				if err := ws.RenameThread(ctx, args[0], args[1]); err != nil {
					return out.Fail("failed to rename thread", err)
				}
				return printThread(ctx, ws, out, args[0])
			})
		},
	}
}

func newThreadPinCommand(rootOpts *RootOptions) *cobra.Command {
	var off bool

	cmd := &cobra.Command{
		Use:   "pin <thread>",
		Short: "Pin or unpin a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				if err := ws.PinThread(ctx, args[0], !off); err != nil {
					return out.Fail("failed to pin thread", err)
				}
				return printThread(ctx, ws, out, args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "unpin instead")
	return cmd
}

func newThreadPromptCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prompt <thread> <system-prompt>",
		Short: "Set a thread's system prompt (empty clears it)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				if err := ws.SetSystemPrompt(ctx, args[0], args[1]); err != nil {
					return out.Fail("failed to set system prompt", err)
				}
				return printThread(ctx, ws, out, args[0])
			})
		},
	}
}

func newThreadMoveCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		parent string
		index  int
	)

	cmd := &cobra.Command{
		Use:   "move <thread>",
		Short: "Move a thread under another parent (or to the top level)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				if err := ws.MoveThread(ctx, args[0], parent, index); err != nil {
					return out.Fail("failed to move thread", err)
				}
				return printThread(ctx, ws, out, args[0])
			})
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "new parent thread ID (empty for top level)")
	cmd.Flags().IntVar(&index, "index", -1, "position among siblings (-1 appends)")
	return cmd
}

func newThreadDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <thread>",
		Short: "Delete a thread, its sub-threads and their files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				removed, err := ws.DeleteThread(ctx, args[0])
				if err != nil {
					return out.Fail("failed to delete thread", err)
				}
				return out.Emit(map[string][]string{"removed": removed}, func(w io.Writer) {
					fmt.Fprintf(w, "Deleted %d thread(s)\n", len(removed))
				})
			})
		},
	}
}

func printThread(ctx context.Context, ws *app.Workspace, out *OutputFormatter, id string) error {
	t, err := ws.Thread(ctx, id)
	if err != nil {
		return out.Fail("failed to read thread", err)
	}
	return out.Emit(t, func(w io.Writer) {
		fmt.Fprintf(w, "%s  %s\n", t.ID, t.Title)
	})
}
