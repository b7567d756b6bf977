package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/convo/internal/app"
	"github.com/roach88/convo/internal/conversation"
	"github.com/roach88/convo/internal/ir"
)

// NewMessageCommand creates the message command group.
func NewMessageCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Append, edit and delete messages",
	}

	cmd.AddCommand(newMessageAddCommand(rootOpts))
	cmd.AddCommand(newMessageEditCommand(rootOpts))
	cmd.AddCommand(newMessageDeleteCommand(rootOpts))
	return cmd
}

func newMessageAddCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		role    string
		parent  string
		attachs []string
	)

	cmd := &cobra.Command{
		Use:   "add <thread> <content>",
		Short: "Append a message without requesting a reply",
		Long: `Append a message to a thread's log.

Without --parent the message starts a new root; use "chat" to continue
the active path and stream a reply.

Examples:
  convo message add <thread> "Hello" --role user
  convo message add <thread> "Hi there" --role assistant --parent <msg>
  convo message add <thread> "See attached" --attach ./notes.txt`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				attachments, err := saveAttachments(ctx, ws, args[0], attachs)
				if err != nil {
					return out.Fail("failed to store attachment", err)
				}
				e, err := ws.AppendMessage(ctx, args[0], app.MessageInput{
					Role:        ir.Role(role),
					Content:     args[1],
					ParentID:    parent,
					Attachments: attachments,
				})
				if err != nil {
					return out.Fail("failed to append message", err)
				}
				return out.Emit(e, func(w io.Writer) {
					fmt.Fprintln(w, e.ID)
				})
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(ir.RoleUser), "message role (user|assistant|system)")
	cmd.Flags().StringVar(&parent, "parent", "", "parent message ID")
	cmd.Flags().StringArrayVar(&attachs, "attach", nil, "file to attach (repeatable)")
	return cmd
}

// saveAttachments copies local files into the thread's attachment folder.
func saveAttachments(ctx context.Context, ws *app.Workspace, threadID string, paths []string) ([]ir.Attachment, error) {
	var out []ir.Attachment
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		a, err := ws.SaveAttachment(ctx, threadID, filepath.Base(p), data)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func newMessageEditCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <thread> <message> <content>",
		Short: "Replace a message's content",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				e, err := ws.EditMessage(ctx, args[0], args[1], args[2])
				if err != nil {
					return out.Fail("failed to edit message", err)
				}
				return out.Emit(e, func(w io.Writer) {
					fmt.Fprintf(w, "Edited %s\n", e.ID)
				})
			})
		},
	}
}

func newMessageDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <thread> <message>",
		Short: "Delete a message (its replies become unreachable)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				if err := ws.DeleteMessage(ctx, args[0], args[1]); err != nil {
					return out.Fail("failed to delete message", err)
				}
				return out.Emit(map[string]string{"deleted": args[1]}, func(w io.Writer) {
					fmt.Fprintf(w, "Deleted %s\n", args[1])
				})
			})
		},
	}
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <thread>",
		Short: "Print a thread's active conversation path",
		Long: `Print the messages on a thread's active path, root first.

Messages that sit at a branch point are marked with their position among
their siblings; use "select" to switch branches.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				view, err := ws.Conversation(ctx, args[0])
				if err != nil {
					return out.Fail("failed to read conversation", err)
				}
				return out.Emit(view, func(w io.Writer) {
					printView(w, view)
				})
			})
		},
	}
}

// printView renders the active path. A branch marker "[2/3]" follows the
// role of any message that has siblings.
func printView(w io.Writer, v conversation.View) {
	if len(v.Messages) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	branches := make(map[string]ir.BranchInfo, len(v.BranchPoints))
	for _, b := range v.BranchPoints {
		branches[b.ParentID] = b
	}

	for i, m := range v.Messages {
		if i > 0 {
			fmt.Fprintln(w)
		}
		header := fmt.Sprintf("%s  %s", m.Role, m.ID)
		if b, ok := branches[m.Parent()]; ok {
			header += fmt.Sprintf("  [%d/%d]", b.CurrentIndex+1, len(b.Branches))
		}
		fmt.Fprintln(w, header)
		for _, a := range m.Attachments {
			fmt.Fprintf(w, "  attachment: %s (%s)\n", filepath.Base(a.Path), a.MimeType)
		}
		fmt.Fprintln(w, strings.TrimRight(m.Content, "\n"))
	}
}

// NewSelectCommand creates the select command.
func NewSelectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "select <thread> <parent-message> <index>",
		Short: "Choose which reply is active at a branch point",
		Long: `Persist the branch selection at a branch point and print the
resulting active path. Index is zero-based in the order the replies were
created.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[2])
			if err != nil {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid index %q", args[2]))
			}
			return rootOpts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				if err := ws.SelectBranch(ctx, args[0], args[1], index); err != nil {
					return out.Fail("failed to select branch", err)
				}
				view, err := ws.Conversation(ctx, args[0])
				if err != nil {
					return out.Fail("failed to read conversation", err)
				}
				return out.Emit(view, func(w io.Writer) {
					printView(w, view)
				})
			})
		},
	}
}
