package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/convo/internal/app"
	"github.com/roach88/convo/internal/ir"
	"github.com/roach88/convo/internal/notify"
)

// ChatOptions holds flags for the chat command.
type ChatOptions struct {
	*RootOptions
	Thread  string
	Model   string
	Parent  string
	Attachs []string
}

// ChatResult is the JSON payload of a completed exchange.
type ChatResult struct {
	ThreadID string    `json:"thread_id"`
	StreamID string    `json:"stream_id"`
	Message  *ir.Event `json:"message,omitempty"`
	Reply    *ir.Event `json:"reply,omitempty"`
}

// NewChatCommand creates the chat command.
func NewChatCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ChatOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message and stream the reply",
		Long: `Send a user message on a thread's active path and print the
assistant's reply as it streams. With no message argument the message is
read from stdin. Without --thread a new thread is created.

Interrupting (Ctrl-C) stops the reply; nothing from a stopped reply is
saved.

Exit codes:
  0 - Reply completed
  1 - Provider error or interrupted
  2 - Command error (unknown thread or model, etc.)

Examples:
  convo chat "What is a monad?"
  convo chat --thread <id> "And a functor?"
  convo chat --thread <id> --model gpt-4o < question.txt`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Thread, "thread", "t", "", "thread ID (default: create a new thread)")
	cmd.Flags().StringVarP(&opts.Model, "model", "m", "", "model ID (default from config)")
	cmd.Flags().StringVar(&opts.Parent, "parent", "", "reply to this message instead of the active path's tail")
	cmd.Flags().StringArrayVar(&opts.Attachs, "attach", nil, "file to attach (repeatable)")

	return cmd
}

func runChat(opts *ChatOptions, args []string, cmd *cobra.Command) error {
	content, err := chatContent(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return opts.withWorkspace(cmd, func(_ context.Context, ws *app.Workspace, out *OutputFormatter) error {
		threadID := opts.Thread
		if threadID == "" {
			t, err := ws.CreateThread(ctx, "", "")
			if err != nil {
				return out.Fail("failed to create thread", err)
			}
			threadID = t.ID
			out.VerboseLog("created thread %s", threadID)
		}

		attachments, err := saveAttachments(ctx, ws, threadID, opts.Attachs)
		if err != nil {
			return out.Fail("failed to store attachment", err)
		}

		// Subscribe before sending so no increment is missed.
		ch, cancel := ws.Subscribe(notify.DefaultBuffer)
		defer cancel()

		res, err := ws.SendMessage(ctx, threadID, app.SendInput{
			Content:     content,
			ModelID:     opts.Model,
			ParentID:    opts.Parent,
			Attachments: attachments,
		})
		if err != nil {
			return out.Fail("failed to send message", err)
		}

		return finishReply(ctx, ws, ch, out, ChatResult{
			ThreadID: threadID,
			StreamID: res.StreamID,
			Message:  &res.Message,
		})
	})
}

// NewRegenerateCommand creates the regenerate command.
func NewRegenerateCommand(rootOpts *RootOptions) *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "regenerate <thread> <parent-message>",
		Short: "Stream another reply to a message",
		Long: `Request a new reply to an existing message. The new reply becomes
a sibling of the earlier ones and is selected once it completes.

Examples:
  convo regenerate <thread> <user-message>
  convo regenerate <thread> <user-message> --model sonnet`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return rootOpts.withWorkspace(cmd, func(_ context.Context, ws *app.Workspace, out *OutputFormatter) error {
				ch, cancel := ws.Subscribe(notify.DefaultBuffer)
				defer cancel()

				streamID, err := ws.Regenerate(ctx, args[0], args[1], model)
				if err != nil {
					return out.Fail("failed to regenerate", err)
				}
				return finishReply(ctx, ws, ch, out, ChatResult{ThreadID: args[0], StreamID: streamID})
			})
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model ID (default from config)")
	return cmd
}

// finishReply follows a started reply to its end. A failed or interrupted
// reply is stopped and reported with ExitFailure.
func finishReply(ctx context.Context, ws *app.Workspace, ch <-chan notify.Notification, out *OutputFormatter, result ChatResult) error {
	reply, err := followStream(ctx, ch, result.StreamID, out)
	if err != nil {
		ws.StopStream(result.StreamID)
		ws.WaitStreams()
		if out.Format == "json" {
			out.Error("E_STREAM", err.Error(), result)
		}
		return WrapExitError(ExitFailure, "reply failed", err)
	}
	// The commit hook runs after the completion notification.
	ws.WaitStreams()
	result.Reply = reply

	if out.Format == "json" {
		return out.Success(result)
	}
	return nil
}

// followStream prints increments for streamID until it completes, fails or
// ctx ends.
func followStream(ctx context.Context, ch <-chan notify.Notification, streamID string, out *OutputFormatter) (*ir.Event, error) {
	text := out.Format != "json"
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("interrupted")

		case n, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("workspace closed")
			}
			if n.StreamID != streamID {
				continue
			}
			switch n.Kind {
			case notify.StreamReasoning:
				out.VerboseLog("%s", n.Text)
			case notify.StreamDelta:
				if text {
					fmt.Fprint(out.Writer, n.Text)
				}
			case notify.StreamComplete:
				if text {
					fmt.Fprintln(out.Writer)
				}
				return n.Message, nil
			case notify.StreamError:
				if text {
					fmt.Fprintln(out.Writer)
				}
				return nil, fmt.Errorf("%s", n.Error)
			}
		}
	}
}

func chatContent(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "failed to read message from stdin", err)
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return "", NewExitError(ExitCommandError, "message is empty")
	}
	return content, nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
