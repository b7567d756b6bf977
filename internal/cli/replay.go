package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/convo/internal/app"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Threads          []app.VerifyReport `json:"threads"`
	TotalThreads     int                `json:"total_threads"`
	AllDeterministic bool               `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay [thread...]",
		Short: "Replay event logs and verify determinism",
		Long: `Replay each thread's event log to verify determinism and report
per-thread statistics.

Every log is read and reduced twice with the thread's saved branch
selections; the two resulting views must have identical digests.

Exit codes:
  0 - All threads are deterministic
  1 - Determinism verification failed (differences detected)
  2 - Command error (unknown thread, unreadable log, etc.)

Examples:
  convo replay
  convo replay 0190f5c2-...
  convo replay --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace, out *OutputFormatter) error {
				return runReplay(ctx, ws, args, out)
			})
		},
	}

	return cmd
}

func runReplay(ctx context.Context, ws *app.Workspace, threadIDs []string, out *OutputFormatter) error {
	if len(threadIDs) == 0 {
		x, err := ws.Threads(ctx)
		if err != nil {
			return out.Fail("failed to list threads", err)
		}
		threadIDs = slices.Sorted(maps.Keys(x.Threads))
	}

	result := ReplayResult{
		Threads:          make([]app.VerifyReport, 0, len(threadIDs)),
		TotalThreads:     len(threadIDs),
		AllDeterministic: true,
	}

	for _, id := range threadIDs {
		out.VerboseLog("replaying %s", id)
		report, err := ws.Verify(ctx, id)
		if err != nil {
			return out.Fail(fmt.Sprintf("failed to replay thread %s", id), err)
		}
		result.Threads = append(result.Threads, report)
		if !report.Deterministic {
			result.AllDeterministic = false
		}
	}

	if out.Format == "json" {
		return outputReplayJSON(out, result)
	}
	return outputReplayText(out, result)
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(out *OutputFormatter, result ReplayResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}

	if !result.AllDeterministic {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_DETERMINISM",
			Message: "determinism verification failed",
		}
	}

	encoder := json.NewEncoder(out.Writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if !result.AllDeterministic {
		return NewExitError(ExitFailure, "determinism verification failed")
	}
	return nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(out *OutputFormatter, result ReplayResult) error {
	w := out.Writer

	if result.TotalThreads == 0 {
		fmt.Fprintln(w, "No threads found.")
		return nil
	}

	fmt.Fprintf(w, "Replay Summary: %d thread(s)\n", result.TotalThreads)
	fmt.Fprintln(w)

	for _, t := range result.Threads {
		status := "✓"
		if !t.Deterministic {
			status = "✗"
		}

		fmt.Fprintf(w, "%s Thread: %s\n", status, t.ThreadID)
		fmt.Fprintf(w, "  Events: %d, active path: %d message(s), %d branch point(s)\n", t.Events, t.Messages, t.BranchPoints)
		if out.Verbose {
			fmt.Fprintf(w, "  Digest: %s\n", t.Digest)
		}
		if !t.Deterministic {
			fmt.Fprintln(w, "  Warning: Non-deterministic replay detected!")
		}
		fmt.Fprintln(w)
	}

	if result.AllDeterministic {
		fmt.Fprintln(w, "✓ All threads verified deterministic")
		return nil
	}

	fmt.Fprintln(w, "✗ Determinism verification failed")
	return NewExitError(ExitFailure, "determinism verification failed")
}
