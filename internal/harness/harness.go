package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/roach88/convo/internal/app"
	"github.com/roach88/convo/internal/ir"
	"github.com/roach88/convo/internal/notify"
	"github.com/roach88/convo/internal/provider"
	"github.com/roach88/convo/internal/registry"
	"github.com/roach88/convo/internal/testutil"
)

// Harness executes one scenario against a fresh workspace.
type Harness struct {
	ws      *app.Workspace
	events  <-chan notify.Notification
	aliases map[string]string
	logger  *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in its own temporary data directory with a step clock
// and sequential IDs, so identical scenarios produce identical traces.
//
// Execution flow:
//  1. Open a workspace whose providers play back scenario.Replies
//  2. Execute steps, checking expected failures
//  3. Reduce every aliased thread
//  4. Evaluate assertions
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("", "convo-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	replies := &replayProvider{replies: scenario.Replies}
	ws, err := app.Open(ctx, dir,
		app.WithClock(testutil.NewStepClock().Now),
		app.WithIDGenerator(testutil.NewSeqIDs("id")),
		app.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		app.WithProviderFactory(func(registry.Provider) (provider.Provider, error) {
			return replies, nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace: %w", err)
	}
	defer ws.Close()

	events, cancel := ws.Subscribe(notify.DefaultBuffer)
	defer cancel()

	h := &Harness{
		ws:      ws,
		events:  events,
		aliases: make(map[string]string),
		logger:  slog.Default(),
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h.executeStep(ctx, i, step, result)
	}

	for alias, id := range h.aliases {
		result.Aliases[alias] = id
	}
	if err := h.collectViews(ctx, result); err != nil {
		return nil, err
	}

	for _, msg := range EvaluateAssertions(ctx, h, result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// resolve maps an alias to its ID. Unknown names are returned unchanged.
func (h *Harness) resolve(name string) string {
	if id, ok := h.aliases[name]; ok {
		return id
	}
	return name
}

func (h *Harness) bind(alias, id string) {
	if alias != "" && id != "" {
		h.aliases[alias] = id
	}
}

func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) {
	ev := TraceEvent{Op: step.Op, Thread: h.resolve(step.Thread)}
	err := h.apply(ctx, step, &ev)

	switch {
	case err != nil:
		ev.Error = errorCode(err)
		if step.Expect == nil {
			result.AddError(fmt.Sprintf("steps[%d] %s: %v", i, step.Op, err))
		} else if ev.Error != step.Expect.Error {
			result.AddError(fmt.Sprintf("steps[%d] %s: expected %s, got %v", i, step.Op, step.Expect.Error, err))
		}
	case step.Expect != nil:
		result.AddError(fmt.Sprintf("steps[%d] %s: expected %s, got success", i, step.Op, step.Expect.Error))
	}
	result.addTrace(ev)

	h.logger.Debug("scenario step",
		"step", i,
		"op", step.Op,
		"thread", ev.Thread,
		"id", ev.ID,
		"error", ev.Error,
	)
}

func (h *Harness) apply(ctx context.Context, step Step, ev *TraceEvent) error {
	thread := h.resolve(step.Thread)

	switch step.Op {
	case OpCreateThread:
		t, err := h.ws.CreateThread(ctx, step.Title, h.resolve(step.Parent))
		if err != nil {
			return err
		}
		ev.Thread, ev.ID = t.ID, t.ID
		h.bind(step.As, t.ID)

	case OpRename:
		return h.ws.RenameThread(ctx, thread, step.Title)

	case OpDeleteThread:
		_, err := h.ws.DeleteThread(ctx, thread)
		return err

	case OpAppend:
		e, err := h.ws.AppendMessage(ctx, thread, app.MessageInput{
			Role:     ir.Role(step.Role),
			Content:  step.Content,
			ParentID: h.resolve(step.Parent),
		})
		if err != nil {
			return err
		}
		ev.ID = e.ID
		h.bind(step.As, e.ID)

	case OpSend:
		res, err := h.ws.SendMessage(ctx, thread, app.SendInput{
			Content:  step.Content,
			ParentID: h.resolve(step.Parent),
		})
		if res.Message.ID != "" {
			ev.ID = res.Message.ID
			h.bind(step.As, res.Message.ID)
		}
		if err != nil {
			return err
		}
		h.awaitReply(res.StreamID, step.ReplyAs, ev)

	case OpRegenerate:
		streamID, err := h.ws.Regenerate(ctx, thread, h.resolve(step.Parent), "")
		if err != nil {
			return err
		}
		h.awaitReply(streamID, step.ReplyAs, ev)

	case OpEdit:
		_, err := h.ws.EditMessage(ctx, thread, h.resolve(step.Message), step.Content)
		return err

	case OpDeleteMessage:
		return h.ws.DeleteMessage(ctx, thread, h.resolve(step.Message))

	case OpSelect:
		return h.ws.SelectBranch(ctx, thread, h.resolve(step.Parent), step.Index)

	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
	return nil
}

// awaitReply waits for every stream to finish, then scans the buffered
// notifications for the outcome of streamID.
func (h *Harness) awaitReply(streamID, alias string, ev *TraceEvent) {
	h.ws.WaitStreams()
	for {
		select {
		case n := <-h.events:
			if n.StreamID != streamID {
				continue
			}
			switch n.Kind {
			case notify.StreamComplete:
				ev.Reply = n.Message.ID
				h.bind(alias, n.Message.ID)
			case notify.StreamError:
				ev.StreamError = n.Error
			}
		default:
			return
		}
	}
}

func (h *Harness) collectViews(ctx context.Context, result *Result) error {
	x, err := h.ws.Threads(ctx)
	if err != nil {
		return err
	}
	for alias, id := range h.aliases {
		if _, ok := x.Threads[id]; !ok {
			continue
		}
		view, err := h.ws.Conversation(ctx, id)
		if err != nil {
			return fmt.Errorf("reduce %s: %w", alias, err)
		}
		result.Views[alias] = view
	}
	return nil
}

func errorCode(err error) string {
	var e *ir.Error
	if errors.As(err, &e) {
		return string(e.Code)
	}
	return "ERROR"
}

// replayProvider hands out scenario replies in order, then falls back to
// echoing.
type replayProvider struct {
	mu      sync.Mutex
	replies []Reply
	next    int
}

func (p *replayProvider) Name() string {
	return "scenario"
}

func (p *replayProvider) Stream(ctx context.Context, req *provider.Request) (provider.Stream, error) {
	p.mu.Lock()
	if p.next >= len(p.replies) {
		p.mu.Unlock()
		return provider.Echo{}.Stream(ctx, req)
	}
	r := p.replies[p.next]
	p.next++
	p.mu.Unlock()

	s := &provider.Scripted{Steps: r.steps()}
	return s.Stream(ctx, req)
}

func (r Reply) steps() []provider.Step {
	var steps []provider.Step
	for _, t := range r.Reasoning {
		steps = append(steps, provider.Step{Inc: provider.Reasoning(t)})
	}
	for _, t := range r.Deltas {
		steps = append(steps, provider.Step{Inc: provider.Content(t)})
	}
	if r.Error != "" {
		steps = append(steps, provider.Step{Err: errors.New(r.Error)})
	}
	return steps
}
