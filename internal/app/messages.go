package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/roach88/convo/internal/conversation"
	"github.com/roach88/convo/internal/ir"
)

// MessageInput describes a message to append.
type MessageInput struct {
	Role        ir.Role
	Content     string
	ParentID    string
	Attachments []ir.Attachment
}

// titleLimit bounds generated thread titles, in runes.
const titleLimit = 60

func (w *Workspace) requireThread(ctx context.Context, op, threadID string) (ir.Thread, error) {
	if err := checkThreadID(op, threadID); err != nil {
		return ir.Thread{}, err
	}
	t, err := w.threads.Get(ctx, threadID)
	if err != nil {
		return ir.Thread{}, err
	}
	return t, nil
}

// folded reads a thread's log and returns the surviving revisions keyed by
// ID plus the raw events.
func (w *Workspace) folded(ctx context.Context, threadID string) (map[string]ir.Event, []ir.Event, error) {
	l, err := w.log(threadID)
	if err != nil {
		return nil, nil, err
	}
	events, err := l.Read(ctx)
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[string]ir.Event)
	for _, e := range conversation.Fold(events) {
		byID[e.ID] = e
	}
	return byID, events, nil
}

// AppendMessage appends a new message. ParentID, if set, must name a
// surviving message in the thread.
func (w *Workspace) AppendMessage(ctx context.Context, threadID string, in MessageInput) (ir.Event, error) {
	const op = "workspace.append"
	t, err := w.requireThread(ctx, op, threadID)
	if err != nil {
		return ir.Event{}, err
	}
	if !ir.ValidRoles[in.Role] {
		return ir.Event{}, ir.NewError(ir.ErrCodeValidation, op, "", fmt.Errorf("invalid role %q", in.Role))
	}
	if err := checkAttachmentRefs(op, threadID, in.Attachments); err != nil {
		return ir.Event{}, err
	}
	if in.ParentID != "" {
		byID, _, err := w.folded(ctx, threadID)
		if err != nil {
			return ir.Event{}, err
		}
		if _, ok := byID[in.ParentID]; !ok {
			return ir.Event{}, ir.NewError(ir.ErrCodeNotFound, op, "", fmt.Errorf("message %q", in.ParentID))
		}
	}

	at := w.timestamp()
	e := ir.Event{
		ID:          w.ids.Generate(),
		Role:        in.Role,
		Content:     in.Content,
		CreatedAt:   at,
		UpdatedAt:   at,
		ParentID:    ir.Ref(in.ParentID),
		Attachments: in.Attachments,
	}
	if err := w.appendEvent(ctx, threadID, e); err != nil {
		return ir.Event{}, err
	}

	if in.Role == ir.RoleUser && t.Title == "" && !t.Renamed {
		if err := w.threads.SetTitle(ctx, threadID, deriveTitle(in.Content)); err != nil {
			w.logger.Warn("failed to set thread title", "thread_id", threadID, "error", err)
		}
	}
	return e, nil
}

func (w *Workspace) appendEvent(ctx context.Context, threadID string, e ir.Event) error {
	l, err := w.log(threadID)
	if err != nil {
		return err
	}
	if err := l.Append(ctx, e); err != nil {
		return err
	}
	w.metrics.EventAppended()
	if err := w.threads.Touch(ctx, threadID, e.UpdatedAt); err != nil && !ir.IsNotFound(err) {
		w.logger.Warn("failed to touch thread", "thread_id", threadID, "error", err)
	}
	return nil
}

// EditMessage appends a new revision of msgID with the given content.
func (w *Workspace) EditMessage(ctx context.Context, threadID, msgID, content string) (ir.Event, error) {
	const op = "workspace.edit"
	if _, err := w.requireThread(ctx, op, threadID); err != nil {
		return ir.Event{}, err
	}
	byID, _, err := w.folded(ctx, threadID)
	if err != nil {
		return ir.Event{}, err
	}
	cur, ok := byID[msgID]
	if !ok {
		return ir.Event{}, ir.NewError(ir.ErrCodeNotFound, op, "", fmt.Errorf("message %q", msgID))
	}

	cur.Content = content
	cur.UpdatedAt = w.timestamp()
	if err := w.appendEvent(ctx, threadID, cur); err != nil {
		return ir.Event{}, err
	}
	return cur, nil
}

// DeleteMessage appends a tombstone for msgID. Replies beneath it drop out
// of the conversation with it.
func (w *Workspace) DeleteMessage(ctx context.Context, threadID, msgID string) error {
	const op = "workspace.delete_message"
	if _, err := w.requireThread(ctx, op, threadID); err != nil {
		return err
	}
	byID, _, err := w.folded(ctx, threadID)
	if err != nil {
		return err
	}
	cur, ok := byID[msgID]
	if !ok {
		return ir.NewError(ir.ErrCodeNotFound, op, "", fmt.Errorf("message %q", msgID))
	}
	return w.appendEvent(ctx, threadID, ir.Tombstone(cur, w.timestamp()))
}

// Conversation reduces a thread's log with its persisted branch selections.
func (w *Workspace) Conversation(ctx context.Context, threadID string) (conversation.View, error) {
	if _, err := w.requireThread(ctx, "workspace.conversation", threadID); err != nil {
		return conversation.View{}, err
	}
	l, err := w.log(threadID)
	if err != nil {
		return conversation.View{}, err
	}
	events, err := l.Read(ctx)
	if err != nil {
		return conversation.View{}, err
	}
	overrides, err := w.overrides(ctx, threadID)
	if err != nil {
		return conversation.View{}, err
	}
	return conversation.Reduce(events, overrides), nil
}

// Events returns a thread's raw log.
func (w *Workspace) Events(ctx context.Context, threadID string) ([]ir.Event, error) {
	if _, err := w.requireThread(ctx, "workspace.events", threadID); err != nil {
		return nil, err
	}
	l, err := w.log(threadID)
	if err != nil {
		return nil, err
	}
	return l.Read(ctx)
}

// pathTo returns the ancestry of id, root first, ending with id.
func pathTo(byID map[string]ir.Event, id string) ([]ir.Event, error) {
	var rev []ir.Event
	seen := make(map[string]bool)
	for cur := id; cur != ""; {
		if seen[cur] {
			return nil, errors.New("cycle in message ancestry")
		}
		seen[cur] = true
		e, ok := byID[cur]
		if !ok {
			return nil, fmt.Errorf("message %q is not reachable", cur)
		}
		rev = append(rev, e)
		cur = e.Parent()
	}
	out := make([]ir.Event, len(rev))
	for i, e := range rev {
		out[len(rev)-1-i] = e
	}
	return out, nil
}

func deriveTitle(content string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(content), "\n")
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) <= titleLimit {
		return line
	}
	r := []rune(line)
	return strings.TrimSpace(string(r[:titleLimit])) + "…"
}
