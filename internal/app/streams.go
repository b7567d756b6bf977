package app

import (
	"context"
	"fmt"

	"github.com/roach88/convo/internal/ir"
	"github.com/roach88/convo/internal/provider"
	"github.com/roach88/convo/internal/stream"
)

// SendInput is a user turn to append and answer.
type SendInput struct {
	Content     string
	ModelID     string
	Attachments []ir.Attachment

	// ParentID overrides where the user message attaches. Empty continues
	// the active path.
	ParentID string
}

// SendResult identifies the appended user message and the reply stream.
type SendResult struct {
	Message  ir.Event `json:"message"`
	StreamID string   `json:"stream_id"`
}

// SendMessage appends a user message at the end of the active path (or
// under in.ParentID) and starts an assistant reply to it. The reply arrives
// through stream notifications and is appended once complete.
func (w *Workspace) SendMessage(ctx context.Context, threadID string, in SendInput) (SendResult, error) {
	parent := in.ParentID
	if parent == "" {
		view, err := w.Conversation(ctx, threadID)
		if err != nil {
			return SendResult{}, err
		}
		if n := len(view.Messages); n > 0 {
			parent = view.Messages[n-1].ID
		}
	}

	msg, err := w.AppendMessage(ctx, threadID, MessageInput{
		Role:        ir.RoleUser,
		Content:     in.Content,
		ParentID:    parent,
		Attachments: in.Attachments,
	})
	if err != nil {
		return SendResult{}, err
	}

	streamID, err := w.startReply(ctx, threadID, msg.ID, in.ModelID)
	if err != nil {
		return SendResult{Message: msg}, err
	}
	return SendResult{Message: msg, StreamID: streamID}, nil
}

// Regenerate starts another reply to parentID. The new reply becomes a
// sibling of any existing ones.
func (w *Workspace) Regenerate(ctx context.Context, threadID, parentID, modelID string) (string, error) {
	if _, err := w.requireThread(ctx, "workspace.regenerate", threadID); err != nil {
		return "", err
	}
	return w.startReply(ctx, threadID, parentID, modelID)
}

func (w *Workspace) startReply(ctx context.Context, threadID, parentID, modelID string) (string, error) {
	const op = "workspace.reply"
	if modelID == "" {
		modelID = w.defaultModel
	}

	t, err := w.threads.Get(ctx, threadID)
	if err != nil {
		return "", err
	}
	byID, _, err := w.folded(ctx, threadID)
	if err != nil {
		return "", err
	}
	if _, ok := byID[parentID]; !ok {
		return "", ir.NewError(ir.ErrCodeNotFound, op, "", fmt.Errorf("message %q", parentID))
	}
	chain, err := pathTo(byID, parentID)
	if err != nil {
		return "", ir.NewError(ir.ErrCodeValidation, op, "", err)
	}

	m, p, err := w.registry.Resolve(ctx, modelID)
	if err != nil {
		return "", err
	}
	prov, err := w.factory(p)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return w.orch.Start(ctx, stream.StartRequest{
		ThreadID:   threadID,
		ParentID:   parentID,
		ModelID:    m.ID,
		ProviderID: p.ID,
		Provider:   prov,
		Request: provider.Request{
			Model:     m.Name,
			Messages:  history(t.SystemPrompt, chain),
			MaxTokens: m.MaxTokens,
		},
	})
}

// history converts an ancestor chain into provider context.
func history(systemPrompt string, chain []ir.Event) []provider.Message {
	msgs := make([]provider.Message, 0, len(chain)+1)
	if systemPrompt != "" {
		msgs = append(msgs, provider.Message{Role: ir.RoleSystem, Content: systemPrompt})
	}
	for _, e := range chain {
		if e.Content == "" {
			continue
		}
		msgs = append(msgs, provider.Message{Role: e.Role, Content: e.Content})
	}
	return msgs
}

// StopStream cancels a running reply. It reports whether the stream was
// stopped before it could write anything.
func (w *Workspace) StopStream(streamID string) bool {
	return w.orch.Stop(streamID)
}

// Streams lists running replies.
func (w *Workspace) Streams() []stream.SessionInfo {
	return w.orch.Active()
}

// Stream returns a running reply.
func (w *Workspace) Stream(streamID string) (stream.SessionInfo, bool) {
	return w.orch.Get(streamID)
}

// WaitStreams blocks until every running reply has finished.
func (w *Workspace) WaitStreams() {
	w.orch.Wait()
}
