package provider

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/roach88/convo/internal/ir"
)

// Anthropic streams messages from the Anthropic API.
type Anthropic struct {
	client *anthropic.Client
}

// NewAnthropic creates an Anthropic provider. baseURL may be empty.
func NewAnthropic(apiKey, baseURL string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...)}, nil
}

func (p *Anthropic) Name() string {
	return string(TypeAnthropic)
}

func (p *Anthropic) Stream(ctx context.Context, req *Request) (Stream, error) {
	stream := p.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     anthropic.F(req.Model),
		MaxTokens: anthropic.F(int64(maxTokens(req))),
		Messages:  anthropic.F(anthropicMessages(req.Messages)),
	})
	if err := stream.Err(); err != nil {
		return nil, Failure("provider.anthropic", err)
	}
	return &anthropicStream{stream: stream}, nil
}

// anthropicMessages converts history. The Messages API has no system role in
// the turn list, so system text is prefixed onto the next user turn.
func anthropicMessages(in []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var system []string
	for _, msg := range in {
		if msg.Role == ir.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		content := msg.Content
		if msg.Role == ir.RoleUser && len(system) > 0 {
			content = strings.Join(append(system, content), "\n\n")
			system = nil
		}
		out = append(out, anthropic.MessageParam{
			Role: anthropic.F(anthropic.MessageParamRole(msg.Role)),
			Content: anthropic.F([]anthropic.ContentBlockParamUnion{
				anthropic.TextBlockParam{
					Type: anthropic.F(anthropic.TextBlockParamTypeText),
					Text: anthropic.F(content),
				},
			}),
		})
	}
	return out
}

type anthropicStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEvent]
}

func (s *anthropicStream) Recv() (Increment, error) {
	for s.stream.Next() {
		event := s.stream.Current()

		switch event.Type {
		case anthropic.MessageStreamEventTypeContentBlockDelta:
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				return Content(event.Delta.Text), nil
			}
		case anthropic.MessageStreamEventTypeMessageDelta:
			return UsageSnapshot(ir.Usage{OutputTokens: int64(event.Usage.OutputTokens)}), nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return Increment{}, Failure("provider.anthropic", err)
	}
	return Increment{}, io.EOF
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}
