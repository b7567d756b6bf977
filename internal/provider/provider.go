// Package provider adapts AI completion backends to a single pull-based
// streaming interface.
package provider

import (
	"context"
	"fmt"

	"github.com/roach88/convo/internal/ir"
)

// Kind is the type of an Increment.
type Kind int

const (
	KindContent Kind = iota + 1
	KindReasoning
	KindUsage
)

func (k Kind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindReasoning:
		return "reasoning"
	case KindUsage:
		return "usage"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Increment is one item of a completion stream. Text is set for content and
// reasoning increments, Usage for usage snapshots.
type Increment struct {
	Kind  Kind
	Text  string
	Usage ir.Usage
}

// Content is shorthand for a content increment.
func Content(s string) Increment { return Increment{Kind: KindContent, Text: s} }

// Reasoning is shorthand for a reasoning increment.
func Reasoning(s string) Increment { return Increment{Kind: KindReasoning, Text: s} }

// UsageSnapshot is shorthand for a usage increment.
func UsageSnapshot(u ir.Usage) Increment { return Increment{Kind: KindUsage, Usage: u} }

// Message is one prior turn sent as context.
type Message struct {
	Role    ir.Role
	Content string
}

// Request is a streaming completion request.
type Request struct {
	Model     string
	Messages  []Message
	MaxTokens int
}

// Stream yields increments until Recv returns io.EOF (normal completion) or
// another error. Implementations must stop producing once the context passed
// to Provider.Stream is cancelled.
type Stream interface {
	Recv() (Increment, error)
	Close() error
}

// Provider starts completion streams.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req *Request) (Stream, error)
}

// Type names a provider implementation.
type Type string

const (
	TypeOpenAI    Type = "openai"
	TypeAnthropic Type = "anthropic"
	TypeEcho      Type = "echo"
)

// Config holds what is needed to construct a Provider.
type Config struct {
	Type    Type
	APIKey  string
	BaseURL string
}

// New constructs a provider from cfg.
func New(cfg Config) (Provider, error) {
	switch cfg.Type {
	case TypeOpenAI:
		return NewOpenAI(cfg.APIKey, cfg.BaseURL)
	case TypeAnthropic:
		return NewAnthropic(cfg.APIKey, cfg.BaseURL)
	case TypeEcho:
		return Echo{}, nil
	default:
		return nil, ir.NewError(ir.ErrCodeNotFound, "provider.new", "", fmt.Errorf("unknown provider type %q", cfg.Type))
	}
}

// Failure wraps a backend error as a provider error.
func Failure(op string, err error) error {
	if err == nil {
		return nil
	}
	return ir.NewError(ir.ErrCodeProvider, op, "", err)
}

const defaultMaxTokens = 4096

func maxTokens(req *Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return defaultMaxTokens
}
