package provider

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/roach88/convo/internal/ir"
)

// Step is one scripted stream item: an increment, or an error that ends the
// stream.
type Step struct {
	Inc Increment
	Err error
}

// Scripted replays a fixed sequence of steps. It is used by tests and by
// the replay tooling.
//
// If Gate is non-nil each step waits for a value on Gate (or for the stream
// context to end) before it is delivered, letting callers interleave
// assertions with delivery.
type Scripted struct {
	Steps []Step
	Gate  <-chan struct{}

	// StartErr, when set, is returned from Stream itself.
	StartErr error

	mu       sync.Mutex
	requests []Request
}

// Script builds a Scripted provider that yields the given increments and
// then completes normally.
func Script(incs ...Increment) *Scripted {
	s := &Scripted{}
	for _, inc := range incs {
		s.Steps = append(s.Steps, Step{Inc: inc})
	}
	return s
}

func (p *Scripted) Name() string {
	return "scripted"
}

func (p *Scripted) Stream(ctx context.Context, req *Request) (Stream, error) {
	p.mu.Lock()
	p.requests = append(p.requests, *req)
	p.mu.Unlock()

	if p.StartErr != nil {
		return nil, Failure("provider.scripted", p.StartErr)
	}
	return &scriptedStream{ctx: ctx, steps: p.Steps, gate: p.Gate}, nil
}

// Requests returns every request received so far.
func (p *Scripted) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.requests...)
}

type scriptedStream struct {
	ctx   context.Context
	steps []Step
	gate  <-chan struct{}
	pos   int
}

func (s *scriptedStream) Recv() (Increment, error) {
	if err := s.ctx.Err(); err != nil {
		return Increment{}, err
	}
	if s.pos >= len(s.steps) {
		return Increment{}, io.EOF
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-s.ctx.Done():
			return Increment{}, s.ctx.Err()
		}
	}
	step := s.steps[s.pos]
	s.pos++
	if step.Err != nil {
		return Increment{}, Failure("provider.scripted", step.Err)
	}
	return step.Inc, nil
}

func (s *scriptedStream) Close() error {
	return nil
}

// Echo replies with the last user message, one word per increment. It needs
// no credentials and is the default for offline use.
type Echo struct{}

func (Echo) Name() string {
	return string(TypeEcho)
}

func (Echo) Stream(ctx context.Context, req *Request) (Stream, error) {
	var last string
	for _, m := range req.Messages {
		if m.Role == ir.RoleUser {
			last = m.Content
		}
	}

	var steps []Step
	for i, w := range strings.Fields(last) {
		if i > 0 {
			w = " " + w
		}
		steps = append(steps, Step{Inc: Content(w)})
	}
	words := int64(len(steps))
	steps = append(steps, Step{Inc: UsageSnapshot(ir.Usage{InputTokens: words, OutputTokens: words})})
	return &scriptedStream{ctx: ctx, steps: steps}, nil
}
