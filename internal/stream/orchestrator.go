package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/convo/internal/ids"
	"github.com/roach88/convo/internal/ir"
	"github.com/roach88/convo/internal/metrics"
	"github.com/roach88/convo/internal/notify"
	"github.com/roach88/convo/internal/provider"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("stream: orchestrator closed")

// Appender is the log a completed reply is written to.
// *eventlog.Log implements it.
type Appender interface {
	Append(ctx context.Context, e ir.Event) error
}

// LogOpener returns the event log for a thread.
type LogOpener func(threadID string) (Appender, error)

// CommitHook runs after a reply has been appended.
type CommitHook func(ctx context.Context, threadID string, e ir.Event)

// StartRequest describes one completion to run.
type StartRequest struct {
	ThreadID   string
	ParentID   string
	ModelID    string
	ProviderID string
	Provider   provider.Provider
	Request    provider.Request
}

// SessionInfo is the externally visible part of a running session.
type SessionInfo struct {
	StreamID   string    `json:"stream_id"`
	ThreadID   string    `json:"thread_id"`
	ParentID   string    `json:"parent_id"`
	ModelID    string    `json:"model_id"`
	ProviderID string    `json:"provider_id"`
	StartedAt  time.Time `json:"started_at"`
}

type outcome int

const (
	outcomeComplete outcome = iota
	outcomeError
	outcomeCancelled
)

func (o outcome) String() string {
	switch o {
	case outcomeComplete:
		return metrics.StatusComplete
	case outcomeError:
		return metrics.StatusError
	default:
		return metrics.StatusCancelled
	}
}

type session struct {
	info   SessionInfo
	log    Appender
	prov   provider.Provider
	req    provider.Request
	cancel context.CancelFunc
	done   chan struct{}

	// mu guards everything below. cancelled and committing are mutually
	// exclusive: whichever is set first wins.
	mu         sync.Mutex
	cancelled  bool
	committing bool
	content    strings.Builder
	reasoning  strings.Builder
	usage      ir.Usage
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the time source for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithIDGenerator sets the generator for stream and message IDs.
func WithIDGenerator(g ids.Generator) Option {
	return func(o *Orchestrator) {
		o.ids = g
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithPublisher sets where delta/reasoning/complete/error notifications go.
func WithPublisher(p notify.Publisher) Option {
	return func(o *Orchestrator) {
		o.pub = p
	}
}

// WithCommitHook registers fn to run after each successful append.
func WithCommitHook(fn CommitHook) Option {
	return func(o *Orchestrator) {
		o.onCommit = fn
	}
}

// Orchestrator owns the set of in-flight streams.
type Orchestrator struct {
	logs     LogOpener
	pub      notify.Publisher
	now      func() time.Time
	ids      ids.Generator
	logger   *slog.Logger
	metrics  *metrics.Metrics
	onCommit CommitHook

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// New creates an Orchestrator that commits replies through logs.
func New(logs LogOpener, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logs:     logs,
		pub:      notify.Discard,
		now:      time.Now,
		ids:      ids.UUIDv7{},
		logger:   slog.Default(),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start registers a session and begins consuming the provider in a new
// goroutine. It returns once the session is registered; everything after
// that is reported through notifications.
//
// The session is detached from ctx's cancellation (but keeps its values):
// a stream outlives the request that started it and ends only by
// completion, error, Stop or Close.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (string, error) {
	if req.ThreadID == "" {
		return "", ir.NewError(ir.ErrCodeValidation, "stream.start", "", errors.New("thread id is required"))
	}
	if req.Provider == nil {
		return "", ir.NewError(ir.ErrCodeNotFound, "stream.start", "", fmt.Errorf("provider %q", req.ProviderID))
	}

	log, err := o.logs(req.ThreadID)
	if err != nil {
		return "", fmt.Errorf("stream.start: %w", err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		info: SessionInfo{
			StreamID:   o.ids.Generate(),
			ThreadID:   req.ThreadID,
			ParentID:   req.ParentID,
			ModelID:    req.ModelID,
			ProviderID: req.ProviderID,
			StartedAt:  o.now().UTC(),
		},
		log:    log,
		prov:   req.Provider,
		req:    req.Request,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if s.req.Model == "" {
		s.req.Model = req.ModelID
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	o.sessions[s.info.StreamID] = s
	o.wg.Add(1)
	o.mu.Unlock()

	o.metrics.StreamStarted()
	o.logger.Info("stream started",
		"stream_id", s.info.StreamID,
		"thread_id", s.info.ThreadID,
		"model_id", s.info.ModelID,
		"provider", req.Provider.Name(),
	)

	go o.run(sctx, s)
	return s.info.StreamID, nil
}

// Stop cancels a running stream. It returns true if the stream was running
// and is now guaranteed never to append; false if it is unknown, already
// stopped, or already committing its reply.
func (o *Orchestrator) Stop(streamID string) bool {
	o.mu.Lock()
	s, ok := o.sessions[streamID]
	o.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	if s.cancelled || s.committing {
		s.mu.Unlock()
		return false
	}
	s.cancelled = true
	s.mu.Unlock()

	s.cancel()
	o.deregister(s)
	o.logger.Info("stream stopped", "stream_id", streamID, "thread_id", s.info.ThreadID)
	return true
}

// StopThread stops every stream running for threadID and returns how many
// were stopped.
func (o *Orchestrator) StopThread(threadID string) int {
	n := 0
	for _, info := range o.Active() {
		if info.ThreadID == threadID && o.Stop(info.StreamID) {
			n++
		}
	}
	return n
}

// Active lists running sessions ordered by start time, then ID.
func (o *Orchestrator) Active() []SessionInfo {
	o.mu.Lock()
	out := make([]SessionInfo, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s.info)
	}
	o.mu.Unlock()

	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.StreamID, b.StreamID)
	})
	return out
}

// Get returns a running session.
func (o *Orchestrator) Get(streamID string) (SessionInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[streamID]
	if !ok {
		return SessionInfo{}, false
	}
	return s.info, true
}

// WaitThread blocks until every session still registered for threadID has
// finished. Stopped sessions are already deregistered and never append, so
// after StopThread this waits only for replies that were committing.
func (o *Orchestrator) WaitThread(threadID string) {
	o.mu.Lock()
	var pending []chan struct{}
	for _, s := range o.sessions {
		if s.info.ThreadID == threadID {
			pending = append(pending, s.done)
		}
	}
	o.mu.Unlock()

	for _, done := range pending {
		<-done
	}
}

// Wait blocks until every started session has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close stops all running streams, refuses new ones, and waits for the
// session goroutines to exit. Replies already committing are allowed to
// finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	for _, info := range o.Active() {
		o.Stop(info.StreamID)
	}
	o.Wait()
}

func (o *Orchestrator) deregister(s *session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.sessions[s.info.StreamID]; ok && cur == s {
		delete(o.sessions, s.info.StreamID)
	}
}

func (o *Orchestrator) run(ctx context.Context, s *session) {
	start := time.Now()
	defer o.wg.Done()
	defer close(s.done)
	defer s.cancel()
	defer o.deregister(s)

	result, err := o.consume(ctx, s)
	switch result {
	case outcomeComplete:
		result, err = o.commit(ctx, s)
	case outcomeError:
		if !s.finish() {
			result = outcomeCancelled
		}
	}

	s.mu.Lock()
	usage := s.usage
	s.mu.Unlock()
	o.metrics.StreamFinished(s.prov.Name(), s.info.ModelID, result.String(),
		time.Since(start).Seconds(), usage.InputTokens, usage.OutputTokens)

	switch result {
	case outcomeError:
		o.logger.Error("stream failed",
			"stream_id", s.info.StreamID,
			"thread_id", s.info.ThreadID,
			"error", err,
		)
		o.pub.Publish(notify.Notification{
			Kind:     notify.StreamError,
			ThreadID: s.info.ThreadID,
			StreamID: s.info.StreamID,
			Error:    err.Error(),
		})
	case outcomeCancelled:
		o.logger.Debug("stream cancelled", "stream_id", s.info.StreamID)
	}
}

// consume pulls increments until the provider finishes. It returns
// outcomeComplete on io.EOF.
func (o *Orchestrator) consume(ctx context.Context, s *session) (outcome, error) {
	st, err := s.prov.Stream(ctx, &s.req)
	if err != nil {
		if s.isCancelled() {
			return outcomeCancelled, nil
		}
		return outcomeError, err
	}
	defer st.Close()

	for {
		inc, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return outcomeComplete, nil
		}
		if err != nil {
			if s.isCancelled() {
				return outcomeCancelled, nil
			}
			return outcomeError, err
		}
		if !o.apply(s, inc) {
			return outcomeCancelled, nil
		}
	}
}

// apply buffers one increment and publishes it. It returns false, doing
// nothing, once the session has been cancelled.
func (o *Orchestrator) apply(s *session, inc provider.Increment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return false
	}

	n := notify.Notification{ThreadID: s.info.ThreadID, StreamID: s.info.StreamID, Text: inc.Text}
	switch inc.Kind {
	case provider.KindContent:
		s.content.WriteString(inc.Text)
		n.Kind = notify.StreamDelta
	case provider.KindReasoning:
		s.reasoning.WriteString(inc.Text)
		n.Kind = notify.StreamReasoning
	case provider.KindUsage:
		s.usage = inc.Usage
		return true
	default:
		return true
	}
	o.pub.Publish(n)
	return true
}

// commit appends the buffered reply. Once committing is set, Stop can no
// longer claim the session.
func (o *Orchestrator) commit(ctx context.Context, s *session) (outcome, error) {
	if !s.finish() {
		return outcomeCancelled, nil
	}
	s.mu.Lock()
	at := o.now().UTC()
	e := ir.Event{
		ID:         o.ids.Generate(),
		Role:       ir.RoleAssistant,
		Content:    s.content.String(),
		Reasoning:  s.reasoning.String(),
		CreatedAt:  at,
		UpdatedAt:  at,
		ParentID:   ir.Ref(s.info.ParentID),
		ModelID:    s.info.ModelID,
		ProviderID: s.info.ProviderID,
	}
	if s.usage != (ir.Usage{}) {
		u := s.usage
		e.Usage = &u
	}
	s.mu.Unlock()

	wctx := context.WithoutCancel(ctx)
	if err := s.log.Append(wctx, e); err != nil {
		return outcomeError, fmt.Errorf("commit reply: %w", err)
	}
	o.metrics.EventAppended()

	o.logger.Info("stream complete",
		"stream_id", s.info.StreamID,
		"thread_id", s.info.ThreadID,
		"message_id", e.ID,
		"bytes", len(e.Content),
	)
	if o.onCommit != nil {
		o.onCommit(wctx, s.info.ThreadID, e)
	}
	o.pub.Publish(notify.Notification{
		Kind:     notify.StreamComplete,
		ThreadID: s.info.ThreadID,
		StreamID: s.info.StreamID,
		Message:  &e,
	})
	return outcomeComplete, nil
}

// finish claims the session for a terminal outcome. It returns false if
// Stop got there first.
func (s *session) finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return false
	}
	s.committing = true
	return true
}

func (s *session) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}
