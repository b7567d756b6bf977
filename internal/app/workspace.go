// Package app is the workspace service: it owns a data directory and wires
// the thread index, per-thread event logs, branch selections, the model
// registry and the stream orchestrator behind one API used by the CLI and
// the HTTP server.
//
// Layout under the data root:
//
//	threads.json                       thread index
//	ui-state.json                      branch selections
//	registry.db                        models and providers
//	threads/<id>/events.jsonl          event log
//	threads/<id>/attachments/<name>    attachment files
//	.import/stage-*/                   archives being imported
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/convo/internal/docstore"
	"github.com/roach88/convo/internal/eventlog"
	"github.com/roach88/convo/internal/ids"
	"github.com/roach88/convo/internal/ir"
	"github.com/roach88/convo/internal/metrics"
	"github.com/roach88/convo/internal/notify"
	"github.com/roach88/convo/internal/pathscope"
	"github.com/roach88/convo/internal/provider"
	"github.com/roach88/convo/internal/registry"
	"github.com/roach88/convo/internal/schema"
	"github.com/roach88/convo/internal/stream"
	"github.com/roach88/convo/internal/threads"
)

// Relative paths owned by the workspace.
const (
	UIStatePath = "ui-state.json"
	ThreadsDir  = "threads"

	// ImportDir holds archives being staged by Import.
	ImportDir = ".import"
)

// ScopeRules is the allow-list every file operation is checked against.
var ScopeRules = []string{
	threads.IndexPath,
	UIStatePath,
	registry.DefaultPath,
	ThreadsDir + "/",
	ImportDir + "/",
}

// DefaultModelID is seeded into an empty registry so chat works offline.
const DefaultModelID = "echo"

// ProviderFactory builds a live provider from a registry record.
type ProviderFactory func(p registry.Provider) (provider.Provider, error)

// Option configures a Workspace.
type Option func(*Workspace)

// WithClock sets the time source for event and thread timestamps.
func WithClock(now func() time.Time) Option {
	return func(w *Workspace) {
		w.now = now
	}
}

// WithIDGenerator sets the generator for thread, message and stream IDs.
func WithIDGenerator(g ids.Generator) Option {
	return func(w *Workspace) {
		w.ids = g
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Workspace) {
		w.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Workspace) {
		w.metrics = m
	}
}

// WithProviderFactory overrides how registry providers become live clients.
func WithProviderFactory(f ProviderFactory) Option {
	return func(w *Workspace) {
		w.factory = f
	}
}

// WithAPIKeys supplies fallback credentials by provider type, used when a
// registry entry has no key of its own.
func WithAPIKeys(keys map[provider.Type]string) Option {
	return func(w *Workspace) {
		w.keys = keys
	}
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(id string) Option {
	return func(w *Workspace) {
		w.defaultModel = id
	}
}

// Workspace is an open data directory.
type Workspace struct {
	scope    *pathscope.Scope
	threads  *threads.Store
	ui       *docstore.Document[UIState]
	registry *registry.Registry
	orch     *stream.Orchestrator
	bus      *notify.Bus

	now          func() time.Time
	ids          ids.Generator
	logger       *slog.Logger
	metrics      *metrics.Metrics
	factory      ProviderFactory
	keys         map[provider.Type]string
	defaultModel string
}

// Open opens (creating if needed) the workspace rooted at root.
func Open(ctx context.Context, root string, opts ...Option) (*Workspace, error) {
	w := &Workspace{
		now:          time.Now,
		ids:          ids.UUIDv7{},
		logger:       slog.Default(),
		defaultModel: DefaultModelID,
		bus:          notify.NewBus(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.factory == nil {
		w.factory = w.defaultFactory
	}

	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	scope, err := pathscope.New(root, ScopeRules...)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	w.scope = scope

	w.threads, err = threads.NewStore(scope, w.logger,
		threads.WithPublisher(w.bus),
		threads.WithClock(w.now),
	)
	if err != nil {
		return nil, err
	}

	w.ui, err = docstore.New(scope, UIStatePath, NewUIState(), schema.UIState(), docstore.WithLogger(w.logger))
	if err != nil {
		return nil, err
	}

	w.registry, err = registry.Open(scope, registry.DefaultPath)
	if err != nil {
		return nil, err
	}
	if err := w.seedRegistry(ctx); err != nil {
		w.registry.Close()
		return nil, err
	}

	w.orch = stream.New(w.openLog,
		stream.WithPublisher(w.bus),
		stream.WithClock(w.now),
		stream.WithIDGenerator(w.ids),
		stream.WithLogger(w.logger),
		stream.WithMetrics(w.metrics),
		stream.WithCommitHook(w.afterCommit),
	)

	w.logger.Debug("workspace opened", "root", scope.Root())
	return w, nil
}

// Close stops all streams and releases resources.
func (w *Workspace) Close() error {
	w.orch.Close()
	w.bus.Close()
	return w.registry.Close()
}

// Root returns the data directory.
func (w *Workspace) Root() string {
	return w.scope.Root()
}

// Scope returns the workspace allow-list.
func (w *Workspace) Scope() *pathscope.Scope {
	return w.scope
}

// Registry exposes the model and provider tables.
func (w *Workspace) Registry() *registry.Registry {
	return w.registry
}

// Subscribe attaches to thread and stream notifications. Late subscribers
// see only what is published afterwards.
func (w *Workspace) Subscribe(buffer int) (<-chan notify.Notification, func()) {
	return w.bus.Subscribe(buffer)
}

func (w *Workspace) timestamp() time.Time {
	return w.now().UTC()
}

func logPath(threadID string) string {
	return ThreadsDir + "/" + threadID + "/events.jsonl"
}

func threadDir(threadID string) string {
	return ThreadsDir + "/" + threadID
}

func attachmentPath(threadID, name string) string {
	return ThreadsDir + "/" + threadID + "/attachments/" + name
}

func checkThreadID(op, id string) error {
	if !ids.Valid(id) {
		return ir.NewError(ir.ErrCodeValidation, op, "", fmt.Errorf("invalid thread id %q", id))
	}
	return nil
}

func (w *Workspace) log(threadID string) (*eventlog.Log, error) {
	if err := checkThreadID("workspace.log", threadID); err != nil {
		return nil, err
	}
	return eventlog.Open(w.scope, logPath(threadID), schema.Event())
}

func (w *Workspace) openLog(threadID string) (stream.Appender, error) {
	return w.log(threadID)
}

// afterCommit records stream activity on the thread index. The index and
// the log are not updated jointly; Repair reconciles any drift.
func (w *Workspace) afterCommit(ctx context.Context, threadID string, e ir.Event) {
	if err := w.threads.Touch(ctx, threadID, e.CreatedAt); err != nil {
		w.logger.Warn("failed to touch thread after reply",
			"thread_id", threadID,
			"message_id", e.ID,
			"error", err,
		)
	}
}

func (w *Workspace) defaultFactory(p registry.Provider) (provider.Provider, error) {
	key := p.APIKey
	if key == "" {
		key = w.keys[p.Type]
	}
	return provider.New(provider.Config{Type: p.Type, APIKey: key, BaseURL: p.BaseURL})
}

func (w *Workspace) seedRegistry(ctx context.Context) error {
	list, err := w.registry.ListProviders(ctx)
	if err != nil {
		return err
	}
	if len(list) > 0 {
		return nil
	}
	if err := w.registry.PutProvider(ctx, registry.Provider{
		ID:   string(provider.TypeEcho),
		Name: "Echo (offline)",
		Type: provider.TypeEcho,
	}); err != nil {
		return err
	}
	return w.registry.PutModel(ctx, registry.Model{
		ID:          DefaultModelID,
		ProviderID:  string(provider.TypeEcho),
		DisplayName: "Echo",
	})
}
