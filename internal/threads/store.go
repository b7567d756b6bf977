package threads

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/convo/internal/docstore"
	"github.com/roach88/convo/internal/ir"
	"github.com/roach88/convo/internal/notify"
	"github.com/roach88/convo/internal/pathscope"
	"github.com/roach88/convo/internal/schema"
)

// IndexPath is the thread index location relative to the data root.
const IndexPath = "threads.json"

// Store persists the thread index and publishes thread lifecycle
// notifications after each successful write.
type Store struct {
	doc *docstore.Document[ir.ThreadIndex]
	pub notify.Publisher
	now func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPublisher sets where created/updated/deleted notifications go.
func WithPublisher(p notify.Publisher) StoreOption {
	return func(s *Store) {
		s.pub = p
	}
}

// WithClock sets the time source for UpdatedAt stamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore binds the index document under scope.
func NewStore(scope *pathscope.Scope, logger *slog.Logger, opts ...StoreOption) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	doc, err := docstore.New(scope, IndexPath, ir.NewThreadIndex(), schema.ThreadIndex(), docstore.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	s := &Store{doc: doc, pub: notify.Discard, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Load returns the current index. A corrupt index is logged and treated as
// empty.
func (s *Store) Load(ctx context.Context) (ir.ThreadIndex, error) {
	return s.doc.ReadOrDefault(ctx)
}

// Get returns a single thread.
func (s *Store) Get(ctx context.Context, id string) (ir.Thread, error) {
	x, err := s.Load(ctx)
	if err != nil {
		return ir.Thread{}, err
	}
	t, ok := x.Threads[id]
	if !ok {
		return ir.Thread{}, notFound("threads.get", id)
	}
	return t, nil
}

func (s *Store) mutate(ctx context.Context, kind notify.Kind, id string, fn func(ir.ThreadIndex, time.Time) (ir.ThreadIndex, error)) (ir.ThreadIndex, error) {
	at := s.now().UTC()
	x, err := s.doc.Update(ctx, func(cur ir.ThreadIndex) (ir.ThreadIndex, error) {
		return fn(cur, at)
	})
	if err != nil {
		return x, err
	}
	s.pub.Publish(notify.Notification{Kind: kind, ThreadID: id})
	return x, nil
}

// Create adds a thread under parentID ("" for top level). CreatedAt and
// UpdatedAt are stamped if zero.
func (s *Store) Create(ctx context.Context, t ir.Thread, parentID string) (ir.Thread, error) {
	x, err := s.mutate(ctx, notify.ThreadCreated, t.ID, func(x ir.ThreadIndex, at time.Time) (ir.ThreadIndex, error) {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = at
		}
		if t.UpdatedAt.IsZero() {
			t.UpdatedAt = t.CreatedAt
		}
		return Create(x, t, parentID)
	})
	if err != nil {
		return ir.Thread{}, err
	}
	return x.Threads[t.ID], nil
}

func (s *Store) Rename(ctx context.Context, id, title string) error {
	_, err := s.mutate(ctx, notify.ThreadUpdated, id, func(x ir.ThreadIndex, at time.Time) (ir.ThreadIndex, error) {
		return Rename(x, id, title, at)
	})
	return err
}

func (s *Store) SetTitle(ctx context.Context, id, title string) error {
	_, err := s.mutate(ctx, notify.ThreadUpdated, id, func(x ir.ThreadIndex, at time.Time) (ir.ThreadIndex, error) {
		return SetTitle(x, id, title, at)
	})
	return err
}

func (s *Store) SetPinned(ctx context.Context, id string, pinned bool) error {
	_, err := s.mutate(ctx, notify.ThreadUpdated, id, func(x ir.ThreadIndex, at time.Time) (ir.ThreadIndex, error) {
		return SetPinned(x, id, pinned, at)
	})
	return err
}

func (s *Store) SetSystemPrompt(ctx context.Context, id, prompt string) error {
	_, err := s.mutate(ctx, notify.ThreadUpdated, id, func(x ir.ThreadIndex, at time.Time) (ir.ThreadIndex, error) {
		return SetSystemPrompt(x, id, prompt, at)
	})
	return err
}

// Touch records activity on a thread at the given instant.
func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := s.mutate(ctx, notify.ThreadUpdated, id, func(x ir.ThreadIndex, _ time.Time) (ir.ThreadIndex, error) {
		return Touch(x, id, at)
	})
	return err
}

func (s *Store) Move(ctx context.Context, id, newParent string, index int) error {
	_, err := s.mutate(ctx, notify.ThreadUpdated, id, func(x ir.ThreadIndex, _ time.Time) (ir.ThreadIndex, error) {
		return Move(x, id, newParent, index)
	})
	return err
}

func (s *Store) Reorder(ctx context.Context, parentID string, order []string) error {
	_, err := s.mutate(ctx, notify.ThreadUpdated, parentID, func(x ir.ThreadIndex, _ time.Time) (ir.ThreadIndex, error) {
		return Reorder(x, parentID, order)
	})
	return err
}

// Delete removes id and its subtree from the index and returns the removed
// IDs. One deleted notification is published per removed thread.
func (s *Store) Delete(ctx context.Context, id string) ([]string, error) {
	var removed []string
	_, err := s.doc.Update(ctx, func(x ir.ThreadIndex) (ir.ThreadIndex, error) {
		out, r, err := Delete(x, id)
		removed = r
		return out, err
	})
	if err != nil {
		return nil, err
	}
	for _, tid := range removed {
		s.pub.Publish(notify.Notification{Kind: notify.ThreadDeleted, ThreadID: tid})
	}
	return removed, nil
}

// Graft copies the subtree rooted at rootID from src into the index.
func (s *Store) Graft(ctx context.Context, src ir.ThreadIndex, rootID string) error {
	_, err := s.mutate(ctx, notify.ThreadCreated, rootID, func(x ir.ThreadIndex, _ time.Time) (ir.ThreadIndex, error) {
		return Graft(x, src, rootID)
	})
	return err
}
