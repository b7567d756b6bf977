package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/roach88/convo/internal/ir"
)

// CreateThread adds a thread (or folder) under parentID ("" for top level).
func (w *Workspace) CreateThread(ctx context.Context, title, parentID string) (ir.Thread, error) {
	t := ir.Thread{
		ID:      w.ids.Generate(),
		Title:   title,
		Renamed: title != "",
	}
	return w.threads.Create(ctx, t, parentID)
}

// Threads returns the thread index.
func (w *Workspace) Threads(ctx context.Context) (ir.ThreadIndex, error) {
	return w.threads.Load(ctx)
}

// Thread returns one thread.
func (w *Workspace) Thread(ctx context.Context, id string) (ir.Thread, error) {
	return w.threads.Get(ctx, id)
}

func (w *Workspace) RenameThread(ctx context.Context, id, title string) error {
	return w.threads.Rename(ctx, id, title)
}

func (w *Workspace) PinThread(ctx context.Context, id string, pinned bool) error {
	return w.threads.SetPinned(ctx, id, pinned)
}

func (w *Workspace) SetSystemPrompt(ctx context.Context, id, prompt string) error {
	return w.threads.SetSystemPrompt(ctx, id, prompt)
}

// MoveThread re-parents id at index (negative appends).
func (w *Workspace) MoveThread(ctx context.Context, id, newParent string, index int) error {
	return w.threads.Move(ctx, id, newParent, index)
}

func (w *Workspace) ReorderThreads(ctx context.Context, parentID string, order []string) error {
	return w.threads.Reorder(ctx, parentID, order)
}

// DeleteThread removes id and its subtree: the index entries are removed,
// running streams stopped, then each thread's log, attachments and branch
// selections. A reply already committing cannot be stopped, so its append
// is waited for before the thread's files go. It returns the removed
// thread IDs.
//
// The index write comes first. If a later step fails, the leftover files
// are unreachable and Repair reports them.
func (w *Workspace) DeleteThread(ctx context.Context, id string) ([]string, error) {
	x, err := w.threads.Load(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := x.Threads[id]; !ok {
		return nil, ir.NewError(ir.ErrCodeNotFound, "workspace.delete_thread", "", fmt.Errorf("thread %q", id))
	}

	removed, err := w.threads.Delete(ctx, id)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, tid := range removed {
		w.orch.StopThread(tid)
		w.orch.WaitThread(tid)
		if err := w.removeThreadFiles(ctx, tid); err != nil {
			errs = append(errs, err)
		}
	}
	if err := w.forgetSelections(ctx, removed); err != nil {
		errs = append(errs, err)
	}

	w.logger.Info("thread deleted", "thread_id", id, "removed", len(removed))
	return removed, errors.Join(errs...)
}

func (w *Workspace) removeThreadFiles(ctx context.Context, threadID string) error {
	if err := checkThreadID("workspace.delete_thread", threadID); err != nil {
		return err
	}
	l, err := w.log(threadID)
	if err != nil {
		return err
	}
	if err := l.Delete(ctx); err != nil {
		return err
	}
	dir, err := w.scope.Resolve(threadDir(threadID))
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove thread %s: %w", threadID, err)
	}
	return nil
}
