package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/roach88/convo/internal/archive"
	"github.com/roach88/convo/internal/docstore"
	"github.com/roach88/convo/internal/eventlog"
	"github.com/roach88/convo/internal/ids"
	"github.com/roach88/convo/internal/ir"
	"github.com/roach88/convo/internal/pathscope"
	"github.com/roach88/convo/internal/registry"
	"github.com/roach88/convo/internal/schema"
	"github.com/roach88/convo/internal/threads"
)

// Export writes the thread index, branch selections, logs and attachments
// to a zip archive. The registry is machine-local and is not exported.
func (w *Workspace) Export(ctx context.Context, archivePath string) (int, error) {
	n, err := archive.Create(ctx, w.scope.Root(), archivePath, func(rel string) bool {
		if rel == registry.DefaultPath || strings.HasPrefix(rel, ImportDir+"/") {
			return false
		}
		return w.scope.Allows(rel)
	})
	if err != nil {
		return 0, err
	}
	w.logger.Info("workspace exported", "archive", archivePath, "files", n)
	return n, nil
}

// ImportSkip records a top-level thread that was not imported.
type ImportSkip struct {
	ThreadID string `json:"thread_id"`
	Reason   string `json:"reason"`
}

// ImportReport summarises an import.
type ImportReport struct {
	Imported []string     `json:"imported"`
	Skipped  []ImportSkip `json:"skipped"`
}

// Import merges an exported archive into the workspace. Each top-level
// thread of the archive is imported with its whole subtree, or skipped when
// any thread in it already exists here or its logs fail validation.
// Archive entries escaping the staging directory abort the import before
// anything is written.
func (w *Workspace) Import(ctx context.Context, archivePath string) (ImportReport, error) {
	report := ImportReport{Imported: []string{}, Skipped: []ImportSkip{}}

	base, err := w.scope.Resolve(ImportDir)
	if err != nil {
		return report, err
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return report, fmt.Errorf("import: %w", err)
	}
	stage, err := os.MkdirTemp(base, "stage-*")
	if err != nil {
		return report, fmt.Errorf("import: %w", err)
	}
	stageRel := ImportDir + "/" + filepath.Base(stage)
	defer func() {
		os.RemoveAll(stage)
		os.Remove(base) // fails while another import is staging
	}()

	if _, err := archive.Extract(ctx, archivePath, stage); err != nil {
		return report, err
	}
	staged, err := pathscope.New(stage, ScopeRules...)
	if err != nil {
		return report, fmt.Errorf("import: %w", err)
	}

	idxDoc, err := docstore.New(staged, threads.IndexPath, ir.NewThreadIndex(), schema.ThreadIndex())
	if err != nil {
		return report, err
	}
	src, err := idxDoc.Read(ctx)
	if err != nil {
		return report, err
	}
	if err := threads.Check(src); err != nil {
		return report, err
	}
	uiDoc, err := docstore.New(staged, UIStatePath, NewUIState(), schema.UIState(), docstore.WithLogger(w.logger))
	if err != nil {
		return report, err
	}
	srcUI, err := uiDoc.ReadOrDefault(ctx)
	if err != nil {
		return report, err
	}

	for _, rootID := range src.Roots {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		subtree := threads.Subtree(src, rootID)
		if reason := w.importConflict(ctx, staged, subtree); reason != "" {
			report.Skipped = append(report.Skipped, ImportSkip{ThreadID: rootID, Reason: reason})
			continue
		}
		if err := w.importSubtree(ctx, stageRel, src, srcUI, rootID, subtree); err != nil {
			return report, err
		}
		report.Imported = append(report.Imported, subtree...)
	}

	w.logger.Info("workspace imported",
		"archive", archivePath,
		"imported", len(report.Imported),
		"skipped", len(report.Skipped),
	)
	return report, nil
}

// importConflict returns why subtree cannot be imported, or "".
func (w *Workspace) importConflict(ctx context.Context, staged *pathscope.Scope, subtree []string) string {
	cur, err := w.threads.Load(ctx)
	if err != nil {
		return err.Error()
	}
	for _, id := range subtree {
		if !ids.Valid(id) {
			return fmt.Sprintf("invalid thread id %q", id)
		}
		if _, exists := cur.Threads[id]; exists {
			return fmt.Sprintf("thread %q already exists", id)
		}
		if dir, err := w.scope.Resolve(threadDir(id)); err == nil {
			if _, err := os.Stat(dir); err == nil {
				return fmt.Sprintf("thread directory %q already exists", id)
			}
		}
		l, err := eventlog.Open(staged, logPath(id), schema.Event())
		if err != nil {
			return err.Error()
		}
		events, err := l.Read(ctx)
		if err != nil {
			return err.Error()
		}
		for _, e := range events {
			if err := checkAttachmentRefs("workspace.import", id, e.Attachments); err != nil {
				return err.Error()
			}
		}
	}
	return ""
}

// importSubtree moves the staged thread directories into place, then adds
// the threads to the index. A failure between the two leaves directories
// that Repair reports as orphans.
func (w *Workspace) importSubtree(ctx context.Context, stageRel string, src ir.ThreadIndex, srcUI UIState, rootID string, subtree []string) error {
	for _, id := range subtree {
		from, err := w.scope.Resolve(path.Join(stageRel, threadDir(id)))
		if err != nil {
			return err
		}
		if _, err := os.Stat(from); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		to, err := w.scope.Resolve(threadDir(id))
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return fmt.Errorf("import %s: %w", id, err)
		}
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("import %s: %w", id, err)
		}
	}

	if err := w.threads.Graft(ctx, src, rootID); err != nil {
		return err
	}

	_, err := w.ui.Update(ctx, func(st UIState) (UIState, error) {
		if st.Selections == nil {
			st.Selections = map[string]map[string]int{}
		}
		for _, id := range subtree {
			if sel, ok := srcUI.Selections[id]; ok {
				st.Selections[id] = sel
			}
		}
		return st, nil
	})
	return err
}
