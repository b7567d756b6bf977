package app

import (
	"context"
	"fmt"

	"github.com/roach88/convo/internal/ir"
)

// UIState persists branch selections: thread ID → parent ID → child index.
// The root branch point uses the empty parent ID.
type UIState struct {
	Version    int                       `json:"version"`
	Selections map[string]map[string]int `json:"selections"`
}

// NewUIState returns an empty state.
func NewUIState() UIState {
	return UIState{Version: ir.SchemaVersion, Selections: map[string]map[string]int{}}
}

func (w *Workspace) overrides(ctx context.Context, threadID string) (map[string]int, error) {
	st, err := w.ui.ReadOrDefault(ctx)
	if err != nil {
		return nil, err
	}
	return st.Selections[threadID], nil
}

// SelectBranch records which child to follow at a branch point. index must
// be in range for the branch point as currently reduced.
func (w *Workspace) SelectBranch(ctx context.Context, threadID, parentID string, index int) error {
	view, err := w.Conversation(ctx, threadID)
	if err != nil {
		return err
	}
	b, ok := view.Branch(parentID)
	if !ok {
		return ir.NewError(ir.ErrCodeNotFound, "workspace.select", "", fmt.Errorf("no branch point at %q", parentID))
	}
	if index < 0 || index >= len(b.Branches) {
		return ir.NewError(ir.ErrCodeValidation, "workspace.select", "", fmt.Errorf("index %d out of range [0,%d)", index, len(b.Branches)))
	}

	_, err = w.ui.Update(ctx, func(st UIState) (UIState, error) {
		if st.Selections == nil {
			st.Selections = map[string]map[string]int{}
		}
		sel := st.Selections[threadID]
		if sel == nil {
			sel = map[string]int{}
			st.Selections[threadID] = sel
		}
		sel[parentID] = index
		return st, nil
	})
	return err
}

func (w *Workspace) forgetSelections(ctx context.Context, threadIDs []string) error {
	_, err := w.ui.Update(ctx, func(st UIState) (UIState, error) {
		for _, id := range threadIDs {
			delete(st.Selections, id)
		}
		return st, nil
	})
	return err
}
