// Package threads maintains the thread and folder tree.
//
// The transforms in this file are pure: each takes an ir.ThreadIndex, never
// mutates it, and returns a new index. Store persists the result as one
// whole-document write.
package threads

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/roach88/convo/internal/ir"
)

func notFound(op, id string) error {
	return ir.NewError(ir.ErrCodeNotFound, op, "", fmt.Errorf("thread %q", id))
}

func invalid(op string, format string, args ...any) error {
	return ir.NewError(ir.ErrCodeValidation, op, "", fmt.Errorf(format, args...))
}

// siblings returns a pointer to the list that holds children of parentID.
// The index must already be a clone.
func siblings(x *ir.ThreadIndex, parentID string) *[]string {
	if parentID == "" {
		return &x.Roots
	}
	t := x.Threads[parentID]
	return &t.Children
}

func setSiblings(x *ir.ThreadIndex, parentID string, list []string) {
	if parentID == "" {
		x.Roots = list
		return
	}
	t := x.Threads[parentID]
	t.Children = list
	x.Threads[parentID] = t
}

// Create inserts t at the top of parentID's children ("" for the root list).
func Create(x ir.ThreadIndex, t ir.Thread, parentID string) (ir.ThreadIndex, error) {
	const op = "threads.create"
	if t.ID == "" {
		return x, invalid(op, "thread id is empty")
	}
	if _, exists := x.Threads[t.ID]; exists {
		return x, invalid(op, "thread %q already exists", t.ID)
	}
	if parentID != "" {
		if _, ok := x.Threads[parentID]; !ok {
			return x, notFound(op, parentID)
		}
	}

	out := x.Clone()
	t.Children = nil
	out.Threads[t.ID] = t
	list := *siblings(&out, parentID)
	setSiblings(&out, parentID, slices.Insert(list, 0, t.ID))
	return out, nil
}

func patch(x ir.ThreadIndex, op, id string, fn func(*ir.Thread)) (ir.ThreadIndex, error) {
	if _, ok := x.Threads[id]; !ok {
		return x, notFound(op, id)
	}
	out := x.Clone()
	t := out.Threads[id]
	fn(&t)
	out.Threads[id] = t
	return out, nil
}

// Rename sets a user-chosen title.
func Rename(x ir.ThreadIndex, id, title string, at time.Time) (ir.ThreadIndex, error) {
	return patch(x, "threads.rename", id, func(t *ir.Thread) {
		t.Title = title
		t.Renamed = true
		t.UpdatedAt = at
	})
}

// SetTitle sets a generated title. It does nothing once the user has
// renamed the thread.
func SetTitle(x ir.ThreadIndex, id, title string, at time.Time) (ir.ThreadIndex, error) {
	return patch(x, "threads.title", id, func(t *ir.Thread) {
		if t.Renamed {
			return
		}
		t.Title = title
		t.UpdatedAt = at
	})
}

func SetPinned(x ir.ThreadIndex, id string, pinned bool, at time.Time) (ir.ThreadIndex, error) {
	return patch(x, "threads.pin", id, func(t *ir.Thread) {
		t.Pinned = pinned
		t.UpdatedAt = at
	})
}

func SetSystemPrompt(x ir.ThreadIndex, id, prompt string, at time.Time) (ir.ThreadIndex, error) {
	return patch(x, "threads.prompt", id, func(t *ir.Thread) {
		t.SystemPrompt = prompt
		t.UpdatedAt = at
	})
}

// Touch bumps UpdatedAt. Timestamps never move backwards.
func Touch(x ir.ThreadIndex, id string, at time.Time) (ir.ThreadIndex, error) {
	return patch(x, "threads.touch", id, func(t *ir.Thread) {
		if at.After(t.UpdatedAt) {
			t.UpdatedAt = at
		}
	})
}

// IsDescendant reports whether id is ancestor itself or lies beneath it.
func IsDescendant(x ir.ThreadIndex, id, ancestor string) bool {
	for cur, steps := id, 0; cur != "" && steps <= len(x.Threads); steps++ {
		if cur == ancestor {
			return true
		}
		p, ok := x.ParentOf(cur)
		if !ok {
			return false
		}
		cur = p
	}
	return false
}

// Move detaches id from its current list and inserts it into newParent's
// children at index (clamped; negative means append). newParent "" is the
// root list. Moving a thread into its own subtree is rejected.
func Move(x ir.ThreadIndex, id, newParent string, index int) (ir.ThreadIndex, error) {
	const op = "threads.move"
	oldParent, ok := x.ParentOf(id)
	if !ok {
		return x, notFound(op, id)
	}
	if newParent != "" {
		if _, ok := x.Threads[newParent]; !ok {
			return x, notFound(op, newParent)
		}
		if IsDescendant(x, newParent, id) {
			return x, invalid(op, "cannot move %q into its own subtree", id)
		}
	}

	out := x.Clone()
	src := *siblings(&out, oldParent)
	setSiblings(&out, oldParent, slices.DeleteFunc(src, func(s string) bool { return s == id }))

	dst := *siblings(&out, newParent)
	if index < 0 || index > len(dst) {
		index = len(dst)
	}
	setSiblings(&out, newParent, slices.Insert(dst, index, id))
	return out, nil
}

// Reorder replaces parentID's child order. order must be a permutation of
// the current list.
func Reorder(x ir.ThreadIndex, parentID string, order []string) (ir.ThreadIndex, error) {
	const op = "threads.reorder"
	if parentID != "" {
		if _, ok := x.Threads[parentID]; !ok {
			return x, notFound(op, parentID)
		}
	}

	cur := *siblings(&x, parentID)
	a := slices.Clone(cur)
	b := slices.Clone(order)
	slices.Sort(a)
	slices.Sort(b)
	if !slices.Equal(a, b) {
		return x, invalid(op, "order is not a permutation of the current children")
	}

	out := x.Clone()
	setSiblings(&out, parentID, append([]string{}, order...))
	return out, nil
}

// Delete removes id and its whole subtree. It returns the removed IDs in
// depth-first order, id first.
func Delete(x ir.ThreadIndex, id string) (ir.ThreadIndex, []string, error) {
	parent, ok := x.ParentOf(id)
	if !ok {
		return x, nil, notFound("threads.delete", id)
	}

	var removed []string
	var collect func(string)
	collect = func(tid string) {
		removed = append(removed, tid)
		for _, c := range x.Threads[tid].Children {
			collect(c)
		}
	}
	collect(id)

	out := x.Clone()
	list := *siblings(&out, parent)
	setSiblings(&out, parent, slices.DeleteFunc(list, func(s string) bool { return s == id }))
	for _, tid := range removed {
		delete(out.Threads, tid)
	}
	return out, removed, nil
}

// Check verifies the arena invariants: every listed ID exists, and every
// thread is listed exactly once.
func Check(x ir.ThreadIndex) error {
	const op = "threads.check"
	seen := make(map[string]int, len(x.Threads))
	count := func(list []string) error {
		for _, id := range list {
			if _, ok := x.Threads[id]; !ok {
				return invalid(op, "dangling thread id %q", id)
			}
			seen[id]++
		}
		return nil
	}
	if err := count(x.Roots); err != nil {
		return err
	}
	for _, id := range slices.Sorted(maps.Keys(x.Threads)) {
		if err := count(x.Threads[id].Children); err != nil {
			return err
		}
	}
	for _, id := range slices.Sorted(maps.Keys(x.Threads)) {
		if seen[id] != 1 {
			return invalid(op, "thread %q listed %d times", id, seen[id])
		}
	}
	return nil
}

// Subtree returns id and its descendants in depth-first order.
func Subtree(x ir.ThreadIndex, id string) []string {
	var out []string
	seen := make(map[string]bool)
	var visit func(string)
	visit = func(tid string) {
		t, ok := x.Threads[tid]
		if !ok || seen[tid] {
			return
		}
		seen[tid] = true
		out = append(out, tid)
		for _, c := range t.Children {
			visit(c)
		}
	}
	visit(id)
	return out
}

// Graft copies the subtree rooted at rootID from src to the end of x's
// root list. No ID in the subtree may already exist in x.
func Graft(x, src ir.ThreadIndex, rootID string) (ir.ThreadIndex, error) {
	const op = "threads.graft"
	ids := Subtree(src, rootID)
	if len(ids) == 0 {
		return x, notFound(op, rootID)
	}
	for _, id := range ids {
		if _, exists := x.Threads[id]; exists {
			return x, invalid(op, "thread %q already exists", id)
		}
	}

	out := x.Clone()
	for _, id := range ids {
		t := src.Threads[id]
		if t.Children != nil {
			t.Children = append([]string{}, t.Children...)
		}
		out.Threads[id] = t
	}
	out.Roots = append(out.Roots, rootID)
	return out, nil
}
