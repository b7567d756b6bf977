// Package conversation folds a thread's event log into the conversation a
// user sees: the active message path plus every branch point along the way.
//
// Reduce is pure. It performs no I/O, never iterates a map when producing
// output, and returns identical results for identical input.
package conversation

import (
	"github.com/roach88/convo/internal/ir"
)

// RootParent is the parent ID of the virtual branch point formed when more
// than one root message survives.
const RootParent = ""

// Overrides maps a parent ID to the preferred child index at that branch
// point. Entries that are out of range are ignored.
type Overrides map[string]int

// View is the reduced conversation.
type View struct {
	// Messages is the active path from the root to a leaf.
	Messages []ir.Event `json:"messages"`

	// BranchPoints holds one entry per parent with more than one surviving
	// child, ordered by the parent's first appearance in the log.
	BranchPoints []ir.BranchInfo `json:"branch_points"`
}

// Digest returns the content hash of the view.
func (v View) Digest() (string, error) {
	return ir.Digest(ir.DomainView, v)
}

// Branch returns the branch point for parentID, if any.
func (v View) Branch(parentID string) (ir.BranchInfo, bool) {
	for _, b := range v.BranchPoints {
		if b.ParentID == parentID {
			return b, true
		}
	}
	return ir.BranchInfo{}, false
}

// Fold returns the latest revision of every surviving ID, ordered by the
// ID's first appearance. An ID with any tombstone in its history is gone.
func Fold(events []ir.Event) []ir.Event {
	order, latest := fold(events)
	out := make([]ir.Event, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out
}

func fold(events []ir.Event) ([]string, map[string]ir.Event) {
	latest := make(map[string]ir.Event, len(events))
	tombstoned := make(map[string]bool)
	seen := make(map[string]bool, len(events))
	order := make([]string, 0, len(events))

	for _, e := range events {
		if !seen[e.ID] {
			seen[e.ID] = true
			order = append(order, e.ID)
		}
		if e.Deleted {
			tombstoned[e.ID] = true
		}
		if tombstoned[e.ID] {
			delete(latest, e.ID)
			continue
		}
		latest[e.ID] = e
	}

	surviving := order[:0]
	for _, id := range order {
		if _, ok := latest[id]; ok {
			surviving = append(surviving, id)
		}
	}
	return surviving, latest
}

// Reduce folds events into a View. overrides may be nil.
//
// The default selection at a branch point is the most recently created
// child; ties go to the child that appeared later in the log.
func Reduce(events []ir.Event, overrides Overrides) View {
	order, latest := fold(events)

	// Adjacency in first-appearance order. Children of a parent that does
	// not survive are orphans and never reachable.
	children := make(map[string][]string)
	var parents []string
	for _, id := range order {
		p := latest[id].Parent()
		if p != RootParent {
			if _, ok := latest[p]; !ok {
				continue
			}
		}
		if _, ok := children[p]; !ok {
			parents = append(parents, p)
		}
		children[p] = append(children[p], id)
	}

	view := View{
		Messages:     []ir.Event{},
		BranchPoints: []ir.BranchInfo{},
	}

	selected := make(map[string]string, len(parents))
	for _, p := range parents {
		kids := children[p]
		if len(kids) == 1 {
			selected[p] = kids[0]
			continue
		}
		info := ir.BranchInfo{
			ParentID:     p,
			Branches:     append([]string(nil), kids...),
			CurrentIndex: pick(kids, latest, overrides, p),
		}
		selected[p] = info.Current()
		view.BranchPoints = append(view.BranchPoints, info)
	}

	visited := make(map[string]bool)
	cur, ok := selected[RootParent]
	for ok && !visited[cur] {
		visited[cur] = true
		view.Messages = append(view.Messages, latest[cur])
		cur, ok = selected[cur]
	}
	return view
}

func pick(kids []string, latest map[string]ir.Event, overrides Overrides, parent string) int {
	if i, ok := overrides[parent]; ok && i >= 0 && i < len(kids) {
		return i
	}
	newest := 0
	for i := 1; i < len(kids); i++ {
		if !latest[kids[i]].CreatedAt.Before(latest[kids[newest]].CreatedAt) {
			newest = i
		}
	}
	return newest
}
