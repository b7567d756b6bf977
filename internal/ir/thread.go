package ir

import "time"

// Thread is a conversation or a folder of conversations.
//
// Children holds child thread IDs in display order. Nesting is expressed
// through IDs rather than embedded values so edits operate by lookup.
type Thread struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	Pinned       bool      `json:"pinned,omitempty"`
	Renamed      bool      `json:"renamed,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Children     []string  `json:"children,omitempty"`
}

// ThreadIndex is the flat arena of all threads.
//
// INVARIANTS:
//   - every ID in Roots and in any Children list is a key of Threads
//   - every thread appears in exactly one list (Roots or one parent's Children)
type ThreadIndex struct {
	Version int               `json:"version"`
	Roots   []string          `json:"roots"`
	Threads map[string]Thread `json:"threads"`
}

// NewThreadIndex returns an empty index.
func NewThreadIndex() ThreadIndex {
	return ThreadIndex{
		Version: SchemaVersion,
		Roots:   []string{},
		Threads: map[string]Thread{},
	}
}

// Clone returns a deep copy so transforms never alias the receiver.
func (x ThreadIndex) Clone() ThreadIndex {
	out := ThreadIndex{
		Version: x.Version,
		Roots:   append([]string{}, x.Roots...),
		Threads: make(map[string]Thread, len(x.Threads)),
	}
	for id, t := range x.Threads {
		if t.Children != nil {
			t.Children = append([]string{}, t.Children...)
		}
		out.Threads[id] = t
	}
	return out
}

// ParentOf returns the parent thread ID of id, or "" when id is a root.
// The second result is false if id is not in the index.
func (x ThreadIndex) ParentOf(id string) (string, bool) {
	if _, ok := x.Threads[id]; !ok {
		return "", false
	}
	for _, r := range x.Roots {
		if r == id {
			return "", true
		}
	}
	for pid, t := range x.Threads {
		for _, c := range t.Children {
			if c == id {
				return pid, true
			}
		}
	}
	return "", false
}

// Walk visits threads depth-first in display order, starting at the roots.
// depth is 0 for roots.
func (x ThreadIndex) Walk(fn func(t Thread, depth int)) {
	var visit func(ids []string, depth int)
	visit = func(ids []string, depth int) {
		for _, id := range ids {
			t, ok := x.Threads[id]
			if !ok {
				continue
			}
			fn(t, depth)
			visit(t.Children, depth+1)
		}
	}
	visit(x.Roots, 0)
}
