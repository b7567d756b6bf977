package testutil

import (
	"fmt"
	"sync"
)

// SeqIDs generates predictable IDs for tests: prefix-1, prefix-2, ...
//
// This enables golden snapshot comparison: the same test with a fresh
// SeqIDs produces byte-identical event logs.
//
// Thread-safety: SeqIDs is safe for concurrent use via internal mutex.
type SeqIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSeqIDs creates a generator. If prefix is empty, "id" is used.
func NewSeqIDs(prefix string) *SeqIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SeqIDs{prefix: prefix}
}

// Generate returns the next ID.
func (g *SeqIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
