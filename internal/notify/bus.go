// Package notify fans lifecycle notifications out to subscribers.
//
// Delivery is fire-and-forget and at-most-once: a subscriber whose buffer is
// full misses the notification, and a subscriber that attaches late never
// sees what was published before it subscribed.
package notify

import (
	"sync"

	"github.com/roach88/convo/internal/ir"
)

// Kind identifies a notification.
type Kind string

const (
	ThreadCreated Kind = "created"
	ThreadUpdated Kind = "updated"
	ThreadDeleted Kind = "deleted"

	StreamDelta     Kind = "delta"
	StreamReasoning Kind = "reasoning"
	StreamComplete  Kind = "complete"
	StreamError     Kind = "error"
)

// Notification is one published event. Fields not relevant to Kind are
// left empty.
type Notification struct {
	Kind     Kind      `json:"kind"`
	ThreadID string    `json:"thread_id,omitempty"`
	StreamID string    `json:"stream_id,omitempty"`
	Text     string    `json:"text,omitempty"`
	Message  *ir.Event `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Bus is an in-process publisher. The zero value is not usable; use NewBus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Notification
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Notification)}
}

// Subscribe registers a subscriber with the given buffer size (DefaultBuffer
// if <= 0). The returned cancel func unsubscribes and closes the channel; it
// is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Notification, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers n to every subscriber without blocking.
// It returns the number of subscribers that received it.
func (b *Bus) Publish(n Notification) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- n:
			delivered++
		default:
		}
	}
	return delivered
}

// Close unsubscribes everyone. Later Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Publisher is the subset of Bus used by producers.
type Publisher interface {
	Publish(n Notification) int
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Notification) int { return 0 }
