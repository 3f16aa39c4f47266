package streaming

import (
	"context"
	"sync"
	"time"
)

const defaultChannelBuffer = 64

// MemoryHub is an in-process EventHub. Subscribers with full buffers
// drop events rather than stall the publisher.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	closed bool
}

type subscription struct {
	filter EventFilter
	ch     chan StreamEvent
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[int]*subscription)}
}

func (h *MemoryHub) Publish(_ context.Context, event StreamEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// slow subscriber, drop
		}
	}
}

func (h *MemoryHub) Subscribe(filter EventFilter) (<-chan StreamEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan StreamEvent, defaultChannelBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = &subscription{filter: filter, ch: ch}

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub.ch)
		}
	}
	return ch, unsubscribe
}

func (h *MemoryHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
