package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"sparing.org/internal/telemetry"
)

const subscriberBuffer = 64

var _ telemetry.Publisher = (*Hub)(nil)

// Hub fans newly persisted readings out to live subscribers (SSE clients).
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan telemetry.Reading
	next    int
	dropped atomic.Uint64
}

// New initialises a hub with no subscribers.
func New() *Hub {
	return &Hub{subs: make(map[int]chan telemetry.Reading)}
}

// Subscribe registers a subscriber and returns a channel which will receive readings.
// The channel is closed when the provided context ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan telemetry.Reading {
	ch := make(chan telemetry.Reading, subscriberBuffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish fans r out to all subscribers without blocking.
func (h *Hub) Publish(r telemetry.Reading) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- r:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts deliveries skipped because a subscriber's buffer was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
