package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Backend records one attempt for key at now and reports whether it fits the window.
type Backend interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, error)
}

var _ Backend = (*Window)(nil)

type bucket struct {
	mu   sync.Mutex
	hits []time.Time
	dead bool
}

// Window is a process-local sliding-window counter. Each key's prune, count and
// append run under that key's lock, so concurrent callers never both take the
// last free slot.
type Window struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewWindow admits at most limit attempts per key in any trailing window.
func NewWindow(limit int, window time.Duration) *Window {
	return &Window{limit: limit, window: window, buckets: make(map[string]*bucket)}
}

func (w *Window) Allow(_ context.Context, key string, now time.Time) (bool, error) {
	for {
		b := w.bucket(key)
		b.mu.Lock()
		if b.dead {
			b.mu.Unlock()
			continue
		}
		b.prune(now.Add(-w.window))
		if len(b.hits) >= w.limit {
			b.mu.Unlock()
			return false, nil
		}
		b.hits = append(b.hits, now)
		b.mu.Unlock()
		return true, nil
	}
}

// Count returns the attempts recorded for key inside the window ending at now.
func (w *Window) Count(key string, now time.Time) int {
	w.mu.Lock()
	b, ok := w.buckets[key]
	w.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := now.Add(-w.window)
	n := 0
	for _, t := range b.hits {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// Sweep drops keys with no attempt inside the window ending at now and returns
// how many it removed.
func (w *Window) Sweep(now time.Time) int {
	cutoff := now.Add(-w.window)
	w.mu.Lock()
	defer w.mu.Unlock()
	removed := 0
	for key, b := range w.buckets {
		b.mu.Lock()
		b.prune(cutoff)
		if len(b.hits) == 0 {
			b.dead = true
			delete(w.buckets, key)
			removed++
		}
		b.mu.Unlock()
	}
	return removed
}

// Keys returns the number of tracked keys.
func (w *Window) Keys() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buckets)
}

func (w *Window) bucket(key string) *bucket {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.buckets[key]
	if !ok {
		b = &bucket{}
		w.buckets[key] = b
	}
	return b
}

// prune drops hits at or before cutoff. Hits are appended in call order, which
// may differ slightly from clock order, so the whole slice is scanned.
func (b *bucket) prune(cutoff time.Time) {
	kept := b.hits[:0]
	for _, t := range b.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.hits = kept
}
