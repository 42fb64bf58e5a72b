package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var t0 = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

func TestWindowRejectsSixthAndRecovers(t *testing.T) {
	w := NewWindow(5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := w.Allow(ctx, "10.0.0.1", t0.Add(time.Duration(i)*time.Second))
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i+1, ok, err)
		}
	}
	if ok, _ := w.Allow(ctx, "10.0.0.1", t0.Add(10*time.Second)); ok {
		t.Fatal("6th request inside the window must be rejected")
	}
	if ok, _ := w.Allow(ctx, "10.0.0.2", t0.Add(10*time.Second)); !ok {
		t.Fatal("other clients are counted separately")
	}
	if got := w.Count("10.0.0.1", t0.Add(10*time.Second)); got != 5 {
		t.Fatalf("rejected attempts must not be recorded, count=%d", got)
	}

	// the first hit leaves the window exactly 60s after it was recorded
	if ok, _ := w.Allow(ctx, "10.0.0.1", t0.Add(time.Minute)); !ok {
		t.Fatal("request 60s after the first must be admitted")
	}
	if ok, _ := w.Allow(ctx, "10.0.0.1", t0.Add(time.Minute)); ok {
		t.Fatal("window should be full again")
	}
	if ok, _ := w.Allow(ctx, "10.0.0.1", t0.Add(2*time.Minute+5*time.Second)); !ok {
		t.Fatal("request after a quiet minute must be admitted")
	}
}

func TestWindowConcurrentSameKey(t *testing.T) {
	const limit = 20
	w := NewWindow(limit, time.Minute)
	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := w.Allow(context.Background(), "hot", t0); ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := admitted.Load(); got != limit {
		t.Fatalf("admitted %d, want exactly %d", got, limit)
	}
	if got := w.Count("hot", t0); got != limit {
		t.Fatalf("count %d, want %d", got, limit)
	}
}

func TestWindowSweepKeepsActiveKeys(t *testing.T) {
	w := NewWindow(3, time.Minute)
	ctx := context.Background()
	_, _ = w.Allow(ctx, "idle", t0)
	_, _ = w.Allow(ctx, "busy", t0.Add(50*time.Second))

	if n := w.Sweep(t0.Add(70 * time.Second)); n != 1 {
		t.Fatalf("expected 1 idle key swept, got %d", n)
	}
	if w.Keys() != 1 || w.Count("busy", t0.Add(70*time.Second)) != 1 {
		t.Fatal("active key must survive the sweep")
	}
}

func TestWindowSweepDuringTraffic(t *testing.T) {
	const limit = 10
	w := NewWindow(limit, time.Minute)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				w.Sweep(t0)
			}
		}
	}()
	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := w.Allow(context.Background(), "k", t0); ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	close(stop)
	if got := admitted.Load(); got != limit {
		t.Fatalf("admitted %d, want %d", got, limit)
	}
}
