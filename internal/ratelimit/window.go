// Package ratelimit implements the sliding fixed-window counter used for
// client admission on both tiers and for federation message admission.
package ratelimit

import (
	"sync"
	"time"
)

type bucket struct {
	count   int
	started time.Time
}

// Window counts calls per key inside a fixed window that resets when it
// elapses. Zero or negative max disables limiting.
type Window struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func New(max int, window time.Duration) *Window {
	return &Window{
		max:     max,
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether another call under key fits inside the current
// window, incrementing the counter when it does.
func (w *Window) Allow(key string) bool {
	if w.max <= 0 {
		return true
	}
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.buckets[key]
	if !ok || now.Sub(b.started) >= w.window {
		w.buckets[key] = &bucket{count: 1, started: now}
		return true
	}
	if b.count >= w.max {
		return false
	}
	b.count++
	return true
}

// Prune drops buckets whose window has fully elapsed.
func (w *Window) Prune() {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, b := range w.buckets {
		if now.Sub(b.started) >= w.window {
			delete(w.buckets, k)
		}
	}
}

// SetClock overrides the time source; tests only.
func (w *Window) SetClock(now func() time.Time) { w.now = now }
