// Package ratelimit provides a fixed-window per-key request limiter.
//
// State is process-local and volatile: a restart clears all buckets. That is
// an accepted property of this limiter, not a bug; it gates abuse bursts and
// needs no durable store.
package ratelimit

import (
	"sync"
	"time"
)

type bucket struct {
	count   int
	resetAt time.Time
}

// Limiter counts attempts per key inside a fixed window.
type Limiter struct {
	mu      sync.Mutex
	win     time.Duration
	max     int
	buckets map[string]*bucket
	now     func() time.Time
	stopCh  chan struct{}
}

// New returns a running limiter allowing max attempts per window.
// Stop must be called to release the bucket-eviction goroutine.
func New(max int, window time.Duration) *Limiter {
	l := &Limiter{
		win:     window,
		max:     max,
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

// WithNow overrides the clock. Tests only.
func (l *Limiter) WithNow(now func() time.Time) *Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	return l
}

// Allow records one attempt for key and reports whether it is within the
// ceiling. When denied it also returns the time until the window resets.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.buckets[key]
	if b == nil || now.After(b.resetAt) {
		b = &bucket{count: 0, resetAt: now.Add(l.win)}
		l.buckets[key] = b
	}
	b.count++
	if b.count <= l.max {
		return true, 0
	}
	return false, b.resetAt.Sub(now)
}

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evict()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) evict() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, key)
		}
	}
}

// Stop terminates the eviction goroutine.
func (l *Limiter) Stop() {
	close(l.stopCh)
}
