package rate

import (
	"context"
	"sync"
	"time"
)

type MemoryLimiter struct {
	mu           sync.Mutex
	limit        int
	window       time.Duration
	entries      map[string]*entry
	lastCleanup  time.Time
	cleanupEvery time.Duration
}

type entry struct {
	count int
	reset time.Time
}

func NewMemory(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:        limit,
		window:       window,
		entries:      map[string]*entry{},
		cleanupEvery: window,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, now time.Time) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cleanup(now)

	e, ok := l.entries[key]
	if !ok || !now.Before(e.reset) {
		e = &entry{reset: now.Add(l.window)}
		l.entries[key] = e
	}
	e.count++

	if e.count > l.limit {
		return false, retryAfter(e.reset, now), nil
	}
	return true, 0, nil
}

func (l *MemoryLimiter) Peek(_ context.Context, key string, now time.Time) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || !now.Before(e.reset) || e.count < l.limit {
		return true, 0, nil
	}
	return false, retryAfter(e.reset, now), nil
}

func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLimiter) cleanup(now time.Time) {
	if l.lastCleanup.IsZero() {
		l.lastCleanup = now
		return
	}
	if now.Sub(l.lastCleanup) < l.cleanupEvery {
		return
	}
	for k, v := range l.entries {
		if !now.Before(v.reset) {
			delete(l.entries, k)
		}
	}
	l.lastCleanup = now
}

func retryAfter(reset, now time.Time) time.Duration {
	d := reset.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
