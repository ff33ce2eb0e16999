package upload

import (
	"sync"
	"time"
)

// Limiter admits or rejects one request for key. Reserve takes a slot when one is free;
// release hands the slot back when a later check rejects the request.
type Limiter interface {
	Reserve(key string) (release func(), ok bool)
}

// FixedWindowLimiter admits at most limit requests per key in each window. A key's window
// starts at its first request and restarts with the first request after it expires.
// Counters live in memory only.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*fixedWindow
}

type fixedWindow struct {
	count   int
	resetAt time.Time
}

// maxTrackedKeys triggers a sweep of expired windows.
const maxTrackedKeys = 10000

// NewFixedWindowLimiter returns a limiter. A non-positive limit admits everything.
func NewFixedWindowLimiter(limit int, window time.Duration, now func() time.Time) *FixedWindowLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &FixedWindowLimiter{limit: limit, window: window, now: now, windows: make(map[string]*fixedWindow)}
}

// Allow records a request for key and reports whether it is within the limit.
func (l *FixedWindowLimiter) Allow(key string) bool {
	_, ok := l.Reserve(key)
	return ok
}

// Reserve records a request for key if it is within the limit. Releasing after the
// window has rolled over does nothing.
func (l *FixedWindowLimiter) Reserve(key string) (func(), bool) {
	if l.limit <= 0 {
		return func() {}, true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		if len(l.windows) >= maxTrackedKeys {
			l.sweep(now)
		}
		w = &fixedWindow{count: 1, resetAt: now.Add(l.window)}
		l.windows[key] = w
		return l.releaser(w), true
	}
	if w.count >= l.limit {
		return nil, false
	}
	w.count++
	return l.releaser(w), true
}

func (l *FixedWindowLimiter) releaser(w *fixedWindow) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if w.count > 0 {
				w.count--
			}
		})
	}
}

func (l *FixedWindowLimiter) sweep(now time.Time) {
	for k, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, k)
		}
	}
}
