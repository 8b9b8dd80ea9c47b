package middleware

import (
	"sync"
	"time"
)

// Limiter is a fixed-window rate limiter keyed by caller-chosen strings
// (the pairing handlers key by user + sub-client, since each start is an
// expensive external handshake). Expired windows are pruned lazily on the
// allow path; no background goroutine.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	span    time.Duration
	now     func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

const pruneThreshold = 1024

func NewLimiter(limit int, span time.Duration) *Limiter {
	return NewLimiterWithNow(limit, span, time.Now)
}

func NewLimiterWithNow(limit int, span time.Duration, now func() time.Time) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		limit:   limit,
		span:    span,
		now:     now,
	}
}

func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if len(l.windows) >= pruneThreshold {
		for k, w := range l.windows {
			if now.After(w.resetAt) {
				delete(l.windows, k)
			}
		}
	}

	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(l.span)}
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}
