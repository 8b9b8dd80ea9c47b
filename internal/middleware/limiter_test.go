package middleware

import (
	"testing"
	"time"
)

func TestLimiter_AllowsUpToLimit(t *testing.T) {
	l := NewLimiter(2, time.Minute)
	if !l.Allow("k") || !l.Allow("k") {
		t.Fatalf("expected first two calls allowed")
	}
	if l.Allow("k") {
		t.Fatalf("expected third call denied")
	}
	if !l.Allow("other") {
		t.Fatalf("expected independent key allowed")
	}
}

func TestLimiter_WindowReset(t *testing.T) {
	now := time.Now()
	l := NewLimiterWithNow(1, time.Minute, func() time.Time { return now })

	if !l.Allow("k") {
		t.Fatalf("expected first call allowed")
	}
	if l.Allow("k") {
		t.Fatalf("expected second call denied")
	}

	now = now.Add(2 * time.Minute)
	if !l.Allow("k") {
		t.Fatalf("expected call allowed after window reset")
	}
}
