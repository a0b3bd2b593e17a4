package chat

import (
	"testing"
	"time"
)

func TestRateLimiter_AllowsWithinWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("fourth event in the window should be denied")
	}
}

// A connection that keeps sending while throttled must not push its own
// window forward: only admitted events count.
func TestRateLimiter_DeniedEventsNotRecorded(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	now := time.Now()

	if !rl.Allow(now) || !rl.Allow(now) {
		t.Fatalf("initial events should be allowed")
	}
	for i := 0; i < 10; i++ {
		if rl.Allow(now.Add(time.Duration(i*50) * time.Millisecond)) {
			t.Fatalf("flood event %d should be denied", i)
		}
	}
	if !rl.Allow(now.Add(1100 * time.Millisecond)) {
		t.Fatalf("flood must not extend the window")
	}
}

func TestRateLimiter_SlidesWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	now := time.Now()

	if !rl.Allow(now) || !rl.Allow(now) {
		t.Fatalf("initial events should be allowed")
	}
	if rl.Allow(now.Add(500 * time.Millisecond)) {
		t.Fatalf("still inside the window, should be denied")
	}
	if !rl.Allow(now.Add(1100 * time.Millisecond)) {
		t.Fatalf("window slid past the old events, should be allowed")
	}
}
