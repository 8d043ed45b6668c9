package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, 3)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d within burst should be allowed", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("event beyond burst should be rejected")
	}
	if !rl.Allow(now.Add(600 * time.Millisecond)) {
		t.Fatalf("expected a token after refill")
	}
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	now := time.Now()
	for i := 0; i < defaultPublishBurst; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d within default burst should be allowed", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("expected default burst to be enforced")
	}
}
