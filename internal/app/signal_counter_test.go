package app

import (
	"context"
	"testing"
	"time"
)

func TestMemorySignalCounterWindows(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	c := NewMemorySignalCounter()
	c.now = func() time.Time { return now }

	for i := 1; i <= 3; i++ {
		got, err := c.Incr(ctx, "pin_fail", "venue-1:user-1", 10*time.Minute)
		if err != nil || got != i {
			t.Fatalf("expected count %d, got %d err=%v", i, got, err)
		}
	}
	if got, _ := c.Peek(ctx, "pin_fail", "venue-1:user-2"); got != 0 {
		t.Fatalf("subjects must not share windows, got %d", got)
	}
	if got, _ := c.Peek(ctx, "velocity_earn", "venue-1:user-1"); got != 0 {
		t.Fatalf("scopes must not share windows, got %d", got)
	}

	now = now.Add(10 * time.Minute)
	if got, _ := c.Peek(ctx, "pin_fail", "venue-1:user-1"); got != 0 {
		t.Fatalf("expected window to expire, got %d", got)
	}
	if got, _ := c.Incr(ctx, "pin_fail", "venue-1:user-1", 10*time.Minute); got != 1 {
		t.Fatalf("expected a fresh window, got %d", got)
	}
}

func TestRedisSignalCounterKey(t *testing.T) {
	c := NewRedisSignalCounter(nil, " rewards: ")
	if got := c.key("pin_fail", "venue-1:user-1"); got != "rewards:signal:pin_fail:venue-1:user-1" {
		t.Fatalf("unexpected key %q", got)
	}
}
