package realtime

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d denied within limit", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("event over limit allowed")
	}
}

func TestRateLimiterRecoversAfterWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if !rl.Allow(now) || !rl.Allow(now) {
		t.Fatalf("initial events denied")
	}
	if rl.Allow(now.Add(500 * time.Millisecond)) {
		t.Fatalf("event allowed mid-window")
	}
	if !rl.Allow(now.Add(1100 * time.Millisecond)) {
		t.Fatalf("event denied after window expired")
	}
}

func TestRateLimiterSlidesAcrossManyWindows(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Fill and expire the window repeatedly; the limiter must keep admitting
	// a full quota per fresh window and denying the overflow event.
	for i := 0; i < 100; i++ {
		ts := base.Add(time.Duration(i) * 2 * time.Second)
		if !rl.Allow(ts) || !rl.Allow(ts) {
			t.Fatalf("window %d: events denied under limit", i)
		}
		if rl.Allow(ts) {
			t.Fatalf("window %d: event over limit allowed", i)
		}
	}
}

func TestGatewayConfigClampsRateLimit(t *testing.T) {
	t.Parallel()

	cfg := GatewayConfig{}.withDefaults()
	if cfg.RateEvents != rateLimitEvents || cfg.RateWindow != rateLimitWindow {
		t.Fatalf("zero config not clamped: events=%d window=%s", cfg.RateEvents, cfg.RateWindow)
	}

	cfg = GatewayConfig{RateEvents: 5, RateWindow: time.Second}.withDefaults()
	if cfg.RateEvents != 5 || cfg.RateWindow != time.Second {
		t.Fatalf("explicit config overridden: events=%d window=%s", cfg.RateEvents, cfg.RateWindow)
	}
}
