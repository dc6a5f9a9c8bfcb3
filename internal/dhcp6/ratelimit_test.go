package dhcp6

import (
	"testing"
	"time"
)

var (
	duidA = []byte{0x00, 0x01, 0x00, 0x01, 0x11, 0x22, 0x33, 0x44}
	duidB = []byte{0x00, 0x03, 0x00, 0x01, 0xaa, 0xbb, 0xcc, 0xdd}
)

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(false, 10, 5)
	for i := 0; i < 100; i++ {
		if !rl.Allow(duidA) {
			t.Fatalf("disabled rate limiter rejected request %d", i)
		}
	}
	var nilLimiter *RateLimiter
	if !nilLimiter.Allow(duidA) {
		t.Error("nil rate limiter rejected request")
	}
}

func TestRateLimiterGlobalLimit(t *testing.T) {
	rl := NewRateLimiter(true, 5, 100)
	for i := 0; i < 5; i++ {
		if !rl.Allow(duidA) {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if rl.Allow(duidB) {
		t.Error("6th request should be rejected (global limit)")
	}
}

func TestRateLimiterPerDUIDLimit(t *testing.T) {
	rl := NewRateLimiter(true, 100, 3)
	for i := 0; i < 3; i++ {
		if !rl.Allow(duidA) {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if rl.Allow(duidA) {
		t.Error("4th request from same DUID should be rejected")
	}
	if !rl.Allow(duidB) {
		t.Error("different DUID should still be allowed")
	}
	if _, tracked := rl.Stats(); tracked != 2 {
		t.Errorf("tracked DUIDs = %d, want 2", tracked)
	}
}

func fixedLimiter(global, perDUID int, now *time.Time) *RateLimiter {
	rl := NewRateLimiter(true, global, perDUID)
	rl.now = func() time.Time { return *now }
	rl.all.last = *now
	rl.swept = *now
	return rl
}

func TestRateLimiterRefill(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := fixedLimiter(3, 3, &now)

	for i := 0; i < 3; i++ {
		rl.Allow(duidA)
	}
	if rl.Allow(duidA) {
		t.Error("should be rate-limited after exhausting tokens")
	}

	now = now.Add(400 * time.Millisecond)
	if !rl.Allow(duidA) {
		t.Error("one token should have refilled after 400ms at 3/s")
	}
	if rl.Allow(duidA) {
		t.Error("only one token should have refilled")
	}

	now = now.Add(time.Minute)
	rl.Allow(duidB)
	if _, tracked := rl.Stats(); tracked != 1 {
		t.Errorf("tracked DUIDs = %d after idle cleanup, want 1", tracked)
	}
}

func TestRateLimiterGlobalRejectRefundsClient(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := fixedLimiter(1, 1, &now)

	if !rl.Allow(duidA) {
		t.Fatal("first request rejected")
	}
	if rl.Allow(duidB) {
		t.Fatal("global budget should be exhausted")
	}
	// duidB was refunded, so once the global bucket refills it is allowed
	// even though its own bucket has not aged.
	rl.all.tokens = 1
	if !rl.Allow(duidB) {
		t.Error("client token not refunded after global rejection")
	}
}

func TestRateLimiterClockStepBack(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := fixedLimiter(10, 2, &now)
	rl.Allow(duidA)
	now = now.Add(-time.Hour)
	if !rl.Allow(duidA) {
		t.Error("backwards clock step removed tokens")
	}
}
