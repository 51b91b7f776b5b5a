package server

import (
	"testing"
	"time"
)

func TestRateLimiterDisabled(t *testing.T) {
	rl := newRateLimiter(0, time.Second)
	for i := 0; i < 100; i++ {
		if !rl.allow() {
			t.Fatalf("Disabled limiter rejected message %d", i)
		}
	}
}

func TestRateLimiterBurstAndRefill(t *testing.T) {
	rl := newRateLimiter(3, 30*time.Millisecond)

	for i := 0; i < 3; i++ {
		if !rl.allow() {
			t.Fatalf("Expected message %d within burst to be allowed", i)
		}
	}
	if rl.allow() {
		t.Fatal("Expected message beyond burst to be rejected")
	}

	time.Sleep(40 * time.Millisecond)
	if !rl.allow() {
		t.Error("Expected tokens to refill after the interval")
	}
}
