package httpapi

import (
	"testing"
	"time"
)

func TestSlidingWindowLimiterEnforcesBurst(t *testing.T) {
	current := time.UnixMilli(1_700_000_000_000)
	limiter := NewSlidingWindowLimiter(time.Minute, 2, func() time.Time { return current })

	if !limiter.Allow() || !limiter.Allow() {
		t.Fatalf("first two events should be admitted")
	}
	if limiter.Allow() {
		t.Fatalf("third event inside the window should be rejected")
	}

	//1.- Once the window slides past the first event, capacity frees up.
	current = current.Add(61 * time.Second)
	if !limiter.Allow() {
		t.Fatalf("event after the window elapsed should be admitted")
	}
}

func TestSlidingWindowLimiterDisabledConfigurations(t *testing.T) {
	if !NewSlidingWindowLimiter(0, 5, nil).Allow() {
		t.Fatalf("zero window must disable limiting")
	}
	if !NewSlidingWindowLimiter(time.Minute, 0, nil).Allow() {
		t.Fatalf("zero limit must disable limiting")
	}
	var limiter *SlidingWindowLimiter
	if !limiter.Allow() {
		t.Fatalf("nil limiter must allow")
	}
}
