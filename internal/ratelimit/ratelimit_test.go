package ratelimit

import (
	"testing"
	"time"
)

func TestWithinLimitPerKeyBucket(t *testing.T) {
	l := New(1, 1, time.Minute)

	if !l.WithinLimit("1.2.3.4") {
		t.Fatalf("expected first request to be allowed")
	}
	if l.WithinLimit("1.2.3.4") {
		t.Fatalf("expected second immediate request from the same key to be throttled")
	}
	if !l.WithinLimit("5.6.7.8") {
		t.Fatalf("expected a different key to have its own bucket")
	}
}

func TestWithinLimitRefillsOverTime(t *testing.T) {
	l := New(1000, 1, time.Minute)

	if !l.WithinLimit("a") {
		t.Fatalf("expected first request to be allowed")
	}
	time.Sleep(5 * time.Millisecond)
	if !l.WithinLimit("a") {
		t.Fatalf("expected the bucket to have refilled at 1000/s after 5ms")
	}
}

func TestWithinLimitReapsIdleEntries(t *testing.T) {
	l := New(1, 1, time.Millisecond)

	l.WithinLimit("stale")
	time.Sleep(5 * time.Millisecond)
	l.WithinLimit("fresh")

	l.mu.Lock()
	_, stillThere := l.entries["stale"]
	l.mu.Unlock()
	if stillThere {
		t.Fatalf("expected the idle entry to be reaped once another key is touched")
	}
}
