package server

import (
	"testing"
	"time"
)

func TestTokenBucketRefills(t *testing.T) {
	bucket := newTokenBucket(100, 1)

	if !bucket.Allow() {
		t.Fatal("first request should pass")
	}
	if bucket.Allow() {
		t.Fatal("second immediate request should fail")
	}

	time.Sleep(30 * time.Millisecond)
	if !bucket.Allow() {
		t.Fatal("bucket should refill after the interval")
	}
}

func TestAllowIngestDisabledWhenLimitUnset(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{})
	for i := 0; i < 50; i++ {
		allowed, _, err := rl.AllowIngest("10.0.0.1")
		if err != nil || !allowed {
			t.Fatalf("ingest limiting should be disabled, got allowed=%v err=%v", allowed, err)
		}
	}
}

func TestAllowIngestLimitsPerKey(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{IngestLimit: 2, IngestWindow: time.Minute})

	for i := 0; i < 2; i++ {
		allowed, _, err := rl.AllowIngest("10.0.0.1")
		if err != nil || !allowed {
			t.Fatalf("request %d should pass, got allowed=%v err=%v", i, allowed, err)
		}
	}
	allowed, retryAfter, err := rl.AllowIngest("10.0.0.1")
	if err != nil {
		t.Fatalf("AllowIngest failed: %v", err)
	}
	if allowed {
		t.Fatal("third request in the window should be refused")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected a retry hint, got %v", retryAfter)
	}

	// A different client has its own budget.
	allowed, _, err = rl.AllowIngest("10.0.0.2")
	if err != nil || !allowed {
		t.Fatalf("other client should pass, got allowed=%v err=%v", allowed, err)
	}
}

func TestAllowIngestCleansStaleBuckets(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{IngestLimit: 1, IngestWindow: 10 * time.Millisecond})

	if allowed, _, _ := rl.AllowIngest("10.0.0.1"); !allowed {
		t.Fatal("first request should pass")
	}
	time.Sleep(30 * time.Millisecond)
	if allowed, _, _ := rl.AllowIngest("10.0.0.2"); !allowed {
		t.Fatal("request from second client should pass")
	}

	rl.ingestMu.Lock()
	_, stale := rl.ingestBuckets["10.0.0.1"]
	rl.ingestMu.Unlock()
	if stale {
		t.Fatal("stale bucket should have been evicted")
	}
}
