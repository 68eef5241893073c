package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketAllowsBurstUpToCapacity(t *testing.T) {
	tb := NewTokenBucket(3, 1)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("unexpected error on token %d: %v", i, err)
		}
	}
}

func TestTokenBucketBlocksUntilRefill(t *testing.T) {
	tb := NewTokenBucket(1, 20) // 50ms per token
	ctx := context.Background()

	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first wait should succeed: %v", err)
	}

	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("second wait should succeed after refill: %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected second wait to block for refill, took %v", time.Since(start))
	}
}

func TestTokenBucketRespectsContextCancellation(t *testing.T) {
	tb := NewTokenBucket(1, 0.01) // effectively never refills within the test window
	ctx := context.Background()
	_ = tb.Wait(ctx) // drain the initial token

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := tb.Wait(cctx); err == nil {
		t.Fatalf("expected context deadline error")
	}
}

func TestTryTakeDoesNotBlock(t *testing.T) {
	tb := NewTokenBucket(1, 0.01)
	if !tb.TryTake() {
		t.Fatalf("expected first TryTake to succeed")
	}
	if tb.TryTake() {
		t.Fatalf("expected second TryTake to fail immediately")
	}
}
