package ratelimit

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/preset-hq/credits/internal/config"
)

func TestBucketTTLCoversTwoFullRefills(t *testing.T) {
	cases := []struct {
		rate  float64
		burst int
		want  time.Duration
	}{
		{1, 5, 10 * time.Second},
		{2, 5, 5 * time.Second},
		{10, 1, 1 * time.Second},
		{0.5, 3, 12 * time.Second},
	}
	for _, tc := range cases {
		if got := bucketTTL(tc.rate, tc.burst); got != tc.want {
			t.Fatalf("bucketTTL(%v, %d) = %v, want %v", tc.rate, tc.burst, got, tc.want)
		}
	}
}

func TestCastHelpers(t *testing.T) {
	if got := castToInt(int64(1)); got != 1 {
		t.Fatalf("castToInt(int64) = %d", got)
	}
	if got := castToInt("nope"); got != 0 {
		t.Fatalf("castToInt(string) = %d, want 0", got)
	}
	if got := castToFloat("3.75"); got != 3.75 {
		t.Fatalf("castToFloat(string) = %v", got)
	}
	if got := castToFloat("garbage"); got != 0 {
		t.Fatalf("castToFloat(garbage) = %v, want 0", got)
	}
	if got := castToFloat(int64(4)); got != 4 {
		t.Fatalf("castToFloat(int64) = %v", got)
	}
}

func TestAllowRejectsBadArguments(t *testing.T) {
	bucket := &TokenBucket{}
	if _, err := bucket.Allow(context.Background(), "k", 1, 5); err == nil {
		t.Fatalf("expected error for missing client")
	}

	var nilBucket *TokenBucket
	if _, err := nilBucket.Allow(context.Background(), "k", 1, 5); err == nil {
		t.Fatalf("expected error for nil bucket")
	}
}

func TestNewTokenBucketNilClient(t *testing.T) {
	if NewTokenBucket(nil) != nil {
		t.Fatalf("nil client must yield nil bucket")
	}
}

func TestNewDispatchLimiterDisabled(t *testing.T) {
	limiter, err := NewDispatchLimiter(config.Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("disabled limiter: %v", err)
	}
	if limiter != nil {
		t.Fatalf("expected nil limiter when rate limiting is off")
	}
	if limiter.Enabled() {
		t.Fatalf("nil limiter must report disabled")
	}
}
