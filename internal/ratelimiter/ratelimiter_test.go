package ratelimiter

import (
	"errors"
	"testing"
	"time"
)

func TestNewTokenBucketValidation(t *testing.T) {
	if _, err := NewTokenBucket(TokenBucketConfig{Size: 0, RefillTime: 100}); !errors.Is(err, ErrInvalidBucketConfig) {
		t.Errorf("zero size err = %v, want ErrInvalidBucketConfig", err)
	}
	if _, err := NewTokenBucket(TokenBucketConfig{Size: 100, RefillTime: 0}); !errors.Is(err, ErrInvalidBucketConfig) {
		t.Errorf("zero refill err = %v, want ErrInvalidBucketConfig", err)
	}
	if _, err := NewTokenBucket(TokenBucketConfig{Size: 100, RefillTime: 1000}); err != nil {
		t.Errorf("valid config err = %v", err)
	}
}

func TestTokenBucketConsumption(t *testing.T) {
	b, err := NewTokenBucket(TokenBucketConfig{Size: 10, RefillTime: 1000})
	if err != nil {
		t.Fatalf("NewTokenBucket: %v", err)
	}
	now := time.Now()
	if !b.AllowN(now, 10) {
		t.Error("full bucket should allow its capacity")
	}
	if b.AllowN(now, 10) {
		t.Error("empty bucket should deny")
	}
	// After a full refill interval the budget is back.
	if !b.AllowN(now.Add(1100*time.Millisecond), 10) {
		t.Error("refilled bucket should allow")
	}
}

func TestMakeBucketUpdate(t *testing.T) {
	if got := MakeBucketUpdate(nil); got.Kind != BucketKeep {
		t.Errorf("nil config -> %v, want BucketKeep", got.Kind)
	}
	disabled := TokenBucketConfig{}
	if got := MakeBucketUpdate(&disabled); got.Kind != BucketDisable {
		t.Errorf("disabled config -> %v, want BucketDisable", got.Kind)
	}
	active := TokenBucketConfig{Size: 100, RefillTime: 1000}
	got := MakeBucketUpdate(&active)
	if got.Kind != BucketReplace || got.Bucket == nil {
		t.Errorf("active config -> %v, want BucketReplace with bucket", got.Kind)
	}
}

func TestRateLimiterUnlimitedByDefault(t *testing.T) {
	rl, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now()
	for i := 0; i < 1000; i++ {
		if !rl.AllowBytes(now, 1<<20) || !rl.AllowOp(now) {
			t.Fatal("unlimited limiter denied")
		}
	}
}

func TestRateLimiterUpdate(t *testing.T) {
	rl, err := New(&RateLimiterConfig{
		Bandwidth: TokenBucketConfig{Size: 100, RefillTime: 1000},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now()
	if !rl.AllowBytes(now, 100) {
		t.Fatal("initial budget denied")
	}
	if rl.AllowBytes(now, 1) {
		t.Fatal("exhausted bucket allowed")
	}

	// Replace the bandwidth bucket and disable ops limiting.
	newCfg := TokenBucketConfig{Size: 1000, RefillTime: 1000}
	rl.Update(MakeBucketUpdate(&newCfg), MakeBucketUpdate(&TokenBucketConfig{}))

	if !rl.AllowBytes(now, 1000) {
		t.Error("replaced bucket should carry the new budget")
	}
	if got := rl.BandwidthConfig(); got == nil || got.Size != 1000 {
		t.Errorf("BandwidthConfig = %+v, want size 1000", got)
	}
	if rl.OpsConfig() != nil {
		t.Error("ops limiting should be disabled")
	}
}
