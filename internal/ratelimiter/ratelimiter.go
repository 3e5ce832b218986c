// Package ratelimiter provides token-bucket rate limiting for device I/O
// paths: a serializable bucket configuration, a runtime limiter built from
// it, and incremental bucket updates that can be applied to a running
// device without reconstructing it.
package ratelimiter

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

var ErrInvalidBucketConfig = errors.New("invalid token bucket configuration")

// TokenBucketConfig describes one token bucket. A zero Size disables the
// bucket: the dimension it guards is unlimited.
type TokenBucketConfig struct {
	// Size is the bucket capacity in tokens (bytes or operations).
	Size uint64 `yaml:"size" json:"size"`
	// OneTimeBurst is an initial extra budget spent before steady-state
	// limiting begins.
	OneTimeBurst uint64 `yaml:"one_time_burst" json:"one_time_burst"`
	// RefillTime is the time in milliseconds to refill the bucket from
	// empty to full.
	RefillTime uint64 `yaml:"refill_time" json:"refill_time"`
}

// Enabled reports whether the bucket actually limits anything.
func (c TokenBucketConfig) Enabled() bool {
	return c.Size > 0
}

// RateLimiterConfig pairs a bandwidth bucket (bytes) with an operations
// bucket (I/O count).
type RateLimiterConfig struct {
	Bandwidth TokenBucketConfig `yaml:"bandwidth" json:"bandwidth"`
	Ops       TokenBucketConfig `yaml:"ops" json:"ops"`
}

// TokenBucket is a runtime bucket. It wraps a rate.Limiter so bucket
// parameters can be swapped on a live device.
type TokenBucket struct {
	limiter *rate.Limiter
	config  TokenBucketConfig
}

// NewTokenBucket converts a bucket configuration into its runtime form.
func NewTokenBucket(cfg TokenBucketConfig) (*TokenBucket, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: zero size", ErrInvalidBucketConfig)
	}
	if cfg.RefillTime == 0 {
		return nil, fmt.Errorf("%w: zero refill time", ErrInvalidBucketConfig)
	}
	limit := rate.Limit(float64(cfg.Size) / (float64(cfg.RefillTime) / 1000.0))
	burst := cfg.Size + cfg.OneTimeBurst
	if burst > uint64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: burst %d overflows", ErrInvalidBucketConfig, burst)
	}
	return &TokenBucket{
		limiter: rate.NewLimiter(limit, int(burst)),
		config:  cfg,
	}, nil
}

// Config returns the configuration the bucket was built from.
func (b *TokenBucket) Config() TokenBucketConfig {
	return b.config
}

// AllowN consumes n tokens if available.
func (b *TokenBucket) AllowN(now time.Time, n int) bool {
	return b.limiter.AllowN(now, n)
}

// BucketUpdateKind selects what an incremental update does to a live
// bucket.
type BucketUpdateKind int

const (
	// BucketKeep leaves the running bucket untouched.
	BucketKeep BucketUpdateKind = iota
	// BucketDisable removes limiting for the dimension.
	BucketDisable
	// BucketReplace swaps in a new bucket.
	BucketReplace
)

// BucketUpdate is an incremental delta for one bucket of a running
// rate limiter.
type BucketUpdate struct {
	Kind   BucketUpdateKind
	Bucket *TokenBucket // set when Kind == BucketReplace
}

// MakeBucketUpdate computes the update described by an optional bucket
// configuration: nil means keep, a disabled bucket means remove limiting,
// anything else replaces the running bucket.
func MakeBucketUpdate(cfg *TokenBucketConfig) BucketUpdate {
	if cfg == nil {
		return BucketUpdate{Kind: BucketKeep}
	}
	bucket, err := NewTokenBucket(*cfg)
	if err != nil {
		return BucketUpdate{Kind: BucketDisable}
	}
	return BucketUpdate{Kind: BucketReplace, Bucket: bucket}
}

// RateLimiter combines the bandwidth and ops buckets of one device queue.
// Either bucket may be absent, meaning unlimited.
type RateLimiter struct {
	bandwidth *TokenBucket
	ops       *TokenBucket
}

// New builds a rate limiter from an optional configuration. A nil config
// or disabled buckets produce an unlimited limiter.
func New(cfg *RateLimiterConfig) (*RateLimiter, error) {
	rl := &RateLimiter{}
	if cfg == nil {
		return rl, nil
	}
	if cfg.Bandwidth.Enabled() {
		b, err := NewTokenBucket(cfg.Bandwidth)
		if err != nil {
			return nil, fmt.Errorf("bandwidth bucket: %w", err)
		}
		rl.bandwidth = b
	}
	if cfg.Ops.Enabled() {
		b, err := NewTokenBucket(cfg.Ops)
		if err != nil {
			return nil, fmt.Errorf("ops bucket: %w", err)
		}
		rl.ops = b
	}
	return rl, nil
}

// AllowBytes consumes n bytes of bandwidth budget.
func (r *RateLimiter) AllowBytes(now time.Time, n int) bool {
	if r.bandwidth == nil {
		return true
	}
	return r.bandwidth.AllowN(now, n)
}

// AllowOp consumes one operation of budget.
func (r *RateLimiter) AllowOp(now time.Time) bool {
	if r.ops == nil {
		return true
	}
	return r.ops.AllowN(now, 1)
}

// Update applies incremental bucket updates to the limiter.
func (r *RateLimiter) Update(bytes, ops BucketUpdate) {
	switch bytes.Kind {
	case BucketDisable:
		r.bandwidth = nil
	case BucketReplace:
		r.bandwidth = bytes.Bucket
	}
	switch ops.Kind {
	case BucketDisable:
		r.ops = nil
	case BucketReplace:
		r.ops = ops.Bucket
	}
}

// BandwidthConfig returns the active bandwidth bucket config, or nil when
// bandwidth is unlimited.
func (r *RateLimiter) BandwidthConfig() *TokenBucketConfig {
	if r.bandwidth == nil {
		return nil
	}
	cfg := r.bandwidth.Config()
	return &cfg
}

// OpsConfig returns the active ops bucket config, or nil when operations
// are unlimited.
func (r *RateLimiter) OpsConfig() *TokenBucketConfig {
	if r.ops == nil {
		return nil
	}
	cfg := r.ops.Config()
	return &cfg
}
