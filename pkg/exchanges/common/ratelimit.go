package common

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimitTimeout is returned when the bounded wait for tokens
// elapses before enough tokens accrue.
var ErrRateLimitTimeout = errors.New("rate limit: timed out waiting for tokens")

// CallClass partitions exchange calls into independently limited buckets.
type CallClass string

const (
	CallRead      CallClass = "read"
	CallOrder     CallClass = "order"
	CallSubscribe CallClass = "subscribe"
)

// RateLimits configures per-class capacity and the bounded wait allowed
// when a bucket is empty. Defaults match the venue's published limits.
type RateLimits struct {
	ReadPerMinute    int
	OrderPerSecond   int
	SubsPerSecond    int
	ReadMaxWait      time.Duration
	OrderMaxWait     time.Duration
	SubscribeMaxWait time.Duration
}

// DefaultRateLimits returns the venue defaults: 1200 reads/min,
// 10 orders/sec, 30 stream subscriptions/sec.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		ReadPerMinute:    1200,
		OrderPerSecond:   10,
		SubsPerSecond:    30,
		ReadMaxWait:      5 * time.Second,
		OrderMaxWait:     3 * time.Second,
		SubscribeMaxWait: 2 * time.Second,
	}
}

// RateLimiter holds one continuously refilling token bucket per call
// class. Refill is driven by elapsed wall-clock time, not a tick, so
// scheduling jitter cannot starve or over-grant a bucket.
type RateLimiter struct {
	buckets map[CallClass]*classBucket

	mu  sync.Mutex
	rng *rand.Rand
}

type classBucket struct {
	lim     *rate.Limiter
	maxWait time.Duration
}

// NewRateLimiter builds buckets from limits. Non-positive capacities
// fall back to the defaults.
func NewRateLimiter(limits RateLimits) *RateLimiter {
	def := DefaultRateLimits()
	if limits.ReadPerMinute <= 0 {
		limits.ReadPerMinute = def.ReadPerMinute
	}
	if limits.OrderPerSecond <= 0 {
		limits.OrderPerSecond = def.OrderPerSecond
	}
	if limits.SubsPerSecond <= 0 {
		limits.SubsPerSecond = def.SubsPerSecond
	}
	if limits.ReadMaxWait <= 0 {
		limits.ReadMaxWait = def.ReadMaxWait
	}
	if limits.OrderMaxWait <= 0 {
		limits.OrderMaxWait = def.OrderMaxWait
	}
	if limits.SubscribeMaxWait <= 0 {
		limits.SubscribeMaxWait = def.SubscribeMaxWait
	}

	readPerSec := float64(limits.ReadPerMinute) / 60.0

	return &RateLimiter{
		buckets: map[CallClass]*classBucket{
			CallRead: {
				lim:     rate.NewLimiter(rate.Limit(readPerSec), limits.ReadPerMinute),
				maxWait: limits.ReadMaxWait,
			},
			CallOrder: {
				lim:     rate.NewLimiter(rate.Limit(limits.OrderPerSecond), limits.OrderPerSecond),
				maxWait: limits.OrderMaxWait,
			},
			CallSubscribe: {
				lim:     rate.NewLimiter(rate.Limit(limits.SubsPerSecond), limits.SubsPerSecond),
				maxWait: limits.SubscribeMaxWait,
			},
		},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Acquire blocks until n tokens are available in the class bucket or
// the class's bounded wait elapses, in which case it returns
// ErrRateLimitTimeout. A small random jitter is added before waiting so
// a crowd of blocked callers does not retry in lockstep.
func (r *RateLimiter) Acquire(ctx context.Context, class CallClass, n int) error {
	bucket, ok := r.buckets[class]
	if !ok {
		return fmt.Errorf("rate limit: unknown call class %q", class)
	}
	if n <= 0 {
		n = 1
	}

	// Fast path: tokens already available.
	if bucket.lim.AllowN(time.Now(), n) {
		return nil
	}

	jitter := r.jitter(50 * time.Millisecond)
	timer := time.NewTimer(jitter)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}

	waitCtx, cancel := context.WithTimeout(ctx, bucket.maxWait)
	defer cancel()

	if err := bucket.lim.WaitN(waitCtx, n); err != nil {
		// WaitN fails fast once the deadline cannot be met, before waitCtx
		// itself expires. Either way the caller sees the bounded-wait
		// timeout unless its own context ended.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: class=%s n=%d wait=%v", ErrRateLimitTimeout, class, n, bucket.maxWait)
	}
	return nil
}

// Allow is a non-blocking single-token check, used by health reporting.
func (r *RateLimiter) Allow(class CallClass) bool {
	bucket, ok := r.buckets[class]
	if !ok {
		return false
	}
	return bucket.lim.Allow()
}

func (r *RateLimiter) jitter(max time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Duration(r.rng.Int63n(int64(max)))
}
