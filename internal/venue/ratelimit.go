package venue

import (
	"context"
	"sync"
	"time"
)

// Fallbacks when a venue's config leaves rate limits unset. Order mutations
// get the configured budget; reads run at a multiple of it since venues
// meter them far more loosely.
const (
	defaultOrderRate  = 10.0
	defaultOrderBurst = 50
	queryRateMult     = 4
)

// TokenBucket paces venue calls with continuous refill, so the budget
// spreads smoothly instead of resetting in window-sized bursts. Callers
// block in Wait until a token is available or ctx ends.
type TokenBucket struct {
	mu     sync.Mutex
	tokens float64
	burst  float64
	rate   float64 // tokens per second
	last   time.Time
}

// NewTokenBucket returns a full bucket refilling at ratePerSecond.
func NewTokenBucket(burst, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens: burst,
		burst:  burst,
		rate:   ratePerSecond,
		last:   time.Now(),
	}
}

// Wait consumes one token, blocking until one accrues or ctx is done.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		tb.refill(time.Now())
		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (tb *TokenBucket) refill(now time.Time) {
	tb.tokens += now.Sub(tb.last).Seconds() * tb.rate
	if tb.tokens > tb.burst {
		tb.tokens = tb.burst
	}
	tb.last = now
}

// Limiter holds one venue's buckets by call category. Every adapter call
// waits on the matching bucket before touching the wire.
type Limiter struct {
	Order *TokenBucket // placements and cancels
	Query *TokenBucket // order, balance, position, and market reads
}

// NewLimiter builds a venue's limiter from its configured order budget.
// Non-positive values fall back to the defaults.
func NewLimiter(ratePerSecond float64, burst int) *Limiter {
	if ratePerSecond <= 0 {
		ratePerSecond = defaultOrderRate
	}
	if burst <= 0 {
		burst = defaultOrderBurst
	}
	return &Limiter{
		Order: NewTokenBucket(float64(burst), ratePerSecond),
		Query: NewTokenBucket(float64(burst)*queryRateMult, ratePerSecond*queryRateMult),
	}
}
