// Package resilience provides call-site protection for the broker API:
// per-class token-bucket rate limits and a circuit breaker for REST calls.
package resilience

import (
	"context"
	"sync"
	"time"
)

// Class identifies a broker API rate class. Zerodha enforces separate
// per-second quotas for orders, market data, and historical candles.
type Class string

const (
	ClassOrders     Class = "orders"
	ClassMarketData Class = "market_data"
	ClassHistorical Class = "historical"
)

// RateLimits holds requests-per-second quotas per class.
type RateLimits struct {
	Orders     int
	MarketData int
	Historical int
}

// DefaultRateLimits returns the documented Kite Connect quotas.
func DefaultRateLimits() RateLimits {
	return RateLimits{Orders: 5, MarketData: 3, Historical: 2}
}

type bucket struct {
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
}

// RateLimiter enforces per-class token buckets. Wait blocks until a token
// is available or the context is done; callers invoke it before each
// broker request.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[Class]*bucket
	now     func() time.Time
}

// NewRateLimiter creates a limiter with one bucket per class. Zero or
// negative quotas fall back to one request per second.
func NewRateLimiter(limits RateLimits) *RateLimiter {
	mk := func(perSec int) *bucket {
		if perSec < 1 {
			perSec = 1
		}
		r := float64(perSec)
		return &bucket{rate: r, burst: r, tokens: r}
	}
	rl := &RateLimiter{
		buckets: map[Class]*bucket{
			ClassOrders:     mk(limits.Orders),
			ClassMarketData: mk(limits.MarketData),
			ClassHistorical: mk(limits.Historical),
		},
		now: time.Now,
	}
	t := rl.now()
	for _, b := range rl.buckets {
		b.last = t
	}
	return rl
}

// refill credits tokens for the elapsed time; callers hold the lock.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = now
}

// Allow takes a token if one is available, without blocking.
func (rl *RateLimiter) Allow(class Class) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[class]
	if !ok {
		return true
	}
	b.refill(rl.now())
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Wait blocks until a token for class is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, class Class) error {
	for {
		rl.mu.Lock()
		b, ok := rl.buckets[class]
		if !ok {
			rl.mu.Unlock()
			return nil
		}
		now := rl.now()
		b.refill(now)
		if b.tokens >= 1 {
			b.tokens--
			rl.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
		rl.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
