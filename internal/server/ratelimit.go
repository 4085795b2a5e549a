package server

import (
	"sync"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

const bucketIdleTTL = time.Hour

// rateLimiter is a per-client token bucket guarding the validate
// endpoint. Capacity 0 disables it.
type rateLimiter struct {
	capacity     float64
	refillPerSec float64
	mu           sync.Mutex
	buckets      *expirable.LRU[string, *bucket]
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(capacity int, refillPerSec float64) *rateLimiter {
	rl := &rateLimiter{
		capacity:     float64(capacity),
		refillPerSec: refillPerSec,
	}
	if capacity > 0 {
		rl.buckets = expirable.NewLRU[string, *bucket](16384, nil, bucketIdleTTL)
	}
	return rl
}

func (rl *rateLimiter) allow(client string, now time.Time) bool {
	if rl.buckets == nil {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets.Get(client)
	if !ok {
		b = &bucket{tokens: rl.capacity, last: now}
		rl.buckets.Add(client, b)
	}
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = min(rl.capacity, b.tokens+elapsed*rl.refillPerSec)
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
