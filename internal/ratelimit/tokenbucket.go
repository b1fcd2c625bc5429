package ratelimit

import (
	"sync"
	"time"
)

// tokenBucket is the local fallback used while the distributed backend's
// breaker is open (§4.5). It is deliberately simpler and more
// conservative than the sliding-window estimator: a single node's view of
// a rule, good enough to keep shedding load until the backend recovers.
type tokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	last       time.Time
	nowFn      func() time.Time
}

func newTokenBucket(capacity, refillRate float64, now func() time.Time) *tokenBucket {
	if now == nil {
		now = time.Now
	}
	return &tokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		last:       now(),
		nowFn:      now,
	}
}

func (b *tokenBucket) allow(cost float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}

	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// remaining reports the current token count without consuming any.
func (b *tokenBucket) remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}
