package ratelimit

import (
	"math"
	"sync"
	"time"
)

// TokenBucket implements a thread-safe token bucket for the per-process
// request budget. The bucket refills proportionally to elapsed time and
// allows bursts up to its capacity. It is independent of the single-flight
// admission gate: a request can clear the budget and still be rejected by
// admission, and vice versa.
type TokenBucket struct {
	capacity   float64 // maximum tokens (burst size)
	refillRate float64 // tokens added per second (rpm / 60)
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex

	now func() time.Time // test hook
}

// NewTokenBucket creates a limiter allowing `rpm` sustained requests per
// minute with bursts up to `burst`. rpm <= 0 disables limiting entirely.
func NewTokenBucket(rpm, burst int) *TokenBucket {
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucket{
		capacity:   float64(burst),
		refillRate: float64(rpm) / 60.0,
		tokens:     float64(burst),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Disabled reports whether the bucket performs no limiting.
func (tb *TokenBucket) Disabled() bool {
	return tb == nil || tb.refillRate <= 0
}

// Allow consumes one token. When denied it returns the number of whole
// seconds the caller should wait, rounded up from the token deficit over
// the refill rate, and at least 1.
func (tb *TokenBucket) Allow() (allowed bool, retryAfterSec int) {
	if tb.Disabled() {
		return true, 0
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true, 0
	}
	deficit := 1 - tb.tokens
	sec := int(math.Ceil(deficit / tb.refillRate))
	if sec < 1 {
		sec = 1
	}
	return false, sec
}

// Remaining returns the tokens currently available.
func (tb *TokenBucket) Remaining() float64 {
	if tb.Disabled() {
		return tb.capacity
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens
}

// refill adds tokens for the elapsed interval. Caller holds the lock.
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens = math.Min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	}
	tb.lastRefill = now
}
