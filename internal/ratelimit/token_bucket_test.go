package ratelimit

import (
	"testing"
	"time"
)

// fakeClock lets tests advance the bucket's view of time without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBucket(rpm, burst int) (*TokenBucket, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	tb := NewTokenBucket(rpm, burst)
	tb.now = clock.now
	tb.lastRefill = clock.t
	return tb, clock
}

func TestTokenBucket_BurstThenDeny(t *testing.T) {
	tb, _ := newTestBucket(60, 5) // 1 token/sec, burst 5

	for i := 0; i < 5; i++ {
		if ok, _ := tb.Allow(); !ok {
			t.Errorf("request %d should be allowed (burst)", i)
		}
	}
	ok, retry := tb.Allow()
	if ok {
		t.Fatal("6th request should be denied (bucket empty)")
	}
	if retry < 1 {
		t.Errorf("denied request must carry retry_after_sec >= 1, got %d", retry)
	}
}

func TestTokenBucket_RefillProportional(t *testing.T) {
	tb, clock := newTestBucket(120, 4) // 2 tokens/sec

	for i := 0; i < 4; i++ {
		tb.Allow()
	}
	clock.advance(3 * time.Second) // +6 tokens, capped at 4

	allowed := 0
	for i := 0; i < 10; i++ {
		if ok, _ := tb.Allow(); ok {
			allowed++
		}
	}
	if allowed != 4 {
		t.Errorf("expected 4 allowed after refill (capacity cap), got %d", allowed)
	}
}

func TestTokenBucket_RetryAfterFromDeficit(t *testing.T) {
	tb, _ := newTestBucket(12, 1) // 0.2 tokens/sec

	tb.Allow()
	_, retry := tb.Allow()
	// deficit 1 token at 0.2/sec = 5s
	if retry != 5 {
		t.Errorf("expected retry_after_sec 5, got %d", retry)
	}
}

func TestTokenBucket_Disabled(t *testing.T) {
	tb := NewTokenBucket(0, 0)
	for i := 0; i < 100; i++ {
		if ok, _ := tb.Allow(); !ok {
			t.Fatal("disabled bucket must always allow")
		}
	}
}

func TestTokenBucket_Concurrent(t *testing.T) {
	tb, _ := newTestBucket(60, 1000)

	done := make(chan bool)
	for i := 0; i < 100; i++ {
		go func() {
			for j := 0; j < 10; j++ {
				tb.Allow()
			}
			done <- true
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}

	if remaining := tb.Remaining(); remaining > 1 {
		t.Errorf("expected ~0 remaining after concurrent access, got %f", remaining)
	}
}
