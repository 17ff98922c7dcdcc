// Package ratelimit provides deterministic token buckets for the tracker's
// per-connection signaling limits.
package ratelimit

import (
	"sync"
	"time"
)

// Clock supplies the current time. Tests inject a fake to drive refills
// without sleeping.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Fixed-point representation: one token is 1e9 nano-tokens, so a fill rate
// of R tokens/sec adds exactly R nano-tokens per elapsed nanosecond. Integer
// arithmetic keeps refills deterministic under a fake clock.
const nanosPerToken = int64(time.Second)

// Bucket is a token bucket refilling at an integer tokens/sec rate. A zero
// or negative rate or capacity yields a bucket that always refuses (after
// the initial burst of capacity tokens).
type Bucket struct {
	mu    sync.Mutex
	clock Clock

	capNano  int64 // capacity, nano-tokens
	rate     int64 // tokens/sec
	nano     int64 // available, nano-tokens
	lastFill time.Time
}

func NewBucket(clock Clock, capacity, rate int64) *Bucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	capNano := saturatingNano(capacity)
	return &Bucket{
		clock:    clock,
		capNano:  capNano,
		rate:     rate,
		nano:     capNano,
		lastFill: clock.Now(),
	}
}

// Allow consumes n tokens when available. n <= 0 always succeeds.
func (b *Bucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := saturatingNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.nano < cost {
		return false
	}
	b.nano -= cost
	return true
}

func (b *Bucket) refill() {
	now := b.clock.Now()
	if now.Before(b.lastFill) {
		// Clock went backwards; re-anchor without refilling.
		b.lastFill = now
		return
	}
	elapsed := now.Sub(b.lastFill).Nanoseconds()
	b.lastFill = now
	if elapsed <= 0 || b.rate <= 0 || b.nano >= b.capNano {
		return
	}

	// elapsed*rate can overflow for long idle stretches; when the elapsed
	// time alone suffices to fill the bucket, clamp instead of multiplying.
	if deficit := b.capNano - b.nano; elapsed >= deficit/b.rate {
		b.nano = b.capNano
		return
	}
	b.nano += elapsed * b.rate
}

func saturatingNano(tokens int64) int64 {
	const maxInt64 = int64(^uint64(0) >> 1)
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanosPerToken {
		return maxInt64
	}
	return tokens * nanosPerToken
}
