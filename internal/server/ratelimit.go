package server

import (
	"sync"
	"time"
)

// rateLimiter throttles inbound envelopes on one session with a token
// bucket: a session may burst up to its full capacity, after which
// tokens trickle back at capacity per refill interval. Fractional
// tokens accrue so short refill intervals do not round away credit.
type rateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	perSec   float64
	last     time.Time

	// now is swapped out in tests for deterministic refill.
	now func() time.Time
}

// newRateLimiter builds a full bucket holding capacity tokens that
// refills completely over one interval. Non-positive inputs fall back
// to a one-token-per-second bucket.
func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	rl := &rateLimiter{
		tokens:   float64(capacity),
		capacity: float64(capacity),
		perSec:   float64(capacity) / interval.Seconds(),
		now:      time.Now,
	}
	rl.last = rl.now()
	return rl
}

// allow spends one token if available. The refill since the previous
// call is credited first, capped at the bucket's capacity.
func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill(rl.now())
	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}

func (rl *rateLimiter) refill(now time.Time) {
	elapsed := now.Sub(rl.last).Seconds()
	rl.last = now
	if elapsed <= 0 {
		return
	}
	rl.tokens += elapsed * rl.perSec
	if rl.tokens > rl.capacity {
		rl.tokens = rl.capacity
	}
}
