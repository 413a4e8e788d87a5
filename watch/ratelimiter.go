package watch

import (
	"math"
	"sync"
	"time"
)

// tokenBucket governs call starts with a steady refill rate, a maximum
// burst capacity and a distinct initial burst (spec §4.D "Rate limiting").
// Neither of the pack's rate-limiting dependencies (golang.org/x/time/rate,
// gopkg.in/bsm/ratelimit.v1) can express an initial burst independent of
// the steady-state burst cap, so this is a small dedicated type rather than
// either library (see DESIGN.md).
type tokenBucket struct {
	mu     sync.Mutex
	tokens float64
	max    float64
	rate   float64
	last   time.Time
}

func newTokenBucket(rate float64, burst, initBurst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 10
	}
	if initBurst < 0 {
		initBurst = 0
	}
	if initBurst > burst {
		initBurst = burst
	}
	return &tokenBucket{
		tokens: float64(initBurst),
		max:    float64(burst),
		rate:   rate,
		last:   time.Now(),
	}
}

// wait blocks until a token is available or stop closes, consuming a token
// on success. It returns false if stop closed first.
func (b *tokenBucket) wait(stop <-chan struct{}) bool {
	for {
		b.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(b.last).Seconds()
		b.tokens = math.Min(b.max, b.tokens+elapsed*b.rate)
		b.last = now

		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return true
		}

		deficit := 1 - b.tokens
		wait := time.Duration(deficit / b.rate * float64(time.Second))
		if wait <= 0 {
			wait = time.Millisecond
		}
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			return false
		}
	}
}
