package client

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter throttles outgoing token requests, one token bucket per platform.
type RateLimiter struct {
	mu       sync.Mutex
	rps      float64
	limiters map[Platform]*rate.Limiter
}

// NewRateLimiter creates a limiter allowing rps requests per second per platform.
// A non-positive rps disables throttling.
func NewRateLimiter(rps float64) *RateLimiter {
	return &RateLimiter{rps: rps, limiters: make(map[Platform]*rate.Limiter)}
}

// Wait blocks until a request to p is allowed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, p Platform) error {
	if rl == nil || rl.rps <= 0 {
		return nil
	}
	return rl.limiter(p).Wait(ctx)
}

func (rl *RateLimiter) limiter(p Platform) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.limiters[p]
	if !ok {
		burst := int(rl.rps)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(rl.rps), burst)
		rl.limiters[p] = lim
	}
	return lim
}
