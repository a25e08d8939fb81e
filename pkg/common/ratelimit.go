package common

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter paces calls into a shared backend. Limits may be changed while
// other goroutines are waiting.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter allows rps calls per second with bursts of up to burst.
// A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(toLimit(rps), normalizeBurst(burst))}
}

// Wait blocks until a call is allowed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error { return rl.limiter.Wait(ctx) }

// UpdateLimits replaces the rate and burst.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.limiter.SetLimit(toLimit(rps))
	rl.limiter.SetBurst(normalizeBurst(burst))
}

// Limit returns the current rate in calls per second.
func (rl *RateLimiter) Limit() rate.Limit { return rl.limiter.Limit() }

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func normalizeBurst(burst int) int {
	if burst < 1 {
		return 1
	}
	return burst
}
