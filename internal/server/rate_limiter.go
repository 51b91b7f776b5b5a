// Package server implements a token bucket rate limiter for per-connection
// throttling that protects the hub from abuse.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter admits up to capacity messages per interval, refilling
// continuously. A nil *rateLimiter admits everything.
type rateLimiter struct {
	limiter *rate.Limiter
}

func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Second
	}

	perSecond := rate.Limit(float64(capacity) / interval.Seconds())
	return &rateLimiter{limiter: rate.NewLimiter(perSecond, capacity)}
}

func (rl *rateLimiter) allow() bool {
	if rl == nil {
		return true
	}
	return rl.limiter.Allow()
}
