package server

import "golang.org/x/time/rate"

// rateLimiter throttles raw inbound frames for one connection. It sits in
// front of the router, so it also covers admin_auth attempts and frames from
// admins, which the flood guard exempts.
type rateLimiter struct {
	limiter *rate.Limiter
}

func newRateLimiter(cfg FrameLimitConfig) *rateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(cfg.PerSecond)
	if cfg.PerSecond <= 0 {
		limit = rate.Inf
	}
	return &rateLimiter{limiter: rate.NewLimiter(limit, burst)}
}

func (rl *rateLimiter) allow() bool {
	if rl == nil {
		return true
	}
	return rl.limiter.Allow()
}
