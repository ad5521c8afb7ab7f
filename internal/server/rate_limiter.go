package server

import (
	"golang.org/x/time/rate"

	"github.com/Tyrowin/chatrelay/internal/config"
)

// newRateLimiter returns a token bucket that allows Burst events at once and
// refills Burst tokens per RefillInterval.
func newRateLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	if cfg.Burst <= 0 {
		return nil
	}
	if cfg.RefillInterval <= 0 {
		return rate.NewLimiter(rate.Inf, cfg.Burst)
	}
	perSecond := float64(cfg.Burst) / cfg.RefillInterval.Seconds()
	return rate.NewLimiter(rate.Limit(perSecond), cfg.Burst)
}
