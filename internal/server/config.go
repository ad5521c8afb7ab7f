// Package server defines Options, the settings and collaborators a Hub is
// built from, and derives them from the process configuration.
package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/eventbus"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// Options configures a Hub. Zero values are replaced by defaults in NewHub.
type Options struct {
	Store      store.Store
	Bus        eventbus.Publisher
	Logger     *zap.Logger
	Registerer prometheus.Registerer

	MaxMessageSize int64
	RateLimit      config.RateLimitConfig
	TypingExpiry   time.Duration

	// PresenceRefresh is how often live users are re-announced to stores
	// that support TTL renewal. Zero disables it.
	PresenceRefresh time.Duration

	Now func() time.Time
}

// OptionsFromConfig copies the relay settings out of cfg. Collaborators are
// left for the caller to fill in.
func OptionsFromConfig(cfg config.Config) Options {
	cfg = cfg.Sanitize()

	opts := Options{
		MaxMessageSize: cfg.Server.MaxMessageSize,
		RateLimit:      cfg.Server.RateLimit,
		TypingExpiry:   cfg.Typing.Expiry,
	}
	if cfg.Redis.Addr != "" {
		opts.PresenceRefresh = cfg.Redis.PresenceTTL / 2
	}
	return opts
}

// sanitizeOptions replaces invalid or missing values with defaults.
func sanitizeOptions(opts Options) Options {
	def := config.Default()

	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = def.Server.MaxMessageSize
	}
	if opts.RateLimit.Burst <= 0 {
		opts.RateLimit.Burst = def.Server.RateLimit.Burst
	}
	if opts.RateLimit.RefillInterval <= 0 {
		opts.RateLimit.RefillInterval = def.Server.RateLimit.RefillInterval
	}
	if opts.TypingExpiry <= 0 {
		opts.TypingExpiry = def.Typing.Expiry
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return opts
}
