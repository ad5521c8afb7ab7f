// Package config defines runtime defaults, sanitizing rules, and
// environment loading for the relay.
package config

import (
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// EnvPrefix prefixes every environment variable read by FromEnv.
const EnvPrefix = "CHAT_"

// RateLimitConfig defines the parameters for per-connection event rate limiting.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"RATE_LIMIT_BURST"`
	RefillInterval time.Duration `mapstructure:"RATE_LIMIT_REFILL_INTERVAL"`
}

// ServerConfig holds the HTTP and WebSocket settings.
type ServerConfig struct {
	Port           string          `mapstructure:"SERVER_PORT"`
	AllowedOrigins []string        `mapstructure:"ALLOWED_ORIGINS"`
	MaxMessageSize int64           `mapstructure:"MAX_MESSAGE_SIZE"`
	RateLimit      RateLimitConfig `mapstructure:",squash"`
}

// AuthConfig holds bearer credential settings.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"JWT_SECRET"`
	Issuer    string        `mapstructure:"JWT_ISSUER"`
	TokenTTL  time.Duration `mapstructure:"JWT_TTL"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
)

// StoreConfig selects and configures the persistence collaborator.
type StoreConfig struct {
	Driver        string `mapstructure:"STORE_DRIVER"`
	MongoURI      string `mapstructure:"MONGO_URI"`
	MongoDatabase string `mapstructure:"MONGO_DATABASE"`
	PostgresDSN   string `mapstructure:"POSTGRES_DSN"`
}

// RedisConfig enables the Redis presence mirror when Addr is set.
type RedisConfig struct {
	Addr        string        `mapstructure:"REDIS_ADDR"`
	Password    string        `mapstructure:"REDIS_PASSWORD"`
	DB          int           `mapstructure:"REDIS_DB"`
	PresenceTTL time.Duration `mapstructure:"REDIS_PRESENCE_TTL"`
}

// NATSConfig enables domain event publishing when URL is set.
type NATSConfig struct {
	URL           string `mapstructure:"NATS_URL"`
	SubjectPrefix string `mapstructure:"NATS_SUBJECT_PREFIX"`
}

// TypingConfig controls typing indicator expiry.
type TypingConfig struct {
	Expiry time.Duration `mapstructure:"TYPING_EXPIRY"`
}

// Config holds the complete relay configuration.
type Config struct {
	Server   ServerConfig `mapstructure:",squash"`
	Auth     AuthConfig   `mapstructure:",squash"`
	Store    StoreConfig  `mapstructure:",squash"`
	Redis    RedisConfig  `mapstructure:",squash"`
	NATS     NATSConfig   `mapstructure:",squash"`
	Typing   TypingConfig `mapstructure:",squash"`
	LogLevel string       `mapstructure:"LOG_LEVEL"`
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port: ":8080",
			AllowedOrigins: []string{
				"http://localhost:8080",
			},
			MaxMessageSize: 16 * 1024,
			RateLimit: RateLimitConfig{
				Burst:          10,
				RefillInterval: time.Second,
			},
		},
		Auth: AuthConfig{
			Issuer:   "chatrelay",
			TokenTTL: 7 * 24 * time.Hour,
		},
		Store: StoreConfig{
			Driver:        DriverMemory,
			MongoURI:      "mongodb://localhost:27017",
			MongoDatabase: "chat",
		},
		Redis: RedisConfig{
			PresenceTTL: 2 * time.Minute,
		},
		NATS: NATSConfig{
			SubjectPrefix: "chat",
		},
		Typing: TypingConfig{
			Expiry: 3 * time.Second,
		},
		LogLevel: "info",
	}
}

// Sanitize replaces invalid or missing values with defaults.
func (c Config) Sanitize() Config {
	def := Default()

	if c.Server.Port == "" {
		c.Server.Port = def.Server.Port
	}
	if c.Server.MaxMessageSize <= 0 {
		c.Server.MaxMessageSize = def.Server.MaxMessageSize
	}
	if c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = def.Server.RateLimit.Burst
	}
	if c.Server.RateLimit.RefillInterval <= 0 {
		c.Server.RateLimit.RefillInterval = def.Server.RateLimit.RefillInterval
	}
	c.Server.AllowedOrigins = trimAll(c.Server.AllowedOrigins)

	if c.Auth.Issuer == "" {
		c.Auth.Issuer = def.Auth.Issuer
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = def.Auth.TokenTTL
	}

	switch strings.ToLower(c.Store.Driver) {
	case DriverMongo, DriverPostgres, DriverMemory:
		c.Store.Driver = strings.ToLower(c.Store.Driver)
	default:
		c.Store.Driver = DriverMemory
	}
	if c.Store.MongoDatabase == "" {
		c.Store.MongoDatabase = def.Store.MongoDatabase
	}

	if c.Redis.PresenceTTL <= 0 {
		c.Redis.PresenceTTL = def.Redis.PresenceTTL
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = def.NATS.SubjectPrefix
	}
	if c.Typing.Expiry <= 0 {
		c.Typing.Expiry = def.Typing.Expiry
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	return c
}

// FromEnv overlays CHAT_* environment variables on the defaults.
func FromEnv() (Config, error) {
	return FromMap(environ(os.Environ()))
}

// FromMap decodes flat key/value settings (keys without the CHAT_ prefix)
// over the defaults. Durations accept Go syntax ("3s") and slices accept
// comma-separated lists.
func FromMap(values map[string]string) (Config, error) {
	cfg := Default()
	if len(values) == 0 {
		return cfg, nil
	}

	input := make(map[string]any, len(values))
	for k, v := range values {
		input[k] = v
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			secondsHook,
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(input); err != nil {
		return Config{}, err
	}
	return cfg.Sanitize(), nil
}

// secondsHook lets a bare integer such as "5" stand for five seconds.
func secondsHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	s := strings.TrimSpace(data.(string))
	if s != "" && strings.Trim(s, "0123456789") == "" {
		return s + "s", nil
	}
	return data, nil
}

func environ(env []string) map[string]string {
	out := make(map[string]string)
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) || value == "" {
			continue
		}
		out[strings.TrimPrefix(key, EnvPrefix)] = value
	}
	return out
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
