package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 3*time.Second, cfg.Typing.Expiry)
	assert.Equal(t, 10, cfg.Server.RateLimit.Burst)
}

func TestFromMapOverridesDefaults(t *testing.T) {
	cfg, err := FromMap(map[string]string{
		"SERVER_PORT":                ":9090",
		"ALLOWED_ORIGINS":            "http://a.example, http://b.example",
		"MAX_MESSAGE_SIZE":           "2048",
		"RATE_LIMIT_BURST":           "3",
		"RATE_LIMIT_REFILL_INTERVAL": "2",
		"TYPING_EXPIRY":              "500ms",
		"STORE_DRIVER":               "Postgres",
		"JWT_SECRET":                 "s3cret",
		"REDIS_DB":                   "4",
	})
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Port)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, int64(2048), cfg.Server.MaxMessageSize)
	assert.Equal(t, 3, cfg.Server.RateLimit.Burst)
	assert.Equal(t, 2*time.Second, cfg.Server.RateLimit.RefillInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Typing.Expiry)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, 4, cfg.Redis.DB)
}

func TestFromMapInvalidNumber(t *testing.T) {
	_, err := FromMap(map[string]string{"MAX_MESSAGE_SIZE": "lots"})
	require.Error(t, err)
}

func TestSanitize(t *testing.T) {
	cfg := Config{
		Server: ServerConfig{
			MaxMessageSize: -1,
			AllowedOrigins: []string{" ", "http://x.example "},
		},
		Store:  StoreConfig{Driver: "cassandra"},
		Typing: TypingConfig{Expiry: -time.Second},
	}.Sanitize()

	def := Default()
	assert.Equal(t, def.Server.Port, cfg.Server.Port)
	assert.Equal(t, def.Server.MaxMessageSize, cfg.Server.MaxMessageSize)
	assert.Equal(t, []string{"http://x.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, def.Typing.Expiry, cfg.Typing.Expiry)
	assert.Equal(t, def.NATS.SubjectPrefix, cfg.NATS.SubjectPrefix)
}

func TestEnvironFiltersPrefix(t *testing.T) {
	got := environ([]string{
		"CHAT_SERVER_PORT=:7000",
		"HOME=/root",
		"CHAT_EMPTY=",
		"CHAT_LOG_LEVEL=debug",
	})
	assert.Equal(t, map[string]string{"SERVER_PORT": ":7000", "LOG_LEVEL": "debug"}, got)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("CHAT_TYPING_EXPIRY", "1s")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.Typing.Expiry)
}
