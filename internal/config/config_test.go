package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRelayConfigDefaults(t *testing.T) {
	cfg, err := LoadRelayConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 60*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 5*time.Second, cfg.GraceWindow)
	assert.Equal(t, 20*time.Second, cfg.PingInterval)
	assert.Equal(t, 64, cfg.SendBuffer)
	assert.Equal(t, "rider-locations", cfg.KafkaTopic)
	assert.Equal(t, "relay.order-status", cfg.OrderStatusQueue)
	assert.Equal(t, 8.0, cfg.DefaultSpeedMps)
	assert.Equal(t, 5*time.Minute, cfg.GeoTTL)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.False(t, cfg.Auth.Enabled)
}

func TestLoadRelayConfigFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ALLOWED_ORIGINS", "https://ops.example.com, https://track.example.com ,")
	t.Setenv("IDLE_TIMEOUT_SECONDS", "120")
	t.Setenv("GRACE_WINDOW_SECONDS", "0")
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadRelayConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, []string{"https://ops.example.com", "https://track.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, 120*time.Second, cfg.IdleTimeout)
	assert.Zero(t, cfg.GraceWindow)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRelayConfigValidation(t *testing.T) {
	t.Setenv("PORT", "70000")
	t.Setenv("IDLE_TIMEOUT_SECONDS", "abc")
	t.Setenv("GRACE_WINDOW_SECONDS", "-1")
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("SEND_BUFFER", "0")

	_, err := LoadRelayConfig()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "PORT must be within")
	assert.Contains(t, msg, "invalid IDLE_TIMEOUT_SECONDS")
	assert.Contains(t, msg, "GRACE_WINDOW_SECONDS must be >= 0")
	assert.Contains(t, msg, "JWT_SECRET must be set")
	assert.Contains(t, msg, "SEND_BUFFER must be > 0")
}

func TestLoadRelayConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 7000\nstale_after: 45s\n"), 0o600))
	t.Setenv("RELAY_CONFIG_FILE", path)

	cfg, err := LoadRelayConfig()
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTPAddr)
	assert.Equal(t, 45*time.Second, cfg.StaleAfter)

	// environment wins over the file
	t.Setenv("PORT", "7001")
	cfg, err = LoadRelayConfig()
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.HTTPAddr)
}

func TestLoadTrailConsumerConfig(t *testing.T) {
	cfg, err := LoadTrailConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "riders_geo", cfg.RedisGeoKey)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, 5*time.Minute, cfg.GeoTTL)

	t.Setenv("RETRY_ATTEMPTS", "0")
	t.Setenv("MIGRATE", "maybe")
	t.Setenv("GEO_TTL", "-1s")
	_, err = LoadTrailConsumerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RETRY_ATTEMPTS must be > 0")
	assert.Contains(t, err.Error(), "invalid MIGRATE")
	assert.Contains(t, err.Error(), "GEO_TTL must be >= 0")
}
