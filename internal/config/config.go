package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RelayConfig captures all tunable parameters for the relay process.
// Values come from the environment (optionally layered over a file named by
// RELAY_CONFIG_FILE) with defaults that run locally without extra setup.
type RelayConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	AllowedOrigins  []string
	IdleTimeout     time.Duration
	GraceWindow     time.Duration
	PingInterval    time.Duration
	WriteWait       time.Duration
	SendBuffer      int
	MaxMessageBytes int64
	StaleAfter      time.Duration

	Auth AuthConfig

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	GeoTTL        time.Duration

	KafkaBrokers []string
	KafkaTopic   string
	TrailBuffer  int

	AMQPURL          string
	OrderStatusQueue string

	OSRMEndpoint    string
	DefaultSpeedMps float64

	LogLevel string
}

type AuthConfig struct {
	Enabled       bool
	JWTSecret     string
	RevocationKey string
}

// TrailConsumerConfig configures the out-of-band trail writer.
type TrailConsumerConfig struct {
	MetricsAddr string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	GeoTTL        time.Duration

	PGDSN         string
	RunMigrations bool

	RetryAttempts int
	RetryDelay    time.Duration

	LogLevel string
}

func relayDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("HTTP_READ_TIMEOUT", "5s")
	v.SetDefault("HTTP_WRITE_TIMEOUT", "10s")
	v.SetDefault("HTTP_SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("IDLE_TIMEOUT_SECONDS", 60)
	v.SetDefault("GRACE_WINDOW_SECONDS", 5)
	v.SetDefault("PING_INTERVAL", "20s")
	v.SetDefault("WS_WRITE_WAIT", "10s")
	v.SetDefault("SEND_BUFFER", 64)
	v.SetDefault("WS_MAX_MESSAGE_BYTES", 4096)
	v.SetDefault("STALE_AFTER", "30s")
	v.SetDefault("JWT_REVOCATION_KEY", "jwt:revoked")
	v.SetDefault("REDIS_GEO_KEY", "riders_geo")
	v.SetDefault("GEO_TTL", "5m")
	v.SetDefault("KAFKA_TOPIC", "rider-locations")
	v.SetDefault("TRAIL_BUFFER", 1024)
	v.SetDefault("ORDER_STATUS_QUEUE", "relay.order-status")
	v.SetDefault("DEFAULT_SPEED_MPS", 8)
	v.SetDefault("LOG_LEVEL", "info")
}

func LoadRelayConfig() (RelayConfig, error) {
	v, err := newViper()
	if err != nil {
		return RelayConfig{}, err
	}
	relayDefaults(v)

	var errs []error
	cfg := RelayConfig{
		ReadTimeout:     durationValue(v, "HTTP_READ_TIMEOUT", &errs),
		WriteTimeout:    durationValue(v, "HTTP_WRITE_TIMEOUT", &errs),
		ShutdownTimeout: durationValue(v, "HTTP_SHUTDOWN_TIMEOUT", &errs),
		AllowedOrigins:  splitAndTrim(v.GetString("ALLOWED_ORIGINS")),
		IdleTimeout:     time.Duration(intValue(v, "IDLE_TIMEOUT_SECONDS", &errs)) * time.Second,
		GraceWindow:     time.Duration(intValue(v, "GRACE_WINDOW_SECONDS", &errs)) * time.Second,
		PingInterval:    durationValue(v, "PING_INTERVAL", &errs),
		WriteWait:       durationValue(v, "WS_WRITE_WAIT", &errs),
		SendBuffer:      intValue(v, "SEND_BUFFER", &errs),
		MaxMessageBytes: int64(intValue(v, "WS_MAX_MESSAGE_BYTES", &errs)),
		StaleAfter:      durationValue(v, "STALE_AFTER", &errs),
		Auth: AuthConfig{
			Enabled:       boolValue(v, "AUTH_ENABLED", &errs),
			JWTSecret:     v.GetString("JWT_SECRET"),
			RevocationKey: stringValue(v, "JWT_REVOCATION_KEY"),
		},
		RedisAddr:        stringValue(v, "REDIS_ADDR"),
		RedisPassword:    v.GetString("REDIS_PASSWORD"),
		RedisGeoKey:      stringValue(v, "REDIS_GEO_KEY"),
		GeoTTL:           durationValue(v, "GEO_TTL", &errs),
		KafkaBrokers:     splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:       stringValue(v, "KAFKA_TOPIC"),
		TrailBuffer:      intValue(v, "TRAIL_BUFFER", &errs),
		AMQPURL:          stringValue(v, "AMQP_URL"),
		OrderStatusQueue: stringValue(v, "ORDER_STATUS_QUEUE"),
		OSRMEndpoint:     strings.TrimRight(stringValue(v, "OSRM_ENDPOINT"), "/"),
		DefaultSpeedMps:  floatValue(v, "DEFAULT_SPEED_MPS", &errs),
		LogLevel:         strings.ToLower(stringValue(v, "LOG_LEVEL")),
	}

	port := intValue(v, "PORT", &errs)
	if port < 1 || port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be within 1..65535, got %d", port))
	}
	cfg.HTTPAddr = net.JoinHostPort("", strconv.Itoa(port))
	if addr := stringValue(v, "HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c RelayConfig) validate() []error {
	var errs []error
	if c.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("IDLE_TIMEOUT_SECONDS must be > 0"))
	}
	if c.GraceWindow < 0 {
		errs = append(errs, fmt.Errorf("GRACE_WINDOW_SECONDS must be >= 0"))
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		errs = append(errs, fmt.Errorf("PING_INTERVAL must be > 0 and less than the idle timeout"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("SEND_BUFFER must be > 0"))
	}
	if c.MaxMessageBytes <= 0 {
		errs = append(errs, fmt.Errorf("WS_MAX_MESSAGE_BYTES must be > 0"))
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be set when AUTH_ENABLED is true"))
	}
	if c.TrailBuffer <= 0 {
		errs = append(errs, fmt.Errorf("TRAIL_BUFFER must be > 0"))
	}
	if c.GeoTTL < 0 {
		errs = append(errs, fmt.Errorf("GEO_TTL must be >= 0"))
	}
	return errs
}

func LoadTrailConsumerConfig() (TrailConsumerConfig, error) {
	v, err := newViper()
	if err != nil {
		return TrailConsumerConfig{}, err
	}
	v.SetDefault("METRICS_ADDR", ":2112")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_TOPIC", "rider-locations")
	v.SetDefault("KAFKA_GROUP", "rider-trail-consumer")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_GEO_KEY", "riders_geo")
	v.SetDefault("GEO_TTL", "5m")
	v.SetDefault("RETRY_ATTEMPTS", 3)
	v.SetDefault("RETRY_DELAY", "200ms")
	v.SetDefault("LOG_LEVEL", "info")

	var errs []error
	cfg := TrailConsumerConfig{
		MetricsAddr:   stringValue(v, "METRICS_ADDR"),
		KafkaBrokers:  splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:    stringValue(v, "KAFKA_TOPIC"),
		KafkaGroup:    stringValue(v, "KAFKA_GROUP"),
		RedisAddr:     stringValue(v, "REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisGeoKey:   stringValue(v, "REDIS_GEO_KEY"),
		GeoTTL:        durationValue(v, "GEO_TTL", &errs),
		PGDSN:         v.GetString("PG_DSN"),
		RunMigrations: boolValue(v, "MIGRATE", &errs),
		RetryAttempts: intValue(v, "RETRY_ATTEMPTS", &errs),
		RetryDelay:    durationValue(v, "RETRY_DELAY", &errs),
		LogLevel:      strings.ToLower(stringValue(v, "LOG_LEVEL")),
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RETRY_ATTEMPTS must be > 0"))
	}
	if cfg.GeoTTL < 0 {
		errs = append(errs, fmt.Errorf("GEO_TTL must be >= 0"))
	}
	return cfg, errors.Join(errs...)
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()
	if file := strings.TrimSpace(os.Getenv("RELAY_CONFIG_FILE")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}
	return v, nil
}

func stringValue(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func durationValue(v *viper.Viper, key string, errs *[]error) time.Duration {
	raw := stringValue(v, key)
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return 0
	}
	return d
}

func intValue(v *viper.Viper, key string, errs *[]error) int {
	raw := stringValue(v, key)
	if raw == "" {
		return 0
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return 0
	}
	return i
}

func floatValue(v *viper.Viper, key string, errs *[]error) float64 {
	raw := stringValue(v, key)
	if raw == "" {
		return 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return 0
	}
	return f
}

func boolValue(v *viper.Viper, key string, errs *[]error) bool {
	raw := stringValue(v, key)
	if raw == "" {
		return false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return false
	}
	return b
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
