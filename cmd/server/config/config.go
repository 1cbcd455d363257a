// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// AppConfig holds process-wide settings.
type AppConfig struct {
	Env      string
	LogLevel zerolog.Level
}

// Production reports whether APP_ENV is production.
func (c AppConfig) Production() bool { return c.Env == "production" }

// GRPCConfig holds the listen address and ingress rate limiting settings.
// A zero interval disables rate limiting.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// ObservabilityConfig holds the HTTP address for metrics, health and the
// realtime stream.
type ObservabilityConfig struct {
	Addr string
}

// DatabaseConfig is empty when DATABASE_URL is unset; orders are then kept in memory.
type DatabaseConfig struct {
	URL      string
	MaxConns *int
}

// ParticipantsConfig holds the Payment and Reserve addresses. Both empty
// means the participants run in-process.
type ParticipantsConfig struct {
	PaymentAddr string
	ReserveAddr string
}

func (c ParticipantsConfig) Remote() bool { return c.PaymentAddr != "" }

// KafkaConfig is disabled when KAFKA_BROKERS is unset.
type KafkaConfig struct {
	Brokers      []string
	AccountTopic string
	GroupID      string
	Workers      int
}

func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

// RedisConfig holds Redis connection and behavior settings.
type RedisConfig struct {
	URL                string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	DedupTTL           time.Duration
	EnableOTel         bool
}

// LoadApp reads APP_ENV and LOG_LEVEL.
func LoadApp() (AppConfig, error) {
	cfg := AppConfig{Env: optionalString("APP_ENV", "development"), LogLevel: zerolog.InfoLevel}
	if raw := strings.TrimSpace(os.Getenv("LOG_LEVEL")); raw != "" {
		level, err := zerolog.ParseLevel(strings.ToLower(raw))
		if err != nil {
			return cfg, fmt.Errorf("LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}
	return cfg, nil
}

// LoadGRPC reads the gRPC listen address from addrVar and the ingress rate
// limit settings.
func LoadGRPC(addrVar, defaultAddr string) (GRPCConfig, error) {
	cfg := GRPCConfig{Addr: optionalString(addrVar, defaultAddr)}
	var err error
	if cfg.RateLimitInterval, err = optionalDuration("GRPC_RATE_LIMIT_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = optionalInt("GRPC_RATE_LIMIT_BURST", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval > 0 && cfg.RateLimitBurst == 0 {
		return cfg, errors.New("GRPC_RATE_LIMIT_BURST is required with GRPC_RATE_LIMIT_INTERVAL")
	}
	return cfg, nil
}

// LoadObservability reads OBS_ADDR.
func LoadObservability() (ObservabilityConfig, error) {
	return ObservabilityConfig{Addr: optionalString("OBS_ADDR", ":9090")}, nil
}

// LoadDatabase reads DATABASE_URL and DB_MAX_CONNS.
func LoadDatabase() (DatabaseConfig, error) {
	cfg := DatabaseConfig{URL: strings.TrimSpace(os.Getenv("DATABASE_URL"))}
	var err error
	if cfg.MaxConns, err = optionalIntPtr("DB_MAX_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxConns != nil && *cfg.MaxConns == 0 {
		return cfg, errors.New("DB_MAX_CONNS must be > 0")
	}
	return cfg, nil
}

// LoadParticipants reads PAYMENT_ADDR and RESERVE_ADDR, which must be set together.
func LoadParticipants() (ParticipantsConfig, error) {
	cfg := ParticipantsConfig{
		PaymentAddr: strings.TrimSpace(os.Getenv("PAYMENT_ADDR")),
		ReserveAddr: strings.TrimSpace(os.Getenv("RESERVE_ADDR")),
	}
	if (cfg.PaymentAddr == "") != (cfg.ReserveAddr == "") {
		return cfg, errors.New("PAYMENT_ADDR and RESERVE_ADDR must be set together")
	}
	return cfg, nil
}

// LoadKafka reads the KAFKA_* settings of the account-balance topic.
func LoadKafka() (KafkaConfig, error) {
	cfg := KafkaConfig{
		Brokers:      stringList("KAFKA_BROKERS"),
		AccountTopic: optionalString("KAFKA_ACCOUNT_TOPIC", "account-balance"),
		GroupID:      optionalString("KAFKA_GROUP_ID", "orders"),
	}
	var err error
	if cfg.Workers, err = optionalInt("KAFKA_WORKERS", 4); err != nil {
		return cfg, err
	}
	if cfg.Workers == 0 {
		return cfg, errors.New("KAFKA_WORKERS must be > 0")
	}
	return cfg, nil
}

// LoadRedis reads Redis config from env. REDIS_URL is required; TLS follows
// from a rediss:// scheme.
func LoadRedis() (RedisConfig, error) {
	var cfg RedisConfig
	var err error
	if cfg.URL, err = requiredString("REDIS_URL"); err != nil {
		return cfg, err
	}
	if cfg.DialTimeout, err = optionalDurationPtr("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDurationPtr("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDurationPtr("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalIntPtr("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalIntPtr("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}
	if cfg.HealthcheckTimeout, err = optionalDuration("REDIS_HEALTHCHECK_TIMEOUT", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.DedupTTL, err = optionalDuration("REDIS_DEDUP_TTL", 48*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func optionalString(name, def string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return def
}

func stringList(name string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(name), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func optionalDurationPtr(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := parseDuration(name, raw)
	if err != nil {
		return nil, err
	}
	return &val, nil
}

func optionalDuration(name string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	return parseDuration(name, raw)
}

func parseDuration(name, raw string) (time.Duration, error) {
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func optionalIntPtr(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := parseInt(name, raw)
	if err != nil {
		return nil, err
	}
	return &val, nil
}

func optionalInt(name string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	return parseInt(name, raw)
}

func parseInt(name, raw string) (int, error) {
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}
