// Package config loads and validates server configuration from the
// environment, with an optional .env file for development.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every tunable the server reads at boot.
type Config struct {
	// Server
	Host              string   `env:"SYNCKIT_HOST" envDefault:"0.0.0.0"`
	Port              int      `env:"SYNCKIT_PORT" envDefault:"3001"`
	Environment       string   `env:"SYNCKIT_ENV" envDefault:"development"`
	AllowedOrigins    []string `env:"SYNCKIT_ALLOWED_ORIGINS" envSeparator:","`
	MaxConnections    int      `env:"SYNCKIT_MAX_CONNECTIONS" envDefault:"10000"`
	AcceptConcurrency int      `env:"SYNCKIT_ACCEPT_CONCURRENCY" envDefault:"0"`

	// Authentication
	AuthRequired    bool          `env:"SYNCKIT_AUTH_REQUIRED" envDefault:"true"`
	JWTSecret       string        `env:"SYNCKIT_JWT_SECRET"`
	JWTIssuer       string        `env:"SYNCKIT_JWT_ISSUER"`
	JWTAudience     string        `env:"SYNCKIT_JWT_AUDIENCE"`
	AccessTokenTTL  time.Duration `env:"SYNCKIT_ACCESS_TOKEN_TTL" envDefault:"24h"`
	RefreshTokenTTL time.Duration `env:"SYNCKIT_REFRESH_TOKEN_TTL" envDefault:"168h"`
	APIKeys         []string      `env:"SYNCKIT_API_KEYS" envSeparator:","`

	// Connection timers
	HeartbeatInterval time.Duration `env:"SYNCKIT_HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"SYNCKIT_HEARTBEAT_TIMEOUT" envDefault:"60s"`

	// Delta pipeline
	BatchWindow    time.Duration `env:"SYNCKIT_BATCH_WINDOW" envDefault:"50ms"`
	AckTimeout     time.Duration `env:"SYNCKIT_ACK_TIMEOUT" envDefault:"5s"`
	MaxAckAttempts int           `env:"SYNCKIT_MAX_ACK_ATTEMPTS" envDefault:"3"`

	// Awareness
	AwarenessTTL            time.Duration `env:"SYNCKIT_AWARENESS_TTL" envDefault:"30s"`
	AwarenessReaperInterval time.Duration `env:"SYNCKIT_AWARENESS_REAPER_INTERVAL" envDefault:"30s"`

	// Documents
	SnapshotThreshold int `env:"SYNCKIT_SNAPSHOT_THRESHOLD" envDefault:"1000"`

	// Storage and cross-instance fabric. When both Redis and NATS are
	// configured, Redis carries the bus and NATS is ignored.
	DatabaseURL        string `env:"SYNCKIT_DATABASE_URL"`
	RedisURL           string `env:"SYNCKIT_REDIS_URL"`
	NATSURL            string `env:"SYNCKIT_NATS_URL"`
	RedisChannelPrefix string `env:"SYNCKIT_REDIS_CHANNEL_PREFIX" envDefault:"synckit:"`

	// Limits
	MaxMessageSize int64   `env:"SYNCKIT_MAX_MESSAGE_SIZE" envDefault:"1048576"`
	ConnRateLimit  float64 `env:"SYNCKIT_CONN_RATE_LIMIT" envDefault:"20"`
	ConnRateBurst  int     `env:"SYNCKIT_CONN_RATE_BURST" envDefault:"40"`

	// Logging
	LogLevel  string `env:"SYNCKIT_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SYNCKIT_LOG_FORMAT" envDefault:"json"`
}

// Load reads the optional .env file, parses the environment and validates the
// result.
func Load() (*Config, error) {
	// A missing .env file is not an error; production deployments set real
	// environment variables.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.AuthRequired && c.JWTSecret == "" && len(c.APIKeys) == 0 {
		return errors.New("auth required but neither SYNCKIT_JWT_SECRET nor SYNCKIT_API_KEYS is set")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return errors.New("SYNCKIT_JWT_SECRET must be at least 32 characters")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return errors.New("heartbeat timeout must exceed the heartbeat interval")
	}
	if c.BatchWindow <= 0 {
		return errors.New("batch window must be positive")
	}
	if c.AckTimeout <= 0 {
		return errors.New("ack timeout must be positive")
	}
	if c.MaxAckAttempts < 1 {
		return errors.New("max ack attempts must be at least 1")
	}
	if c.AwarenessTTL <= 0 || c.AwarenessReaperInterval <= 0 {
		return errors.New("awareness ttl and reaper interval must be positive")
	}
	if c.SnapshotThreshold < 2 {
		return errors.New("snapshot threshold must be at least 2")
	}
	if c.MaxMessageSize < 1024 {
		return errors.New("max message size must be at least 1024 bytes")
	}
	if c.MaxConnections < 1 {
		return errors.New("max connections must be positive")
	}
	if c.AcceptConcurrency < 0 {
		return errors.New("accept concurrency must not be negative")
	}
	return nil
}

// Addr is the listen address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// IsProduction reports whether the deployment declares itself production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
