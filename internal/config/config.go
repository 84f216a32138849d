// Package config loads server configuration from environment variables,
// optionally seeded from a .env file, and validates it on startup.
package config

import (
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Import   ImportConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" default:"8080"`

	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`
	// WriteTimeout stays 0 so progress streams are not cut off.
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
	RequestTimeout  time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `env:"STORE_DRIVER" default:"memory"`

	// URL is the PostgreSQL connection string, required for the postgres driver.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// MigrateOnStart applies embedded schema migrations before serving.
	MigrateOnStart bool `env:"DB_MIGRATE_ON_START" default:"true"`

	// NodeID seeds the snowflake id generator. Must be unique per replica.
	NodeID int64 `env:"STORE_NODE_ID" default:"1"`

	// ReservationTTL is how long an allocated but unused id holds its name.
	ReservationTTL time.Duration `env:"STORE_NAME_RESERVATION_TTL" default:"2m"`
}

// ImportConfig holds batch import settings.
type ImportConfig struct {
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" default:"10485760"`

	// BatchSize is the number of parties submitted concurrently.
	BatchSize  int           `env:"IMPORT_BATCH_SIZE" default:"10"`
	BatchDelay time.Duration `env:"IMPORT_BATCH_DELAY" default:"100ms"`

	MaxConcurrent int           `env:"IMPORT_MAX_CONCURRENT" default:"2"`
	MaxWaitTime   time.Duration `env:"IMPORT_MAX_WAIT_TIME" default:"30s"`
	JobTimeout    time.Duration `env:"IMPORT_JOB_TIMEOUT" default:"10m"`

	// ResultTTL is how long a finished import stays queryable.
	ResultTTL time.Duration `env:"IMPORT_RESULT_TTL" default:"5m"`
}

// RateLimitConfig holds per-IP rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `env:"RATE_LIMIT_ENABLED" default:"true"`
	RequestsPerMinute int  `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"300"`
	Burst             int  `env:"RATE_LIMIT_BURST" default:"50"`

	// ImportLimit is requests per minute for import and restore endpoints.
	ImportLimit int `env:"RATE_LIMIT_IMPORT" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// APIKeys are accepted in the X-API-Key header or as a Bearer token.
	APIKeys       []string `env:"API_KEYS"`
	RequireAPIKey bool     `env:"REQUIRE_API_KEY" default:"false"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" default:"info"`
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
