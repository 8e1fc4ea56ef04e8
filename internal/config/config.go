package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the showchat service.
type Config struct {
	// Service settings
	ServiceName     string        `env:"SERVICE_NAME" envDefault:"showchat"`
	Environment     string        `env:"ENVIRONMENT" envDefault:"development"`
	HTTPPort        int           `env:"HTTP_PORT" envDefault:"8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Access tokens - either a shared secret or a JWKS endpoint
	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER"`
	JWKSURL   string `env:"JWKS_URL"`

	// Presence
	RedisURL          string        `env:"REDIS_URL"`
	PresenceKeyPrefix string        `env:"PRESENCE_KEY_PREFIX" envDefault:"presence"`
	StoreRetries      uint64        `env:"PRESENCE_STORE_RETRIES" envDefault:"3"`
	PresenceTimeout   time.Duration `env:"PRESENCE_TIMEOUT" envDefault:"10s"`

	// Catalog and user directory
	DatabaseURL            string        `env:"DATABASE_URL"`
	TraktURL               string        `env:"TRAKT_URL" envDefault:"https://api.trakt.tv"`
	TraktAPIKey            string        `env:"TRAKT_API_KEY"`
	FanartURL              string        `env:"FANART_URL" envDefault:"https://webservice.fanart.tv"`
	FanartAPIKey           string        `env:"FANART_API_KEY"`
	CatalogTTL             time.Duration `env:"CATALOG_TTL" envDefault:"1h"`
	CatalogRefreshInterval time.Duration `env:"CATALOG_REFRESH_INTERVAL" envDefault:"10m"`
	CatalogTrendingLimit   int           `env:"CATALOG_TRENDING_LIMIT" envDefault:"20"`

	// Event bus - the local subscription manager is used when empty
	RabbitMQURL      string `env:"RABBITMQ_URL"`
	RabbitMQExchange string `env:"RABBITMQ_EXCHANGE" envDefault:"showchat"`

	// WebSocket
	AllowedOrigins []string `env:"WS_ALLOWED_ORIGINS" envSeparator:","`

	// OpenTelemetry
	EnableTracing bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTLPEndpoint  string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	if strings.TrimSpace(cfg.JWTSecret) == "" && strings.TrimSpace(cfg.JWKSURL) == "" {
		return nil, fmt.Errorf("JWT_SECRET or JWKS_URL is required")
	}
	if cfg.CatalogTrendingLimit <= 0 {
		return nil, fmt.Errorf("CATALOG_TRENDING_LIMIT must be positive")
	}
	if cfg.CatalogRefreshInterval <= 0 {
		return nil, fmt.Errorf("CATALOG_REFRESH_INTERVAL must be positive")
	}

	return cfg, nil
}

// Addr returns the HTTP server address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// CatalogEnabled reports whether the homepage can be refreshed.
func (c *Config) CatalogEnabled() bool {
	return c.DatabaseURL != "" && c.TraktAPIKey != ""
}

// LoadEnvFiles loads the first .env files found up the directory tree.
// Values from the files override the process environment.
func LoadEnvFiles() {
	paths := []string{".env", "../.env", "../../.env"}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Overload(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}
