// Package config loads the engine configuration from environment
// variables via envconfig.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Config holds all runtime settings for the market engine.
type Config struct {
	// --- Server ---
	Port            int           `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// --- Storage ---
	// Empty DATABASE_URL runs the engine on the in-memory store; state is
	// lost on restart. Intended for local development only.
	DatabaseURL string `envconfig:"DATABASE_URL"`

	// Empty REDIS_URL disables the read-through cache.
	RedisURL string        `envconfig:"REDIS_URL"`
	CacheTTL time.Duration `envconfig:"CACHE_TTL" default:"30s"`

	// --- Engine ---
	StartingBalance   int64         `envconfig:"STARTING_BALANCE" default:"1000"`
	ImpactCoefficient float64       `envconfig:"IMPACT_COEFFICIENT" default:"0.0001"`
	AirdropWindow     time.Duration `envconfig:"AIRDROP_WINDOW" default:"1h"`
	LeaderboardSize   int           `envconfig:"LEADERBOARD_SIZE" default:"20"`

	// --- Jobs ---
	// Standard 5-field cron expression for the daily role cost.
	DailyCostCron string `envconfig:"DAILY_COST_CRON" default:"0 0 * * *"`
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.StartingBalance <= 0 {
		return fmt.Errorf("STARTING_BALANCE must be > 0")
	}
	if c.ImpactCoefficient <= 0 {
		return fmt.Errorf("IMPACT_COEFFICIENT must be > 0")
	}
	if c.AirdropWindow <= 0 {
		return fmt.Errorf("AIRDROP_WINDOW must be > 0")
	}
	if c.LeaderboardSize <= 0 {
		return fmt.Errorf("LEADERBOARD_SIZE must be > 0")
	}
	return nil
}

// StartingBalanceDecimal returns the starting balance as a decimal.
func (c *Config) StartingBalanceDecimal() decimal.Decimal {
	return decimal.NewFromInt(c.StartingBalance)
}

// ImpactCoefficientDecimal returns the impact coefficient as a decimal.
func (c *Config) ImpactCoefficientDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.ImpactCoefficient)
}

// Load reads environment variables into a validated Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
