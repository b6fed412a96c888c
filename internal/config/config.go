// Package config loads engine configuration from the environment.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Config holds every tunable of the engine. Empty DatabaseURL falls back
// to the in-memory store; empty RedisURL disables the read-through cache.
type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`
	RedisURL    string `envconfig:"REDIS_URL" default:""`

	// MaintenanceMarginRate is the fraction of used margin a user's equity
	// must cover. marginRatio = equity / (rate * usedMargin).
	MaintenanceMarginRate float64 `envconfig:"MAINTENANCE_MARGIN_RATE" default:"0.5"`

	// DepthPrecision buckets the synthetic order book (valid 0.01–5).
	DepthPrecision float64 `envconfig:"DEPTH_PRECISION" default:"1"`
	DepthLevels    int     `envconfig:"DEPTH_LEVELS" default:"10"`
	DepthBaseSize  int64   `envconfig:"DEPTH_BASE_SIZE" default:"5000"`

	FillSweepInterval        time.Duration `envconfig:"FILL_SWEEP_INTERVAL" default:"500ms"`
	LiquidationSweepInterval time.Duration `envconfig:"LIQUIDATION_SWEEP_INTERVAL" default:"1s"`
	ComboSweepInterval       time.Duration `envconfig:"COMBO_SWEEP_INTERVAL" default:"30s"`
	WeeklySweepInterval      time.Duration `envconfig:"WEEKLY_SWEEP_INTERVAL" default:"1m"`
	RewardSweepInterval      time.Duration `envconfig:"REWARD_SWEEP_INTERVAL" default:"1m"`

	CacheTTL time.Duration `envconfig:"CACHE_TTL" default:"30s"`
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MaintenanceRate returns the maintenance margin rate as a decimal.
func (c *Config) MaintenanceRate() decimal.Decimal {
	return decimal.NewFromFloat(c.MaintenanceMarginRate)
}

// Precision returns the depth bucketing precision as a decimal, clamped to
// the supported 0.01–5 range.
func (c *Config) Precision() decimal.Decimal {
	p := decimal.NewFromFloat(c.DepthPrecision)
	min := decimal.NewFromFloat(0.01)
	max := decimal.NewFromInt(5)
	if p.LessThan(min) {
		return min
	}
	if p.GreaterThan(max) {
		return max
	}
	return p
}
