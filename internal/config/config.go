// Package config builds the engine configuration once at process start.
// Defaults, then an optional YAML file, then environment overrides; the
// resulting struct is passed by reference — no global lookups.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Market holds the pricing and settlement parameters.
type Market struct {
	// BeginPrice is the YES buy price of a fresh event.
	BeginPrice int `yaml:"begin_price"`
	// Spread is the fixed gap between buy and sell prices.
	Spread int `yaml:"spread"`
	// PriceStep is the price impact per share of net demand.
	PriceStep int `yaml:"price_step"`
	// PriceFloor / PriceCeil clamp the YES buy price.
	PriceFloor int `yaml:"price_floor"`
	PriceCeil  int `yaml:"price_ceil"`
	// PayoutPerShare is credited per winning share at settlement.
	PayoutPerShare int `yaml:"payout_per_share"`
	// StartingCash is the balance granted to a new user profile.
	StartingCash int64 `yaml:"starting_cash"`
	// ChartDays is the chart lookback window length.
	ChartDays int `yaml:"chart_days"`
	// MaxSharesPerEvent / MaxTotalShares cap user positions; 0 disables.
	MaxSharesPerEvent int64 `yaml:"max_shares_per_event"`
	MaxTotalShares    int64 `yaml:"max_total_shares"`
}

// Config is the full service configuration.
type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	Market      Market `yaml:"market"`
}

// Load reads the optional YAML file at path (skipped when path is empty or
// absent) and applies environment overrides on top of the defaults.
// A .env file is honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %q: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		Port: "8080",
		Market: Market{
			BeginPrice:     50,
			Spread:         5,
			PriceStep:      1,
			PriceFloor:     1,
			PriceCeil:      99,
			PayoutPerShare: 100,
			StartingCash:   1000,
			ChartDays:      14,
		},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	envInt("BEGIN_PRICE", &cfg.Market.BeginPrice)
	envInt("PRICE_SPREAD", &cfg.Market.Spread)
	envInt("PRICE_STEP", &cfg.Market.PriceStep)
	envInt("CHART_DAYS", &cfg.Market.ChartDays)
	envInt64("STARTING_CASH", &cfg.Market.StartingCash)
	envInt64("MAX_SHARES_PER_EVENT", &cfg.Market.MaxSharesPerEvent)
	envInt64("MAX_TOTAL_SHARES", &cfg.Market.MaxTotalShares)
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func (c *Config) validate() error {
	m := c.Market
	if m.BeginPrice < 0 || m.BeginPrice > 100 {
		return fmt.Errorf("config: begin_price %d outside [0,100]", m.BeginPrice)
	}
	if m.ChartDays <= 0 {
		return fmt.Errorf("config: chart_days must be positive, got %d", m.ChartDays)
	}
	if m.PayoutPerShare <= 0 {
		return fmt.Errorf("config: payout_per_share must be positive, got %d", m.PayoutPerShare)
	}
	return nil
}
