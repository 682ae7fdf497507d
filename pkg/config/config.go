package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the single pre-merged configuration for one bot process. It is
// built exactly once at startup (defaults, then YAML file, then environment)
// and never re-read mid-run.
type Config struct {
	Mode     string         `yaml:"mode"` // "sniper", "maker", "observe"
	Logging  LoggingConfig  `yaml:"logging"`
	Feed     FeedConfig     `yaml:"feed"`
	Venue    VenueConfig    `yaml:"venue"`
	Strategy StrategyConfig `yaml:"strategy"`
	Quoting  QuotingConfig  `yaml:"quoting"`
	Settle   SettleConfig   `yaml:"settlement"`
	Ops      OpsConfig      `yaml:"ops"`
}

// LoggingConfig mirrors pkg/logger.Config.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	OutputFile string `yaml:"outputFile"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// FeedConfig configures the reference price feed.
type FeedConfig struct {
	URL           string   `yaml:"url"`
	Instruments   []string `yaml:"instruments"`
	VolWindow     Duration `yaml:"volWindow"`     // rolling window for realized vol
	StaleAfter    Duration `yaml:"staleAfter"`    // no tick for this long => stale
	ReconnectWait Duration `yaml:"reconnectWait"` // base backoff between reconnects
}

// VenueConfig configures the trading venue client.
type VenueConfig struct {
	BaseURL        string  `yaml:"baseURL"`
	WalletAddress  string  `yaml:"walletAddress"`
	Timeframe      string  `yaml:"timeframe"` // "5m", "15m", "1h"
	MinOrderTokens float64 `yaml:"minOrderTokens"`
	MinOrderUSDC   float64 `yaml:"minOrderUSDC"`
	RateBurst      int      `yaml:"rateBurst"`
	RatePerSecond  int      `yaml:"ratePerSecond"`
	RequestTimeout Duration `yaml:"requestTimeout"`
}

// StrategyConfig carries the directional sniper parameters. Field names follow
// the recognized option set of the engine.
type StrategyConfig struct {
	MinEdge          float64 `yaml:"minEdge"`
	StrongEdge       float64 `yaml:"strongEdge"`
	MinEntryPrice    float64 `yaml:"minEntryPrice"`
	MaxEntryPrice    float64 `yaml:"maxEntryPrice"`
	MaxVol           float64 `yaml:"maxVol"`
	FixedVol         float64 `yaml:"fixedVol"` // >0 overrides realized vol in fair value
	MinMomentum      float64  `yaml:"minMomentum"`
	MomentumLookback Duration `yaml:"momentumLookback"`
	MinFairValue     float64  `yaml:"minFairValue"`
	ConfirmTicks     int      `yaml:"confirmTicks"` // consecutive passing evaluations before entry
	KellyFraction    float64 `yaml:"kellyFraction"`
	KellyStrong      float64 `yaml:"kellyStrong"`
	MaxBetFraction   float64 `yaml:"maxBetFraction"`
	MaxBetUSDC       float64 `yaml:"maxBetUSDC"`
	MinSizeMode      bool    `yaml:"minSizeMode"`
	KellyInstruments []string `yaml:"kellyInstruments"` // Kelly-sized even in minSizeMode
	BlockHours       []int   `yaml:"blockHours"` // UTC hours with no entries
	BlockWeekends    bool    `yaml:"blockWeekends"`
	SideFilter       string   `yaml:"sideFilter"` // "both", "up", "down"
	StopBeforeExpiry Duration `yaml:"stopBeforeExpiry"`
	MinWindowElapsed Duration `yaml:"minWindowElapsed"`
	MaxWindowElapsed Duration `yaml:"maxWindowElapsed"`
	FailCooldown     Duration `yaml:"failCooldown"`
	BookFreshness    Duration `yaml:"bookFreshness"`
	MaxLossWindows   int      `yaml:"maxLossWindows"` // circuit breaker, 0 = off
	ObserveMode      bool     `yaml:"observeMode"`
}

// QuotingConfig configures the two-sided inventory variant.
type QuotingConfig struct {
	HalfSpread       float64  `yaml:"halfSpread"`
	RepriceThreshold float64  `yaml:"repriceThreshold"`
	QuoteSize        float64  `yaml:"quoteSize"`
	MaxInventory     float64  `yaml:"maxInventory"`
	StopBeforeExpiry Duration `yaml:"stopBeforeExpiry"`
}

// SettleConfig configures settlement polling and ledger reconciliation.
type SettleConfig struct {
	PollInterval      Duration `yaml:"pollInterval"`
	RedeemInterval    Duration `yaml:"redeemInterval"`
	ReconcileInterval Duration `yaml:"reconcileInterval"`
	DriftTolerance    float64  `yaml:"driftTolerance"` // USDC
}

// OpsConfig configures the operator HTTP endpoint.
type OpsConfig struct {
	ListenAddr string `yaml:"listenAddr"` // empty = disabled
}

// Default returns the baseline configuration before file/env merging.
func Default() *Config {
	return &Config{
		Mode: "sniper",
		Logging: LoggingConfig{
			Level:      "info",
			OutputFile: "logs/snipebot.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
		Feed: FeedConfig{
			Instruments:   []string{"BTC"},
			VolWindow:     Dur(5 * time.Minute),
			StaleAfter:    Dur(10 * time.Second),
			ReconnectWait: Dur(2 * time.Second),
		},
		Venue: VenueConfig{
			Timeframe:      "15m",
			MinOrderTokens: 5,
			MinOrderUSDC:   1.0,
			RateBurst:      15,
			RatePerSecond:  10,
			RequestTimeout: Dur(30 * time.Second),
		},
		Strategy: StrategyConfig{
			MinEdge:          0.05,
			StrongEdge:       0.10,
			MinEntryPrice:    0.02,
			MaxEntryPrice:    0.85,
			MaxVol:           0.50,
			MinMomentum:      0.0005,
			MomentumLookback: Dur(30 * time.Second),
			MinFairValue:     0.50,
			ConfirmTicks:     2,
			KellyFraction:    0.50,
			KellyStrong:      0.75,
			MaxBetFraction:   0.15,
			MaxBetUSDC:       100,
			SideFilter:       "both",
			StopBeforeExpiry: Dur(60 * time.Second),
			FailCooldown:     Dur(60 * time.Second),
			BookFreshness:    Dur(5 * time.Second),
		},
		Quoting: QuotingConfig{
			HalfSpread:       0.03,
			RepriceThreshold: 0.01,
			QuoteSize:        5,
			MaxInventory:     50,
			StopBeforeExpiry: Dur(90 * time.Second),
		},
		Settle: SettleConfig{
			PollInterval:      Dur(30 * time.Second),
			RedeemInterval:    Dur(60 * time.Second),
			ReconcileInterval: Dur(2 * time.Minute),
			DriftTolerance:    0.05,
		},
		Ops: OpsConfig{},
	}
}

// Load builds the merged configuration: defaults, then the YAML file at path
// (optional), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the small set of environment overrides used for
// deploy-time switches and secrets.
func (c *Config) applyEnv() {
	if v := os.Getenv("SNIPE_MODE"); v != "" {
		c.Mode = v
	}
	if v := os.Getenv("SNIPE_WALLET_ADDRESS"); v != "" {
		c.Venue.WalletAddress = v
	}
	if v := os.Getenv("SNIPE_VENUE_URL"); v != "" {
		c.Venue.BaseURL = v
	}
	if v := os.Getenv("SNIPE_FEED_URL"); v != "" {
		c.Feed.URL = v
	}
	if v := os.Getenv("SNIPE_OBSERVE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Strategy.ObserveMode = b
		}
	}
	if v := os.Getenv("SNIPE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate rejects configurations the engine cannot run safely.
func (c *Config) Validate() error {
	switch c.Mode {
	case "sniper", "maker", "observe":
	default:
		return fmt.Errorf("unknown mode %q (want sniper, maker or observe)", c.Mode)
	}
	if len(c.Feed.Instruments) == 0 {
		return fmt.Errorf("feed.instruments must not be empty")
	}
	s := &c.Strategy
	if s.MinEntryPrice < 0 || s.MaxEntryPrice > 1 || s.MinEntryPrice >= s.MaxEntryPrice {
		return fmt.Errorf("entry price bounds invalid: [%v, %v]", s.MinEntryPrice, s.MaxEntryPrice)
	}
	if s.KellyFraction <= 0 || s.KellyFraction > 1 {
		return fmt.Errorf("kellyFraction out of range: %v", s.KellyFraction)
	}
	if s.KellyStrong < s.KellyFraction || s.KellyStrong > 1 {
		return fmt.Errorf("kellyStrong must be in [kellyFraction, 1], got %v", s.KellyStrong)
	}
	if s.MaxBetFraction < 0 || s.MaxBetFraction > 1 {
		return fmt.Errorf("maxBetFraction out of range: %v", s.MaxBetFraction)
	}
	if s.ConfirmTicks < 0 {
		return fmt.Errorf("confirmTicks must be >= 0, got %d", s.ConfirmTicks)
	}
	for _, h := range s.BlockHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("blockHours contains invalid hour %d", h)
		}
	}
	switch strings.ToLower(s.SideFilter) {
	case "", "both", "up", "down":
	default:
		return fmt.Errorf("sideFilter must be both, up or down, got %q", s.SideFilter)
	}
	if c.Quoting.MaxInventory < 0 {
		return fmt.Errorf("quoting.maxInventory must be >= 0")
	}
	if c.Settle.PollInterval.Duration <= 0 || c.Settle.ReconcileInterval.Duration <= 0 {
		return fmt.Errorf("settlement intervals must be positive")
	}
	return nil
}
