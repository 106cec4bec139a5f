package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"lotBroker/internal/adapters/logger" // Import the logger package for LogLevel
	"lotBroker/internal/margin"
	"lotBroker/internal/pricehistory"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey       string
	SecretKey    string
	IsTestnet    bool
	PaperTrading bool // Simulate execution locally; prices still come from Binance

	// Trading Parameters
	Symbol  string
	SellFee decimal.Decimal // Fraction of proceeds taken by the exchange (e.g., 0.001 for 0.1%)

	// Price History
	Lookback    time.Duration // How far back price samples are kept (e.g., 90 days)
	MinSamples  int           // Samples needed before the trend is trusted
	MinStreak   time.Duration // How long a level must hold to count as the minimum
	NearMinBand float64       // Band above the minimum treated as "at the minimum"

	// Margin Policy
	BaselineMargin     float64
	MarginFloor        float64
	MarginCeiling      float64
	TrendWeight        float64
	TrendBand          float64
	TrendSaturation    time.Duration
	InventoryWeight    float64
	InventoryMinFactor float64
	InventoryTarget    float64 // Reference holding for the inventory ratio, 0 disables the adjustment

	// Cycle
	CycleInterval    time.Duration
	MaxQuoteAge      time.Duration // Older price readings are discarded
	FillPollInterval time.Duration
	MaxFillWait      time.Duration
	FeedBackoffMin   time.Duration
	FeedBackoffMax   time.Duration

	// Database
	DBPath string

	// Logging
	LogLevel logger.LogLevel // Use the LogLevel type from the logger adapter

	// Metrics
	MetricsAddr string // Empty disables the /metrics endpoint

	// Connection Settings
	ReconnectDelay time.Duration
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true)       // Default to testnet for safety
	cfg.PaperTrading = getEnvAsBool("PAPER_TRADING", true) // Default to paper trading for safety

	if !cfg.PaperTrading {
		if cfg.APIKey == "" {
			errs = append(errs, "BINANCE_API_KEY must be set when PAPER_TRADING is false")
		}
		if cfg.SecretKey == "" {
			errs = append(errs, "BINANCE_API_SECRET must be set when PAPER_TRADING is false")
		}
	}

	// Trading Parameters
	cfg.Symbol = getEnv("SYMBOL", "BTCUSDT")
	if cfg.Symbol == "" {
		errs = append(errs, "SYMBOL must be set")
	}

	feeStr := getEnv("SELL_FEE_PCT", "0.001")
	cfg.SellFee, err = decimal.NewFromString(feeStr)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SELL_FEE_PCT: %v", err))
	} else if cfg.SellFee.IsNegative() || cfg.SellFee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, "SELL_FEE_PCT must be between 0.0 (inclusive) and 1.0 (exclusive)")
	}

	// Price History
	cfg.Lookback, err = getEnvAsDurationRequired("LOOKBACK", 90*24*time.Hour)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid LOOKBACK: %v", err))
	}
	cfg.MinSamples = getEnvAsInt("MIN_SAMPLES", 12)
	cfg.MinStreak, err = getEnvAsDurationRequired("MIN_STREAK", 72*time.Hour)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_STREAK: %v", err))
	}
	cfg.NearMinBand, err = getEnvAsFloatRequired("NEAR_MIN_BAND", 0.02)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid NEAR_MIN_BAND: %v", err))
	}
	if err := cfg.HistoryConfig().Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	// Margin Policy
	cfg.BaselineMargin, err = getEnvAsFloatRequired("BASELINE_MARGIN", 0.05)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid BASELINE_MARGIN: %v", err))
	}
	cfg.MarginFloor, err = getEnvAsFloatRequired("MARGIN_FLOOR", 0.01)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MARGIN_FLOOR: %v", err))
	}
	cfg.MarginCeiling, err = getEnvAsFloatRequired("MARGIN_CEILING", 0.50)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MARGIN_CEILING: %v", err))
	}
	cfg.TrendWeight = getEnvAsFloat("TREND_WEIGHT", 1.0)
	cfg.TrendBand = getEnvAsFloat("TREND_BAND", 0.25)
	cfg.TrendSaturation = getEnvAsDuration("TREND_SATURATION", 14*24*time.Hour)
	cfg.InventoryWeight = getEnvAsFloat("INVENTORY_WEIGHT", 0.5)
	cfg.InventoryMinFactor = getEnvAsFloat("INVENTORY_MIN_FACTOR", 0.5)
	cfg.InventoryTarget, err = getEnvAsFloatRequired("INVENTORY_TARGET", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid INVENTORY_TARGET: %v", err))
	} else if cfg.InventoryTarget < 0 {
		errs = append(errs, "INVENTORY_TARGET cannot be negative")
	}
	if err := cfg.PolicyConfig().Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	// Cycle
	cfg.CycleInterval = getEnvAsDuration("CYCLE_INTERVAL", 5*time.Minute)
	cfg.MaxQuoteAge = getEnvAsDuration("MAX_QUOTE_AGE", 5*time.Minute)
	cfg.FillPollInterval = getEnvAsDuration("FILL_POLL_INTERVAL", 2*time.Second)
	cfg.MaxFillWait = getEnvAsDuration("MAX_FILL_WAIT", 2*time.Minute)
	cfg.FeedBackoffMin = getEnvAsDuration("FEED_BACKOFF_MIN", 5*time.Second)
	cfg.FeedBackoffMax = getEnvAsDuration("FEED_BACKOFF_MAX", 5*time.Minute)
	if cfg.CycleInterval <= 0 || cfg.MaxQuoteAge <= 0 || cfg.FillPollInterval <= 0 || cfg.MaxFillWait <= 0 {
		errs = append(errs, "CYCLE_INTERVAL, MAX_QUOTE_AGE, FILL_POLL_INTERVAL and MAX_FILL_WAIT must be positive")
	}
	if cfg.FeedBackoffMin <= 0 || cfg.FeedBackoffMax < cfg.FeedBackoffMin {
		errs = append(errs, "FEED_BACKOFF_MIN must be positive and not above FEED_BACKOFF_MAX")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/lot_broker.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

	cfg.MetricsAddr = getEnv("METRICS_ADDR", "")

	// Connection Settings
	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// HistoryConfig projects the price history settings.
func (c *Config) HistoryConfig() pricehistory.Config {
	return pricehistory.Config{
		Lookback:    c.Lookback,
		MinSamples:  c.MinSamples,
		MinStreak:   c.MinStreak,
		NearMinBand: c.NearMinBand,
	}
}

// PolicyConfig projects the margin policy settings.
func (c *Config) PolicyConfig() margin.Config {
	return margin.Config{
		Baseline:           c.BaselineMargin,
		Floor:              c.MarginFloor,
		Ceiling:            c.MarginCeiling,
		TrendWeight:        c.TrendWeight,
		TrendBand:          c.TrendBand,
		TrendSaturation:    c.TrendSaturation,
		InventoryWeight:    c.InventoryWeight,
		InventoryMinFactor: c.InventoryMinFactor,
	}
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Log warning? For non-required fields, default is often acceptable.
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := getEnvAsDurationRequired(key, defaultValue)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDurationRequired(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid duration value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}
