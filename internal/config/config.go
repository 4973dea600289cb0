// Package config provides configuration management for the trading agent.
//
// Configuration is loaded from environment variables (optionally via a .env
// file). There is no settings database in this system — all tunables are
// environment-driven per spec §6, with sane defaults so the agent can run
// in paper-trading mode out of the box.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	DataDir string // base directory for durable state/ledger/learning files and the sqlite stores
	Port    int    // runtime-status HTTP probe port

	LogLevel string
	DevMode  bool

	ExchangeBaseURL string
	ExchangeWSURL   string
	ExchangeAPIKey  string
	ExchangeSecret  string
	PaperTrading    bool

	QuoteCurrency  string
	IgnoredBases   []string // configured ignore set (e.g. stablecoins already filtered, plus operator exclusions)
	ScanSampleSize int      // top-N by volume sampled for regime detection

	MinCapitalPerTrade float64
	MaxCapitalPerTrade float64
	MaxTotalPositions  int

	// Two inconsistent SL/TP percentage sets exist in the source material
	// this system was modeled on. Both are exposed; StopLossPct/TakeProfitPct
	// are the authoritative defaults (matching the constants this agent
	// actually trades with), AltStopLossPct/AltTakeProfitPct are documented
	// alternates an operator may switch to. Neither is silently preferred
	// by the code — the scorer and sizer only ever read StopLossPct/
	// TakeProfitPct, and the Alt fields exist purely for operator visibility.
	StopLossPct      float64 // default 0.05 (5%) — the max_sl clamp bound fed to the ATR-based sizer
	MinStopLossPct   float64 // default 0.005 (0.5%) — the min_sl clamp bound
	TakeProfitPct    float64 // default 0.015 (1.5%, STANDARD tier)
	AltStopLossPct   float64 // documented alternate, e.g. 0.035 or 0.012 — not applied automatically
	AltTakeProfitPct float64

	ScanIntervalSeconds int
	MinCycleSeconds     int
	MaxCycleSeconds     int

	DailyLossLimit        float64
	ConsecutiveLossLimit  int
	ScanWorkerPoolSize    int
	PhaseBudgetSeconds    int

	FeeRate         float64 // assumed round-trip-per-side exchange fee, e.g. 0.001 (10 bps)
	MinProfitBuffer float64 // minimum $ the TP must clear beyond fees (§4.5)

	Recycle RecycleConfig

	ReconcileEveryNCycles int
	ReconcileMaxStaleness time.Duration

	R2Enabled         bool
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2Bucket          string
	R2RetentionDays   int
}

// RecycleConfig governs the "decaying alpha" early-close decision (C7).
// The trigger threshold is not quantified precisely in the material this
// system is modeled on beyond prose guidance, so it is a tunable with a
// suggested default rather than a hardcoded constant.
type RecycleConfig struct {
	MinGainPct            float64 // suggested default 0.005 (0.5%)
	MaxGainPct            float64 // suggested default 0.010 (1.0%)
	QualityDropThreshold  float64 // suggested default 15 (composite-score points)
}

// Load reads configuration from environment variables, applying defaults.
func Load(dataDirOverride ...string) (*Config, error) {
	_ = godotenv.Load()

	var dataDir string
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("AGENT_DATA_DIR", "")
		if dataDir == "" {
			dataDir = "./data"
		}
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("GO_PORT", 8090),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		ExchangeBaseURL: getEnv("EXCHANGE_BASE_URL", ""),
		ExchangeWSURL:   getEnv("EXCHANGE_WS_URL", ""),
		ExchangeAPIKey:  getEnv("EXCHANGE_API_KEY", ""),
		ExchangeSecret:  getEnv("EXCHANGE_API_SECRET", ""),
		PaperTrading:    getEnvAsBool("PAPER_TRADING", true),

		QuoteCurrency:  getEnv("QUOTE_CURRENCY", "USDT"),
		ScanSampleSize: getEnvAsInt("SCAN_SAMPLE_SIZE", 100),

		MinCapitalPerTrade: getEnvAsFloat("MIN_CAPITAL_PER_TRADE", 11.0),
		MaxCapitalPerTrade: getEnvAsFloat("MAX_CAPITAL_PER_TRADE", 30.0),
		MaxTotalPositions:  getEnvAsInt("MAX_TOTAL_POSITIONS", 10),

		StopLossPct:      getEnvAsFloat("STOP_LOSS_PCT", 0.05),
		MinStopLossPct:   getEnvAsFloat("MIN_STOP_LOSS_PCT", 0.005),
		TakeProfitPct:    getEnvAsFloat("TAKE_PROFIT_PCT", 0.015),
		AltStopLossPct:   getEnvAsFloat("ALT_STOP_LOSS_PCT", 0.035),
		AltTakeProfitPct: getEnvAsFloat("ALT_TAKE_PROFIT_PCT", 0.012),

		ScanIntervalSeconds: getEnvAsInt("SCAN_INTERVAL_SECONDS", 10),
		MinCycleSeconds:     getEnvAsInt("MIN_CYCLE_SECONDS", 3),
		MaxCycleSeconds:     getEnvAsInt("MAX_CYCLE_SECONDS", 30),

		DailyLossLimit:       getEnvAsFloat("DAILY_LOSS_LIMIT", 5.0),
		ConsecutiveLossLimit: getEnvAsInt("CONSECUTIVE_LOSS_LIMIT", 4),
		ScanWorkerPoolSize:   getEnvAsInt("SCAN_WORKER_POOL_SIZE", 8),
		PhaseBudgetSeconds:   getEnvAsInt("PHASE_BUDGET_SECONDS", 60),

		FeeRate:         getEnvAsFloat("FEE_RATE", 0.001),
		MinProfitBuffer: getEnvAsFloat("MIN_PROFIT_BUFFER", 0.05),

		Recycle: RecycleConfig{
			MinGainPct:           getEnvAsFloat("RECYCLE_MIN_GAIN_PCT", 0.005),
			MaxGainPct:           getEnvAsFloat("RECYCLE_MAX_GAIN_PCT", 0.010),
			QualityDropThreshold: getEnvAsFloat("RECYCLE_QUALITY_DROP", 15.0),
		},

		ReconcileEveryNCycles: getEnvAsInt("RECONCILE_EVERY_N_CYCLES", 30),
		ReconcileMaxStaleness: time.Duration(getEnvAsInt("RECONCILE_MAX_STALENESS_MINUTES", 5)) * time.Minute,

		R2Enabled:         getEnvAsBool("R2_BACKUP_ENABLED", false),
		R2AccountID:       getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2Bucket:          getEnv("R2_BUCKET", ""),
		R2RetentionDays:   getEnvAsInt("R2_RETENTION_DAYS", 14),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks structural invariants on the loaded configuration.
func (c *Config) Validate() error {
	if c.MinCapitalPerTrade <= 0 || c.MaxCapitalPerTrade <= 0 {
		return fmt.Errorf("config: capital-per-trade bounds must be positive")
	}
	if c.MinCapitalPerTrade > c.MaxCapitalPerTrade {
		return fmt.Errorf("config: MIN_CAPITAL_PER_TRADE (%v) exceeds MAX_CAPITAL_PER_TRADE (%v)", c.MinCapitalPerTrade, c.MaxCapitalPerTrade)
	}
	if c.MaxTotalPositions <= 0 {
		return fmt.Errorf("config: MAX_TOTAL_POSITIONS must be positive")
	}
	if c.StopLossPct <= 0 || c.StopLossPct >= 1 {
		return fmt.Errorf("config: STOP_LOSS_PCT out of range: %v", c.StopLossPct)
	}
	if c.TakeProfitPct <= 0 {
		return fmt.Errorf("config: TAKE_PROFIT_PCT must be positive")
	}
	if c.MinCycleSeconds <= 0 || c.MaxCycleSeconds < c.MinCycleSeconds {
		return fmt.Errorf("config: cycle interval bounds invalid")
	}
	if !c.PaperTrading {
		if c.ExchangeAPIKey == "" || c.ExchangeSecret == "" {
			return fmt.Errorf("config: exchange credentials required when PAPER_TRADING=false")
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
