// Package config loads environment-driven settings and the hot-reloadable
// risk limits file.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port string

	// Execution
	DryRun bool
	Venue  string

	// Exchange credentials (unused in dry-run)
	APIKey    string
	APISecret string
	Testnet   bool

	// Dry-run simulation
	SimFillRatio      float64
	SimFeeRate        float64 // decimal (e.g. 0.0004 = 4 bps)
	SimSlippageBps    float64 // slippage applied on fills (bps)
	SimGwLatencyMinMs int     // simulated gateway latency lower bound
	SimGwLatencyMaxMs int     // simulated gateway latency upper bound

	// Database
	DBPath string

	// Risk limits file (hot-reloadable)
	RiskLimitsPath   string
	RiskReloadPeriod time.Duration

	// Order placement
	PartialFillPolicy string // "accept" or "retry"
	MaxRetryAttempts  int
	FillAwaitWindow   time.Duration
	MaxFundingRate    float64

	// Reconciliation
	ReconInterval time.Duration

	// Alerting
	AlertWindow    time.Duration
	AlertInterval  time.Duration
	WebhookURL     string
	MaxDrawdownUSD float64
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:              getEnv("PORT", "8080"),
		DryRun:            getEnv("DRY_RUN", "true") == "true",
		Venue:             getEnv("VENUE", "sim"),
		APIKey:            os.Getenv("EXCHANGE_API_KEY"),
		APISecret:         os.Getenv("EXCHANGE_API_SECRET"),
		Testnet:           getEnv("EXCHANGE_TESTNET", "false") == "true",
		SimFillRatio:      getEnvFloat("SIM_FILL_RATIO", 1.0),
		SimFeeRate:        getEnvFloat("SIM_FEE_RATE", 0.0004),
		SimSlippageBps:    getEnvFloat("SIM_SLIPPAGE_BPS", 2),
		SimGwLatencyMinMs: getEnvInt("SIM_GATEWAY_LATENCY_MIN_MS", 5),
		SimGwLatencyMaxMs: getEnvInt("SIM_GATEWAY_LATENCY_MAX_MS", 40),
		DBPath:            getEnv("DB_PATH", "./data/execution.db"),
		RiskLimitsPath:    getEnv("RISK_LIMITS_PATH", ""),
		RiskReloadPeriod:  getEnvDuration("RISK_RELOAD_PERIOD", 30*time.Second),
		PartialFillPolicy: getEnv("PARTIAL_FILL_POLICY", "accept"),
		MaxRetryAttempts:  getEnvInt("MAX_RETRY_ATTEMPTS", 2),
		FillAwaitWindow:   getEnvDuration("FILL_AWAIT_WINDOW", 3*time.Second),
		MaxFundingRate:    getEnvFloat("MAX_FUNDING_RATE", 0.001),
		ReconInterval:     getEnvDuration("RECON_INTERVAL", 5*time.Minute),
		AlertWindow:       getEnvDuration("ALERT_WINDOW", 24*time.Hour),
		AlertInterval:     getEnvDuration("ALERT_INTERVAL", time.Minute),
		WebhookURL:        getEnv("WEBHOOK_URL", ""),
		MaxDrawdownUSD:    getEnvFloat("MAX_DRAWDOWN_USD", 500),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
