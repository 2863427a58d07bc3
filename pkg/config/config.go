package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the replication core.
type Config struct {
	Port string

	// Database
	DBPath string

	// Session queue persistence
	EnableSessionWAL bool
	SessionWALPath   string

	// Execution
	ExecutionEnabled bool
	MaxRetries       int
	RetryBaseMs      int
	RetryCapMs       int
	SLAThresholdMs   int

	// Signal normalization
	DedupWindowMs int

	// Simulated platform behavior
	SimFillRatio    float64
	SimFeeRate      float64 // decimal (e.g. 0.0004 = 4 bps)
	SimSlippageBps  float64 // slippage applied on fills (bps)
	SimLatencyMinMs int     // simulated venue latency lower bound
	SimLatencyMaxMs int     // simulated venue latency upper bound

	// Platform registry file (connections, rate budgets, increments)
	PlatformsPath string

	// Aggregation
	SnapshotIntervalSec int

	// Reconciliation
	ReconcileIntervalSec int
	SessionStaleSec      int

	// Auth
	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/copytrade.db")
	}

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		DBPath:               dbPath,
		EnableSessionWAL:     getEnv("ENABLE_SESSION_WAL", "true") == "true",
		SessionWALPath:       getEnv("SESSION_WAL_PATH", "./data/session_wal"),
		ExecutionEnabled:     getEnv("EXECUTION_ENABLED", "true") == "true",
		MaxRetries:           getEnvInt("MAX_RETRIES", 3),
		RetryBaseMs:          getEnvInt("RETRY_BASE_MS", 200),
		RetryCapMs:           getEnvInt("RETRY_CAP_MS", 2000),
		SLAThresholdMs:       getEnvInt("SLA_THRESHOLD_MS", 250),
		DedupWindowMs:        getEnvInt("DEDUP_WINDOW_MS", 2000),
		SimFillRatio:         getEnvFloat("SIM_FILL_RATIO", 1.0),
		SimFeeRate:           getEnvFloat("SIM_FEE_RATE", 0.0004),
		SimSlippageBps:       getEnvFloat("SIM_SLIPPAGE_BPS", 2),
		SimLatencyMinMs:      getEnvInt("SIM_LATENCY_MIN_MS", 0),
		SimLatencyMaxMs:      getEnvInt("SIM_LATENCY_MAX_MS", 0),
		PlatformsPath:        getEnv("PLATFORMS_PATH", "./platforms.yaml"),
		SnapshotIntervalSec:  getEnvInt("SNAPSHOT_INTERVAL_SEC", 300),
		ReconcileIntervalSec: getEnvInt("RECONCILE_INTERVAL_SEC", 300),
		SessionStaleSec:      getEnvInt("SESSION_STALE_SEC", 60),
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
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
