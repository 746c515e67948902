package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Config holds all configuration for the bot. Immutable after Load.
type Config struct {
	// Mode
	DryRun bool
	Debug  bool

	// Symbol under watch (e.g. "BTCUSD")
	Symbol string

	// Oracle feed
	OracleRPCURL      string
	OracleFeedAddress string
	OracleDecimals    int
	OraclePollEvery   time.Duration

	// Spike detector, set once at construction
	SpikeThresholdBps uint64
	CooldownPeriod    time.Duration
	MaxDataAge        time.Duration

	// Clustering
	ClusterMaxSize int
	ClusterMaxGap  time.Duration

	// Retry policy for the decision path
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	// Price model
	ModelWindowSize    int
	ModelMinDataPoints int
	ModelBuckets       int
	ModelBreakoutPct   decimal.Decimal
	ModelTrendSpeed    decimal.Decimal
	ModelVolumeFactor  decimal.Decimal
	ModelRiskReward    decimal.Decimal

	// Position sizing / decision gating
	PositionAmount  decimal.Decimal
	MinConfidence   float64
	MonitorInterval time.Duration

	// Operators allowed to open/adjust/close positions
	Owner     common.Address
	Operators []common.Address

	// Volume feed
	VolumeFeedEnabled bool
	VolumeStreamURL   string
	VolumeSymbol      string // exchange notation, e.g. "btcusdt"

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Database: sqlite path or postgres:// URL
	DatabasePath string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		Symbol: getEnv("SYMBOL", "BTCUSD"),

		OracleRPCURL:      getEnv("ORACLE_RPC_URL", "https://polygon-rpc.com"),
		OracleFeedAddress: getEnv("ORACLE_FEED_ADDRESS", "0xc907E116054Ad103354f2D350FD2514433D57F6f"),
		OracleDecimals:    getEnvInt("ORACLE_DECIMALS", 8),
		OraclePollEvery:   getEnvDuration("ORACLE_POLL_INTERVAL", 2*time.Second),

		SpikeThresholdBps: uint64(getEnvInt("SPIKE_THRESHOLD_BPS", 500)),
		CooldownPeriod:    getEnvDuration("COOLDOWN_PERIOD", 60*time.Second),
		MaxDataAge:        getEnvDuration("MAX_DATA_AGE", 5*time.Minute),

		ClusterMaxSize: getEnvInt("CLUSTER_MAX_SIZE", 10),
		ClusterMaxGap:  getEnvDuration("CLUSTER_MAX_GAP", 30*time.Second),

		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 5),
		RetryBaseDelay:   getEnvDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:    getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),

		ModelWindowSize:    getEnvInt("MODEL_WINDOW_SIZE", 100),
		ModelMinDataPoints: getEnvInt("MODEL_MIN_DATA_POINTS", 5),
		ModelBuckets:       getEnvInt("MODEL_BUCKETS", 10),
		ModelBreakoutPct:   getEnvDecimal("MODEL_BREAKOUT_PCT", decimal.NewFromFloat(0.005)),
		ModelTrendSpeed:    getEnvDecimal("MODEL_TREND_SPEED", decimal.NewFromFloat(0.002)),
		ModelVolumeFactor:  getEnvDecimal("MODEL_VOLUME_FACTOR", decimal.NewFromFloat(1.5)),
		ModelRiskReward:    getEnvDecimal("MODEL_RISK_REWARD", decimal.NewFromFloat(1.5)),

		PositionAmount:  getEnvDecimal("POSITION_AMOUNT", decimal.NewFromInt(100)),
		MinConfidence:   getEnvFloat("MIN_CONFIDENCE", 0.5),
		MonitorInterval: getEnvDuration("MONITOR_INTERVAL", 3*time.Second),

		VolumeFeedEnabled: getEnvBool("VOLUME_FEED_ENABLED", true),
		VolumeStreamURL:   getEnv("VOLUME_STREAM_URL", "wss://stream.binance.com:9443/ws"),
		VolumeSymbol:      getEnv("VOLUME_SYMBOL", "btcusdt"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DatabasePath: getEnv("DATABASE_PATH", "data/spikebot.db"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if owner := os.Getenv("OWNER_ADDRESS"); owner != "" {
		if !common.IsHexAddress(owner) {
			return nil, fmt.Errorf("invalid OWNER_ADDRESS: %s", owner)
		}
		cfg.Owner = common.HexToAddress(owner)
	}

	for _, op := range strings.Split(os.Getenv("OPERATOR_ADDRESSES"), ",") {
		op = strings.TrimSpace(op)
		if op == "" {
			continue
		}
		if !common.IsHexAddress(op) {
			return nil, fmt.Errorf("invalid operator address: %s", op)
		}
		cfg.Operators = append(cfg.Operators, common.HexToAddress(op))
	}

	if !common.IsHexAddress(cfg.OracleFeedAddress) {
		return nil, fmt.Errorf("invalid ORACLE_FEED_ADDRESS: %s", cfg.OracleFeedAddress)
	}
	if cfg.SpikeThresholdBps == 0 {
		return nil, fmt.Errorf("SPIKE_THRESHOLD_BPS must be positive")
	}
	if cfg.ClusterMaxSize < 1 {
		return nil, fmt.Errorf("CLUSTER_MAX_SIZE must be at least 1")
	}
	if cfg.RetryMaxAttempts < 1 {
		return nil, fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
