// Spikebot - Market Feed Spike Reaction Bot
//
// Watches a Chainlink price feed for sudden moves, clusters the resulting
// spike events, analyzes price structure (support/resistance, trend, risk
// bounds) and reacts by opening monitored positions with stop-loss and
// take-profit exits.
//
// Pipeline:
// 1. Poll oracle rounds, reject stale data
// 2. Detect spikes above the basis-point threshold, cooldown between triggers
// 3. Cluster nearby spikes, one decision per cluster
// 4. Analyze the rolling price window and decide BUY/SELL/HOLD
// 5. Open positions via the executor, monitor for SL/TP exits
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spikebot/bot"
	"github.com/web3guy0/spikebot/core"
	"github.com/web3guy0/spikebot/detector"
	"github.com/web3guy0/spikebot/dispatcher"
	"github.com/web3guy0/spikebot/exec"
	"github.com/web3guy0/spikebot/feeds"
	"github.com/web3guy0/spikebot/internal/backoff"
	"github.com/web3guy0/spikebot/internal/config"
	"github.com/web3guy0/spikebot/model"
	"github.com/web3guy0/spikebot/positions"
	"github.com/web3guy0/spikebot/storage"
	"github.com/web3guy0/spikebot/types"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("symbol", cfg.Symbol).
		Bool("dry_run", cfg.DryRun).
		Msg("⚡ Spikebot starting...")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// ====== CORE COMPONENTS ======

	// 1. Oracle feed - Chainlink rounds over JSON-RPC
	oracle, err := feeds.NewChainlinkFeed(cfg.OracleRPCURL, cfg.OracleFeedAddress, cfg.OracleDecimals, cfg.OraclePollEvery)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect oracle feed")
	}
	log.Info().Str("feed", cfg.OracleFeedAddress).Msg("⛓️ Chainlink price feed connected")

	// 2. Volume feed - exchange trade stream, optional
	var volume *feeds.VolumeFeed
	if cfg.VolumeFeedEnabled {
		volume = feeds.NewVolumeFeed(cfg.VolumeStreamURL, cfg.VolumeSymbol, backoff.Policy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			JitterFrac:  0.2,
		})
		log.Info().Str("stream", cfg.VolumeSymbol).Msg("📈 Volume feed enabled")
	}

	// 3. Spike detector
	det := detector.New(detector.Config{
		Symbol:       cfg.Symbol,
		ThresholdBps: cfg.SpikeThresholdBps,
		Cooldown:     cfg.CooldownPeriod,
		MaxDataAge:   cfg.MaxDataAge,
	}, oracle)

	// 4. Price model
	analyzer := model.New(model.Config{
		WindowSize:    cfg.ModelWindowSize,
		MinDataPoints: cfg.ModelMinDataPoints,
		Buckets:       cfg.ModelBuckets,
		BreakoutPct:   cfg.ModelBreakoutPct,
		TrendSpeed:    cfg.ModelTrendSpeed,
		VolumeFactor:  cfg.ModelVolumeFactor,
		RiskReward:    cfg.ModelRiskReward,
	})

	// 5. Paper executor quoted off the oracle
	base, quote := core.SplitSymbol(cfg.Symbol)
	callers := append([]common.Address{cfg.Owner}, cfg.Operators...)
	executor := exec.NewPaperExecutor(oracleQuote(oracle, base, quote), callers, 30)
	executor.Fund(quote, cfg.PositionAmount.Mul(decimal.NewFromInt(100)))
	log.Info().Str("base", base).Str("quote", quote).Msg("💳 Paper executor initialized")

	// 6. Position manager
	manager := positions.New(positions.Config{
		Owner:      cfg.Owner,
		BaseAsset:  base,
		QuoteAsset: quote,
		MaxDataAge: cfg.MaxDataAge,
	}, oracle, executor, nil, db)
	for _, op := range cfg.Operators {
		if err := manager.AddOperator(cfg.Owner, op); err != nil {
			log.Warn().Err(err).Str("operator", op.Hex()).Msg("⚠️ Failed to add operator")
		}
	}

	// 7. Engine - wires detector → dispatcher → model → positions
	engine := core.NewEngine(core.Config{
		Symbol:          cfg.Symbol,
		Operator:        cfg.Owner,
		PositionAmount:  cfg.PositionAmount,
		MinConfidence:   cfg.MinConfidence,
		MonitorInterval: cfg.MonitorInterval,
	}, oracle, volume, det, analyzer, manager, db, dispatcher.Config{
		MaxClusterSize: cfg.ClusterMaxSize,
		MaxGap:         cfg.ClusterMaxGap,
		Retry: backoff.Policy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			JitterFrac:  0.2,
		},
	})

	// ====== TELEGRAM BOT ======
	if cfg.TelegramToken != "" {
		telegramBot, err := bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, engine)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram disabled")
		} else {
			engine.SetTradeNotifier(telegramBot)
			manager.SetNotifier(telegramBot)
			telegramBot.SetDatabase(db, cfg.Symbol)
			telegramBot.Start()
			defer telegramBot.Stop()
		}
	}

	if err := engine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}

	// ====== STARTUP COMPLETE ======
	log.Info().Msg("✅ All systems online")
	log.Info().Msgf("⚡ Watching %s, threshold %d bps, cooldown %s",
		cfg.Symbol, cfg.SpikeThresholdBps, cfg.CooldownPeriod)

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("🛑 Received shutdown signal")

	// Graceful shutdown. Flush any buffered clusters before stopping; the
	// engine stops the feeds and settles in-flight processing.
	engine.Dispatcher().Flush()
	engine.Stop()
	db.Close()

	log.Info().Msg("👋 Goodbye!")
}

// oracleQuote prices swaps off the latest oracle round. Quote→base swaps
// divide by the round price, base→quote multiply.
func oracleQuote(oracle *feeds.ChainlinkFeed, base, quote string) exec.PriceSource {
	return func(assetIn, assetOut string) (decimal.Decimal, error) {
		obs := oracle.Latest()
		if obs.Price.IsZero() {
			return decimal.Zero, types.ErrStaleData
		}
		if strings.EqualFold(assetIn, quote) && strings.EqualFold(assetOut, base) {
			return decimal.NewFromInt(1).Div(obs.Price), nil
		}
		if strings.EqualFold(assetIn, base) && strings.EqualFold(assetOut, quote) {
			return obs.Price, nil
		}
		return decimal.Zero, types.ErrSwapFailed
	}
}
