package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spikebot/detector"
	"github.com/web3guy0/spikebot/dispatcher"
	"github.com/web3guy0/spikebot/feeds"
	"github.com/web3guy0/spikebot/internal/backoff"
	"github.com/web3guy0/spikebot/model"
	"github.com/web3guy0/spikebot/positions"
	"github.com/web3guy0/spikebot/storage"
	"github.com/web3guy0/spikebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   OracleFeed → SpikeDetector → Router → ClusteringDispatcher
//     → PriceModel → decision → PositionManager → TradeExecutor
//
// The engine runs three loops: the round loop feeding the model and the
// detector, the spike loop routing emitted events, and the monitor loop
// driving stop-loss/take-profit checks.
//
// ═══════════════════════════════════════════════════════════════════════════════

// DecisionSource supplies an external raw decision payload for a finalized
// cluster. Optional; when nil the engine derives the decision mechanically
// from the analysis.
type DecisionSource func(ctx context.Context, c *dispatcher.Cluster, analysis types.AnalysisResult) ([]byte, error)

// TradeNotifier receives lifecycle events for display (Telegram).
type TradeNotifier interface {
	NotifyPositionOpened(types.PositionOpened)
	NotifyPositionClosed(types.PositionClosed)
	NotifySpike(types.SpikeEvent)
}

// Config for the engine.
type Config struct {
	Symbol          string
	Operator        common.Address
	PositionAmount  decimal.Decimal
	MinConfidence   float64
	MonitorInterval time.Duration
}

// Engine wires the pipeline together.
type Engine struct {
	cfg Config

	oracle   *feeds.ChainlinkFeed
	volume   *feeds.VolumeFeed // may be nil
	det      *detector.Detector
	disp     *dispatcher.Dispatcher
	router   *Router
	analyzer *model.Model
	manager  *positions.Manager
	db       *storage.Database // may be nil

	decisionSource DecisionSource
	tradeNotifier  TradeNotifier

	mu            sync.RWMutex
	running       bool
	stopCh        chan struct{}
	spikesSeen    int
	positionsOpen int
	positionsDone int
}

// NewEngine creates the orchestrator. The dispatcher is constructed here so
// its handler can close over the engine's decision path.
func NewEngine(
	cfg Config,
	oracle *feeds.ChainlinkFeed,
	volume *feeds.VolumeFeed,
	det *detector.Detector,
	analyzer *model.Model,
	manager *positions.Manager,
	db *storage.Database,
	dispatchCfg dispatcher.Config,
) *Engine {
	e := &Engine{
		cfg:      cfg,
		oracle:   oracle,
		volume:   volume,
		det:      det,
		router:   NewRouter(),
		analyzer: analyzer,
		manager:  manager,
		db:       db,
		stopCh:   make(chan struct{}),
	}

	var store dispatcher.Store
	if db != nil {
		store = db
	}
	e.disp = dispatcher.New(dispatchCfg, analyzer, store, e.handleCluster)
	e.router.Subscribe(cfg.Symbol, e.disp)

	return e
}

// SetDecisionSource wires an external decision producer.
func (e *Engine) SetDecisionSource(src DecisionSource) {
	e.decisionSource = src
}

// SetTradeNotifier wires the display notifier.
func (e *Engine) SetTradeNotifier(n TradeNotifier) {
	e.tradeNotifier = n
}

// Dispatcher exposes the dispatcher, mainly so callers can Flush on
// shutdown.
func (e *Engine) Dispatcher() *dispatcher.Dispatcher {
	return e.disp
}

// Start launches the loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	if err := e.oracle.Start(ctx); err != nil {
		return err
	}
	if e.volume != nil {
		e.volume.Start(ctx)
	}

	// Seed the detector so the first move is measured against a real
	// baseline rather than the zero sentinel.
	if obs, err := e.oracle.LatestRound(ctx); err == nil && !obs.Price.IsZero() {
		e.det.Seed(obs.Price)
	}

	go e.roundLoop(ctx)
	go e.spikeLoop(ctx)
	go e.monitorLoop(ctx)

	log.Info().Str("symbol", e.cfg.Symbol).Msg("⚡ Engine started")
	return nil
}

// Stop shuts the engine down. In-flight cluster processing settles; pending
// retries are cancelled.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.oracle.Stop()
	if e.volume != nil {
		e.volume.Stop()
	}
	e.disp.Close()

	log.Info().Msg("Engine stopped")
}

// roundLoop feeds each new oracle round into the model and the detector.
func (e *Engine) roundLoop(ctx context.Context) {
	rounds := e.oracle.Subscribe()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case obs := <-rounds:
			e.onRound(ctx, obs)
		}
	}
}

func (e *Engine) onRound(ctx context.Context, obs types.PriceObservation) {
	point := model.Point{Price: obs.Price, At: obs.UpdatedAt}
	if e.volume != nil {
		if w := e.volume.Window(1); len(w) > 0 {
			point.Volume = w[0].Volume
		}
	}
	e.analyzer.Add(point)

	_, err := e.det.Trigger(ctx)
	switch {
	case err == nil:
		// Event delivered through the detector's channel
	case errors.Is(err, types.ErrBelowThreshold):
	case errors.Is(err, types.ErrCooldownActive):
		log.Debug().Msg("Spike trigger in cooldown")
	case errors.Is(err, types.ErrStaleData):
		log.Debug().Msg("Oracle data stale, detector idle")
	default:
		log.Warn().Err(err).Msg("Spike trigger failed")
	}
}

// spikeLoop persists emitted spikes and routes them to subscribers.
func (e *Engine) spikeLoop(ctx context.Context) {
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case event := <-e.det.Events():
			e.mu.Lock()
			e.spikesSeen++
			e.mu.Unlock()

			if e.db != nil {
				if err := e.db.SaveSpike(event); err != nil {
					log.Warn().Err(err).Msg("Failed to persist spike")
				}
			}
			if e.tradeNotifier != nil {
				e.tradeNotifier.NotifySpike(event)
			}
			e.router.Route(event)
		}
	}
}

// monitorLoop drives stop-loss/take-profit checks on every open position.
func (e *Engine) monitorLoop(ctx context.Context) {
	interval := e.cfg.MonitorInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkPositions(ctx)
		}
	}
}

func (e *Engine) checkPositions(ctx context.Context) {
	for _, id := range e.manager.OpenIDs() {
		reason, err := e.manager.Monitor(ctx, e.cfg.Operator, id)
		switch {
		case err == nil && reason != "":
			e.mu.Lock()
			e.positionsDone++
			e.mu.Unlock()
		case errors.Is(err, types.ErrStaleData):
			log.Debug().Str("id", id.Hex()).Msg("Monitor skipped on stale oracle data")
		case errors.Is(err, types.ErrPositionNotFound):
			// Closed by a racing monitor pass
		case err != nil:
			log.Warn().Err(err).Str("id", id.Hex()).Msg("Monitor failed")
		}
	}
}

// handleCluster is the dispatcher's downstream decision path.
func (e *Engine) handleCluster(ctx context.Context, c *dispatcher.Cluster, analysis types.AnalysisResult) error {
	decision := e.decide(ctx, c, analysis)

	if decision.Action == ActionHold {
		log.Info().Str("cluster", c.Fingerprint()).Msg("Decision: hold, no position change")
		return nil
	}

	obs, err := e.oracle.LatestRound(ctx)
	if err != nil {
		return err // retryable
	}

	id := positionID(e.cfg.Symbol, c.Epoch, obs.RoundID)
	isLong := decision.Action == ActionBuy

	_, err = e.manager.Open(ctx, e.cfg.Operator, e.cfg.Symbol, isLong,
		e.cfg.PositionAmount, decision.StopLossBps, decision.TakeProfitBps, obs.Price, id)
	if err != nil {
		if errors.Is(err, types.ErrInvalidPositionParameters) || errors.Is(err, types.ErrUnauthorized) {
			// Retrying an invalid call cannot succeed
			return backoff.Permanent{Err: err}
		}
		return err
	}

	e.mu.Lock()
	e.positionsOpen++
	e.mu.Unlock()
	return nil
}

// decide produces the trade decision for a finalized cluster. An external
// source's payload is validated strictly; a malformed payload falls back to
// hold rather than propagating into execution.
func (e *Engine) decide(ctx context.Context, c *dispatcher.Cluster, analysis types.AnalysisResult) Decision {
	if e.decisionSource != nil {
		raw, err := e.decisionSource(ctx, c, analysis)
		if err != nil {
			log.Warn().Err(err).Str("cluster", c.Fingerprint()).Msg("Decision source failed, holding")
			return HoldDecision(e.cfg.Symbol)
		}
		d, err := ParseDecision(raw)
		if err != nil {
			log.Warn().Err(err).Str("cluster", c.Fingerprint()).Msg("Malformed decision payload, holding")
			return HoldDecision(e.cfg.Symbol)
		}
		return d
	}
	return e.mechanicalDecision(analysis)
}

// mechanicalDecision maps the analysis onto BUY/SELL/HOLD using only the
// model's thresholds.
func (e *Engine) mechanicalDecision(analysis types.AnalysisResult) Decision {
	if analysis.Confidence < e.cfg.MinConfidence {
		return HoldDecision(e.cfg.Symbol)
	}

	var action Action
	current := analysis.PredictedPrice

	switch analysis.Trend {
	case types.TrendBullish:
		action = ActionBuy
	case types.TrendBearish:
		action = ActionSell
	default:
		return HoldDecision(e.cfg.Symbol)
	}

	slBps := clampBps(bpsDistance(current, analysis.StopLoss), types.MinStopLossBps, types.MaxStopLossBps)
	tpBps := bpsDistance(current, analysis.TakeProfit)
	if tpBps < types.TakeProfitFactor*slBps {
		tpBps = types.TakeProfitFactor * slBps
	}

	return Decision{
		Action:        action,
		Symbol:        e.cfg.Symbol,
		Confidence:    analysis.Confidence,
		StopLossBps:   slBps,
		TakeProfitBps: tpBps,
	}
}

// Stats returns engine counters for the status report.
func (e *Engine) Stats() (spikes, opened, closed, active int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.spikesSeen, e.positionsOpen, e.positionsDone, e.manager.OpenCount()
}

// positionID derives a unique 32-byte id from the symbol and cluster/round
// identity.
func positionID(symbol string, epoch, roundID uint64) common.Hash {
	buf := make([]byte, 0, len(symbol)+16)
	buf = append(buf, symbol...)
	for _, v := range []uint64{epoch, roundID} {
		for i := 7; i >= 0; i-- {
			buf = append(buf, byte(v>>(8*uint(i))))
		}
	}
	return crypto.Keccak256Hash(buf)
}

// bpsDistance is |a-b|/|a| in basis points, saturated at uint32 bounds.
func bpsDistance(a, b decimal.Decimal) uint32 {
	if a.IsZero() {
		return 0
	}
	bps := a.Sub(b).Abs().Mul(decimal.NewFromInt(10000)).Div(a.Abs()).Round(0)
	if !bps.BigInt().IsUint64() {
		return types.MaxStopLossBps
	}
	v := bps.BigInt().Uint64()
	if v > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(v)
}

func clampBps(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
