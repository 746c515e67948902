package positions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spikebot/exec"
	"github.com/web3guy0/spikebot/feeds"
	"github.com/web3guy0/spikebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION MANAGER - open → monitor → close state machine
// ═══════════════════════════════════════════════════════════════════════════════
//
// Owns the active position set. Exactly one live position per id; a position
// transitions OPEN → CLOSED once and is then removed from the active set.
// Validation failures reject the whole call with no partial state. A close
// whose swap fails keeps the position OPEN - losing bookkeeping on a partial
// close is a correctness violation.
//
// Only operators on the owner-managed allow-list may open, adjust, monitor
// or close.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Close reason tags emitted by Monitor.
const (
	ReasonStopLong    = "SL-LONG"
	ReasonTargetLong  = "TP-LONG"
	ReasonStopShort   = "SL-SHORT"
	ReasonTargetShort = "TP-SHORT"
)

// Notifier receives position lifecycle events. May be nil.
type Notifier interface {
	NotifyPositionOpened(types.PositionOpened)
	NotifyPositionClosed(types.PositionClosed)
}

// Archive persists position history. May be nil.
type Archive interface {
	SaveOpenedPosition(p types.Position) error
	SaveClosedPosition(p types.Position, reason string, amountOut, exitPrice decimal.Decimal) error
}

// Config for the manager.
type Config struct {
	Owner      common.Address
	BaseAsset  string // asset bought when long (e.g. "BTC")
	QuoteAsset string // asset spent when long (e.g. "USD")
	MaxDataAge time.Duration
}

// Manager owns position lifecycle.
type Manager struct {
	cfg      Config
	oracle   feeds.OracleFeed
	executor exec.Executor
	notifier Notifier
	archive  Archive

	mu        sync.Mutex
	operators map[common.Address]bool
	positions map[common.Hash]*types.Position
	closing   map[common.Hash]bool

	now func() time.Time
}

// New creates a manager. The owner is always an operator.
func New(cfg Config, oracle feeds.OracleFeed, executor exec.Executor, notifier Notifier, archive Archive) *Manager {
	ops := map[common.Address]bool{cfg.Owner: true}
	return &Manager{
		cfg:       cfg,
		oracle:    oracle,
		executor:  executor,
		notifier:  notifier,
		archive:   archive,
		operators: ops,
		positions: make(map[common.Hash]*types.Position),
		closing:   make(map[common.Hash]bool),
		now:       time.Now,
	}
}

// SetNotifier wires the lifecycle notifier after construction.
func (m *Manager) SetNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// AddOperator adds an address to the allow-list. Owner only.
func (m *Manager) AddOperator(caller, operator common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != m.cfg.Owner {
		return fmt.Errorf("add operator by %s: %w", caller.Hex(), types.ErrUnauthorized)
	}
	m.operators[operator] = true
	log.Info().Str("operator", operator.Hex()).Msg("Operator added")
	return nil
}

// RemoveOperator removes an address from the allow-list. Owner only; the
// owner itself cannot be removed.
func (m *Manager) RemoveOperator(caller, operator common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != m.cfg.Owner {
		return fmt.Errorf("remove operator by %s: %w", caller.Hex(), types.ErrUnauthorized)
	}
	if operator == m.cfg.Owner {
		return fmt.Errorf("owner cannot be removed: %w", types.ErrInvalidPositionParameters)
	}
	delete(m.operators, operator)
	return nil
}

// Open validates and stores a new position. The entry swap runs first; the
// position is stored with the swap's realized output as its amount, so the
// close path can unwind exactly what was acquired. Any validation failure
// rejects atomically.
func (m *Manager) Open(ctx context.Context, caller common.Address, symbol string, isLong bool,
	amount decimal.Decimal, stopLossBps, takeProfitBps uint32, entryPrice decimal.Decimal,
	id common.Hash) (*types.Position, error) {

	m.mu.Lock()
	if !m.operators[caller] {
		m.mu.Unlock()
		m.logUnauthorized("open", caller)
		return nil, fmt.Errorf("open by %s: %w", caller.Hex(), types.ErrUnauthorized)
	}
	if err := validateBounds(stopLossBps, takeProfitBps); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if id == (common.Hash{}) {
		m.mu.Unlock()
		return nil, fmt.Errorf("zero position id: %w", types.ErrInvalidPositionParameters)
	}
	if _, exists := m.positions[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("duplicate position id %s: %w", id.Hex(), types.ErrInvalidPositionParameters)
	}
	if amount.LessThanOrEqual(decimal.Zero) || entryPrice.IsZero() {
		m.mu.Unlock()
		return nil, fmt.Errorf("non-positive amount or zero entry price: %w", types.ErrInvalidPositionParameters)
	}
	m.mu.Unlock()

	// Entry swap outside the lock; the id reservation is re-checked below.
	assetIn, assetOut := m.entryAssets(isLong)
	acquired, err := m.executor.Swap(ctx, caller, assetIn, assetOut, amount, decimal.Zero)
	if err != nil {
		return nil, fmt.Errorf("entry swap: %w", err)
	}

	now := m.now()
	pos := &types.Position{
		ID:            id,
		Trader:        caller,
		Symbol:        symbol,
		IsLong:        isLong,
		Amount:        acquired,
		EntryPrice:    entryPrice,
		StopLossBps:   stopLossBps,
		TakeProfitBps: takeProfitBps,
		CreatedAt:     now,
		LastUpdated:   now,
		Status:        types.StatusOpen,
	}

	m.mu.Lock()
	if _, exists := m.positions[id]; exists {
		m.mu.Unlock()
		// Racing open on the same id; unwind the entry swap.
		if _, uerr := m.executor.Swap(ctx, caller, assetOut, assetIn, acquired, decimal.Zero); uerr != nil {
			log.Error().Err(uerr).Str("id", id.Hex()).Msg("Failed to unwind duplicate entry swap")
		}
		return nil, fmt.Errorf("duplicate position id %s: %w", id.Hex(), types.ErrInvalidPositionParameters)
	}
	m.positions[id] = pos
	m.mu.Unlock()

	log.Info().
		Str("id", id.Hex()).
		Str("symbol", symbol).
		Bool("long", isLong).
		Str("entry", entryPrice.StringFixed(2)).
		Uint32("sl_bps", stopLossBps).
		Uint32("tp_bps", takeProfitBps).
		Msg("✅ Position opened")

	if m.archive != nil {
		if err := m.archive.SaveOpenedPosition(*pos); err != nil {
			log.Warn().Err(err).Msg("Failed to archive opened position")
		}
	}
	if m.notifier != nil {
		m.notifier.NotifyPositionOpened(types.PositionOpened{
			PositionID: id,
			Trader:     caller,
			Symbol:     symbol,
			IsLong:     isLong,
			Amount:     acquired,
			EntryPrice: entryPrice,
			At:         now,
		})
	}

	return pos, nil
}

// Adjust updates only the risk fields of an existing open position.
func (m *Manager) Adjust(caller common.Address, id common.Hash, newStopLossBps, newTakeProfitBps uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.operators[caller] {
		m.logUnauthorized("adjust", caller)
		return fmt.Errorf("adjust by %s: %w", caller.Hex(), types.ErrUnauthorized)
	}
	pos, ok := m.positions[id]
	if !ok {
		return fmt.Errorf("adjust %s: %w", id.Hex(), types.ErrPositionNotFound)
	}
	if err := validateBounds(newStopLossBps, newTakeProfitBps); err != nil {
		return err
	}

	pos.StopLossBps = newStopLossBps
	pos.TakeProfitBps = newTakeProfitBps
	pos.LastUpdated = m.now()

	log.Info().
		Str("id", id.Hex()).
		Uint32("sl_bps", newStopLossBps).
		Uint32("tp_bps", newTakeProfitBps).
		Msg("Position adjusted")
	return nil
}

// Monitor reads the current oracle price and closes the position when a
// stop-loss or take-profit bound is crossed. Unusable oracle data is a
// silent no-op (ErrStaleData, no state mutated). Returns the close reason
// when a close happened, "" otherwise.
func (m *Manager) Monitor(ctx context.Context, caller common.Address, id common.Hash) (string, error) {
	m.mu.Lock()
	if !m.operators[caller] {
		m.mu.Unlock()
		m.logUnauthorized("monitor", caller)
		return "", fmt.Errorf("monitor by %s: %w", caller.Hex(), types.ErrUnauthorized)
	}
	pos, ok := m.positions[id]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("monitor %s: %w", id.Hex(), types.ErrPositionNotFound)
	}
	stop := pos.StopPrice()
	target := pos.TargetPrice()
	isLong := pos.IsLong
	m.mu.Unlock()

	obs, err := m.oracle.LatestRound(ctx)
	if err != nil {
		return "", fmt.Errorf("monitor oracle read: %w", err)
	}
	if !obs.Usable(m.now(), m.cfg.MaxDataAge) {
		return "", types.ErrStaleData
	}

	price := obs.Price
	var reason string
	if isLong {
		switch {
		case price.LessThanOrEqual(stop):
			reason = ReasonStopLong
		case price.GreaterThanOrEqual(target):
			reason = ReasonTargetLong
		}
	} else {
		switch {
		case price.GreaterThanOrEqual(stop):
			reason = ReasonStopShort
		case price.LessThanOrEqual(target):
			reason = ReasonTargetShort
		}
	}

	if reason == "" {
		return "", nil
	}
	if err := m.Close(ctx, caller, id, reason); err != nil {
		return "", err
	}
	return reason, nil
}

// Close unwinds the position via the opposite-side swap. The id is reserved
// under the lock before swapping, so racing closes execute at most one exit
// swap; the loser fails up front without touching the executor. Only after
// the swap reports a successful non-zero output is the position removed from
// the active set; on swap failure the reservation is released and the
// position stays OPEN.
func (m *Manager) Close(ctx context.Context, caller common.Address, id common.Hash, reason string) error {
	m.mu.Lock()
	if !m.operators[caller] {
		m.mu.Unlock()
		m.logUnauthorized("close", caller)
		return fmt.Errorf("close by %s: %w", caller.Hex(), types.ErrUnauthorized)
	}
	pos, ok := m.positions[id]
	if !ok || m.closing[id] {
		m.mu.Unlock()
		return fmt.Errorf("close %s: %w", id.Hex(), types.ErrPositionNotFound)
	}
	m.closing[id] = true
	amount := pos.Amount
	isLong := pos.IsLong
	m.mu.Unlock()

	assetIn, assetOut := m.exitAssets(isLong)
	amountOut, err := m.executor.Swap(ctx, caller, assetIn, assetOut, amount, decimal.Zero)
	if err != nil || amountOut.IsZero() {
		if err == nil {
			err = types.ErrSwapFailed
		}
		m.mu.Lock()
		delete(m.closing, id)
		m.mu.Unlock()
		log.Error().
			Err(err).
			Str("id", id.Hex()).
			Msg("Close swap failed, position stays open")
		return fmt.Errorf("close %s: %w", id.Hex(), err)
	}

	now := m.now()
	var exitPrice decimal.Decimal
	if obs, oerr := m.oracle.LatestRound(ctx); oerr == nil {
		exitPrice = obs.Price
	}

	m.mu.Lock()
	pos.Status = types.StatusClosed
	pos.LastUpdated = now
	closed := *pos
	delete(m.positions, id)
	delete(m.closing, id)
	m.mu.Unlock()

	log.Info().
		Str("id", id.Hex()).
		Str("reason", reason).
		Str("amount_out", amountOut.StringFixed(4)).
		Msg("📊 Position closed")

	if m.archive != nil {
		if err := m.archive.SaveClosedPosition(closed, reason, amountOut, exitPrice); err != nil {
			log.Warn().Err(err).Msg("Failed to archive closed position")
		}
	}
	if m.notifier != nil {
		m.notifier.NotifyPositionClosed(types.PositionClosed{
			PositionID: id,
			Reason:     reason,
			AmountOut:  amountOut,
			ExitPrice:  exitPrice,
			At:         now,
		})
	}

	return nil
}

// Get returns a copy of an open position.
func (m *Manager) Get(id common.Hash) (types.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[id]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// OpenIDs returns the ids of all open positions.
func (m *Manager) OpenIDs() []common.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]common.Hash, 0, len(m.positions))
	for id := range m.positions {
		ids = append(ids, id)
	}
	return ids
}

// OpenCount returns the number of open positions.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

func (m *Manager) entryAssets(isLong bool) (assetIn, assetOut string) {
	if isLong {
		return m.cfg.QuoteAsset, m.cfg.BaseAsset
	}
	return m.cfg.BaseAsset, m.cfg.QuoteAsset
}

func (m *Manager) exitAssets(isLong bool) (assetIn, assetOut string) {
	if isLong {
		return m.cfg.BaseAsset, m.cfg.QuoteAsset
	}
	return m.cfg.QuoteAsset, m.cfg.BaseAsset
}

func (m *Manager) logUnauthorized(op string, caller common.Address) {
	// Security-relevant: logged distinctly from ordinary rejections
	log.Warn().
		Str("op", op).
		Str("caller", caller.Hex()).
		Msg("🚫 Unauthorized position call")
}

func validateBounds(stopLossBps, takeProfitBps uint32) error {
	if stopLossBps < types.MinStopLossBps || stopLossBps > types.MaxStopLossBps {
		return fmt.Errorf("stop loss %d bps outside [%d,%d]: %w",
			stopLossBps, types.MinStopLossBps, types.MaxStopLossBps, types.ErrInvalidPositionParameters)
	}
	if takeProfitBps < types.TakeProfitFactor*stopLossBps {
		return fmt.Errorf("take profit %d bps below %dx stop loss: %w",
			takeProfitBps, types.TakeProfitFactor, types.ErrInvalidPositionParameters)
	}
	return nil
}
