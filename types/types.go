package types

import (
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// InfiniteChangeBps is returned by ChangeBps when the previous price is zero.
// Any threshold comparison against it passes.
const InfiniteChangeBps uint64 = math.MaxUint64

// PriceObservation is a single oracle round as reported by the feed.
// Read-only to everything outside the feeds package.
type PriceObservation struct {
	RoundID         uint64
	Price           decimal.Decimal // signed; funding-rate style feeds go negative
	UpdatedAt       time.Time
	AnsweredInRound uint64
}

// Usable reports whether the observation can drive detection or monitoring:
// the round must be answered and the update younger than maxAge.
func (o PriceObservation) Usable(now time.Time, maxAge time.Duration) bool {
	if o.AnsweredInRound < o.RoundID {
		return false
	}
	if o.UpdatedAt.IsZero() || now.Sub(o.UpdatedAt) > maxAge {
		return false
	}
	return true
}

// ChangeBps returns |current-previous| relative to |previous| in basis points,
// rounded to the nearest integer. A zero previous price yields
// InfiniteChangeBps rather than a division fault.
func ChangeBps(current, previous decimal.Decimal) uint64 {
	if previous.IsZero() {
		return InfiniteChangeBps
	}
	delta := current.Sub(previous).Abs()
	bps := delta.Mul(decimal.NewFromInt(10000)).Div(previous.Abs()).Round(0)
	// Clamp absurd moves into the sentinel instead of overflowing.
	if bps.GreaterThanOrEqual(decimal.NewFromFloat(float64(math.MaxUint64))) {
		return InfiniteChangeBps
	}
	return uint64(bps.IntPart())
}

// SpikeEvent is emitted by the detector at trigger time. Immutable once emitted.
type SpikeEvent struct {
	Symbol        string
	CurrentPrice  decimal.Decimal
	PreviousPrice decimal.Decimal
	ChangeBps     uint64
	RoundID       uint64
	At            time.Time
}

// Direction returns +1 for an up-move, -1 for a down-move, 0 for flat.
func (e SpikeEvent) Direction() int {
	switch cmp := e.CurrentPrice.Cmp(e.PreviousPrice); {
	case cmp > 0:
		return 1
	case cmp < 0:
		return -1
	default:
		return 0
	}
}

// Fingerprint identifies this event for restart-safe dedup.
func (e SpikeEvent) Fingerprint() string {
	return fmt.Sprintf("%s:%d:%d", e.Symbol, e.RoundID, e.At.UnixNano())
}

// Trend classification produced by the price model.
type Trend string

const (
	TrendBullish Trend = "bullish"
	TrendBearish Trend = "bearish"
	TrendNeutral Trend = "neutral"
)

// Regime describes the market state the model believes it is in.
type Regime string

const (
	RegimeConsolidating Regime = "consolidating"
	RegimeTrending      Regime = "trending"
	RegimeTransitioning Regime = "transitioning"
)

// AnalysisResult is recomputed on demand by the price model; never persisted.
type AnalysisResult struct {
	PredictedPrice decimal.Decimal
	Support        decimal.Decimal
	Resistance     decimal.Decimal
	StopLoss       decimal.Decimal
	TakeProfit     decimal.Decimal
	Trend          Trend
	Confidence     float64 // [0,1)
	Regime         Regime
}

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "OPEN"
	StatusClosed PositionStatus = "CLOSED"
)

// Position bounds for accepted stop-loss / take-profit settings.
const (
	MinStopLossBps = 50
	MaxStopLossBps = 3000
	// TakeProfitBps must be at least TakeProfitFactor * StopLossBps.
	TakeProfitFactor = 2
)

// Position is an open trade owned by the position manager.
// Exactly one live position exists per ID.
type Position struct {
	ID            common.Hash
	Trader        common.Address
	Symbol        string
	IsLong        bool
	Amount        decimal.Decimal
	EntryPrice    decimal.Decimal
	StopLossBps   uint32
	TakeProfitBps uint32
	CreatedAt     time.Time
	LastUpdated   time.Time
	Status        PositionStatus
}

// StopPrice is the price at which the stop-loss fires.
func (p *Position) StopPrice() decimal.Decimal {
	frac := decimal.New(int64(p.StopLossBps), -4)
	if p.IsLong {
		return p.EntryPrice.Mul(decimal.NewFromInt(1).Sub(frac))
	}
	return p.EntryPrice.Mul(decimal.NewFromInt(1).Add(frac))
}

// TargetPrice is the price at which the take-profit fires.
func (p *Position) TargetPrice() decimal.Decimal {
	frac := decimal.New(int64(p.TakeProfitBps), -4)
	if p.IsLong {
		return p.EntryPrice.Mul(decimal.NewFromInt(1).Add(frac))
	}
	return p.EntryPrice.Mul(decimal.NewFromInt(1).Sub(frac))
}

// PositionOpened is emitted after a position is accepted.
type PositionOpened struct {
	PositionID common.Hash
	Trader     common.Address
	Symbol     string
	IsLong     bool
	Amount     decimal.Decimal
	EntryPrice decimal.Decimal
	At         time.Time
}

// PositionClosed is emitted after a close completes, with the realized output.
type PositionClosed struct {
	PositionID common.Hash
	Reason     string // "SL-LONG", "TP-LONG", "SL-SHORT", "TP-SHORT", or manual
	AmountOut  decimal.Decimal
	ExitPrice  decimal.Decimal
	At         time.Time
}

// ClusterStatus tracks a finalized cluster through the decision path.
type ClusterStatus string

const (
	ClusterPending   ClusterStatus = "pending"
	ClusterCompleted ClusterStatus = "completed"
	ClusterFailed    ClusterStatus = "failed"
)
