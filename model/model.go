package model

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/spikebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE MODEL - Support/resistance, trend and risk bounds
// ═══════════════════════════════════════════════════════════════════════════════
//
// Works over a bounded rolling window of price (and optionally volume)
// observations. Analysis is recomputed on demand and never persisted.
//
// Trend classification, in priority order:
//   1. Breakout beyond the band with volume confirmation
//   2. Directional momentum in the outer band
//   3. Mean reversion from the band extremes
//   4. Neutral
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config tunes the analyzer. Zero values fall back to defaults in New.
type Config struct {
	WindowSize    int
	MinDataPoints int
	Buckets       int
	// BreakoutPct is the margin beyond support/resistance that counts as a
	// breakout (fraction, e.g. 0.005).
	BreakoutPct decimal.Decimal
	// TrendSpeed is the momentum magnitude (fraction) confirming a
	// directional trend. Zero disables the volume rate-of-change test.
	TrendSpeed decimal.Decimal
	// VolumeFactor is the multiple of the short-term average volume that
	// counts as confirmation.
	VolumeFactor decimal.Decimal
	// RiskReward scales take-profit distance against stop-loss distance.
	RiskReward decimal.Decimal
}

// Point is one observation in the window. Volume may be zero when no volume
// source is wired.
type Point struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
	At     time.Time
}

// Model is the rolling-window analyzer.
type Model struct {
	cfg Config

	mu     sync.RWMutex
	window []Point // newest last
}

var (
	two = decimal.NewFromInt(2)
	// neutral fallback band half-width
	fallbackPct = decimal.NewFromFloat(0.02)
	// stop-loss cushion below support / above resistance
	stopCushion = decimal.NewFromFloat(0.005)
)

// New creates a model.
func New(cfg Config) *Model {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 100
	}
	if cfg.MinDataPoints <= 0 {
		cfg.MinDataPoints = 5
	}
	if cfg.Buckets <= 0 {
		cfg.Buckets = 10
	}
	if cfg.BreakoutPct.IsZero() {
		cfg.BreakoutPct = decimal.NewFromFloat(0.005)
	}
	if cfg.TrendSpeed.IsZero() {
		cfg.TrendSpeed = decimal.NewFromFloat(0.002)
	}
	if cfg.VolumeFactor.IsZero() {
		cfg.VolumeFactor = decimal.NewFromFloat(1.5)
	}
	if cfg.RiskReward.IsZero() {
		cfg.RiskReward = decimal.NewFromFloat(1.5)
	}
	return &Model{cfg: cfg}
}

// Add appends an observation, evicting the oldest past WindowSize.
func (m *Model) Add(p Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.window = append(m.window, p)
	if len(m.window) > m.cfg.WindowSize {
		m.window = m.window[len(m.window)-m.cfg.WindowSize:]
	}
}

// Len returns the current window size.
func (m *Model) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.window)
}

// Analyze computes the current analysis. Insufficient data returns the
// neutral fallback, never an error.
func (m *Model) Analyze() types.AnalysisResult {
	m.mu.RLock()
	window := make([]Point, len(m.window))
	copy(window, m.window)
	m.mu.RUnlock()

	if len(window) < m.cfg.MinDataPoints {
		return m.fallback(window)
	}

	current := window[len(window)-1].Price
	support, resistance, ok := m.band(window)
	if !ok {
		// Flat window, no meaningful range
		return m.fallback(window)
	}

	momentum := m.momentum(window)
	volConfirmed := m.volumeConfirmed(window)
	band := resistance.Sub(support)
	pos := bandPosition(current, support, resistance)

	var (
		trend     types.Trend
		predicted decimal.Decimal
		regime    types.Regime
	)

	breakoutHi := resistance.Mul(decimal.NewFromInt(1).Add(m.cfg.BreakoutPct))
	breakoutLo := support.Mul(decimal.NewFromInt(1).Sub(m.cfg.BreakoutPct))

	switch {
	// 1. Breakout with volume confirmation
	case current.GreaterThan(breakoutHi) && volConfirmed:
		trend = types.TrendBullish
		predicted = resistance.Add(band.Div(two))
		regime = types.RegimeTrending

	case current.LessThan(breakoutLo) && volConfirmed:
		trend = types.TrendBearish
		predicted = support.Sub(band.Div(two))
		regime = types.RegimeTrending

	// 2. Directional momentum in the outer band
	case pos.GreaterThanOrEqual(decimal.NewFromFloat(0.6)) && momentum.GreaterThan(m.cfg.TrendSpeed):
		trend = types.TrendBullish
		predicted = resistance
		regime = types.RegimeTrending

	case pos.LessThanOrEqual(decimal.NewFromFloat(0.4)) && momentum.LessThan(m.cfg.TrendSpeed.Neg()):
		trend = types.TrendBearish
		predicted = support
		regime = types.RegimeTrending

	// 3. Mean reversion from the extremes, momentum unconfirmed
	case pos.GreaterThanOrEqual(decimal.NewFromFloat(0.7)):
		trend = types.TrendBearish
		predicted = support.Add(band.Div(two))
		regime = types.RegimeTransitioning

	case pos.LessThanOrEqual(decimal.NewFromFloat(0.3)):
		trend = types.TrendBullish
		predicted = support.Add(band.Div(two))
		regime = types.RegimeTransitioning

	// 4. Neutral
	default:
		trend = types.TrendNeutral
		predicted = current
		regime = types.RegimeConsolidating
	}

	stopLoss, takeProfit := m.riskLevels(trend, current, support, resistance)

	return types.AnalysisResult{
		PredictedPrice: predicted,
		Support:        support,
		Resistance:     resistance,
		StopLoss:       stopLoss,
		TakeProfit:     takeProfit,
		Trend:          trend,
		Confidence:     confidence(pos, volConfirmed),
		Regime:         regime,
	}
}

// fallback is the degenerate result for thin or flat windows: neutral with a
// symmetric 2% band.
func (m *Model) fallback(window []Point) types.AnalysisResult {
	current := decimal.Zero
	if len(window) > 0 {
		current = window[len(window)-1].Price
	}
	lo := current.Mul(decimal.NewFromInt(1).Sub(fallbackPct))
	hi := current.Mul(decimal.NewFromInt(1).Add(fallbackPct))
	return types.AnalysisResult{
		PredictedPrice: current,
		Support:        lo,
		Resistance:     hi,
		StopLoss:       lo,
		TakeProfit:     hi,
		Trend:          types.TrendNeutral,
		Confidence:     0.3,
		Regime:         types.RegimeConsolidating,
	}
}

// band finds support and resistance as the highest-density price buckets in
// the lower and upper 30% of the window's range.
func (m *Model) band(window []Point) (support, resistance decimal.Decimal, ok bool) {
	low, high := window[0].Price, window[0].Price
	for _, p := range window {
		if p.Price.LessThan(low) {
			low = p.Price
		}
		if p.Price.GreaterThan(high) {
			high = p.Price
		}
	}

	span := high.Sub(low)
	if span.IsZero() {
		return decimal.Zero, decimal.Zero, false
	}

	buckets := m.cfg.Buckets
	counts := make([]int, buckets)
	bucketSize := span.Div(decimal.NewFromInt(int64(buckets)))

	for _, p := range window {
		idx := int(p.Price.Sub(low).Div(bucketSize).IntPart())
		if idx >= buckets {
			idx = buckets - 1
		}
		counts[idx]++
	}

	// Lower 30% of the range
	lowerCut := (buckets*3 + 9) / 10 // ceil(0.3*buckets)
	best, bestIdx := -1, 0
	for i := 0; i < lowerCut; i++ {
		if counts[i] > best {
			best, bestIdx = counts[i], i
		}
	}
	support = bucketCenter(low, bucketSize, bestIdx)

	// Upper 30% of the range
	best, bestIdx = -1, buckets-1
	for i := buckets - lowerCut; i < buckets; i++ {
		if counts[i] > best {
			best, bestIdx = counts[i], i
		}
	}
	resistance = bucketCenter(low, bucketSize, bestIdx)

	if resistance.LessThanOrEqual(support) {
		// Degenerate density; fall back to the raw range
		support, resistance = low, high
	}
	return support, resistance, true
}

func bucketCenter(low, bucketSize decimal.Decimal, idx int) decimal.Decimal {
	return low.Add(bucketSize.Mul(decimal.NewFromInt(int64(idx)).Add(decimal.NewFromFloat(0.5))))
}

// momentum is a weighted finite difference over the last few observations,
// recent deltas weighted more heavily, normalized by the segment's first
// price. Returned as a fraction (0.01 = +1%).
func (m *Model) momentum(window []Point) decimal.Decimal {
	const span = 5
	seg := window
	if len(seg) > span {
		seg = seg[len(seg)-span:]
	}
	if len(seg) < 2 {
		return decimal.Zero
	}

	base := seg[0].Price
	if base.IsZero() {
		return decimal.Zero
	}

	weighted := decimal.Zero
	totalW := decimal.Zero
	for i := 1; i < len(seg); i++ {
		w := decimal.NewFromInt(int64(i))
		weighted = weighted.Add(seg[i].Price.Sub(seg[i-1].Price).Mul(w))
		totalW = totalW.Add(w)
	}

	return weighted.Div(totalW).Div(base.Abs())
}

// volumeConfirmed tests whether current volume exceeds VolumeFactor times its
// short-term average; with a trend speed configured, the same multiple test
// is applied to the volume's own rate of change.
func (m *Model) volumeConfirmed(window []Point) bool {
	const lookback = 10

	seg := window
	if len(seg) > lookback {
		seg = seg[len(seg)-lookback:]
	}
	if len(seg) < 3 {
		return false
	}

	current := seg[len(seg)-1].Volume
	if current.IsZero() {
		return false // no volume source wired
	}

	sum := decimal.Zero
	for _, p := range seg[:len(seg)-1] {
		sum = sum.Add(p.Volume)
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(seg) - 1)))
	if avg.IsZero() || current.LessThan(avg.Mul(m.cfg.VolumeFactor)) {
		return false
	}

	if m.cfg.TrendSpeed.IsZero() {
		return true
	}

	// Volume rate of change against its own short-term average
	prev := seg[len(seg)-2].Volume
	if prev.IsZero() {
		return true
	}
	roc := current.Sub(prev).Div(prev)

	rocSum := decimal.Zero
	rocN := 0
	for i := 1; i < len(seg)-1; i++ {
		if seg[i-1].Volume.IsZero() {
			continue
		}
		rocSum = rocSum.Add(seg[i].Volume.Sub(seg[i-1].Volume).Div(seg[i-1].Volume).Abs())
		rocN++
	}
	if rocN == 0 {
		return true
	}
	avgRoc := rocSum.Div(decimal.NewFromInt(int64(rocN)))
	return roc.Abs().GreaterThanOrEqual(avgRoc.Mul(m.cfg.VolumeFactor))
}

// riskLevels derives stop-loss and take-profit for the classified trend.
// The stop is always strictly worse than the current price in the position's
// direction.
func (m *Model) riskLevels(trend types.Trend, current, support, resistance decimal.Decimal) (stopLoss, takeProfit decimal.Decimal) {
	one := decimal.NewFromInt(1)

	switch trend {
	case types.TrendBullish:
		stopLoss = support.Mul(one.Sub(stopCushion))
		if stopLoss.GreaterThanOrEqual(current) {
			stopLoss = current.Mul(one.Sub(fallbackPct))
		}
		risk := current.Sub(stopLoss)
		takeProfit = current.Add(risk.Mul(m.cfg.RiskReward))
		if takeProfit.LessThan(resistance) {
			takeProfit = resistance
		}

	case types.TrendBearish:
		stopLoss = resistance.Mul(one.Add(stopCushion))
		if stopLoss.LessThanOrEqual(current) {
			stopLoss = current.Mul(one.Add(fallbackPct))
		}
		risk := stopLoss.Sub(current)
		takeProfit = current.Sub(risk.Mul(m.cfg.RiskReward))
		if takeProfit.GreaterThan(support) {
			takeProfit = support
		}

	default:
		stopLoss = current.Mul(one.Sub(fallbackPct))
		takeProfit = current.Mul(one.Add(fallbackPct))
	}
	return stopLoss, takeProfit
}

// bandPosition returns where current sits in [support, resistance] as 0..1,
// clamped outside the band.
func bandPosition(current, support, resistance decimal.Decimal) decimal.Decimal {
	span := resistance.Sub(support)
	if span.IsZero() {
		return decimal.NewFromFloat(0.5)
	}
	pos := current.Sub(support).Div(span)
	if pos.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if pos.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return pos
}

// confidence starts from a base, boosted near band extremes and again by
// volume confirmation, capped below 1.0.
func confidence(pos decimal.Decimal, volConfirmed bool) float64 {
	c := 0.5
	if pos.GreaterThanOrEqual(decimal.NewFromFloat(0.7)) || pos.LessThanOrEqual(decimal.NewFromFloat(0.3)) {
		c += 0.2
	}
	if volConfirmed {
		c += 0.15
	}
	if c > 0.95 {
		c = 0.95
	}
	return c
}
