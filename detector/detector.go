package detector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spikebot/feeds"
	"github.com/web3guy0/spikebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SPIKE DETECTOR - Cooldown / staleness state machine
// ═══════════════════════════════════════════════════════════════════════════════
//
// Compares the current oracle round against the last recorded price. A trigger
// is eligible when:
//   - the cooldown since the last successful trigger has elapsed
//   - the observation is usable (answered round, fresh update)
//   - the absolute change in basis points meets the threshold
//
// Each evaluation reads the feed and acts under one lock so a stale read can
// never pair with a stale decision. The cooldown is keyed per symbol: one
// detector instance owns one symbol, and independent callers share its state.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config is immutable after construction.
type Config struct {
	Symbol       string
	ThresholdBps uint64
	Cooldown     time.Duration
	MaxDataAge   time.Duration
}

// Detector holds the per-symbol spike state.
type Detector struct {
	cfg    Config
	oracle feeds.OracleFeed

	mu            sync.Mutex
	lastPrice     decimal.Decimal
	lastTriggerAt time.Time

	events chan types.SpikeEvent

	now func() time.Time
}

// New creates a detector for one symbol.
func New(cfg Config, oracle feeds.OracleFeed) *Detector {
	return &Detector{
		cfg:    cfg,
		oracle: oracle,
		events: make(chan types.SpikeEvent, 64),
		now:    time.Now,
	}
}

// Events delivers spike events emitted by successful triggers.
func (d *Detector) Events() <-chan types.SpikeEvent {
	return d.events
}

// Seed sets the reference price without firing a trigger. Used at startup so
// the first real move is measured against a known baseline.
func (d *Detector) Seed(price decimal.Decimal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastPrice = price
}

// LastPrice returns the current reference price.
func (d *Detector) LastPrice() decimal.Decimal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPrice
}

// CheckSpike reports whether a trigger is currently eligible. Read-only:
// no state is mutated, stale data and active cooldown both read as false.
func (d *Detector) CheckSpike(ctx context.Context) bool {
	obs, err := d.oracle.LatestRound(ctx)
	if err != nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.evaluate(obs) == nil
}

// Trigger re-validates eligibility and, on success, updates the reference
// price and cooldown clock and emits a SpikeEvent. On failure nothing is
// mutated and the reason is returned (ErrCooldownActive, ErrStaleData,
// ErrBelowThreshold).
func (d *Detector) Trigger(ctx context.Context) (types.SpikeEvent, error) {
	obs, err := d.oracle.LatestRound(ctx)
	if err != nil {
		return types.SpikeEvent{}, fmt.Errorf("oracle read: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.evaluate(obs); err != nil {
		return types.SpikeEvent{}, err
	}

	now := d.now()
	event := types.SpikeEvent{
		Symbol:        d.cfg.Symbol,
		CurrentPrice:  obs.Price,
		PreviousPrice: d.lastPrice,
		ChangeBps:     types.ChangeBps(obs.Price, d.lastPrice),
		RoundID:       obs.RoundID,
		At:            now,
	}

	d.lastPrice = obs.Price
	d.lastTriggerAt = now

	log.Info().
		Str("symbol", event.Symbol).
		Str("price", event.CurrentPrice.StringFixed(2)).
		Str("previous", event.PreviousPrice.StringFixed(2)).
		Uint64("change_bps", event.ChangeBps).
		Msg("⚡ Spike detected")

	select {
	case d.events <- event:
	default:
		log.Warn().Str("symbol", event.Symbol).Msg("Spike event dropped, consumer too slow")
	}

	return event, nil
}

// evaluate checks trigger eligibility against one observation.
// Caller holds d.mu.
func (d *Detector) evaluate(obs types.PriceObservation) error {
	now := d.now()

	if !d.lastTriggerAt.IsZero() && now.Sub(d.lastTriggerAt) < d.cfg.Cooldown {
		return types.ErrCooldownActive
	}
	if !obs.Usable(now, d.cfg.MaxDataAge) {
		return types.ErrStaleData
	}
	if types.ChangeBps(obs.Price, d.lastPrice) < d.cfg.ThresholdBps {
		return types.ErrBelowThreshold
	}
	return nil
}
