package exec

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spikebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADE EXECUTOR - Swap boundary
// ═══════════════════════════════════════════════════════════════════════════════
//
// The swap itself is an opaque collaborator: it either fully executes and
// returns a valid amountOut, or fails with no partial transfer. Failures are
// distinct for insufficient balance, insufficient output vs minAmountOut,
// and unauthorized caller.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Executor executes the asset swap on position open/close.
type Executor interface {
	// Swap sells amountIn of assetIn for assetOut. Returns the realized
	// amountOut, which is always positive on success.
	Swap(ctx context.Context, caller common.Address, assetIn, assetOut string, amountIn, minAmountOut decimal.Decimal) (decimal.Decimal, error)
}

// PriceSource quotes assetOut per unit of assetIn.
type PriceSource func(assetIn, assetOut string) (decimal.Decimal, error)

// PaperExecutor simulates execution against a treasury of per-asset balances.
// Quotes come from the wired price source with a flat fee applied. All
// mutations happen under one lock, so a swap is atomic: balances change only
// when the swap fully succeeds.
type PaperExecutor struct {
	mu         sync.Mutex
	balances   map[string]decimal.Decimal
	authorized map[common.Address]bool
	quote      PriceSource
	feeBps     int64
}

// NewPaperExecutor creates a paper executor. callers is the swap allow-list.
func NewPaperExecutor(quote PriceSource, callers []common.Address, feeBps int64) *PaperExecutor {
	auth := make(map[common.Address]bool, len(callers))
	for _, c := range callers {
		auth[c] = true
	}
	return &PaperExecutor{
		balances:   make(map[string]decimal.Decimal),
		authorized: auth,
		quote:      quote,
		feeBps:     feeBps,
	}
}

// Fund credits the treasury. Intended for startup and tests.
func (e *PaperExecutor) Fund(asset string, amount decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[asset] = e.balances[asset].Add(amount)
}

// Balance returns the current treasury balance for an asset.
func (e *PaperExecutor) Balance(asset string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[asset]
}

// Swap implements Executor.
func (e *PaperExecutor) Swap(ctx context.Context, caller common.Address, assetIn, assetOut string, amountIn, minAmountOut decimal.Decimal) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.authorized[caller] {
		log.Warn().
			Str("caller", caller.Hex()).
			Msg("🚫 Unauthorized swap attempt")
		return decimal.Zero, fmt.Errorf("swap caller %s: %w", caller.Hex(), types.ErrUnauthorized)
	}

	if e.balances[assetIn].LessThan(amountIn) || amountIn.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%s balance %s below %s: %w",
			assetIn, e.balances[assetIn].String(), amountIn.String(), types.ErrInsufficientBalance)
	}

	price, err := e.quote(assetIn, assetOut)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote %s/%s: %w", assetIn, assetOut, types.ErrSwapFailed)
	}

	fee := decimal.New(e.feeBps, -4)
	amountOut := amountIn.Mul(price).Mul(decimal.NewFromInt(1).Sub(fee))

	if amountOut.LessThanOrEqual(decimal.Zero) || amountOut.LessThan(minAmountOut) {
		return decimal.Zero, fmt.Errorf("output %s below minimum %s: %w",
			amountOut.String(), minAmountOut.String(), types.ErrSwapFailed)
	}

	// Point of no return: both legs settle together
	e.balances[assetIn] = e.balances[assetIn].Sub(amountIn)
	e.balances[assetOut] = e.balances[assetOut].Add(amountOut)

	log.Info().
		Str("in", amountIn.StringFixed(4)+" "+assetIn).
		Str("out", amountOut.StringFixed(4)+" "+assetOut).
		Msg("📝 Paper swap executed")

	return amountOut, nil
}
