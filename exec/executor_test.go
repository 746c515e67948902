package exec

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/spikebot/types"
)

var trader = common.HexToAddress("0x1111111111111111111111111111111111111111")

func fixedQuote(price string) PriceSource {
	return func(assetIn, assetOut string) (decimal.Decimal, error) {
		return decimal.RequireFromString(price), nil
	}
}

func TestPaperSwapSettlesBothLegs(t *testing.T) {
	e := NewPaperExecutor(fixedQuote("2000"), []common.Address{trader}, 0)
	e.Fund("ETH", decimal.NewFromInt(10))

	out, err := e.Swap(context.Background(), trader, "ETH", "USD", decimal.NewFromInt(2), decimal.Zero)
	require.NoError(t, err)

	assert.True(t, out.Equal(decimal.NewFromInt(4000)))
	assert.True(t, e.Balance("ETH").Equal(decimal.NewFromInt(8)))
	assert.True(t, e.Balance("USD").Equal(decimal.NewFromInt(4000)))
}

func TestPaperSwapAppliesFee(t *testing.T) {
	// 30 bps fee on a 2000-quote swap of 1 ETH.
	e := NewPaperExecutor(fixedQuote("2000"), []common.Address{trader}, 30)
	e.Fund("ETH", decimal.NewFromInt(1))

	out, err := e.Swap(context.Background(), trader, "ETH", "USD", decimal.NewFromInt(1), decimal.Zero)
	require.NoError(t, err)
	assert.True(t, out.Equal(decimal.NewFromInt(1994)), "got %s", out)
}

func TestUnauthorizedCallerRejected(t *testing.T) {
	e := NewPaperExecutor(fixedQuote("2000"), []common.Address{trader}, 0)
	e.Fund("ETH", decimal.NewFromInt(10))

	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	_, err := e.Swap(context.Background(), other, "ETH", "USD", decimal.NewFromInt(1), decimal.Zero)
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	// No leg settled.
	assert.True(t, e.Balance("ETH").Equal(decimal.NewFromInt(10)))
	assert.True(t, e.Balance("USD").IsZero())
}

func TestInsufficientBalanceRejected(t *testing.T) {
	e := NewPaperExecutor(fixedQuote("2000"), []common.Address{trader}, 0)
	e.Fund("ETH", decimal.NewFromInt(1))

	_, err := e.Swap(context.Background(), trader, "ETH", "USD", decimal.NewFromInt(2), decimal.Zero)
	assert.ErrorIs(t, err, types.ErrInsufficientBalance)

	_, err = e.Swap(context.Background(), trader, "ETH", "USD", decimal.Zero, decimal.Zero)
	assert.ErrorIs(t, err, types.ErrInsufficientBalance)
}

func TestOutputBelowMinimumRejected(t *testing.T) {
	e := NewPaperExecutor(fixedQuote("2000"), []common.Address{trader}, 0)
	e.Fund("ETH", decimal.NewFromInt(10))

	_, err := e.Swap(context.Background(), trader, "ETH", "USD",
		decimal.NewFromInt(1), decimal.NewFromInt(2001))
	assert.ErrorIs(t, err, types.ErrSwapFailed)
	assert.True(t, e.Balance("ETH").Equal(decimal.NewFromInt(10)))
}

func TestQuoteFailureIsSwapFailure(t *testing.T) {
	failing := func(assetIn, assetOut string) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("feed down")
	}
	e := NewPaperExecutor(failing, []common.Address{trader}, 0)
	e.Fund("ETH", decimal.NewFromInt(10))

	_, err := e.Swap(context.Background(), trader, "ETH", "USD", decimal.NewFromInt(1), decimal.Zero)
	assert.ErrorIs(t, err, types.ErrSwapFailed)
}

func TestCancelledContextRejected(t *testing.T) {
	e := NewPaperExecutor(fixedQuote("2000"), []common.Address{trader}, 0)
	e.Fund("ETH", decimal.NewFromInt(10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Swap(ctx, trader, "ETH", "USD", decimal.NewFromInt(1), decimal.Zero)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, e.Balance("ETH").Equal(decimal.NewFromInt(10)))
}
