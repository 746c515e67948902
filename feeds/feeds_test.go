package feeds

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/spikebot/internal/backoff"
)

// roundData encodes the latestRoundData return tuple the way the aggregator
// contract does.
func roundData(roundID uint64, answer *big.Int, updatedAt int64, answeredIn uint64) []byte {
	out := make([]byte, 0, 160)
	out = append(out, common.LeftPadBytes(new(big.Int).SetUint64(roundID).Bytes(), 32)...)

	word := make([]byte, 32)
	answer.FillBytes(word)
	out = append(out, word...)

	out = append(out, make([]byte, 32)...) // startedAt, unused
	out = append(out, common.LeftPadBytes(big.NewInt(updatedAt).Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(new(big.Int).SetUint64(answeredIn).Bytes(), 32)...)
	return out
}

func TestDecodeRound(t *testing.T) {
	f := &ChainlinkFeed{decimals: 8}

	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Unix()
	// 50000.12345678 at 8 decimals
	answer := big.NewInt(5000012345678)

	obs, err := f.decodeRound(roundData(42, answer, updated, 42))
	require.NoError(t, err)

	assert.Equal(t, uint64(42), obs.RoundID)
	assert.Equal(t, uint64(42), obs.AnsweredInRound)
	assert.Equal(t, updated, obs.UpdatedAt.Unix())
	assert.True(t, obs.Price.Equal(decimal.RequireFromString("50000.12345678")), "got %s", obs.Price)
}

func TestDecodeRoundNegativeAnswer(t *testing.T) {
	f := &ChainlinkFeed{decimals: 8}

	// -0.00000123 encoded as int256 two's complement
	neg := big.NewInt(-123)
	word := new(big.Int).Add(new(big.Int).Lsh(big.NewInt(1), 256), neg)

	data := roundData(7, word, time.Now().Unix(), 7)
	obs, err := f.decodeRound(data)
	require.NoError(t, err)
	assert.True(t, obs.Price.Equal(decimal.RequireFromString("-0.00000123")), "got %s", obs.Price)
}

func TestDecodeRoundShortData(t *testing.T) {
	f := &ChainlinkFeed{decimals: 8}
	_, err := f.decodeRound(make([]byte, 96))
	assert.Error(t, err)
}

func TestTwosComplement(t *testing.T) {
	pos := common.LeftPadBytes(big.NewInt(1000).Bytes(), 32)
	assert.Equal(t, int64(1000), twosComplement(pos).Int64())

	neg := make([]byte, 32)
	for i := range neg {
		neg[i] = 0xff
	}
	assert.Equal(t, int64(-1), twosComplement(neg).Int64())
}

func trade(t *testing.T, symbol, qty string, at time.Time) []byte {
	t.Helper()
	msg, err := json.Marshal(tradeMessage{
		EventType: "trade",
		Symbol:    symbol,
		Price:     "50000",
		Quantity:  qty,
		TradeTime: at.UnixMilli(),
	})
	require.NoError(t, err)
	return msg
}

func TestVolumeBucketing(t *testing.T) {
	f := NewVolumeFeed("wss://example", "btcusdt", backoff.Default)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.current = VolumePoint{At: base.Truncate(volumeBucket)}

	// Two trades in the first bucket, one in the next.
	f.handleMessage(trade(t, "BTCUSDT", "1.5", base.Add(time.Second)))
	f.handleMessage(trade(t, "BTCUSDT", "0.5", base.Add(3*time.Second)))
	f.handleMessage(trade(t, "BTCUSDT", "2", base.Add(11*time.Second)))

	window := f.Window(10)
	require.Len(t, window, 1)
	assert.True(t, window[0].Volume.Equal(decimal.NewFromInt(2)), "got %s", window[0].Volume)
	assert.Equal(t, base.Truncate(volumeBucket), window[0].At)

	// The open bucket is not yet visible.
	f.handleMessage(trade(t, "BTCUSDT", "3", base.Add(21*time.Second)))
	window = f.Window(10)
	require.Len(t, window, 2)
	assert.True(t, window[1].Volume.Equal(decimal.NewFromInt(2)))
}

func TestVolumeFeedDropsGarbage(t *testing.T) {
	f := NewVolumeFeed("wss://example", "btcusdt", backoff.Default)
	base := time.Now()
	f.current = VolumePoint{At: base.Truncate(volumeBucket)}

	f.handleMessage([]byte(`not json`))
	f.handleMessage([]byte(`{"e":"kline","s":"BTCUSDT","q":"5"}`))
	f.handleMessage([]byte(`{"e":"trade","s":"BTCUSDT","q":"not-a-number","T":1}`))

	assert.Empty(t, f.Window(10))
	assert.True(t, f.current.Volume.IsZero())
}
