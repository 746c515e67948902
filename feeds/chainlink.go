package feeds

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spikebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CHAINLINK ORACLE FEED - On-chain aggregator rounds
// ═══════════════════════════════════════════════════════════════════════════════
//
// Reads the AggregatorV3Interface directly:
//   latestRoundData() -> (roundId, answer, startedAt, updatedAt, answeredInRound)
//   getRoundData(uint80)
//
// Answers are int256 with the feed's decimals (8 for BTC/USD), so negative
// feeds (funding rates) decode correctly.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ABI function selectors
var (
	latestRoundDataSelector = common.Hex2Bytes("feaf968c")
	getRoundDataSelector    = common.Hex2Bytes("9a6fc8f5")
)

// OracleFeed exposes the latest oracle round and historical round lookup.
type OracleFeed interface {
	LatestRound(ctx context.Context) (types.PriceObservation, error)
	Round(ctx context.Context, roundID uint64) (types.PriceObservation, error)
}

// ChainlinkFeed polls a Chainlink aggregator over JSON-RPC.
type ChainlinkFeed struct {
	client   *ethclient.Client
	feedAddr common.Address
	decimals int

	mu      sync.RWMutex
	latest  types.PriceObservation
	buffer  []types.PriceObservation // bounded round history, newest last
	maxBuf  int
	running bool
	stopCh  chan struct{}

	subscribers []chan types.PriceObservation

	pollInterval time.Duration
}

// NewChainlinkFeed dials the RPC endpoint and returns a feed for one aggregator.
func NewChainlinkFeed(rpcURL, feedAddress string, decimals int, pollInterval time.Duration) (*ChainlinkFeed, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial oracle rpc: %w", err)
	}

	return &ChainlinkFeed{
		client:       client,
		feedAddr:     common.HexToAddress(feedAddress),
		decimals:     decimals,
		maxBuf:       1000,
		stopCh:       make(chan struct{}),
		pollInterval: pollInterval,
	}, nil
}

// Start begins polling the aggregator.
func (f *ChainlinkFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	f.mu.Unlock()

	// Initial fetch so consumers have a round immediately
	if _, err := f.LatestRound(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial oracle fetch failed, continuing anyway")
	}

	go f.pollLoop(ctx)

	log.Info().
		Str("feed", f.feedAddr.Hex()).
		Dur("interval", f.pollInterval).
		Msg("⛓️ Chainlink feed started")
	return nil
}

// Stop stops the polling loop.
func (f *ChainlinkFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
}

// Subscribe returns a channel receiving each new round.
func (f *ChainlinkFeed) Subscribe() <-chan types.PriceObservation {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan types.PriceObservation, 64)
	f.subscribers = append(f.subscribers, ch)
	return ch
}

func (f *ChainlinkFeed) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := f.LatestRound(ctx); err != nil {
				log.Debug().Err(err).Msg("Oracle poll failed")
			}
		}
	}
}

// LatestRound fetches latestRoundData and records the observation if the
// round advanced.
func (f *ChainlinkFeed) LatestRound(ctx context.Context) (types.PriceObservation, error) {
	obs, err := f.call(ctx, latestRoundDataSelector)
	if err != nil {
		return types.PriceObservation{}, err
	}

	f.mu.Lock()
	newRound := obs.RoundID != f.latest.RoundID
	f.latest = obs
	if newRound {
		f.buffer = append(f.buffer, obs)
		if len(f.buffer) > f.maxBuf {
			f.buffer = f.buffer[len(f.buffer)-f.maxBuf:]
		}
	}
	subs := f.subscribers
	f.mu.Unlock()

	if newRound {
		for _, ch := range subs {
			select {
			case ch <- obs:
			default: // slow consumer, drop
			}
		}
		log.Debug().
			Uint64("round", obs.RoundID).
			Str("price", obs.Price.StringFixed(2)).
			Msg("⛓️ Oracle round update")
	}

	return obs, nil
}

// Round fetches a historical round via getRoundData.
func (f *ChainlinkFeed) Round(ctx context.Context, roundID uint64) (types.PriceObservation, error) {
	// Serve from the local buffer when we have it
	f.mu.RLock()
	for i := len(f.buffer) - 1; i >= 0; i-- {
		if f.buffer[i].RoundID == roundID {
			obs := f.buffer[i]
			f.mu.RUnlock()
			return obs, nil
		}
	}
	f.mu.RUnlock()

	data := make([]byte, 0, 36)
	data = append(data, getRoundDataSelector...)
	data = append(data, common.LeftPadBytes(new(big.Int).SetUint64(roundID).Bytes(), 32)...)
	return f.callRaw(ctx, data)
}

// Latest returns the most recently seen observation without an RPC call.
func (f *ChainlinkFeed) Latest() types.PriceObservation {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.latest
}

func (f *ChainlinkFeed) call(ctx context.Context, selector []byte) (types.PriceObservation, error) {
	return f.callRaw(ctx, selector)
}

func (f *ChainlinkFeed) callRaw(ctx context.Context, data []byte) (types.PriceObservation, error) {
	result, err := f.client.CallContract(ctx, ethereum.CallMsg{
		To:   &f.feedAddr,
		Data: data,
	}, nil)
	if err != nil {
		return types.PriceObservation{}, fmt.Errorf("oracle call: %w", err)
	}
	return f.decodeRound(result)
}

// decodeRound parses the 5-word (roundId, answer, startedAt, updatedAt,
// answeredInRound) tuple.
func (f *ChainlinkFeed) decodeRound(result []byte) (types.PriceObservation, error) {
	if len(result) < 160 {
		return types.PriceObservation{}, fmt.Errorf("short round data: %d bytes", len(result))
	}

	roundID := new(big.Int).SetBytes(result[0:32]).Uint64()
	answer := twosComplement(result[32:64])
	updatedAt := new(big.Int).SetBytes(result[96:128]).Int64()
	answeredIn := new(big.Int).SetBytes(result[128:160]).Uint64()

	return types.PriceObservation{
		RoundID:         roundID,
		Price:           decimal.NewFromBigInt(answer, -int32(f.decimals)),
		UpdatedAt:       time.Unix(updatedAt, 0),
		AnsweredInRound: answeredIn,
	}, nil
}

// twosComplement interprets a 32-byte word as a signed int256.
func twosComplement(word []byte) *big.Int {
	v := new(big.Int).SetBytes(word)
	if word[0]&0x80 != 0 {
		max := new(big.Int).Lsh(big.NewInt(1), 256)
		v.Sub(v, max)
	}
	return v
}
