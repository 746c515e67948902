package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spikebot/internal/backoff"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VOLUME FEED - Binance trade stream
// ═══════════════════════════════════════════════════════════════════════════════
//
// Supplies the optional volume series consumed by the price model's volume
// confirmation. Trades are bucketed into fixed intervals; the model reads a
// rolling window of bucket totals.
//
// ═══════════════════════════════════════════════════════════════════════════════

const volumeBucket = 10 * time.Second

// tradeMessage is the Binance trade stream payload. Decoded strictly once at
// the boundary; anything that fails to parse is dropped.
type tradeMessage struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

// VolumePoint is one bucket of aggregated trade volume.
type VolumePoint struct {
	Volume decimal.Decimal
	At     time.Time
}

// VolumeFeed streams trades over websocket and aggregates volume buckets.
type VolumeFeed struct {
	streamURL string
	symbol    string

	mu      sync.RWMutex
	points  []VolumePoint // newest last
	maxPts  int
	current VolumePoint
	running bool
	stopCh  chan struct{}

	reconnect backoff.Policy
}

// NewVolumeFeed creates a feed for one exchange symbol ("btcusdt").
func NewVolumeFeed(streamURL, symbol string, reconnect backoff.Policy) *VolumeFeed {
	return &VolumeFeed{
		streamURL: streamURL,
		symbol:    symbol,
		maxPts:    512,
		stopCh:    make(chan struct{}),
		reconnect: reconnect,
	}
}

// Start connects and begins streaming. Reconnects run under the configured
// backoff policy; the supervising goroutine exits cleanly on ctx cancellation.
func (f *VolumeFeed) Start(ctx context.Context) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.current = VolumePoint{At: time.Now().Truncate(volumeBucket)}
	f.mu.Unlock()

	go f.supervise(ctx)
	log.Info().Str("symbol", f.symbol).Msg("📊 Volume feed started")
}

// Stop closes the feed.
func (f *VolumeFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
}

func (f *VolumeFeed) supervise(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		default:
		}

		err := f.reconnect.Run(ctx, func(ctx context.Context) error {
			return f.streamOnce(ctx)
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Volume stream retries exhausted, backing off")
			select {
			case <-time.After(f.reconnect.MaxDelay):
			case <-ctx.Done():
				return
			case <-f.stopCh:
				return
			}
		}
	}
}

// streamOnce dials the trade stream and reads until error or shutdown.
func (f *VolumeFeed) streamOnce(ctx context.Context) error {
	url := fmt.Sprintf("%s/%s@trade", f.streamURL, f.symbol)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	defer conn.Close()

	log.Info().Str("url", url).Msg("🔌 Volume stream connected")

	// Unblock ReadMessage on shutdown
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-f.stopCh:
		case <-done:
		}
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.stopCh:
				return backoff.Permanent{Err: err}
			default:
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		f.handleMessage(message)
	}
}

func (f *VolumeFeed) handleMessage(data []byte) {
	var msg tradeMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.EventType != "trade" {
		return
	}

	qty, err := decimal.NewFromString(msg.Quantity)
	if err != nil {
		return
	}

	at := time.UnixMilli(msg.TradeTime)

	f.mu.Lock()
	defer f.mu.Unlock()

	bucket := at.Truncate(volumeBucket)
	if bucket.After(f.current.At) {
		if !f.current.Volume.IsZero() {
			f.points = append(f.points, f.current)
			if len(f.points) > f.maxPts {
				f.points = f.points[len(f.points)-f.maxPts:]
			}
		}
		f.current = VolumePoint{At: bucket}
	}
	f.current.Volume = f.current.Volume.Add(qty)
}

// Window returns up to n most recent completed volume buckets, oldest first.
func (f *VolumeFeed) Window(n int) []VolumePoint {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if n > len(f.points) {
		n = len(f.points)
	}
	out := make([]VolumePoint, n)
	copy(out, f.points[len(f.points)-n:])
	return out
}
