package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/spikebot/internal/backoff"
	"github.com/web3guy0/spikebot/types"
)

type fakeAnalyzer struct{}

func (fakeAnalyzer) Analyze() types.AnalysisResult {
	return types.AnalysisResult{Trend: types.TrendNeutral}
}

type clusterRecord struct {
	symbol     string
	epoch      uint64
	status     types.ClusterStatus
	volatility float64
	failure    string
}

type memStore struct {
	mu        sync.Mutex
	processed map[string]bool
	records   []clusterRecord
}

func newMemStore() *memStore {
	return &memStore{processed: make(map[string]bool)}
}

func (s *memStore) HasProcessedEvent(fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed[fingerprint], nil
}

func (s *memStore) MarkEventProcessed(fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[fingerprint] = true
	return nil
}

func (s *memStore) RecordCluster(symbol string, epoch uint64, status types.ClusterStatus, volatility float64, up, down int, failure string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, clusterRecord{symbol, epoch, status, volatility, failure})
	return nil
}

func (s *memStore) lastRecord() (clusterRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return clusterRecord{}, false
	}
	return s.records[len(s.records)-1], true
}

func spike(symbol string, round uint64, prev, cur int64, at time.Time) types.SpikeEvent {
	p := decimal.NewFromInt(prev)
	c := decimal.NewFromInt(cur)
	return types.SpikeEvent{
		Symbol:        symbol,
		CurrentPrice:  c,
		PreviousPrice: p,
		ChangeBps:     types.ChangeBps(c, p),
		RoundID:       round,
		At:            at,
	}
}

func fastRetry(attempts int) backoff.Policy {
	return backoff.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestFinalizeOnMaxSize(t *testing.T) {
	handled := make(chan *Cluster, 1)
	d := New(Config{MaxClusterSize: 3, MaxGap: time.Hour, Retry: fastRetry(1)}, fakeAnalyzer{}, nil,
		func(ctx context.Context, c *Cluster, _ types.AnalysisResult) error {
			handled <- c
			return nil
		})
	defer d.Close()

	at := time.Now()
	d.OnSpike(spike("BTCUSD", 1, 50000, 53000, at))
	d.OnSpike(spike("BTCUSD", 2, 53000, 56000, at.Add(time.Second)))
	d.OnSpike(spike("BTCUSD", 3, 56000, 59500, at.Add(2*time.Second)))

	select {
	case c := <-handled:
		assert.Equal(t, "BTCUSD", c.Symbol)
		assert.Equal(t, uint64(1), c.Epoch)
		assert.Len(t, c.Events, 3)
		assert.Equal(t, at, c.WindowStart)
		assert.Equal(t, at.Add(2*time.Second), c.WindowEnd)
	case <-time.After(2 * time.Second):
		t.Fatal("cluster never finalized")
	}
}

func TestFlushFinalizesPartialCluster(t *testing.T) {
	handled := make(chan *Cluster, 1)
	d := New(Config{MaxClusterSize: 10, MaxGap: time.Hour, Retry: fastRetry(1)}, fakeAnalyzer{}, nil,
		func(ctx context.Context, c *Cluster, _ types.AnalysisResult) error {
			handled <- c
			return nil
		})
	defer d.Close()

	d.OnSpike(spike("BTCUSD", 1, 50000, 53000, time.Now()))
	d.Flush()

	select {
	case c := <-handled:
		assert.Len(t, c.Events, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not finalize")
	}
}

func TestAtMostOneInFlightPerSymbol(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var clusters []*Cluster

	d := New(Config{MaxClusterSize: 1, MaxGap: time.Hour, Retry: fastRetry(1)}, fakeAnalyzer{}, nil,
		func(ctx context.Context, c *Cluster, _ types.AnalysisResult) error {
			mu.Lock()
			clusters = append(clusters, c)
			first := len(clusters) == 1
			mu.Unlock()
			if first {
				<-release
			}
			return nil
		})
	defer d.Close()

	at := time.Now()
	d.OnSpike(spike("BTCUSD", 1, 50000, 53000, at))

	// Wait for the first handler call to start.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(clusters) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Events during processing accumulate in the next epoch instead of
	// spawning a second pipeline.
	d.OnSpike(spike("BTCUSD", 2, 53000, 56000, at.Add(time.Second)))
	d.OnSpike(spike("BTCUSD", 3, 56000, 59500, at.Add(2*time.Second)))

	mu.Lock()
	assert.Len(t, clusters, 1)
	mu.Unlock()

	close(release)

	// Completion picks up the accumulated buffer as epoch 2.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(clusters) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, uint64(1), clusters[0].Epoch)
	assert.Equal(t, uint64(2), clusters[1].Epoch)
	assert.Len(t, clusters[1].Events, 2)
}

func TestRetryExhaustionMarksClusterFailed(t *testing.T) {
	store := newMemStore()
	var calls int
	var mu sync.Mutex

	d := New(Config{MaxClusterSize: 1, MaxGap: time.Hour, Retry: fastRetry(3)}, fakeAnalyzer{}, store,
		func(ctx context.Context, c *Cluster, _ types.AnalysisResult) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return errors.New("downstream unavailable")
		})
	defer d.Close()

	d.OnSpike(spike("BTCUSD", 1, 50000, 53000, time.Now()))

	require.Eventually(t, func() bool {
		rec, ok := store.lastRecord()
		return ok && rec.status == types.ClusterFailed
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()

	rec, _ := store.lastRecord()
	assert.Contains(t, rec.failure, "downstream unavailable")

	// The symbol is not stuck: the next spike processes normally.
	d.OnSpike(spike("BTCUSD", 2, 53000, 56000, time.Now()))
	require.Eventually(t, func() bool {
		rec, ok := store.lastRecord()
		return ok && rec.epoch == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestProcessedEventsAreDeduped(t *testing.T) {
	store := newMemStore()
	handled := make(chan *Cluster, 2)

	d := New(Config{MaxClusterSize: 1, MaxGap: time.Hour, Retry: fastRetry(1)}, fakeAnalyzer{}, store,
		func(ctx context.Context, c *Cluster, _ types.AnalysisResult) error {
			handled <- c
			return nil
		})
	defer d.Close()

	ev := spike("BTCUSD", 1, 50000, 53000, time.Now())
	d.OnSpike(ev)

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("first event never processed")
	}

	// Replays of the same fingerprint are dropped.
	d.OnSpike(ev)
	d.Flush()

	select {
	case <-handled:
		t.Fatal("duplicate event was reprocessed")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSymbolsClusterIndependently(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)

	d := New(Config{MaxClusterSize: 2, MaxGap: time.Hour, Retry: fastRetry(1)}, fakeAnalyzer{}, nil,
		func(ctx context.Context, c *Cluster, _ types.AnalysisResult) error {
			mu.Lock()
			seen[c.Symbol] = len(c.Events)
			mu.Unlock()
			return nil
		})
	defer d.Close()

	at := time.Now()
	d.OnSpike(spike("BTCUSD", 1, 50000, 53000, at))
	d.OnSpike(spike("ETHUSD", 1, 2000, 2150, at))
	d.OnSpike(spike("BTCUSD", 2, 53000, 56000, at.Add(time.Second)))
	d.OnSpike(spike("ETHUSD", 2, 2150, 2300, at.Add(time.Second)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, seen["BTCUSD"])
	assert.Equal(t, 2, seen["ETHUSD"])
}

func TestClusterVolatility(t *testing.T) {
	at := time.Now()

	// Fewer than two measurable events: volatility is exactly zero.
	empty := &Cluster{Symbol: "BTCUSD"}
	assert.Zero(t, empty.Volatility())

	single := &Cluster{Symbol: "BTCUSD"}
	single.add(spike("BTCUSD", 1, 50000, 53000, at))
	assert.Zero(t, single.Volatility())

	// Zero-previous events carry no measurable change and are skipped.
	unmeasurable := &Cluster{Symbol: "BTCUSD"}
	unmeasurable.add(spike("BTCUSD", 1, 0, 50000, at))
	unmeasurable.add(spike("BTCUSD", 2, 50000, 53000, at))
	assert.Zero(t, unmeasurable.Volatility())

	// +6% and -6%: mean 0, stddev 6.
	c := &Cluster{Symbol: "BTCUSD"}
	c.add(spike("BTCUSD", 1, 50000, 53000, at))
	c.add(spike("BTCUSD", 2, 50000, 47000, at.Add(time.Second)))
	assert.InDelta(t, 6.0, c.Volatility(), 1e-9)

	up, down := c.DirectionCounts()
	assert.Equal(t, 1, up)
	assert.Equal(t, 1, down)
}

func TestClosedDispatcherDropsEvents(t *testing.T) {
	handled := make(chan *Cluster, 1)
	d := New(Config{MaxClusterSize: 1, MaxGap: time.Hour, Retry: fastRetry(1)}, fakeAnalyzer{}, nil,
		func(ctx context.Context, c *Cluster, _ types.AnalysisResult) error {
			handled <- c
			return nil
		})
	d.Close()

	d.OnSpike(spike("BTCUSD", 1, 50000, 53000, time.Now()))

	select {
	case <-handled:
		t.Fatal("closed dispatcher processed an event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFingerprintsPersistOnClusterCompletion(t *testing.T) {
	store := newMemStore()
	handled := make(chan *Cluster, 1)

	d := New(Config{MaxClusterSize: 2, MaxGap: time.Hour, Retry: fastRetry(1)}, fakeAnalyzer{}, store,
		func(ctx context.Context, c *Cluster, _ types.AnalysisResult) error {
			handled <- c
			return nil
		})
	defer d.Close()

	at := time.Now()
	first := spike("BTCUSD", 1, 50000, 53000, at)
	d.OnSpike(first)

	// Still buffered: a restart here must replay the spike, so its
	// fingerprint is not persisted yet.
	seen, err := store.HasProcessedEvent(first.Fingerprint())
	require.NoError(t, err)
	assert.False(t, seen)

	// Buffered duplicates are still dropped.
	d.OnSpike(first)

	second := spike("BTCUSD", 2, 53000, 56000, at.Add(time.Second))
	d.OnSpike(second)

	select {
	case c := <-handled:
		require.Len(t, c.Events, 2)
		assert.Equal(t, uint64(2), c.Events[1].RoundID)
	case <-time.After(2 * time.Second):
		t.Fatal("cluster never finalized")
	}

	require.Eventually(t, func() bool {
		s1, _ := store.HasProcessedEvent(first.Fingerprint())
		s2, _ := store.HasProcessedEvent(second.Fingerprint())
		return s1 && s2
	}, 2*time.Second, 5*time.Millisecond)
}
