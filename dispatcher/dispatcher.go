package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/spikebot/internal/backoff"
	"github.com/web3guy0/spikebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CLUSTERING DISPATCHER - Off-chain spike event consumer
// ═══════════════════════════════════════════════════════════════════════════════
//
// One mutable cluster buffer per symbol, lazily initialized. Each incoming
// spike appends to its symbol's cluster; a cluster finalizes on max size or
// on an inactivity gap. The (symbol, epoch) fingerprint guarantees at most
// one in-flight downstream decision per symbol: events arriving while a
// cluster is processing land in the next epoch's buffer instead of spawning
// a parallel pipeline.
//
// Downstream failures are retried under a bounded backoff policy; after
// exhaustion the cluster is marked failed and the in-flight flag is cleared
// so the symbol can never get stuck.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Handler receives a finalized cluster together with the latest analysis.
// Called exactly once per cluster cycle (retries excluded).
type Handler func(ctx context.Context, c *Cluster, analysis types.AnalysisResult) error

// Analyzer produces the analysis snapshot handed to the handler.
type Analyzer interface {
	Analyze() types.AnalysisResult
}

// Store persists processed-event fingerprints (restart dedup) and cluster
// outcomes for observability. Fingerprints are written once their cluster
// has run, so a crash mid-buffer replays the pending spikes on restart.
type Store interface {
	HasProcessedEvent(fingerprint string) (bool, error)
	MarkEventProcessed(fingerprint string) error
	RecordCluster(symbol string, epoch uint64, status types.ClusterStatus, volatility float64, up, down int, failure string) error
}

// Config controls clustering behavior.
type Config struct {
	MaxClusterSize int
	MaxGap         time.Duration
	Retry          backoff.Policy
}

type clusterState struct {
	cluster  *Cluster
	inflight bool
	gapTimer *time.Timer
}

// Dispatcher clusters spike events and drives the decision path.
type Dispatcher struct {
	cfg      Config
	handler  Handler
	analyzer Analyzer
	store    Store

	mu       sync.Mutex
	clusters map[string]*clusterState
	pending  map[string]bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New creates a dispatcher. store may be nil (no persistence, no restart dedup).
func New(cfg Config, analyzer Analyzer, store Store, handler Handler) *Dispatcher {
	if cfg.MaxClusterSize < 1 {
		cfg.MaxClusterSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		handler:  handler,
		analyzer: analyzer,
		store:    store,
		clusters: make(map[string]*clusterState),
		pending:  make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
}

// OnSpike ingests one spike event. Already-processed events (persisted
// fingerprints) are dropped so a restart does not reprocess handled spikes;
// events still buffered or in flight are deduped in memory until their
// cluster completes and the fingerprints are persisted.
func (d *Dispatcher) OnSpike(event types.SpikeEvent) {
	fp := event.Fingerprint()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if d.pending[fp] {
		d.mu.Unlock()
		log.Debug().Str("fingerprint", fp).Msg("Spike already buffered, skipping")
		return
	}
	if d.store != nil {
		seen, err := d.store.HasProcessedEvent(fp)
		if err != nil {
			log.Warn().Err(err).Msg("Processed-event lookup failed, continuing")
		} else if seen {
			d.mu.Unlock()
			log.Debug().Str("fingerprint", fp).Msg("Spike already processed, skipping")
			return
		}
	}
	d.pending[fp] = true

	state := d.stateFor(event.Symbol)
	state.cluster.add(event)

	log.Debug().
		Str("symbol", event.Symbol).
		Uint64("epoch", state.cluster.Epoch).
		Int("size", len(state.cluster.Events)).
		Msg("Spike appended to cluster")

	// While processing is in flight, events just accumulate in the next
	// epoch's buffer; finalize evaluation resumes when it completes.
	if state.inflight {
		d.mu.Unlock()
		return
	}

	if len(state.cluster.Events) >= d.cfg.MaxClusterSize {
		d.beginProcessingLocked(event.Symbol, state)
		d.mu.Unlock()
		return
	}

	d.armGapTimerLocked(event.Symbol, state)
	d.mu.Unlock()
}

// stateFor lazily initializes the cluster buffer for a symbol.
// Caller holds d.mu.
func (d *Dispatcher) stateFor(symbol string) *clusterState {
	state, ok := d.clusters[symbol]
	if !ok {
		state = &clusterState{cluster: &Cluster{Symbol: symbol, Epoch: 1}}
		d.clusters[symbol] = state
	}
	return state
}

// armGapTimerLocked (re)starts the inactivity timer for a symbol.
// Caller holds d.mu.
func (d *Dispatcher) armGapTimerLocked(symbol string, state *clusterState) {
	if d.cfg.MaxGap <= 0 {
		return
	}
	if state.gapTimer != nil {
		state.gapTimer.Stop()
	}
	epoch := state.cluster.Epoch
	state.gapTimer = time.AfterFunc(d.cfg.MaxGap, func() {
		d.finalizeOnGap(symbol, epoch)
	})
}

func (d *Dispatcher) finalizeOnGap(symbol string, epoch uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, ok := d.clusters[symbol]
	if !ok || d.closed {
		return
	}
	// The timer may fire after the cluster it was armed for already closed.
	if state.inflight || state.cluster.Epoch != epoch || len(state.cluster.Events) == 0 {
		return
	}
	d.beginProcessingLocked(symbol, state)
}

// beginProcessingLocked snapshots the current cluster, starts processing it,
// and opens the next epoch's buffer. Caller holds d.mu.
func (d *Dispatcher) beginProcessingLocked(symbol string, state *clusterState) {
	finalized := state.cluster
	state.cluster = &Cluster{Symbol: symbol, Epoch: finalized.Epoch + 1}
	state.inflight = true
	if state.gapTimer != nil {
		state.gapTimer.Stop()
		state.gapTimer = nil
	}

	if d.store != nil {
		up, down := finalized.DirectionCounts()
		if err := d.store.RecordCluster(symbol, finalized.Epoch, types.ClusterPending,
			finalized.Volatility(), up, down, ""); err != nil {
			log.Warn().Err(err).Msg("Failed to record pending cluster")
		}
	}

	d.wg.Add(1)
	go d.process(finalized)
}

// process runs the downstream decision path for one finalized cluster.
func (d *Dispatcher) process(c *Cluster) {
	defer d.wg.Done()

	up, down := c.DirectionCounts()
	vol := c.Volatility()

	log.Info().
		Str("cluster", c.Fingerprint()).
		Int("events", len(c.Events)).
		Float64("volatility", vol).
		Int("up", up).
		Int("down", down).
		Msg("📦 Cluster finalized")

	analysis := d.analyzer.Analyze()

	err := d.cfg.Retry.Run(d.ctx, func(ctx context.Context) error {
		return d.handler(ctx, c, analysis)
	})

	status := types.ClusterCompleted
	failure := ""
	if err != nil {
		status = types.ClusterFailed
		failure = err.Error()
		log.Error().
			Err(err).
			Str("cluster", c.Fingerprint()).
			Msg("Cluster processing failed after retries")
	} else {
		log.Info().Str("cluster", c.Fingerprint()).Msg("✅ Cluster processed")
	}

	if d.store != nil {
		if serr := d.store.RecordCluster(c.Symbol, c.Epoch, status, vol, up, down, failure); serr != nil {
			log.Warn().Err(serr).Msg("Failed to record cluster outcome")
		}
		// The cluster has run to an outcome, so its spikes count as handled
		// across restarts from here on.
		for _, ev := range c.Events {
			if merr := d.store.MarkEventProcessed(ev.Fingerprint()); merr != nil {
				log.Warn().Err(merr).Msg("Failed to persist event fingerprint")
			}
		}
	}

	// Clear the in-flight flag regardless of outcome so the symbol never
	// gets stuck, then pick up anything that accumulated meanwhile.
	d.mu.Lock()
	for _, ev := range c.Events {
		delete(d.pending, ev.Fingerprint())
	}
	state, ok := d.clusters[c.Symbol]
	if ok {
		state.inflight = false
		if !d.closed && len(state.cluster.Events) > 0 {
			if len(state.cluster.Events) >= d.cfg.MaxClusterSize {
				d.beginProcessingLocked(c.Symbol, state)
			} else {
				d.armGapTimerLocked(c.Symbol, state)
			}
		}
	}
	d.mu.Unlock()
}

// Flush finalizes any non-empty idle cluster immediately. Mainly for tests
// and shutdown.
func (d *Dispatcher) Flush() {
	d.mu.Lock()
	for symbol, state := range d.clusters {
		if !state.inflight && len(state.cluster.Events) > 0 {
			d.beginProcessingLocked(symbol, state)
		}
	}
	d.mu.Unlock()
}

// Close cancels pending retries and waits for in-flight processing to settle.
// Committed state is never rolled back.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	for _, state := range d.clusters {
		if state.gapTimer != nil {
			state.gapTimer.Stop()
			state.gapTimer = nil
		}
	}
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}
