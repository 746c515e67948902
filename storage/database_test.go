package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/spikebot/types"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestSpikeRoundTrip(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.SaveSpike(types.SpikeEvent{
		Symbol:        "BTCUSD",
		CurrentPrice:  decimal.NewFromInt(53000),
		PreviousPrice: decimal.NewFromInt(50000),
		ChangeBps:     600,
		RoundID:       42,
		At:            time.Now(),
	}))

	spikes, err := db.GetRecentSpikes("BTCUSD", 10)
	require.NoError(t, err)
	require.Len(t, spikes, 1)
	assert.Equal(t, uint64(600), spikes[0].ChangeBps)
	assert.Equal(t, uint64(42), spikes[0].RoundID)

	other, err := db.GetRecentSpikes("ETHUSD", 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestProcessedEventDedup(t *testing.T) {
	db := newTestDB(t)

	seen, err := db.HasProcessedEvent("BTCUSD:42:1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, db.MarkEventProcessed("BTCUSD:42:1"))
	// Marking twice is idempotent.
	require.NoError(t, db.MarkEventProcessed("BTCUSD:42:1"))

	seen, err = db.HasProcessedEvent("BTCUSD:42:1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestClusterRecordUpsert(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.RecordCluster("BTCUSD", 1, types.ClusterPending, 0, 0, 0, ""))
	require.NoError(t, db.RecordCluster("BTCUSD", 1, types.ClusterFailed, 2.5, 2, 1, "downstream unavailable"))
	require.NoError(t, db.RecordCluster("BTCUSD", 2, types.ClusterCompleted, 1.0, 1, 0, ""))

	clusters, err := db.GetClusters("BTCUSD", 10)
	require.NoError(t, err)
	require.Len(t, clusters, 2)

	byEpoch := map[uint64]ClusterRecord{}
	for _, c := range clusters {
		byEpoch[c.Epoch] = c
	}
	assert.Equal(t, string(types.ClusterFailed), byEpoch[1].Status)
	assert.Equal(t, "downstream unavailable", byEpoch[1].Failure)
	assert.Equal(t, string(types.ClusterCompleted), byEpoch[2].Status)
}

func TestPositionArchive(t *testing.T) {
	db := newTestDB(t)

	var posID common.Hash
	posID[31] = 1
	pos := types.Position{
		ID:            posID,
		Trader:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Symbol:        "ETHUSD",
		IsLong:        true,
		Amount:        decimal.NewFromInt(100),
		EntryPrice:    decimal.NewFromInt(2000),
		StopLossBps:   500,
		TakeProfitBps: 1000,
		CreatedAt:     time.Now(),
		Status:        types.StatusOpen,
	}
	require.NoError(t, db.SaveOpenedPosition(pos))

	require.NoError(t, db.SaveClosedPosition(pos, "SL-LONG",
		decimal.NewFromInt(95), decimal.NewFromInt(1898)))

	records, err := db.GetRecentPositions(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, string(types.StatusClosed), records[0].Status)
	assert.Equal(t, "SL-LONG", records[0].CloseReason)
	require.NotNil(t, records[0].ClosedAt)

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["positions_closed"])
}
