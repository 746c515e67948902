package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/spikebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Persistence layer
// ═══════════════════════════════════════════════════════════════════════════════
//
// Persists spike events, cluster outcomes, position history and the
// processed-event fingerprints that keep a restart from reprocessing
// already-handled spikes.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Database struct {
	db *gorm.DB
}

// Models

// SpikeRecord is one emitted spike event.
type SpikeRecord struct {
	ID            uint            `gorm:"primaryKey;autoIncrement"`
	Symbol        string          `gorm:"index"`
	CurrentPrice  decimal.Decimal `gorm:"type:decimal(30,10)"`
	PreviousPrice decimal.Decimal `gorm:"type:decimal(30,10)"`
	ChangeBps     uint64
	RoundID       uint64
	At            time.Time
	CreatedAt     time.Time
}

// ClusterRecord tracks a finalized cluster through the decision path.
type ClusterRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Symbol     string `gorm:"index:idx_cluster_identity"`
	Epoch      uint64 `gorm:"index:idx_cluster_identity"`
	Status     string `gorm:"index"`
	Volatility float64
	UpMoves    int
	DownMoves  int
	Failure    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PositionRecord is the position history archive.
type PositionRecord struct {
	ID            string `gorm:"primaryKey"` // 32-byte hash, hex
	Trader        string `gorm:"index"`
	Symbol        string `gorm:"index"`
	IsLong        bool
	Amount        decimal.Decimal `gorm:"type:decimal(30,10)"`
	EntryPrice    decimal.Decimal `gorm:"type:decimal(30,10)"`
	StopLossBps   uint32
	TakeProfitBps uint32
	Status        string `gorm:"index"`
	CloseReason   string
	AmountOut     decimal.Decimal `gorm:"type:decimal(30,10)"`
	ExitPrice     decimal.Decimal `gorm:"type:decimal(30,10)"`
	OpenedAt      time.Time
	ClosedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProcessedEvent stores a handled spike fingerprint for restart dedup.
type ProcessedEvent struct {
	Fingerprint string `gorm:"primaryKey"`
	CreatedAt   time.Time
}

// New opens a database. postgres:// URLs use the postgres driver, anything
// else is treated as a SQLite path.
func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&SpikeRecord{}, &ClusterRecord{}, &PositionRecord{}, &ProcessedEvent{}); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// Spike operations

func (d *Database) SaveSpike(e types.SpikeEvent) error {
	return d.db.Create(&SpikeRecord{
		Symbol:        e.Symbol,
		CurrentPrice:  e.CurrentPrice,
		PreviousPrice: e.PreviousPrice,
		ChangeBps:     e.ChangeBps,
		RoundID:       e.RoundID,
		At:            e.At,
	}).Error
}

func (d *Database) GetRecentSpikes(symbol string, limit int) ([]SpikeRecord, error) {
	var spikes []SpikeRecord
	err := d.db.Where("symbol = ?", symbol).Order("at DESC").Limit(limit).Find(&spikes).Error
	return spikes, err
}

// Cluster operations (dispatcher.Store)

func (d *Database) HasProcessedEvent(fingerprint string) (bool, error) {
	var count int64
	err := d.db.Model(&ProcessedEvent{}).Where("fingerprint = ?", fingerprint).Count(&count).Error
	return count > 0, err
}

func (d *Database) MarkEventProcessed(fingerprint string) error {
	return d.db.FirstOrCreate(&ProcessedEvent{}, ProcessedEvent{Fingerprint: fingerprint}).Error
}

func (d *Database) RecordCluster(symbol string, epoch uint64, status types.ClusterStatus,
	volatility float64, up, down int, failure string) error {

	var rec ClusterRecord
	err := d.db.Where("symbol = ? AND epoch = ?", symbol, epoch).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return d.db.Create(&ClusterRecord{
			Symbol:     symbol,
			Epoch:      epoch,
			Status:     string(status),
			Volatility: volatility,
			UpMoves:    up,
			DownMoves:  down,
			Failure:    failure,
		}).Error
	}
	if err != nil {
		return err
	}

	rec.Status = string(status)
	rec.Volatility = volatility
	rec.UpMoves = up
	rec.DownMoves = down
	rec.Failure = failure
	return d.db.Save(&rec).Error
}

func (d *Database) GetClusters(symbol string, limit int) ([]ClusterRecord, error) {
	var clusters []ClusterRecord
	err := d.db.Where("symbol = ?", symbol).Order("created_at DESC").Limit(limit).Find(&clusters).Error
	return clusters, err
}

// Position operations (positions.Archive)

func (d *Database) SaveOpenedPosition(p types.Position) error {
	return d.db.Create(&PositionRecord{
		ID:            p.ID.Hex(),
		Trader:        p.Trader.Hex(),
		Symbol:        p.Symbol,
		IsLong:        p.IsLong,
		Amount:        p.Amount,
		EntryPrice:    p.EntryPrice,
		StopLossBps:   p.StopLossBps,
		TakeProfitBps: p.TakeProfitBps,
		Status:        string(types.StatusOpen),
		OpenedAt:      p.CreatedAt,
	}).Error
}

func (d *Database) SaveClosedPosition(p types.Position, reason string, amountOut, exitPrice decimal.Decimal) error {
	now := time.Now()
	return d.db.Model(&PositionRecord{}).Where("id = ?", p.ID.Hex()).Updates(map[string]interface{}{
		"status":       string(types.StatusClosed),
		"close_reason": reason,
		"amount_out":   amountOut,
		"exit_price":   exitPrice,
		"closed_at":    &now,
	}).Error
}

func (d *Database) GetRecentPositions(limit int) ([]PositionRecord, error) {
	var records []PositionRecord
	err := d.db.Order("opened_at DESC").Limit(limit).Find(&records).Error
	return records, err
}

// Stats returns aggregate counters for the status report.
func (d *Database) Stats() (map[string]int64, error) {
	stats := make(map[string]int64)

	var spikes int64
	d.db.Model(&SpikeRecord{}).Count(&spikes)
	stats["spikes"] = spikes

	var clusters int64
	d.db.Model(&ClusterRecord{}).Count(&clusters)
	stats["clusters"] = clusters

	var failed int64
	d.db.Model(&ClusterRecord{}).Where("status = ?", string(types.ClusterFailed)).Count(&failed)
	stats["clusters_failed"] = failed

	var closed int64
	d.db.Model(&PositionRecord{}).Where("status = ?", string(types.StatusClosed)).Count(&closed)
	stats["positions_closed"] = closed

	return stats, nil
}

// Close closes the underlying connection.
func (d *Database) Close() {
	if sqlDB, err := d.db.DB(); err == nil {
		sqlDB.Close()
	}
}
