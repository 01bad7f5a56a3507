// Package storage persists a history of consolidated quotes and best
// bid/ask observations to SQLite for offline analysis.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/marketmux/marketmux/internal/marketdata"
)

// QuoteRecord is one polled quote observation.
type QuoteRecord struct {
	ID        uint   `gorm:"primaryKey"`
	Symbol    string `gorm:"index"`
	Bid       string
	Ask       string
	Last      string
	Volume    int64
	Timestamp time.Time `gorm:"index"`
}

// BookRecord is one best bid/ask observation from a stream update.
type BookRecord struct {
	ID         uint   `gorm:"primaryKey"`
	Provider   string `gorm:"index"`
	Instrument string `gorm:"index"`
	BestBid    int
	BestAsk    int
	Timestamp  time.Time `gorm:"index"`
}

// Store archives market-data observations in SQLite.
type Store struct {
	db *gorm.DB
}

// Open creates (or opens) the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	if err := db.AutoMigrate(&QuoteRecord{}, &BookRecord{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveQuotes archives one poll cycle's consolidated result.
func (s *Store) SaveQuotes(quotes map[string]marketdata.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	records := make([]QuoteRecord, 0, len(quotes))
	for _, q := range quotes {
		records = append(records, QuoteRecord{
			Symbol:    q.Symbol,
			Bid:       q.Bid.String(),
			Ask:       q.Ask.String(),
			Last:      q.Last.String(),
			Volume:    q.Volume,
			Timestamp: q.Timestamp,
		})
	}
	return s.db.Create(&records).Error
}

// SaveBookEvent archives one best bid/ask observation.
func (s *Store) SaveBookEvent(ev marketdata.Event) error {
	if ev.Kind != marketdata.EventUpdated {
		return nil
	}
	rec := BookRecord{
		Provider:   string(ev.Provider),
		Instrument: ev.Instrument,
		BestBid:    ev.BestBid,
		BestAsk:    ev.BestAsk,
		Timestamp:  ev.Timestamp,
	}
	return s.db.Create(&rec).Error
}

// RecentBooks returns the newest best bid/ask observations for instrument,
// most recent first.
func (s *Store) RecentBooks(instrument string, limit int) ([]BookRecord, error) {
	var records []BookRecord
	err := s.db.
		Where("instrument = ?", instrument).
		Order("timestamp desc").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// Prune deletes observations older than before.
func (s *Store) Prune(before time.Time) error {
	if err := s.db.Where("timestamp < ?", before).Delete(&QuoteRecord{}).Error; err != nil {
		return err
	}
	return s.db.Where("timestamp < ?", before).Delete(&BookRecord{}).Error
}
