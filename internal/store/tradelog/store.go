// Package tradelog persists the append-only trade ledger. Records are
// written once per completed position and never edited; day PnL and session
// statistics are recomputed from here rather than trusted counters.
package tradelog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"talon/internal/types"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type tradeModel struct {
	ID          uint   `gorm:"primaryKey"`
	PositionID  string `gorm:"size:64;uniqueIndex"`
	Symbol      string `gorm:"size:32;index"`
	Side        string `gorm:"size:8"`
	EntryPrice  float64
	ExitPrice   float64
	Quantity    float64
	Notional    float64
	RealizedPnL float64 `gorm:"column:realized_pnl"`
	ReturnPct   float64
	Reason      string `gorm:"size:64"`
	OpenedAt    time.Time
	ClosedAt    time.Time `gorm:"index"`
	Details     datatypes.JSON
	CreatedAt   time.Time
}

func (tradeModel) TableName() string { return "trades" }

// Store is the gorm-backed ledger.
type Store struct {
	db *gorm.DB
}

func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("trade ledger path cannot be empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&tradeModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One writer (the loop) plus occasional HTTP readers.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append writes a completed trade. Replaying the same position id is a
// silent no-op so a crash between close and ack cannot duplicate a record.
func (s *Store) Append(ctx context.Context, rec types.TradeRecord) error {
	details, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding trade record: %w", err)
	}
	m := tradeModel{
		PositionID:  rec.PositionID,
		Symbol:      rec.Symbol,
		Side:        string(rec.Side),
		EntryPrice:  rec.EntryPrice,
		ExitPrice:   rec.ExitPrice,
		Quantity:    rec.Quantity,
		Notional:    rec.Notional,
		RealizedPnL: rec.RealizedPnL,
		ReturnPct:   rec.ReturnPct,
		Reason:      rec.Reason,
		OpenedAt:    rec.OpenedAt,
		ClosedAt:    rec.ClosedAt,
		Details:     datatypes.JSON(details),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "position_id"}}, DoNothing: true}).
		Create(&m).Error
}

// ListAll returns the full ledger oldest-first.
func (s *Store) ListAll(ctx context.Context) ([]types.TradeRecord, error) {
	var models []tradeModel
	if err := s.db.WithContext(ctx).Order("closed_at asc, id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	return toRecords(models), nil
}

// ListSince returns trades closed at or after the given time, oldest-first.
func (s *Store) ListSince(ctx context.Context, since time.Time) ([]types.TradeRecord, error) {
	var models []tradeModel
	err := s.db.WithContext(ctx).
		Where("closed_at >= ?", since).
		Order("closed_at asc, id asc").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toRecords(models), nil
}

// RealizedSince sums realized PnL for trades closed at or after since. Used
// to rebuild the daily budget after a restart.
func (s *Store) RealizedSince(ctx context.Context, since time.Time) (pnl float64, trades int, err error) {
	row := struct {
		Total float64
		N     int
	}{}
	err = s.db.WithContext(ctx).Model(&tradeModel{}).
		Select("COALESCE(SUM(realized_pnl),0) as total, COUNT(*) as n").
		Where("closed_at >= ?", since).
		Scan(&row).Error
	if err != nil {
		return 0, 0, err
	}
	return row.Total, row.N, nil
}

// Stats summarizes the whole ledger.
type Stats struct {
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	WinRate  float64 `json:"win_rate"`
	TotalPnL float64 `json:"total_pnl"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var models []tradeModel
	if err := s.db.WithContext(ctx).Find(&models).Error; err != nil {
		return Stats{}, err
	}
	st := Stats{}
	for _, m := range models {
		st.Trades++
		st.TotalPnL += m.RealizedPnL
		if m.RealizedPnL > 0 {
			st.Wins++
		} else if m.RealizedPnL < 0 {
			st.Losses++
		}
	}
	if st.Trades > 0 {
		st.WinRate = float64(st.Wins) / float64(st.Trades)
	}
	return st, nil
}

func toRecords(models []tradeModel) []types.TradeRecord {
	out := make([]types.TradeRecord, 0, len(models))
	for _, m := range models {
		out = append(out, types.TradeRecord{
			PositionID:  m.PositionID,
			Symbol:      m.Symbol,
			Side:        types.Side(m.Side),
			EntryPrice:  m.EntryPrice,
			ExitPrice:   m.ExitPrice,
			Quantity:    m.Quantity,
			Notional:    m.Notional,
			RealizedPnL: m.RealizedPnL,
			ReturnPct:   m.ReturnPct,
			Reason:      m.Reason,
			OpenedAt:    m.OpenedAt,
			ClosedAt:    m.ClosedAt,
		})
	}
	return out
}
