// Package session persists the small amount of loop state that must
// survive a restart: current capital, the day budget counters and the
// cooldown anchor. Open positions are not stored here; the exchange is the
// source of truth for those and they are re-adopted on startup.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_state (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	day_start     TEXT NOT NULL,
	capital       REAL NOT NULL,
	realized_today REAL NOT NULL,
	trades_today  INTEGER NOT NULL,
	last_loss     TEXT NOT NULL DEFAULT '',
	updated_at    TEXT NOT NULL
);`

// Snapshot is the persisted slice of loop state.
type Snapshot struct {
	DayStart      time.Time
	Capital       float64
	RealizedToday float64
	TradesToday   int
	LastLoss      time.Time // zero when no cooldown is armed
	UpdatedAt     time.Time
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("session store path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing session store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save replaces the single persisted row.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	lastLoss := ""
	if !snap.LastLoss.IsZero() {
		lastLoss = snap.LastLoss.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_state (id, day_start, capital, realized_today, trades_today, last_loss, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			day_start = excluded.day_start,
			capital = excluded.capital,
			realized_today = excluded.realized_today,
			trades_today = excluded.trades_today,
			last_loss = excluded.last_loss,
			updated_at = excluded.updated_at`,
		snap.DayStart.UTC().Format(time.RFC3339Nano),
		snap.Capital,
		snap.RealizedToday,
		snap.TradesToday,
		lastLoss,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Load returns the persisted snapshot, or ok=false when none was saved yet.
func (s *Store) Load(ctx context.Context) (Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT day_start, capital, realized_today, trades_today, last_loss, updated_at
		 FROM session_state WHERE id = 1`)
	var dayStart, lastLoss, updatedAt string
	var snap Snapshot
	err := row.Scan(&dayStart, &snap.Capital, &snap.RealizedToday, &snap.TradesToday, &lastLoss, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	if snap.DayStart, err = time.Parse(time.RFC3339Nano, dayStart); err != nil {
		return Snapshot{}, false, fmt.Errorf("corrupt day_start %q: %w", dayStart, err)
	}
	if lastLoss != "" {
		if snap.LastLoss, err = time.Parse(time.RFC3339Nano, lastLoss); err != nil {
			return Snapshot{}, false, fmt.Errorf("corrupt last_loss %q: %w", lastLoss, err)
		}
	}
	if snap.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Snapshot{}, false, fmt.Errorf("corrupt updated_at %q: %w", updatedAt, err)
	}
	return snap, true, nil
}
