// Package types holds the core domain values shared across the engine:
// signals coming in, positions being tracked, and trade records going out.
package types

import "time"

// Side is the direction of a signal or position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
	SideFlat  Side = "flat"
)

// Opposite returns the reversed direction. Flat stays flat.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

// Signal is a directional trading suggestion produced by an external model.
// It is immutable once received.
type Signal struct {
	Direction  Side      `json:"direction"`
	Confidence float64   `json:"confidence"` // [0,1]
	Timestamp  time.Time `json:"timestamp"`
	RefPrice   float64   `json:"ref_price"`
}

// Actionable reports whether the signal asks for a new entry at all.
func (s Signal) Actionable() bool {
	return s.Direction == SideLong || s.Direction == SideShort
}

// PositionStatus tracks a position through its exchange lifecycle.
type PositionStatus string

const (
	StatusOpening PositionStatus = "opening"
	StatusOpen    PositionStatus = "open"
	StatusClosing PositionStatus = "closing"
	StatusClosed  PositionStatus = "closed"
)

// Position is an open exchange exposure tracked locally. A position never
// exists without a corresponding exchange-side order reference (OrderRef).
type Position struct {
	ID            string         `json:"id"`
	Symbol        string         `json:"symbol"`
	Side          Side           `json:"side"`
	EntryPrice    float64        `json:"entry_price"`
	Quantity      float64        `json:"quantity"`
	Notional      float64        `json:"notional"`
	StopLoss      float64        `json:"stop_loss"`
	TakeProfit    float64        `json:"take_profit"`
	OpenedAt      time.Time      `json:"opened_at"`
	Status        PositionStatus `json:"status"`
	OrderRef      string         `json:"order_ref"`
	CurrentPrice  float64        `json:"current_price,omitempty"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
}

// UnrealizedAt computes the mark-to-market PnL at the given price.
func (p Position) UnrealizedAt(price float64) float64 {
	if price <= 0 || p.EntryPrice <= 0 {
		return 0
	}
	switch p.Side {
	case SideLong:
		return (price - p.EntryPrice) * p.Quantity
	case SideShort:
		return (p.EntryPrice - price) * p.Quantity
	default:
		return 0
	}
}

// TradeRecord is an append-only ledger entry written once per completed
// position and never edited in place.
type TradeRecord struct {
	PositionID  string    `json:"position_id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	Quantity    float64   `json:"quantity"`
	Notional    float64   `json:"notional"`
	RealizedPnL float64   `json:"realized_pnl"`
	ReturnPct   float64   `json:"return_pct"`
	Reason      string    `json:"reason"`
	OpenedAt    time.Time `json:"opened_at"`
	ClosedAt    time.Time `json:"closed_at"`
}
