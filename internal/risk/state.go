package risk

import (
	"sort"
	"time"

	"talon/internal/types"
)

// State holds the mutable session risk state: capital, today's realized PnL,
// cooldown anchor and the open-position registry. It is owned by the session
// loop and mutated only from the loop goroutine, so it carries no lock.
// Observers get immutable copies via Snapshot.
type State struct {
	initialCapital float64
	currentCapital float64
	peakCapital    float64

	realizedToday float64
	tradesToday   int
	dayStart      time.Time
	lastLoss      time.Time

	open map[string]types.Position
}

// NewState seeds a fresh session state at the UTC start of now's day.
func NewState(initialCapital float64, now time.Time) *State {
	return &State{
		initialCapital: initialCapital,
		currentCapital: initialCapital,
		peakCapital:    initialCapital,
		dayStart:       dayStartUTC(now),
		open:           make(map[string]types.Position),
	}
}

func dayStartUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func sameUTCDay(a, b time.Time) bool {
	au, bu := a.UTC(), b.UTC()
	return au.Year() == bu.Year() && au.YearDay() == bu.YearDay()
}

// RolloverIfNeeded resets the daily counters when now has crossed into a new
// UTC calendar day. Called once per cycle at loop entry; returns true when a
// rollover happened.
func (s *State) RolloverIfNeeded(now time.Time) bool {
	if sameUTCDay(s.dayStart, now) {
		return false
	}
	s.realizedToday = 0
	s.tradesToday = 0
	s.dayStart = dayStartUTC(now)
	return true
}

// AddPosition registers a freshly opened position.
func (s *State) AddPosition(p types.Position) {
	s.open[p.ID] = p
}

// UpdatePosition replaces the stored copy (trailing-stop adjustments,
// mark-price refreshes).
func (s *State) UpdatePosition(p types.Position) {
	if _, ok := s.open[p.ID]; ok {
		s.open[p.ID] = p
	}
}

// Position returns the tracked position by id.
func (s *State) Position(id string) (types.Position, bool) {
	p, ok := s.open[id]
	return p, ok
}

// OpenCount reports how many positions are currently tracked.
func (s *State) OpenCount() int { return len(s.open) }

// OpenPositions returns the open set ordered by open time for deterministic
// monitoring sweeps.
func (s *State) OpenPositions() []types.Position {
	out := make([]types.Position, 0, len(s.open))
	for _, p := range s.open {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// ApplyClose settles a completed trade: removes the position, books the
// realized PnL into capital and the daily counter, and arms the cooldown on
// a losing close.
func (s *State) ApplyClose(rec types.TradeRecord) {
	delete(s.open, rec.PositionID)
	s.realizedToday += rec.RealizedPnL
	s.currentCapital += rec.RealizedPnL
	s.tradesToday++
	if s.currentCapital > s.peakCapital {
		s.peakCapital = s.currentCapital
	}
	if rec.RealizedPnL < 0 {
		s.lastLoss = rec.ClosedAt
	}
}

// Equity is current capital plus unrealized PnL of the open set.
func (s *State) Equity() float64 {
	eq := s.currentCapital
	for _, p := range s.open {
		eq += p.UnrealizedPnL
	}
	return eq
}

func (s *State) InitialCapital() float64 { return s.initialCapital }
func (s *State) CurrentCapital() float64 { return s.currentCapital }
func (s *State) RealizedToday() float64  { return s.realizedToday }
func (s *State) TradesToday() int        { return s.tradesToday }
func (s *State) DayStart() time.Time     { return s.dayStart }
func (s *State) LastLoss() time.Time     { return s.lastLoss }

// Restore overlays persisted day counters after a restart so a process
// bounce cannot reset the daily loss budget.
func (s *State) Restore(capital, realizedToday float64, tradesToday int, dayStart, lastLoss time.Time) {
	if capital > 0 {
		s.currentCapital = capital
		if capital > s.peakCapital {
			s.peakCapital = capital
		}
	}
	s.realizedToday = realizedToday
	s.tradesToday = tradesToday
	if !dayStart.IsZero() {
		s.dayStart = dayStartUTC(dayStart)
	}
	s.lastLoss = lastLoss
}

// RecomputeCapital rebuilds current capital from the trade ledger. The live
// field must always equal initial capital plus the ledger sum; the invariant
// check lives with the state so the engine can assert it between cycles.
func (s *State) RecomputeCapital(ledger []types.TradeRecord) float64 {
	capital := s.initialCapital
	for _, rec := range ledger {
		capital += rec.RealizedPnL
	}
	return capital
}

// Snapshot is an immutable copy of the risk state published to observers
// (HTTP API, notifier, metrics). Readers never block the loop and never
// mutate the copy.
type Snapshot struct {
	Timestamp      time.Time        `json:"timestamp"`
	InitialCapital float64          `json:"initial_capital"`
	CurrentCapital float64          `json:"current_capital"`
	PeakCapital    float64          `json:"peak_capital"`
	Equity         float64          `json:"equity"`
	RealizedToday  float64          `json:"realized_today"`
	TradesToday    int              `json:"trades_today"`
	DayStart       time.Time        `json:"day_start"`
	LastLoss       time.Time        `json:"last_loss,omitempty"`
	OpenPositions  []types.Position `json:"open_positions"`
}

// Snapshot copies the current state.
func (s *State) Snapshot(now time.Time) Snapshot {
	return Snapshot{
		Timestamp:      now,
		InitialCapital: s.initialCapital,
		CurrentCapital: s.currentCapital,
		PeakCapital:    s.peakCapital,
		Equity:         s.Equity(),
		RealizedToday:  s.realizedToday,
		TradesToday:    s.tradesToday,
		DayStart:       s.dayStart,
		LastLoss:       s.lastLoss,
		OpenPositions:  s.OpenPositions(),
	}
}
