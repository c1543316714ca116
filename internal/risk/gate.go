package risk

import (
	"time"

	"talon/internal/types"
)

// Reason identifies why the gate rejected an entry. Rejection is normal
// control flow, not an error.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonLowConfidence Reason = "low_confidence"
	ReasonCoolingDown   Reason = "cooling_down"
	ReasonMaxPositions  Reason = "max_positions_reached"
	ReasonDailyLoss     Reason = "daily_loss_limit"
	ReasonDrawdown      Reason = "drawdown_limit"
)

// Decision is the gate's verdict on a proposed entry.
type Decision struct {
	Approved bool
	Reason   Reason
}

// Gate applies the session risk policy to proposed entries. It only grants
// permission; recording the outcome stays with the session loop.
type Gate struct {
	limits Limits
}

func NewGate(limits Limits) *Gate {
	return &Gate{limits: limits}
}

func (g *Gate) Limits() Limits { return g.limits }

// Evaluate decides a sized entry proposal. Checks run in fixed order; the
// first failing check is the reported reason. The order is part of the
// contract: confidence, cooldown, position count, daily loss, drawdown.
// The proposed quantity is part of the call contract; none of the current
// checks read it.
func (g *Gate) Evaluate(sig types.Signal, proposedQty float64, state *State, now time.Time) Decision {
	if sig.Confidence < g.limits.ConfidenceThreshold {
		return Decision{Reason: ReasonLowConfidence}
	}
	if g.coolingDown(state, now) {
		return Decision{Reason: ReasonCoolingDown}
	}
	if state.OpenCount() >= g.limits.MaxOpenPositions {
		return Decision{Reason: ReasonMaxPositions}
	}
	if g.dailyLossBreached(state) {
		return Decision{Reason: ReasonDailyLoss}
	}
	if g.drawdownBreached(state) {
		return Decision{Reason: ReasonDrawdown}
	}
	return Decision{Approved: true}
}

// coolingDown is armed only by a losing close, not by every close.
func (g *Gate) coolingDown(state *State, now time.Time) bool {
	last := state.LastLoss()
	if last.IsZero() || g.limits.CooldownSeconds <= 0 {
		return false
	}
	return now.Sub(last) < time.Duration(g.limits.CooldownSeconds)*time.Second
}

func (g *Gate) dailyLossBreached(state *State) bool {
	budget := state.InitialCapital() * g.limits.MaxLossPerDayPct / 100
	return state.RealizedToday() <= -budget
}

// drawdownBreached halts new entries once half the starting capital is gone.
func (g *Gate) drawdownBreached(state *State) bool {
	return state.CurrentCapital() <= state.InitialCapital()*0.5
}

// Metrics is the flat risk summary exposed on the observer API.
type Metrics struct {
	CurrentCapital   float64 `json:"current_capital"`
	InitialCapital   float64 `json:"initial_capital"`
	Equity           float64 `json:"equity"`
	RealizedToday    float64 `json:"realized_today"`
	DailyLossPct     float64 `json:"daily_loss_pct"`
	TradesToday      int     `json:"trades_today"`
	OpenPositions    int     `json:"open_positions"`
	MaxOpenPositions int     `json:"max_open_positions"`
	Leverage         float64 `json:"leverage"`
	CanTrade         bool    `json:"can_trade"`
	BlockedReason    string  `json:"blocked_reason,omitempty"`
}

// MetricsFor summarizes the state against the limits. It evaluates a
// hypothetical full-confidence entry so every check except confidence is
// reflected in CanTrade.
func (g *Gate) MetricsFor(state *State, now time.Time) Metrics {
	ref := types.Signal{Direction: types.SideLong, Confidence: 1, Timestamp: now}
	dec := g.Evaluate(ref, 0, state, now)
	lossPct := 0.0
	if state.InitialCapital() > 0 && state.RealizedToday() < 0 {
		lossPct = -state.RealizedToday() / state.InitialCapital() * 100
	}
	return Metrics{
		CurrentCapital:   state.CurrentCapital(),
		InitialCapital:   state.InitialCapital(),
		Equity:           state.Equity(),
		RealizedToday:    state.RealizedToday(),
		DailyLossPct:     lossPct,
		TradesToday:      state.TradesToday(),
		OpenPositions:    state.OpenCount(),
		MaxOpenPositions: g.limits.MaxOpenPositions,
		Leverage:         g.limits.Leverage,
		CanTrade:         dec.Approved,
		BlockedReason:    string(dec.Reason),
	}
}
