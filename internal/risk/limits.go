// Package risk implements the capital-preservation core: position sizing,
// the session risk state, and the gate that approves or rejects entries.
package risk

// Limits is the static risk configuration for a session. It is loaded once
// at startup and never mutated afterwards.
type Limits struct {
	InitialCapital      float64
	Leverage            float64
	RiskPerTradePct     float64
	MaxLossPerDayPct    float64
	MaxOpenPositions    int
	StopLossPct         float64
	TakeProfitPct       float64
	TrailingStop        bool
	TrailingStopPct     float64
	CooldownSeconds     int
	ConfidenceThreshold float64
	// ReversalConfidence is the minimum confidence an opposing signal needs
	// to force-close an open position. Zero means "same as ConfidenceThreshold".
	ReversalConfidence float64
}

// ReversalThreshold resolves the effective reversal-exit confidence.
func (l Limits) ReversalThreshold() float64 {
	if l.ReversalConfidence > 0 {
		return l.ReversalConfidence
	}
	return l.ConfidenceThreshold
}
