package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// riskProfile is a per-symbol override set. Only fields present in the
// profile file replace the base risk section.
type riskProfile struct {
	RiskPerTradePct     *float64 `yaml:"risk_per_trade_pct"`
	MaxLossPerDayPct    *float64 `yaml:"max_loss_per_day_pct"`
	MaxOpenPositions    *int     `yaml:"max_open_positions"`
	StopLossPct         *float64 `yaml:"stop_loss_pct"`
	TakeProfitPct       *float64 `yaml:"take_profit_pct"`
	TrailingStop        *bool    `yaml:"trailing_stop"`
	TrailingStopPct     *float64 `yaml:"trailing_stop_pct"`
	CooldownSeconds     *int     `yaml:"cooldown_seconds"`
	ConfidenceThreshold *float64 `yaml:"confidence_threshold"`
	ReversalConfidence  *float64 `yaml:"reversal_confidence"`
}

// applyProfile overlays the profile matching the traded symbol, if the
// profile file exists and has an entry for it.
func (r *RiskConfig) applyProfile(symbol string) error {
	if r.ProfilesPath == "" {
		return nil
	}
	data, err := os.ReadFile(r.ProfilesPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading risk profiles: %w", err)
	}
	profiles := make(map[string]riskProfile)
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return fmt.Errorf("parsing risk profiles (%s): %w", r.ProfilesPath, err)
	}
	p, ok := profiles[symbol]
	if !ok {
		return nil
	}
	if p.RiskPerTradePct != nil {
		r.RiskPerTradePct = *p.RiskPerTradePct
	}
	if p.MaxLossPerDayPct != nil {
		r.MaxLossPerDayPct = *p.MaxLossPerDayPct
	}
	if p.MaxOpenPositions != nil {
		r.MaxOpenPositions = *p.MaxOpenPositions
	}
	if p.StopLossPct != nil {
		r.StopLossPct = *p.StopLossPct
	}
	if p.TakeProfitPct != nil {
		r.TakeProfitPct = *p.TakeProfitPct
	}
	if p.TrailingStop != nil {
		r.TrailingStop = *p.TrailingStop
	}
	if p.TrailingStopPct != nil {
		r.TrailingStopPct = *p.TrailingStopPct
	}
	if p.CooldownSeconds != nil {
		r.CooldownSeconds = *p.CooldownSeconds
	}
	if p.ConfidenceThreshold != nil {
		r.ConfidenceThreshold = *p.ConfidenceThreshold
	}
	if p.ReversalConfidence != nil {
		r.ReversalConfidence = *p.ReversalConfidence
	}
	return nil
}
