package risk

import (
	"fmt"
	"math"

	"talon/internal/types"
)

// InvalidPriceError reports degenerate sizing inputs: a zero per-unit risk
// (entry == stop) or a non-positive price. The cycle that hits it is skipped,
// it is never fatal.
type InvalidPriceError struct {
	Entry float64
	Stop  float64
}

func (e *InvalidPriceError) Error() string {
	return fmt.Sprintf("invalid sizing prices: entry=%v stop=%v", e.Entry, e.Stop)
}

// Size computes order quantity and notional value from the configured
// risk-per-trade. The quantity is capped so the required margin
// (qty*entry/leverage) never exceeds available capital; equivalently the
// notional never exceeds capital*leverage.
//
// Pure function, no side effects.
func Size(capital, entry, stop, riskPerTradePct, leverage float64) (qty, notional float64, err error) {
	if entry <= 0 || stop <= 0 {
		return 0, 0, &InvalidPriceError{Entry: entry, Stop: stop}
	}
	perUnit := math.Abs(entry - stop)
	if perUnit == 0 {
		return 0, 0, &InvalidPriceError{Entry: entry, Stop: stop}
	}
	if capital <= 0 {
		return 0, 0, nil
	}
	if leverage <= 0 {
		leverage = 1
	}

	riskAmount := capital * riskPerTradePct / 100
	qty = riskAmount / perUnit
	notional = qty * entry

	maxNotional := capital * leverage
	if notional > maxNotional {
		notional = maxNotional
		qty = notional / entry
	}
	return qty, notional, nil
}

// StopLossFor derives the protective stop from the configured percent.
func (l Limits) StopLossFor(entry float64, side types.Side) float64 {
	if side == types.SideShort {
		return entry * (1 + l.StopLossPct/100)
	}
	return entry * (1 - l.StopLossPct/100)
}

// TakeProfitFor derives the profit target from the configured percent.
func (l Limits) TakeProfitFor(entry float64, side types.Side) float64 {
	if side == types.SideShort {
		return entry * (1 - l.TakeProfitPct/100)
	}
	return entry * (1 + l.TakeProfitPct/100)
}
