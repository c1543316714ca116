// Package trading provides order arithmetic helpers. Exchange APIs reject
// quantities and prices that do not align with the instrument's step sizes,
// so everything that leaves the engine goes through these.
package trading

import "github.com/shopspring/decimal"

// RoundStep floors value to a multiple of step and renders it the way the
// exchange expects. Flooring (not rounding) keeps the order inside the
// sized margin. A non-positive step returns the plain decimal rendering.
func RoundStep(value, step float64) string {
	v := decimal.NewFromFloat(value)
	if step <= 0 {
		return v.String()
	}
	s := decimal.NewFromFloat(step)
	return v.Div(s).Floor().Mul(s).String()
}

// RoundStepFloat is RoundStep for callers that keep computing on the value.
func RoundStepFloat(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	f, _ := v.Div(s).Floor().Mul(s).Float64()
	return f
}

// ReturnPct is the realized return of a closed trade relative to its
// notional, in percent. Decimal keeps the ledger arithmetic exact.
func ReturnPct(pnl, notional float64) float64 {
	if notional == 0 {
		return 0
	}
	r, _ := decimal.NewFromFloat(pnl).
		Div(decimal.NewFromFloat(notional)).
		Mul(decimal.NewFromInt(100)).
		Round(6).Float64()
	return r
}
