// Package notifier pushes trade lifecycle events to external channels.
package notifier

import (
	"fmt"
	"time"

	"talon/internal/logger"
	"talon/internal/types"
)

// TextNotifier defines a minimal text notification interface.
// It is intentionally small so different components can depend on it without
// importing concrete implementations (e.g. Telegram).
type TextNotifier interface {
	SendText(text string) error
}

// Noop discards all messages.
type Noop struct{}

func (Noop) SendText(string) error { return nil }

// Notify sends best-effort; delivery failures are logged and never block
// the trading loop.
func Notify(n TextNotifier, text string) {
	if n == nil {
		return
	}
	if err := n.SendText(text); err != nil {
		logger.Warnf("notifier: send failed: %v", err)
	}
}

func OpenedText(p types.Position) string {
	return fmt.Sprintf("📈 *Opened* %s %s\nqty=%.6f entry=%.4f notional=%.2f\nSL=%.4f TP=%.4f",
		p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.Notional, p.StopLoss, p.TakeProfit)
}

func ClosedText(rec types.TradeRecord) string {
	emoji := "✅"
	if rec.RealizedPnL < 0 {
		emoji = "🔻"
	}
	return fmt.Sprintf("%s *Closed* %s %s (%s)\nentry=%.4f exit=%.4f pnl=%.2f (%.2f%%)",
		emoji, rec.Symbol, rec.Side, rec.Reason, rec.EntryPrice, rec.ExitPrice, rec.RealizedPnL, rec.ReturnPct)
}

func RejectedText(symbol, reason string) string {
	return fmt.Sprintf("⛔ *Rejected* %s: %s", symbol, reason)
}

func StartedText(symbol, mode string, capital float64) string {
	return fmt.Sprintf("🚀 *Talon started* %s mode=%s capital=%.2f at %s",
		symbol, mode, capital, time.Now().UTC().Format(time.RFC3339))
}

func StoppedText(symbol string, equity float64) string {
	return fmt.Sprintf("🛑 *Talon stopped* %s equity=%.2f", symbol, equity)
}
