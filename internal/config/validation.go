package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	if err := c.Trading.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Exchange.validate(c.Trading.IsLive()); err != nil {
		return err
	}
	if err := c.Paper.validate(); err != nil {
		return err
	}
	if err := c.Signal.validate(); err != nil {
		return err
	}
	return c.Notify.validate()
}

func (t TradingConfig) validate() error {
	switch t.Mode {
	case "paper", "binance":
	default:
		return fmt.Errorf("trading.mode must be \"paper\" or \"binance\", got %q", t.Mode)
	}
	if strings.TrimSpace(t.Symbol) == "" {
		return fmt.Errorf("trading.symbol cannot be empty")
	}
	return nil
}

func (r RiskConfig) validate() error {
	if r.RiskPerTradePct > 100 {
		return fmt.Errorf("risk.risk_per_trade_pct must be <= 100")
	}
	if r.MaxLossPerDayPct > 100 {
		return fmt.Errorf("risk.max_loss_per_day_pct must be <= 100")
	}
	if r.ConfidenceThreshold > 1 {
		return fmt.Errorf("risk.confidence_threshold must be in (0, 1]")
	}
	if r.ReversalConfidence < 0 || r.ReversalConfidence > 1 {
		return fmt.Errorf("risk.reversal_confidence must be in [0, 1]")
	}
	if r.StopLossPct >= 100 {
		return fmt.Errorf("risk.stop_loss_pct must be < 100")
	}
	return nil
}

func (e ExchangeConfig) validate(live bool) error {
	if !live {
		return nil
	}
	if strings.TrimSpace(e.APIKey) == "" || strings.TrimSpace(e.APISecret) == "" {
		return fmt.Errorf("live trading requires exchange.api_key and exchange.api_secret (or BINANCE_API_KEY / BINANCE_API_SECRET)")
	}
	return nil
}

func (p PaperConfig) validate() error {
	switch p.FillMode {
	case "request", "tick":
		return nil
	}
	return fmt.Errorf("paper.fill_mode must be \"request\" or \"tick\", got %q", p.FillMode)
}

func (s SignalConfig) validate() error {
	switch s.Source {
	case "file":
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("signal.path cannot be empty when signal.source is \"file\"")
		}
	case "http":
	default:
		return fmt.Errorf("signal.source must be \"file\" or \"http\", got %q", s.Source)
	}
	return nil
}

func (n NotifyConfig) validate() error {
	tg := n.Telegram
	if !tg.Enabled {
		return nil
	}
	if strings.TrimSpace(tg.BotToken) == "" || strings.TrimSpace(tg.ChatID) == "" {
		return fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled")
	}
	return nil
}
