package config

const (
	defaultLogLevel        = "info"
	defaultLogPath         = "data/logs/talon.log"
	defaultSymbol          = "BTCUSDT"
	defaultInterval        = 60
	defaultMode            = "paper"
	defaultInitialCapital  = 1000
	defaultLeverage        = 1
	defaultRiskPerTrade    = 1.0
	defaultMaxLossPerDay   = 5.0
	defaultMaxOpen         = 1
	defaultStopLossPct     = 2.0
	defaultTakeProfitPct   = 4.0
	defaultTrailingPct     = 1.5
	defaultCooldownSeconds = 900
	defaultConfidence      = 0.6
	defaultExchangeREST    = "https://fapi.binance.com"
	defaultTimeoutSeconds  = 10
	defaultQuantityStep    = 0.001
	defaultPaperFillMode   = "request"
	defaultSignalSource    = "file"
	defaultSignalPath      = "data/signal.json"
	defaultTradesPath      = "data/db/trades.db"
	defaultSessionPath     = "data/db/session.db"
	defaultServerAddr      = ":8086"
)

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = defaultLogLevel
	}
	if c.App.LogPath == "" {
		c.App.LogPath = defaultLogPath
	}
	if c.Trading.Symbol == "" {
		c.Trading.Symbol = defaultSymbol
	}
	if c.Trading.IntervalSeconds <= 0 {
		c.Trading.IntervalSeconds = defaultInterval
	}
	if c.Trading.Mode == "" {
		c.Trading.Mode = defaultMode
	}
	if c.Risk.InitialCapital <= 0 {
		c.Risk.InitialCapital = defaultInitialCapital
	}
	if c.Risk.Leverage <= 0 {
		c.Risk.Leverage = defaultLeverage
	}
	if c.Risk.RiskPerTradePct <= 0 {
		c.Risk.RiskPerTradePct = defaultRiskPerTrade
	}
	if c.Risk.MaxLossPerDayPct <= 0 {
		c.Risk.MaxLossPerDayPct = defaultMaxLossPerDay
	}
	if c.Risk.MaxOpenPositions <= 0 {
		c.Risk.MaxOpenPositions = defaultMaxOpen
	}
	if c.Risk.StopLossPct <= 0 {
		c.Risk.StopLossPct = defaultStopLossPct
	}
	if c.Risk.TakeProfitPct <= 0 {
		c.Risk.TakeProfitPct = defaultTakeProfitPct
	}
	if c.Risk.TrailingStopPct <= 0 {
		c.Risk.TrailingStopPct = defaultTrailingPct
	}
	if c.Risk.CooldownSeconds <= 0 {
		c.Risk.CooldownSeconds = defaultCooldownSeconds
	}
	if c.Risk.ConfidenceThreshold <= 0 {
		c.Risk.ConfidenceThreshold = defaultConfidence
	}
	if c.Exchange.RESTBaseURL == "" {
		c.Exchange.RESTBaseURL = defaultExchangeREST
	}
	if c.Exchange.TimeoutSeconds <= 0 {
		c.Exchange.TimeoutSeconds = defaultTimeoutSeconds
	}
	if c.Exchange.QuantityStep <= 0 {
		c.Exchange.QuantityStep = defaultQuantityStep
	}
	if c.Paper.FillMode == "" {
		c.Paper.FillMode = defaultPaperFillMode
	}
	if c.Signal.Source == "" {
		c.Signal.Source = defaultSignalSource
	}
	if c.Signal.Path == "" {
		c.Signal.Path = defaultSignalPath
	}
	if c.Store.TradesPath == "" {
		c.Store.TradesPath = defaultTradesPath
	}
	if c.Store.SessionPath == "" {
		c.Store.SessionPath = defaultSessionPath
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaultServerAddr
	}
}
