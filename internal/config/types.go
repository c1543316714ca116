package config

import (
	"os"
	"strings"
	"time"

	"talon/internal/risk"
)

// Config is the top-level configuration carrier.
type Config struct {
	App      AppConfig      `yaml:"app"`
	Trading  TradingConfig  `yaml:"trading"`
	Risk     RiskConfig     `yaml:"risk"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Paper    PaperConfig    `yaml:"paper"`
	Signal   SignalConfig   `yaml:"signal"`
	Store    StoreConfig    `yaml:"store"`
	Notify   NotifyConfig   `yaml:"notify"`
	Server   ServerConfig   `yaml:"server"`
}

type AppConfig struct {
	LogLevel string `yaml:"log_level"`
	LogPath  string `yaml:"log_path"`
}

type TradingConfig struct {
	Symbol          string `yaml:"symbol"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	Mode            string `yaml:"mode"` // "paper" | "binance"
}

func (t TradingConfig) Interval() time.Duration {
	return time.Duration(t.IntervalSeconds) * time.Second
}

func (t TradingConfig) IsLive() bool { return t.Mode == "binance" }

type RiskConfig struct {
	InitialCapital      float64 `yaml:"initial_capital"`
	Leverage            float64 `yaml:"leverage"`
	RiskPerTradePct     float64 `yaml:"risk_per_trade_pct"`
	MaxLossPerDayPct    float64 `yaml:"max_loss_per_day_pct"`
	MaxOpenPositions    int     `yaml:"max_open_positions"`
	StopLossPct         float64 `yaml:"stop_loss_pct"`
	TakeProfitPct       float64 `yaml:"take_profit_pct"`
	TrailingStop        bool    `yaml:"trailing_stop"`
	TrailingStopPct     float64 `yaml:"trailing_stop_pct"`
	CooldownSeconds     int     `yaml:"cooldown_seconds"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	ReversalConfidence  float64 `yaml:"reversal_confidence"`
	ProfilesPath        string  `yaml:"profiles_path"`
}

// Limits converts the configured risk section into the engine's limit set.
func (r RiskConfig) Limits() risk.Limits {
	return risk.Limits{
		InitialCapital:      r.InitialCapital,
		Leverage:            r.Leverage,
		RiskPerTradePct:     r.RiskPerTradePct,
		MaxLossPerDayPct:    r.MaxLossPerDayPct,
		MaxOpenPositions:    r.MaxOpenPositions,
		StopLossPct:         r.StopLossPct,
		TakeProfitPct:       r.TakeProfitPct,
		TrailingStop:        r.TrailingStop,
		TrailingStopPct:     r.TrailingStopPct,
		CooldownSeconds:     r.CooldownSeconds,
		ConfidenceThreshold: r.ConfidenceThreshold,
		ReversalConfidence:  r.ReversalConfidence,
	}
}

type ExchangeConfig struct {
	APIKey         string  `yaml:"api_key"`
	APISecret      string  `yaml:"api_secret"`
	RESTBaseURL    string  `yaml:"rest_base_url"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	Testnet        bool    `yaml:"testnet"`
	QuantityStep   float64 `yaml:"quantity_step"`
}

func (e ExchangeConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// resolveEnv fills credentials from the environment when the file leaves
// them blank. The file value wins so tests can inject keys directly.
func (e *ExchangeConfig) resolveEnv() {
	if strings.TrimSpace(e.APIKey) == "" {
		e.APIKey = os.Getenv("BINANCE_API_KEY")
	}
	if strings.TrimSpace(e.APISecret) == "" {
		e.APISecret = os.Getenv("BINANCE_API_SECRET")
	}
}

type PaperConfig struct {
	FillMode string `yaml:"fill_mode"` // "request" | "tick"
}

type SignalConfig struct {
	Source string `yaml:"source"` // "file" | "http"
	Path   string `yaml:"path"`
}

type StoreConfig struct {
	TradesPath  string `yaml:"trades_path"`
	SessionPath string `yaml:"session_path"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}
