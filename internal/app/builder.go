package app

import (
	"context"
	"fmt"

	"talon/internal/config"
	"talon/internal/engine"
	"talon/internal/executor"
	"talon/internal/logger"
	"talon/internal/market"
	"talon/internal/notifier"
	"talon/internal/signal"
	"talon/internal/store/session"
	"talon/internal/store/tradelog"
	httpapi "talon/internal/transport/http"
)

type AppBuilder struct {
	cfg *config.Config

	feedFn func(*config.Config) market.Feed
	execFn func(context.Context, *config.Config, market.Feed) (executor.Executor, error)
}

type AppBuilderOption func(*AppBuilder)

// WithFeed replaces the market feed, used by tests to avoid the network.
func WithFeed(feed market.Feed) AppBuilderOption {
	return func(b *AppBuilder) {
		b.feedFn = func(*config.Config) market.Feed { return feed }
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:    cfg,
		feedFn: buildFeed,
		execFn: buildExecutor,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := b.cfg
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	trades, err := tradelog.Open(cfg.Store.TradesPath)
	if err != nil {
		return nil, fmt.Errorf("opening trade ledger: %w", err)
	}
	sessions, err := session.Open(cfg.Store.SessionPath)
	if err != nil {
		trades.Close()
		return nil, fmt.Errorf("opening session store: %w", err)
	}

	feed := b.feedFn(cfg)
	exec, err := b.execFn(ctx, cfg, feed)
	if err != nil {
		trades.Close()
		sessions.Close()
		return nil, err
	}

	var source signal.Source
	var fileSrc *signal.FileSource
	var holder *signal.Holder
	switch cfg.Signal.Source {
	case "http":
		holder = signal.NewHolder()
		source = holder
	default:
		fileSrc, err = signal.NewFileSource(cfg.Signal.Path)
		if err != nil {
			trades.Close()
			sessions.Close()
			return nil, err
		}
		source = fileSrc
	}

	eng := engine.New(engine.Options{
		Symbol:       cfg.Trading.Symbol,
		Limits:       cfg.Risk.Limits(),
		QuantityStep: cfg.Exchange.QuantityStep,
		Exec:         exec,
		Feed:         feed,
		Signals:      source,
		Ledger:       trades,
		Sessions:     sessions,
		Notify:       buildNotifier(cfg.Notify),
	})

	httpSrv, err := httpapi.NewServer(httpapi.ServerConfig{
		Addr:    cfg.Server.Addr,
		Symbol:  cfg.Trading.Symbol,
		State:   eng,
		Trades:  trades,
		Signals: holder,
	})
	if err != nil {
		trades.Close()
		sessions.Close()
		return nil, err
	}

	logger.Infof("app: %s mode=%s interval=%s capital=%.2f",
		cfg.Trading.Symbol, cfg.Trading.Mode, cfg.Trading.Interval(), cfg.Risk.InitialCapital)

	return &App{
		cfg:      cfg,
		engine:   eng,
		httpSrv:  httpSrv,
		fileSrc:  fileSrc,
		trades:   trades,
		sessions: sessions,
	}, nil
}

func buildFeed(cfg *config.Config) market.Feed {
	return market.NewBinanceFeed(cfg.Exchange.RESTBaseURL, cfg.Exchange.Timeout())
}

// buildExecutor picks the adapter and, in live mode, verifies exchange
// connectivity up front so a misconfigured process fails at startup instead
// of at the first order.
func buildExecutor(ctx context.Context, cfg *config.Config, feed market.Feed) (executor.Executor, error) {
	if !cfg.Trading.IsLive() {
		return executor.NewPaper(feed, executor.FillMode(cfg.Paper.FillMode)), nil
	}
	bn, err := executor.NewBinance(executor.BinanceConfig{
		APIKey:       cfg.Exchange.APIKey,
		APISecret:    cfg.Exchange.APISecret,
		RESTBaseURL:  cfg.Exchange.RESTBaseURL,
		Timeout:      cfg.Exchange.Timeout(),
		Testnet:      cfg.Exchange.Testnet,
		QuantityStep: cfg.Exchange.QuantityStep,
	})
	if err != nil {
		return nil, err
	}
	if err := bn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("startup check failed: %w", err)
	}
	return bn, nil
}

func buildNotifier(cfg config.NotifyConfig) notifier.TextNotifier {
	if !cfg.Telegram.Enabled {
		return nil
	}
	return notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
}
