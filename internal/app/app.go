// Package app assembles the process: config in, stores, executor, engine,
// HTTP server and scheduler wired together and supervised as one group.
package app

import (
	"context"
	"fmt"

	"talon/internal/config"
	"talon/internal/engine"
	"talon/internal/logger"
	"talon/internal/scheduler"
	"talon/internal/signal"
	"talon/internal/store/session"
	"talon/internal/store/tradelog"
	httpapi "talon/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg      *config.Config
	engine   *engine.Engine
	httpSrv  *httpapi.Server
	fileSrc  *signal.FileSource // nil when signals arrive over HTTP
	trades   *tradelog.Store
	sessions *session.Store
}

// NewApp builds the application from config without starting anything.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run starts the HTTP server and the trading loop and blocks until ctx is
// cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.close()

	if err := a.engine.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	if a.fileSrc != nil {
		if err := a.fileSrc.Start(ctx); err != nil {
			return fmt.Errorf("signal source failed: %w", err)
		}
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := a.httpSrv.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		sched := scheduler.NewAlignedScheduler(ctx, a.cfg.Trading.Interval())
		sched.RunImmediately = true
		sched.Start(func() { a.engine.Cycle(ctx) })
		// Scheduler returned: ctx is done, flush the final state.
		a.engine.Drain(context.Background())
		return nil
	})

	return group.Wait()
}

func (a *App) close() {
	if a.trades != nil {
		if err := a.trades.Close(); err != nil {
			logger.Warnf("closing trade ledger: %v", err)
		}
	}
	if a.sessions != nil {
		if err := a.sessions.Close(); err != nil {
			logger.Warnf("closing session store: %v", err)
		}
	}
}

// Engine exposes the loop for test and replay harnesses.
func (a *App) Engine() *engine.Engine {
	if a == nil {
		return nil
	}
	return a.engine
}
