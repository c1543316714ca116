// Package metrics exposes prometheus instruments for the trading loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "talon_cycles_total",
		Help: "Completed trading cycles.",
	})

	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talon_rejections_total",
		Help: "Entry signals rejected, by reason.",
	}, []string{"reason"})

	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talon_orders_total",
		Help: "Order attempts, by operation and result.",
	}, []string{"op", "result"})

	TradesClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talon_trades_closed_total",
		Help: "Closed trades, by exit reason.",
	}, []string{"reason"})

	Equity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "talon_equity",
		Help: "Current capital plus unrealized PnL.",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "talon_open_positions",
		Help: "Number of open positions.",
	})
)
