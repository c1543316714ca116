// Package engine runs the trading session loop: consume the latest signal,
// size and gate new entries, monitor open positions for exits, and keep the
// risk state persisted across restarts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"talon/internal/executor"
	"talon/internal/logger"
	"talon/internal/market"
	"talon/internal/metrics"
	"talon/internal/notifier"
	"talon/internal/pkg/trading"
	"talon/internal/risk"
	"talon/internal/signal"
	"talon/internal/store/session"
	"talon/internal/types"
)

// Exit reasons recorded on the trade ledger.
const (
	ExitStopLoss   = "stop_loss"
	ExitTakeProfit = "take_profit"
	ExitReversal   = "reversal"
	ExitReconciled = "reconciled"
)

// Ledger is the slice of the trade store the loop needs.
type Ledger interface {
	Append(ctx context.Context, rec types.TradeRecord) error
	RealizedSince(ctx context.Context, since time.Time) (pnl float64, trades int, err error)
}

// SessionStore persists loop state across restarts.
type SessionStore interface {
	Save(ctx context.Context, snap session.Snapshot) error
	Load(ctx context.Context) (session.Snapshot, bool, error)
}

type Options struct {
	Symbol       string
	Limits       risk.Limits
	QuantityStep float64

	Exec     executor.Executor
	Feed     market.Feed
	Signals  signal.Source
	Ledger   Ledger                // optional
	Sessions SessionStore          // optional
	Notify   notifier.TextNotifier // optional

	Now func() time.Time
}

// Engine owns the risk state. All mutation happens inside Cycle under one
// lock; observers read point-in-time copies.
type Engine struct {
	mu sync.Mutex

	symbol       string
	limits       risk.Limits
	quantityStep float64

	gate  *risk.Gate
	state *risk.State

	exec     executor.Executor
	feed     market.Feed
	signals  signal.Source
	ledger   Ledger
	sessions SessionStore
	notify   notifier.TextNotifier

	now func() time.Time

	// consumed marks the newest signal timestamp already acted on, so a
	// signal triggers at most one entry attempt outcome.
	consumed time.Time

	// published holds the latest snapshot so observers read without
	// touching the loop's lock.
	published atomic.Pointer[risk.Snapshot]
	subs      []chan risk.Snapshot
}

func New(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		symbol:       opts.Symbol,
		limits:       opts.Limits,
		quantityStep: opts.QuantityStep,
		gate:         risk.NewGate(opts.Limits),
		state:        risk.NewState(opts.Limits.InitialCapital, now()),
		exec:         opts.Exec,
		feed:         opts.Feed,
		signals:      opts.Signals,
		ledger:       opts.Ledger,
		sessions:     opts.Sessions,
		notify:       opts.Notify,
		now:          now,
	}
}

// Bootstrap restores persisted state before the first cycle. Capital always
// carries across restarts; the day counters carry only when the saved day is
// still the current UTC day. An armed cooldown survives the day boundary.
func (e *Engine) Bootstrap(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sessions != nil {
		snap, ok, err := e.sessions.Load(ctx)
		if err != nil {
			return fmt.Errorf("loading session state: %w", err)
		}
		if ok {
			today := dayStart(e.now())
			if snap.DayStart.Equal(today) {
				e.state.Restore(snap.Capital, snap.RealizedToday, snap.TradesToday, snap.DayStart, snap.LastLoss)
				logger.Infof("engine: restored session, capital=%.2f realized_today=%.2f trades_today=%d",
					snap.Capital, snap.RealizedToday, snap.TradesToday)
			} else {
				e.state.Restore(snap.Capital, 0, 0, today, snap.LastLoss)
				logger.Infof("engine: restored capital=%.2f, day counters reset (saved day %s)",
					snap.Capital, snap.DayStart.Format("2006-01-02"))
			}
		}
	}
	notifier.Notify(e.notify, notifier.StartedText(e.symbol, e.exec.Name(), e.state.CurrentCapital()))
	return nil
}

// Cycle runs one full pass: size and gate the entry first, then monitor
// open positions for exits. The gate therefore reads the position set and
// PnL as of the previous cycle; a slot freed by a close becomes available
// on the next cycle.
func (e *Engine) Cycle(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()
	if e.state.RolloverIfNeeded(now) {
		logger.Infof("engine: UTC day rollover, daily counters reset")
	}

	price, err := e.feed.CurrentPrice(ctx, e.symbol)
	if err != nil {
		logger.Warnf("engine: no price for %s, skipping cycle: %v", e.symbol, err)
		return
	}

	sig, haveSig := e.signals.Latest()

	e.maybeEnter(ctx, now, price, sig, haveSig)
	e.monitor(ctx, now, price, sig, haveSig)
	e.verifyDayPnL(ctx)
	e.persist(ctx)

	snap := e.publish(now)
	metrics.Equity.Set(snap.Equity)
	metrics.OpenPositions.Set(float64(len(snap.OpenPositions)))
	metrics.CyclesTotal.Inc()
}

// publish stores an immutable snapshot for pull readers and fans it out to
// subscribers without ever blocking the loop. Must be called with the lock
// held.
func (e *Engine) publish(now time.Time) risk.Snapshot {
	snap := e.state.Snapshot(now)
	e.published.Store(&snap)
	for _, ch := range e.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	return snap
}

// Subscribe returns a channel receiving state snapshots after every cycle.
// Slow consumers miss snapshots instead of stalling the loop.
func (e *Engine) Subscribe() <-chan risk.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan risk.Snapshot, 8)
	e.subs = append(e.subs, ch)
	return ch
}

// monitor marks every open position to the current price, tightens trailing
// stops, and closes positions whose exit condition fired. Closes run
// sequentially in deterministic position order.
func (e *Engine) monitor(ctx context.Context, now time.Time, price float64, sig types.Signal, haveSig bool) {
	for _, pos := range e.state.OpenPositions() {
		pos.CurrentPrice = price
		pos.UnrealizedPnL = pos.UnrealizedAt(price)
		e.tightenTrailing(&pos, price)

		reason := e.exitReason(pos, price, sig, haveSig)
		if reason == "" {
			e.state.UpdatePosition(pos)
			continue
		}
		e.closePosition(ctx, now, pos, price, reason)
	}
}

// tightenTrailing moves the stop toward the price, never away from it. The
// trail activates only once the position's profit exceeds the trailing
// percentage; until then the configured stop stands.
func (e *Engine) tightenTrailing(pos *types.Position, price float64) {
	if !e.limits.TrailingStop || e.limits.TrailingStopPct <= 0 || pos.EntryPrice <= 0 {
		return
	}
	pct := e.limits.TrailingStopPct / 100
	switch pos.Side {
	case types.SideLong:
		if (price-pos.EntryPrice)/pos.EntryPrice*100 <= e.limits.TrailingStopPct {
			return
		}
		if candidate := price * (1 - pct); candidate > pos.StopLoss {
			pos.StopLoss = candidate
		}
	case types.SideShort:
		if (pos.EntryPrice-price)/pos.EntryPrice*100 <= e.limits.TrailingStopPct {
			return
		}
		if candidate := price * (1 + pct); pos.StopLoss == 0 || candidate < pos.StopLoss {
			pos.StopLoss = candidate
		}
	}
}

func (e *Engine) exitReason(pos types.Position, price float64, sig types.Signal, haveSig bool) string {
	switch pos.Side {
	case types.SideLong:
		if pos.StopLoss > 0 && price <= pos.StopLoss {
			return ExitStopLoss
		}
		if pos.TakeProfit > 0 && price >= pos.TakeProfit {
			return ExitTakeProfit
		}
	case types.SideShort:
		if pos.StopLoss > 0 && price >= pos.StopLoss {
			return ExitStopLoss
		}
		if pos.TakeProfit > 0 && price <= pos.TakeProfit {
			return ExitTakeProfit
		}
	}
	if haveSig && sig.Direction == pos.Side.Opposite() && sig.Actionable() &&
		sig.Confidence >= e.limits.ReversalThreshold() {
		return ExitReversal
	}
	return ""
}

func (e *Engine) closePosition(ctx context.Context, now time.Time, pos types.Position, price float64, reason string) {
	pos.Status = types.StatusClosing
	e.state.UpdatePosition(pos)

	fill, err := e.exec.Close(ctx, executor.CloseRequest{PositionID: pos.ID, Reason: reason})
	if err != nil {
		e.handleCloseFailure(ctx, now, pos, price, reason, err)
		return
	}
	if fill.Duplicate {
		logger.Infof("engine: close of %s replayed a previous fill", pos.ID)
	}
	e.bookClose(ctx, pos, fill.Price, reason, now)
}

// handleCloseFailure reconciles ambiguous failures against the exchange.
// The exchange's view wins: a position it reports closed gets booked, a
// position it reports open stays open and retries next cycle.
func (e *Engine) handleCloseFailure(ctx context.Context, now time.Time, pos types.Position, price float64, reason string, err error) {
	if errors.Is(err, executor.ErrUnknownPosition) {
		mm := &executor.MismatchError{PositionID: pos.ID, Local: "open", Exchange: "unknown"}
		logger.Warnf("engine: %v, booking close at mark %.4f", mm, price)
		e.bookClose(ctx, pos, price, ExitReconciled, now)
		return
	}
	if executor.KindOf(err) == executor.KindPermanent {
		logger.Errorf("engine: close of %s rejected: %v", pos.ID, err)
		metrics.OrdersTotal.WithLabelValues("close", "rejected").Inc()
		pos.Status = types.StatusOpen
		e.state.UpdatePosition(pos)
		return
	}

	st, rerr := e.exec.Reconcile(ctx, pos.ID)
	if rerr == nil && st.Known && !st.Open {
		exit := st.ExitPrice
		if exit <= 0 {
			exit = price
		}
		mm := &executor.MismatchError{PositionID: pos.ID, Local: "open", Exchange: "closed"}
		logger.Warnf("engine: %v, booking close at %.4f", mm, exit)
		e.bookClose(ctx, pos, exit, reason, now)
		return
	}
	logger.Warnf("engine: close of %s failed, will retry next cycle: %v", pos.ID, err)
	metrics.OrdersTotal.WithLabelValues("close", "retry").Inc()
	pos.Status = types.StatusOpen
	e.state.UpdatePosition(pos)
}

func (e *Engine) bookClose(ctx context.Context, pos types.Position, exitPrice float64, reason string, now time.Time) {
	pnl := pos.UnrealizedAt(exitPrice)
	rec := types.TradeRecord{
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exitPrice,
		Quantity:    pos.Quantity,
		Notional:    pos.Notional,
		RealizedPnL: pnl,
		ReturnPct:   trading.ReturnPct(pnl, pos.Notional),
		Reason:      reason,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    now,
	}
	if e.ledger != nil {
		if err := e.ledger.Append(ctx, rec); err != nil {
			logger.Errorf("engine: ledger append for %s failed: %v", pos.ID, err)
		}
	}
	e.state.ApplyClose(rec)
	metrics.OrdersTotal.WithLabelValues("close", "filled").Inc()
	metrics.TradesClosedTotal.WithLabelValues(reason).Inc()
	logger.Infof("engine: closed %s %s %s pnl=%.2f capital=%.2f",
		pos.Symbol, pos.Side, reason, pnl, e.state.CurrentCapital())
	notifier.Notify(e.notify, notifier.ClosedText(rec))
}

// maybeEnter sizes the proposed entry, runs it through the gate, and
// submits the open. Every signal timestamp is acted on at most once; only a
// transient submission failure leaves it unconsumed so the same idempotency
// token can retry next cycle.
func (e *Engine) maybeEnter(ctx context.Context, now time.Time, price float64, sig types.Signal, haveSig bool) {
	if !haveSig || !sig.Actionable() {
		return
	}
	if !sig.Timestamp.After(e.consumed) {
		return
	}

	stop := e.limits.StopLossFor(price, sig.Direction)
	qty, _, err := risk.Size(e.state.CurrentCapital(), price, stop, e.limits.RiskPerTradePct, e.limits.Leverage)
	if err != nil {
		e.consumed = sig.Timestamp
		logger.Warnf("engine: sizing failed: %v", err)
		return
	}
	qty = trading.RoundStepFloat(qty, e.quantityStep)
	if qty <= 0 {
		e.consumed = sig.Timestamp
		logger.Warnf("engine: size rounds below lot step %.8f, skipping entry", e.quantityStep)
		return
	}

	dec := e.gate.Evaluate(sig, qty, e.state, now)
	if !dec.Approved {
		e.consumed = sig.Timestamp
		metrics.RejectionsTotal.WithLabelValues(string(dec.Reason)).Inc()
		logger.Infof("engine: entry rejected (%s) %s conf=%.2f", dec.Reason, sig.Direction, sig.Confidence)
		if dec.Reason == risk.ReasonDailyLoss || dec.Reason == risk.ReasonDrawdown {
			notifier.Notify(e.notify, notifier.RejectedText(e.symbol, string(dec.Reason)))
		}
		return
	}

	req := executor.OpenRequest{
		Token:      entryToken(e.symbol, sig.Timestamp),
		Symbol:     e.symbol,
		Side:       sig.Direction,
		Quantity:   qty,
		EntryPrice: price,
		StopLoss:   stop,
		TakeProfit: e.limits.TakeProfitFor(price, sig.Direction),
	}
	fill, err := e.exec.Open(ctx, req)
	if err != nil {
		if executor.KindOf(err) == executor.KindPermanent {
			e.consumed = sig.Timestamp
			metrics.OrdersTotal.WithLabelValues("open", "rejected").Inc()
			logger.Errorf("engine: open rejected: %v", err)
			return
		}
		metrics.OrdersTotal.WithLabelValues("open", "retry").Inc()
		logger.Warnf("engine: open failed, will retry next cycle with same token: %v", err)
		return
	}

	e.consumed = sig.Timestamp
	if fill.Duplicate {
		if _, known := e.state.Position(fill.PositionID); known {
			logger.Infof("engine: open replayed known position %s", fill.PositionID)
			return
		}
		logger.Warnf("engine: adopting position %s from a previous submission", fill.PositionID)
	}

	pos := types.Position{
		ID:         fill.PositionID,
		Symbol:     e.symbol,
		Side:       sig.Direction,
		EntryPrice: fill.Price,
		Quantity:   fill.Quantity,
		Notional:   fill.Price * fill.Quantity,
		StopLoss:   e.limits.StopLossFor(fill.Price, sig.Direction),
		TakeProfit: e.limits.TakeProfitFor(fill.Price, sig.Direction),
		OpenedAt:   fill.FilledAt,
		Status:     types.StatusOpen,
		OrderRef:   fill.OrderRef,
	}
	e.state.AddPosition(pos)
	metrics.OrdersTotal.WithLabelValues("open", "filled").Inc()
	logger.Infof("engine: opened %s %s qty=%.6f entry=%.4f sl=%.4f tp=%.4f",
		pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice, pos.StopLoss, pos.TakeProfit)
	notifier.Notify(e.notify, notifier.OpenedText(pos))
}

// verifyDayPnL cross-checks the in-memory day counter against the ledger.
// Drift means a booking bug; it is loud but does not halt trading.
func (e *Engine) verifyDayPnL(ctx context.Context) {
	if e.ledger == nil {
		return
	}
	pnl, _, err := e.ledger.RealizedSince(ctx, e.state.DayStart())
	if err != nil {
		logger.Warnf("engine: ledger check failed: %v", err)
		return
	}
	if diff := pnl - e.state.RealizedToday(); diff > 1e-6 || diff < -1e-6 {
		logger.Errorf("engine: day PnL drift, ledger=%.6f state=%.6f", pnl, e.state.RealizedToday())
	}
}

func (e *Engine) persist(ctx context.Context) {
	if e.sessions == nil {
		return
	}
	snap := session.Snapshot{
		DayStart:      e.state.DayStart(),
		Capital:       e.state.CurrentCapital(),
		RealizedToday: e.state.RealizedToday(),
		TradesToday:   e.state.TradesToday(),
		LastLoss:      e.state.LastLoss(),
	}
	if err := e.sessions.Save(ctx, snap); err != nil {
		logger.Errorf("engine: saving session state failed: %v", err)
	}
}

// Drain reconciles open positions against the exchange, persists a final
// snapshot and announces the stop. Positions the exchange still reports
// open stay open; their exchange-side stop and take-profit orders keep
// guarding them until the process returns.
func (e *Engine) Drain(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reconcileOpen(ctx)
	e.persist(ctx)
	e.publish(e.now().UTC())
	notifier.Notify(e.notify, notifier.StoppedText(e.symbol, e.state.Equity()))
	logger.Infof("engine: drained, equity=%.2f open_positions=%d", e.state.Equity(), e.state.OpenCount())
}

// reconcileOpen is the best-effort shutdown sweep: a stop or target that
// triggered server-side during the last cycle gets booked instead of lost.
func (e *Engine) reconcileOpen(ctx context.Context) {
	now := e.now().UTC()
	for _, pos := range e.state.OpenPositions() {
		st, err := e.exec.Reconcile(ctx, pos.ID)
		if err != nil {
			logger.Warnf("engine: shutdown reconcile of %s failed: %v", pos.ID, err)
			continue
		}
		if !st.Known || st.Open {
			continue
		}
		exit := st.ExitPrice
		if exit <= 0 {
			exit = pos.CurrentPrice
		}
		if exit <= 0 {
			exit = pos.EntryPrice
		}
		mm := &executor.MismatchError{PositionID: pos.ID, Local: "open", Exchange: "closed"}
		logger.Warnf("engine: %v, booking close at %.4f", mm, exit)
		e.bookClose(ctx, pos, exit, ExitReconciled, now)
	}
}

// Snapshot returns a point-in-time copy of the risk state for observers.
// Once the first cycle has run it serves the published copy and never
// contends with the loop.
func (e *Engine) Snapshot() risk.Snapshot {
	if snap := e.published.Load(); snap != nil {
		return *snap
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Snapshot(e.now().UTC())
}

// RiskMetrics summarizes the state against the limits for the observer API.
func (e *Engine) RiskMetrics() risk.Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gate.MetricsFor(e.state, e.now().UTC())
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// entryToken derives the idempotency token from the signal timestamp, so a
// crash-and-retry resubmits the same client order id instead of a new one.
func entryToken(symbol string, ts time.Time) string {
	return fmt.Sprintf("%s-%d", strings.ToLower(symbol), ts.UnixNano())
}
