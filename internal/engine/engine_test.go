package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"talon/internal/executor"
	"talon/internal/market"
	"talon/internal/risk"
	"talon/internal/signal"
	"talon/internal/store/session"
	"talon/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimits() risk.Limits {
	return risk.Limits{
		InitialCapital:      1000,
		Leverage:            2,
		RiskPerTradePct:     2,
		MaxLossPerDayPct:    10,
		MaxOpenPositions:    1,
		StopLossPct:         2,
		TakeProfitPct:       4,
		CooldownSeconds:     600,
		ConfidenceThreshold: 0.6,
	}
}

type harness struct {
	engine *Engine
	feed   *market.StaticFeed
	holder *signal.Holder
	now    time.Time
	ledger *memLedger
}

func newHarness(t *testing.T, limits risk.Limits) *harness {
	t.Helper()
	h := &harness{
		feed:   market.NewStaticFeed(),
		holder: signal.NewHolder(),
		now:    time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		ledger: &memLedger{},
	}
	h.feed.Set("BTCUSDT", 100)
	h.engine = New(Options{
		Symbol:       "BTCUSDT",
		Limits:       limits,
		QuantityStep: 0.001,
		Exec:         executor.NewPaper(h.feed, executor.FillAtTick),
		Feed:         h.feed,
		Signals:      h.holder,
		Ledger:       h.ledger,
		Now:          func() time.Time { return h.now },
	})
	return h
}

func (h *harness) push(dir types.Side, conf float64) {
	h.holder.Push(types.Signal{Direction: dir, Confidence: conf, Timestamp: h.now})
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

type memLedger struct {
	recs []types.TradeRecord
}

func (l *memLedger) Append(_ context.Context, rec types.TradeRecord) error {
	l.recs = append(l.recs, rec)
	return nil
}

func (l *memLedger) RealizedSince(_ context.Context, since time.Time) (float64, int, error) {
	var sum float64
	var n int
	for _, r := range l.recs {
		if !r.ClosedAt.Before(since) {
			sum += r.RealizedPnL
			n++
		}
	}
	return sum, n, nil
}

func TestCycleOpensPositionFromSignal(t *testing.T) {
	h := newHarness(t, testLimits())
	h.push(types.SideLong, 0.8)

	h.engine.Cycle(context.Background())

	snap := h.engine.Snapshot()
	require.Len(t, snap.OpenPositions, 1)
	pos := snap.OpenPositions[0]
	assert.Equal(t, types.SideLong, pos.Side)
	assert.InDelta(t, 100, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 10, pos.Quantity, 1e-9) // 2% of 1000 over a 2 point stop
	assert.InDelta(t, 98, pos.StopLoss, 1e-9)
	assert.InDelta(t, 104, pos.TakeProfit, 1e-9)
	assert.InDelta(t, 1000, snap.CurrentCapital, 1e-9) // capital untouched until close
}

func TestTakeProfitBooksRealizedGain(t *testing.T) {
	h := newHarness(t, testLimits())
	h.push(types.SideLong, 0.8)
	h.engine.Cycle(context.Background())

	h.advance(time.Minute)
	h.feed.Set("BTCUSDT", 104)
	h.engine.Cycle(context.Background())

	snap := h.engine.Snapshot()
	assert.Empty(t, snap.OpenPositions)
	assert.InDelta(t, 1040, snap.CurrentCapital, 1e-9)
	assert.InDelta(t, 40, snap.RealizedToday, 1e-9)
	require.Len(t, h.ledger.recs, 1)
	assert.Equal(t, ExitTakeProfit, h.ledger.recs[0].Reason)
}

func TestStopLossClosesAndArmsCooldown(t *testing.T) {
	h := newHarness(t, testLimits())
	h.push(types.SideLong, 0.8)
	h.engine.Cycle(context.Background())

	h.advance(time.Minute)
	h.feed.Set("BTCUSDT", 98)
	h.engine.Cycle(context.Background())

	snap := h.engine.Snapshot()
	assert.Empty(t, snap.OpenPositions)
	assert.InDelta(t, 980, snap.CurrentCapital, 1e-9)
	require.Len(t, h.ledger.recs, 1)
	assert.Equal(t, ExitStopLoss, h.ledger.recs[0].Reason)

	// A fresh signal inside the cooldown window is rejected.
	h.advance(time.Minute)
	h.feed.Set("BTCUSDT", 100)
	h.push(types.SideLong, 0.9)
	h.engine.Cycle(context.Background())

	assert.Empty(t, h.engine.Snapshot().OpenPositions)
	assert.Equal(t, string(risk.ReasonCoolingDown), h.engine.RiskMetrics().BlockedReason)
}

func TestReversalClosesThenEntersNextCycle(t *testing.T) {
	h := newHarness(t, testLimits())
	h.push(types.SideLong, 0.8)
	h.engine.Cycle(context.Background())

	h.advance(time.Minute)
	h.feed.Set("BTCUSDT", 102)
	h.push(types.SideShort, 0.9)
	h.engine.Cycle(context.Background())

	// The opposing entry runs first against last cycle's full slot and is
	// rejected; the reversal close then frees the slot for the next cycle.
	snap := h.engine.Snapshot()
	assert.Empty(t, snap.OpenPositions)
	require.Len(t, h.ledger.recs, 1)
	assert.Equal(t, ExitReversal, h.ledger.recs[0].Reason)
	assert.InDelta(t, 20, h.ledger.recs[0].RealizedPnL, 1e-9)

	// The winning close leaves no cooldown, so a fresh opposing signal
	// enters on the following cycle.
	h.advance(time.Minute)
	h.push(types.SideShort, 0.9)
	h.engine.Cycle(context.Background())

	snap = h.engine.Snapshot()
	require.Len(t, snap.OpenPositions, 1)
	assert.Equal(t, types.SideShort, snap.OpenPositions[0].Side)
}

func TestWeakOpposingSignalDoesNotReverse(t *testing.T) {
	limits := testLimits()
	limits.ReversalConfidence = 0.8
	h := newHarness(t, limits)
	h.push(types.SideLong, 0.8)
	h.engine.Cycle(context.Background())

	h.advance(time.Minute)
	h.feed.Set("BTCUSDT", 101)
	h.push(types.SideShort, 0.7)
	h.engine.Cycle(context.Background())

	snap := h.engine.Snapshot()
	require.Len(t, snap.OpenPositions, 1)
	assert.Equal(t, types.SideLong, snap.OpenPositions[0].Side)
	assert.Empty(t, h.ledger.recs)
}

func TestTrailingStopOnlyTightens(t *testing.T) {
	limits := testLimits()
	limits.TrailingStop = true
	limits.TrailingStopPct = 1
	h := newHarness(t, limits)
	h.push(types.SideLong, 0.8)
	h.engine.Cycle(context.Background())

	// At zero profit the trail is inactive and the configured stop holds.
	h.advance(time.Minute)
	h.feed.Set("BTCUSDT", 100)
	h.engine.Cycle(context.Background())
	require.Len(t, h.engine.Snapshot().OpenPositions, 1)
	assert.InDelta(t, 98, h.engine.Snapshot().OpenPositions[0].StopLoss, 1e-9)

	// Profit below the trailing percentage still does not arm it.
	h.advance(time.Minute)
	h.feed.Set("BTCUSDT", 100.5)
	h.engine.Cycle(context.Background())
	assert.InDelta(t, 98, h.engine.Snapshot().OpenPositions[0].StopLoss, 1e-9)

	h.advance(time.Minute)
	h.feed.Set("BTCUSDT", 103)
	h.engine.Cycle(context.Background())

	snap := h.engine.Snapshot()
	require.Len(t, snap.OpenPositions, 1)
	assert.InDelta(t, 103*0.99, snap.OpenPositions[0].StopLoss, 1e-9)

	// A pullback must not loosen the stop, and crossing it closes.
	h.advance(time.Minute)
	h.feed.Set("BTCUSDT", 101.9)
	h.engine.Cycle(context.Background())

	assert.Empty(t, h.engine.Snapshot().OpenPositions)
	require.Len(t, h.ledger.recs, 1)
	assert.Equal(t, ExitStopLoss, h.ledger.recs[0].Reason)
}

func TestSignalActedOnOnce(t *testing.T) {
	limits := testLimits()
	limits.MaxOpenPositions = 3
	h := newHarness(t, limits)
	h.push(types.SideLong, 0.8)

	h.engine.Cycle(context.Background())
	h.advance(time.Minute)
	h.engine.Cycle(context.Background())
	h.advance(time.Minute)
	h.engine.Cycle(context.Background())

	assert.Len(t, h.engine.Snapshot().OpenPositions, 1)
}

func TestFlatSignalNeverEnters(t *testing.T) {
	h := newHarness(t, testLimits())
	h.push(types.SideFlat, 0.99)
	h.engine.Cycle(context.Background())
	assert.Empty(t, h.engine.Snapshot().OpenPositions)
}

// scripted executor for failure-path tests

type execResult struct {
	fill *executor.Fill
	err  error
}

type fakeExecutor struct {
	openReqs  []executor.OpenRequest
	openQ     []execResult
	closeReqs []executor.CloseRequest
	closeQ    []execResult
	status    executor.Status
	statusErr error
}

func (f *fakeExecutor) Name() string { return "fake" }

func (f *fakeExecutor) Open(_ context.Context, req executor.OpenRequest) (*executor.Fill, error) {
	f.openReqs = append(f.openReqs, req)
	if len(f.openQ) == 0 {
		return nil, errors.New("no scripted open result")
	}
	r := f.openQ[0]
	f.openQ = f.openQ[1:]
	return r.fill, r.err
}

func (f *fakeExecutor) Close(_ context.Context, req executor.CloseRequest) (*executor.Fill, error) {
	f.closeReqs = append(f.closeReqs, req)
	if len(f.closeQ) == 0 {
		return nil, errors.New("no scripted close result")
	}
	r := f.closeQ[0]
	f.closeQ = f.closeQ[1:]
	return r.fill, r.err
}

func (f *fakeExecutor) Reconcile(context.Context, string) (executor.Status, error) {
	return f.status, f.statusErr
}

func newFakeHarness(t *testing.T, fake *fakeExecutor) *harness {
	t.Helper()
	h := &harness{
		feed:   market.NewStaticFeed(),
		holder: signal.NewHolder(),
		now:    time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		ledger: &memLedger{},
	}
	h.feed.Set("BTCUSDT", 100)
	h.engine = New(Options{
		Symbol:       "BTCUSDT",
		Limits:       testLimits(),
		QuantityStep: 0.001,
		Exec:         fake,
		Feed:         h.feed,
		Signals:      h.holder,
		Ledger:       h.ledger,
		Now:          func() time.Time { return h.now },
	})
	return h
}

func TestTransientOpenFailureRetriesSameToken(t *testing.T) {
	fake := &fakeExecutor{
		openQ: []execResult{
			{err: &executor.ExecutionError{Kind: executor.KindExhausted, Op: "open", Err: errors.New("timeout")}},
			{fill: &executor.Fill{PositionID: "p1", OrderRef: "o1", Price: 100, Quantity: 10, FilledAt: time.Now()}},
		},
	}
	h := newFakeHarness(t, fake)
	h.push(types.SideLong, 0.8)

	h.engine.Cycle(context.Background())
	assert.Empty(t, h.engine.Snapshot().OpenPositions)

	h.advance(time.Minute)
	h.engine.Cycle(context.Background())
	assert.Len(t, h.engine.Snapshot().OpenPositions, 1)

	require.Len(t, fake.openReqs, 2)
	assert.Equal(t, fake.openReqs[0].Token, fake.openReqs[1].Token)
}

func TestPermanentOpenFailureConsumesSignal(t *testing.T) {
	fake := &fakeExecutor{
		openQ: []execResult{
			{err: &executor.ExecutionError{Kind: executor.KindPermanent, Op: "open", Err: errors.New("insufficient balance")}},
		},
	}
	h := newFakeHarness(t, fake)
	h.push(types.SideLong, 0.8)

	h.engine.Cycle(context.Background())
	h.advance(time.Minute)
	h.engine.Cycle(context.Background())

	assert.Empty(t, h.engine.Snapshot().OpenPositions)
	assert.Len(t, fake.openReqs, 1)
}

func TestCloseFailureTrustsExchangeWhenClosed(t *testing.T) {
	fake := &fakeExecutor{
		openQ: []execResult{
			{fill: &executor.Fill{PositionID: "p1", OrderRef: "o1", Price: 100, Quantity: 10, FilledAt: time.Now()}},
		},
		closeQ: []execResult{
			{err: &executor.ExecutionError{Kind: executor.KindExhausted, Op: "close", Err: errors.New("timeout")}},
		},
		status: executor.Status{PositionID: "p1", Known: true, Open: false, ExitPrice: 104},
	}
	h := newFakeHarness(t, fake)
	h.push(types.SideLong, 0.8)
	h.engine.Cycle(context.Background())

	h.advance(time.Minute)
	h.feed.Set("BTCUSDT", 104)
	h.engine.Cycle(context.Background())

	snap := h.engine.Snapshot()
	assert.Empty(t, snap.OpenPositions)
	require.Len(t, h.ledger.recs, 1)
	assert.InDelta(t, 104, h.ledger.recs[0].ExitPrice, 1e-9)
	assert.InDelta(t, 1040, snap.CurrentCapital, 1e-9)
}

func TestCloseFailureKeepsPositionWhenStillOpen(t *testing.T) {
	fake := &fakeExecutor{
		openQ: []execResult{
			{fill: &executor.Fill{PositionID: "p1", OrderRef: "o1", Price: 100, Quantity: 10, FilledAt: time.Now()}},
		},
		closeQ: []execResult{
			{err: &executor.ExecutionError{Kind: executor.KindExhausted, Op: "close", Err: errors.New("timeout")}},
			{fill: &executor.Fill{PositionID: "p1", OrderRef: "c1", Price: 104, Quantity: 10, FilledAt: time.Now()}},
		},
		status: executor.Status{PositionID: "p1", Known: true, Open: true, Quantity: 10},
	}
	h := newFakeHarness(t, fake)
	h.push(types.SideLong, 0.8)
	h.engine.Cycle(context.Background())

	h.advance(time.Minute)
	h.feed.Set("BTCUSDT", 104)
	h.engine.Cycle(context.Background())
	require.Len(t, h.engine.Snapshot().OpenPositions, 1)
	assert.Equal(t, types.StatusOpen, h.engine.Snapshot().OpenPositions[0].Status)

	// Next cycle retries the close and books it.
	h.advance(time.Minute)
	h.engine.Cycle(context.Background())
	assert.Empty(t, h.engine.Snapshot().OpenPositions)
	require.Len(t, h.ledger.recs, 1)
	assert.InDelta(t, 40, h.ledger.recs[0].RealizedPnL, 1e-9)
}

func TestDrainBooksPositionClosedOnExchange(t *testing.T) {
	fake := &fakeExecutor{
		openQ: []execResult{
			{fill: &executor.Fill{PositionID: "p1", OrderRef: "o1", Price: 100, Quantity: 10, FilledAt: time.Now()}},
		},
		status: executor.Status{PositionID: "p1", Known: true, Open: false, ExitPrice: 98},
	}
	h := newFakeHarness(t, fake)
	h.push(types.SideLong, 0.8)
	h.engine.Cycle(context.Background())
	require.Len(t, h.engine.Snapshot().OpenPositions, 1)

	// A stop that triggered server-side during the last cycle is booked by
	// the shutdown sweep instead of lingering as a phantom open position.
	h.engine.Drain(context.Background())

	assert.Empty(t, h.engine.Snapshot().OpenPositions)
	require.Len(t, h.ledger.recs, 1)
	assert.Equal(t, ExitReconciled, h.ledger.recs[0].Reason)
	assert.InDelta(t, 98, h.ledger.recs[0].ExitPrice, 1e-9)
}

func TestDrainKeepsPositionsTheExchangeReportsOpen(t *testing.T) {
	fake := &fakeExecutor{
		openQ: []execResult{
			{fill: &executor.Fill{PositionID: "p1", OrderRef: "o1", Price: 100, Quantity: 10, FilledAt: time.Now()}},
		},
		status: executor.Status{PositionID: "p1", Known: true, Open: true, Quantity: 10},
	}
	h := newFakeHarness(t, fake)
	h.push(types.SideLong, 0.8)
	h.engine.Cycle(context.Background())

	h.engine.Drain(context.Background())

	require.Len(t, h.engine.Snapshot().OpenPositions, 1)
	assert.Empty(t, h.ledger.recs)
}

type memSessions struct {
	snap  session.Snapshot
	saved bool
}

func (m *memSessions) Save(_ context.Context, snap session.Snapshot) error {
	m.snap, m.saved = snap, true
	return nil
}

func (m *memSessions) Load(context.Context) (session.Snapshot, bool, error) {
	return m.snap, m.saved, nil
}

func TestBootstrapRestoresSameDayCounters(t *testing.T) {
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	sessions := &memSessions{
		snap: session.Snapshot{
			DayStart:      day,
			Capital:       950,
			RealizedToday: -50,
			TradesToday:   2,
			LastLoss:      day.Add(9 * time.Hour),
		},
		saved: true,
	}
	h := newHarness(t, testLimits())
	h.engine.sessions = sessions

	require.NoError(t, h.engine.Bootstrap(context.Background()))

	snap := h.engine.Snapshot()
	assert.InDelta(t, 950, snap.CurrentCapital, 1e-9)
	assert.InDelta(t, -50, snap.RealizedToday, 1e-9)
	assert.Equal(t, 2, snap.TradesToday)
}

func TestBootstrapResetsCountersOnNewDay(t *testing.T) {
	sessions := &memSessions{
		snap: session.Snapshot{
			DayStart:      time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC),
			Capital:       950,
			RealizedToday: -50,
			TradesToday:   2,
			LastLoss:      time.Date(2026, 3, 13, 23, 55, 0, 0, time.UTC),
		},
		saved: true,
	}
	h := newHarness(t, testLimits())
	h.engine.sessions = sessions

	require.NoError(t, h.engine.Bootstrap(context.Background()))

	snap := h.engine.Snapshot()
	assert.InDelta(t, 950, snap.CurrentCapital, 1e-9) // capital carries over
	assert.InDelta(t, 0, snap.RealizedToday, 1e-9)
	assert.Equal(t, 0, snap.TradesToday)
	// Cooldown survives the restart even across the day boundary.
	assert.False(t, snap.LastLoss.IsZero())
}

func TestSubscribeReceivesSnapshotsWithoutBlocking(t *testing.T) {
	h := newHarness(t, testLimits())
	ch := h.engine.Subscribe()
	// A second subscriber that never reads must not stall the loop.
	_ = h.engine.Subscribe()

	h.push(types.SideLong, 0.8)
	h.engine.Cycle(context.Background())

	select {
	case snap := <-ch:
		assert.Len(t, snap.OpenPositions, 1)
	default:
		t.Fatal("no snapshot published after cycle")
	}

	for i := 0; i < 20; i++ { // would deadlock if publish blocked on the full channel
		h.advance(time.Minute)
		h.engine.Cycle(context.Background())
	}
}

func TestCyclePersistsSession(t *testing.T) {
	sessions := &memSessions{}
	h := newHarness(t, testLimits())
	h.engine.sessions = sessions

	h.push(types.SideLong, 0.8)
	h.engine.Cycle(context.Background())

	require.True(t, sessions.saved)
	assert.InDelta(t, 1000, sessions.snap.Capital, 1e-9)
	assert.True(t, sessions.snap.DayStart.Equal(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)))
}
