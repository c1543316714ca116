package executor

import (
	"context"
	"testing"

	"talon/internal/market"
	"talon/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paperOpenReq(token string) OpenRequest {
	return OpenRequest{
		Token:      token,
		Symbol:     "SOLUSDT",
		Side:       types.SideLong,
		Quantity:   2,
		EntryPrice: 100,
		StopLoss:   98,
		TakeProfit: 104,
	}
}

func TestPaper_OpenIsIdempotent(t *testing.T) {
	p := NewPaper(market.NewStaticFeed(), FillAtRequest)
	ctx := context.Background()

	first, err := p.Open(ctx, paperOpenReq("sig-1"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := p.Open(ctx, paperOpenReq("sig-1"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.PositionID, second.PositionID)

	// Exactly one position exists.
	st, err := p.Reconcile(ctx, first.PositionID)
	require.NoError(t, err)
	assert.True(t, st.Known)
	assert.True(t, st.Open)
}

func TestPaper_DistinctTokensOpenDistinctPositions(t *testing.T) {
	p := NewPaper(market.NewStaticFeed(), FillAtRequest)
	ctx := context.Background()

	a, err := p.Open(ctx, paperOpenReq("sig-1"))
	require.NoError(t, err)
	b, err := p.Open(ctx, paperOpenReq("sig-2"))
	require.NoError(t, err)
	assert.NotEqual(t, a.PositionID, b.PositionID)
}

func TestPaper_FillAtTick(t *testing.T) {
	feed := market.NewStaticFeed()
	feed.Set("SOLUSDT", 101.5)
	p := NewPaper(feed, FillAtTick)

	fill, err := p.Open(context.Background(), paperOpenReq("sig-1"))
	require.NoError(t, err)
	assert.InDelta(t, 101.5, fill.Price, 1e-9)
}

func TestPaper_DoubleCloseIsNoOp(t *testing.T) {
	feed := market.NewStaticFeed()
	feed.Set("SOLUSDT", 103)
	p := NewPaper(feed, FillAtRequest)
	ctx := context.Background()

	opened, err := p.Open(ctx, paperOpenReq("sig-1"))
	require.NoError(t, err)

	first, err := p.Close(ctx, CloseRequest{PositionID: opened.PositionID, Reason: "take_profit"})
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.InDelta(t, 103.0, first.Price, 1e-9)

	second, err := p.Close(ctx, CloseRequest{PositionID: opened.PositionID, Reason: "take_profit"})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Price, second.Price)
	assert.Equal(t, first.OrderRef, second.OrderRef)
}

func TestPaper_CloseUnknownPosition(t *testing.T) {
	p := NewPaper(market.NewStaticFeed(), FillAtRequest)
	_, err := p.Close(context.Background(), CloseRequest{PositionID: "nope"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownPosition)
	assert.Equal(t, KindPermanent, KindOf(err))
}

func TestPaper_ReconcileAfterClose(t *testing.T) {
	feed := market.NewStaticFeed()
	feed.Set("SOLUSDT", 99)
	p := NewPaper(feed, FillAtRequest)
	ctx := context.Background()

	opened, err := p.Open(ctx, paperOpenReq("sig-1"))
	require.NoError(t, err)
	_, err = p.Close(ctx, CloseRequest{PositionID: opened.PositionID, Reason: "stop_loss"})
	require.NoError(t, err)

	st, err := p.Reconcile(ctx, opened.PositionID)
	require.NoError(t, err)
	assert.True(t, st.Known)
	assert.False(t, st.Open)
	assert.Zero(t, st.Quantity)
	assert.InDelta(t, 99.0, st.ExitPrice, 1e-9)
}

func TestPaper_OpenRejectsMissingToken(t *testing.T) {
	p := NewPaper(market.NewStaticFeed(), FillAtRequest)
	req := paperOpenReq("")
	_, err := p.Open(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, KindPermanent, KindOf(err))
}
