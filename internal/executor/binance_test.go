package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"talon/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newExchangeStub serves just enough of the futures REST surface for an
// open/close round trip: order lookups by client id report unknown, the
// first created order fills at 100, later ones at closeAvgPrice.
func newExchangeStub(t *testing.T, closeAvgPrice string) *httptest.Server {
	t.Helper()
	var creates atomic.Int64
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(r.URL.Path, "positionRisk"):
			_ = json.NewEncoder(w).Encode([]map[string]any{{
				"symbol":      "SOLUSDT",
				"positionAmt": "0",
				"markPrice":   "103.5",
			}})
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
		default:
			n := creates.Add(1)
			avg := "100"
			if n > 1 {
				avg = closeAvgPrice
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"orderId":     n,
				"avgPrice":    avg,
				"executedQty": "10",
			})
		}
	}))
}

func newStubbedBinance(t *testing.T, srv *httptest.Server) *Binance {
	t.Helper()
	b, err := NewBinance(BinanceConfig{
		APIKey:      "k",
		APISecret:   "s",
		RESTBaseURL: srv.URL,
		RetryBase:   time.Millisecond,
	})
	require.NoError(t, err)
	return b
}

func TestBinanceCloseUsesReportedFillPrice(t *testing.T) {
	srv := newExchangeStub(t, "104")
	defer srv.Close()
	b := newStubbedBinance(t, srv)

	open, err := b.Open(context.Background(), OpenRequest{
		Token: "solusdt-1", Symbol: "SOLUSDT", Side: types.SideLong,
		Quantity: 10, EntryPrice: 100,
	})
	require.NoError(t, err)
	assert.InDelta(t, 100, open.Price, 1e-9)

	fill, err := b.Close(context.Background(), CloseRequest{PositionID: open.PositionID, Reason: "take_profit"})
	require.NoError(t, err)
	assert.InDelta(t, 104, fill.Price, 1e-9)
}

func TestBinanceCloseFallsBackToMarkPriceOnZeroAvgPrice(t *testing.T) {
	srv := newExchangeStub(t, "0")
	defer srv.Close()
	b := newStubbedBinance(t, srv)

	open, err := b.Open(context.Background(), OpenRequest{
		Token: "solusdt-2", Symbol: "SOLUSDT", Side: types.SideLong,
		Quantity: 10, EntryPrice: 100,
	})
	require.NoError(t, err)

	fill, err := b.Close(context.Background(), CloseRequest{PositionID: open.PositionID, Reason: "stop_loss"})
	require.NoError(t, err)
	assert.Greater(t, fill.Price, 0.0)
	assert.InDelta(t, 103.5, fill.Price, 1e-9)
}
