package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	chartypes "github.com/go-echarts/go-echarts/v2/types"
)

// equityHandler renders the equity curve rebuilt from the trade ledger:
// initial capital plus the running sum of realized PnL, one point per
// closed trade.
func equityHandler(symbol string, state StateProvider, trades TradeReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		recs, err := trades.ListAll(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		snap := state.Snapshot()

		xAxis := make([]string, 0, len(recs)+1)
		points := make([]opts.LineData, 0, len(recs)+1)
		equity := snap.InitialCapital
		xAxis = append(xAxis, "start")
		points = append(points, opts.LineData{Value: equity})
		for _, r := range recs {
			equity += r.RealizedPnL
			xAxis = append(xAxis, r.ClosedAt.UTC().Format("01-02 15:04"))
			points = append(points, opts.LineData{Value: equity})
		}

		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{
				Theme:     chartypes.ThemeWesteros,
				PageTitle: fmt.Sprintf("%s equity", symbol),
			}),
			charts.WithTitleOpts(opts.Title{
				Title:    fmt.Sprintf("Equity %s", symbol),
				Subtitle: fmt.Sprintf("capital=%.2f realized_today=%.2f at %s", snap.CurrentCapital, snap.RealizedToday, time.Now().UTC().Format(time.RFC3339)),
			}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		)
		line.SetXAxis(xAxis)
		line.AddSeries("equity", points,
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false), Smooth: opts.Bool(true)}),
		)

		c.Header("Content-Type", "text/html; charset=utf-8")
		if err := line.Render(c.Writer); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}
