// Package market provides the price feed consumed by the engine for
// unrealized-PnL and exit-condition evaluation.
package market

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
)

// Feed returns the current reference price for a symbol.
type Feed interface {
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// BinanceFeed reads mark prices from the USDⓈ-M futures REST API. The price
// endpoint is public, so the same feed serves paper and live mode.
type BinanceFeed struct {
	client *futures.Client

	mu   sync.Mutex
	last map[string]quote
}

type quote struct {
	price float64
	at    time.Time
}

// staleAfter bounds how old a cached quote may be when the REST call fails.
const staleAfter = 2 * time.Minute

func NewBinanceFeed(baseURL string, timeout time.Duration) *BinanceFeed {
	client := futures.NewClient("", "")
	if strings.TrimSpace(baseURL) != "" {
		client.BaseURL = strings.TrimSpace(baseURL)
	}
	if timeout > 0 {
		client.HTTPClient.Timeout = timeout
	}
	return &BinanceFeed{client: client, last: make(map[string]quote)}
}

func (f *BinanceFeed) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return 0, fmt.Errorf("symbol is required")
	}
	prices, err := f.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		if px, ok := f.cached(symbol); ok {
			return px, nil
		}
		return 0, fmt.Errorf("fetching price for %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price returned for %s", symbol)
	}
	px, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing price %q for %s: %w", prices[0].Price, symbol, err)
	}
	f.mu.Lock()
	f.last[symbol] = quote{price: px, at: time.Now()}
	f.mu.Unlock()
	return px, nil
}

func (f *BinanceFeed) cached(symbol string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.last[symbol]
	if !ok || time.Since(q.at) > staleAfter {
		return 0, false
	}
	return q.price, true
}

// StaticFeed is a fixed-price feed for tests and offline replay.
type StaticFeed struct {
	mu     sync.Mutex
	prices map[string]float64
}

func NewStaticFeed() *StaticFeed {
	return &StaticFeed{prices: make(map[string]float64)}
}

func (f *StaticFeed) Set(symbol string, price float64) {
	f.mu.Lock()
	f.prices[strings.ToUpper(symbol)] = price
	f.mu.Unlock()
}

func (f *StaticFeed) CurrentPrice(_ context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	px, ok := f.prices[strings.ToUpper(symbol)]
	if !ok {
		return 0, fmt.Errorf("no price set for %s", symbol)
	}
	return px, nil
}
