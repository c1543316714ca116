package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"talon/internal/logger"
	"talon/internal/pkg/circuit"
	"talon/internal/pkg/trading"
	"talon/internal/types"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
)

// BinanceConfig describes the live executor.
type BinanceConfig struct {
	APIKey      string
	APISecret   string
	RESTBaseURL string
	Timeout     time.Duration
	Testnet     bool
	// QuantityStep aligns order quantities with the instrument's lot size.
	QuantityStep float64
	// RetryBase overrides the first backoff delay (tests).
	RetryBase time.Duration
}

type liveMeta struct {
	pos       types.Position
	closed    bool
	closeFill *Fill
}

// Binance executes against USDⓈ-M futures. Idempotency rides on the
// exchange's client order id: the caller token becomes the entry order's
// client id, so a replay is detected on the exchange itself, not just in
// process memory.
type Binance struct {
	cfg     BinanceConfig
	client  *futures.Client
	breaker *circuit.Breaker
	now     func() time.Time

	mu        sync.Mutex
	byToken   map[string]*Fill
	positions map[string]*liveMeta
}

func NewBinance(cfg BinanceConfig) (*Binance, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.APISecret) == "" {
		return nil, fmt.Errorf("binance executor requires api key and secret")
	}
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	if strings.TrimSpace(cfg.RESTBaseURL) != "" {
		client.BaseURL = strings.TrimSpace(cfg.RESTBaseURL)
	}
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}
	return &Binance{
		cfg:       cfg,
		client:    client,
		breaker:   circuit.NewBreaker("binance", 5, 30*time.Second),
		now:       time.Now,
		byToken:   make(map[string]*Fill),
		positions: make(map[string]*liveMeta),
	}, nil
}

func (b *Binance) Name() string { return "binance" }

// Ping verifies connectivity at startup; failure here is fatal for the
// process, unlike in-session failures.
func (b *Binance) Ping(ctx context.Context) error {
	if err := b.client.NewPingService().Do(ctx); err != nil {
		return fmt.Errorf("exchange unreachable: %w", err)
	}
	return nil
}

func (b *Binance) Open(ctx context.Context, req OpenRequest) (*Fill, error) {
	if strings.TrimSpace(req.Token) == "" {
		return nil, permanentErr("binance open", fmt.Errorf("idempotency token is required"))
	}

	b.mu.Lock()
	if prior, ok := b.byToken[req.Token]; ok {
		b.mu.Unlock()
		dup := *prior
		dup.Duplicate = true
		return &dup, nil
	}
	b.mu.Unlock()

	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	// The exchange remembers client order ids, so a token already accepted
	// on a previous run (or a retry whose response we lost) is served back
	// instead of resubmitted.
	if existing, err := b.lookupOrder(ctx, symbol, req.Token); err == nil && existing != nil {
		return b.registerOpen(req, symbol, existing, true), nil
	}

	var order *futures.CreateOrderResponse
	err := b.guarded(ctx, "binance open", func(ctx context.Context) error {
		var err error
		order, err = b.client.NewCreateOrderService().
			Symbol(symbol).
			Side(entrySide(req.Side)).
			Type(futures.OrderTypeMarket).
			Quantity(trading.RoundStep(req.Quantity, b.cfg.QuantityStep)).
			NewClientOrderID(req.Token).
			Do(ctx)
		return b.classify("binance open", err)
	})
	if err != nil {
		return nil, err
	}

	fill := b.registerOpen(req, symbol, order, false)

	// Protective orders are best-effort: the engine monitors stop and target
	// on every cycle regardless, so a rejected bracket order is a warning,
	// not a failed entry.
	if req.StopLoss > 0 {
		if err := b.placeTrigger(ctx, symbol, req, futures.OrderTypeStopMarket, req.StopLoss); err != nil {
			logger.Warnf("binance: stop-loss order for %s not placed: %v", fill.PositionID, err)
		}
	}
	if req.TakeProfit > 0 {
		if err := b.placeTrigger(ctx, symbol, req, futures.OrderTypeTakeProfitMarket, req.TakeProfit); err != nil {
			logger.Warnf("binance: take-profit order for %s not placed: %v", fill.PositionID, err)
		}
	}
	return fill, nil
}

func (b *Binance) registerOpen(req OpenRequest, symbol string, order *futures.CreateOrderResponse, duplicate bool) *Fill {
	price := parseFloat(order.AvgPrice)
	if price <= 0 {
		price = req.EntryPrice
	}
	qty := parseFloat(order.ExecutedQuantity)
	if qty <= 0 {
		qty = req.Quantity
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if prior, ok := b.byToken[req.Token]; ok {
		dup := *prior
		dup.Duplicate = true
		return &dup
	}
	id := uuid.NewString()
	fill := &Fill{
		PositionID: id,
		OrderRef:   strconv.FormatInt(order.OrderID, 10),
		Price:      price,
		Quantity:   qty,
		FilledAt:   b.now(),
		Duplicate:  duplicate,
	}
	b.byToken[req.Token] = fill
	b.positions[id] = &liveMeta{
		pos: types.Position{
			ID:         id,
			Symbol:     symbol,
			Side:       req.Side,
			EntryPrice: price,
			Quantity:   qty,
			Notional:   price * qty,
			StopLoss:   req.StopLoss,
			TakeProfit: req.TakeProfit,
			OpenedAt:   fill.FilledAt,
			Status:     types.StatusOpen,
			OrderRef:   fill.OrderRef,
		},
	}
	return fill
}

func (b *Binance) placeTrigger(ctx context.Context, symbol string, req OpenRequest, typ futures.OrderType, stopPrice float64) error {
	_, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(exitSide(req.Side)).
		Type(typ).
		StopPrice(trading.RoundStep(stopPrice, 0)).
		ClosePosition(true).
		Do(ctx)
	return err
}

func (b *Binance) Close(ctx context.Context, req CloseRequest) (*Fill, error) {
	b.mu.Lock()
	meta, ok := b.positions[req.PositionID]
	if !ok {
		b.mu.Unlock()
		return nil, permanentErr("binance close", fmt.Errorf("%w: %s", ErrUnknownPosition, req.PositionID))
	}
	if meta.closed {
		dup := *meta.closeFill
		dup.Duplicate = true
		b.mu.Unlock()
		return &dup, nil
	}
	pos := meta.pos
	b.mu.Unlock()

	closeToken := "cls-" + req.PositionID
	var order *futures.CreateOrderResponse
	if existing, err := b.lookupOrder(ctx, pos.Symbol, closeToken); err == nil && existing != nil {
		order = existing
	} else {
		err := b.guarded(ctx, "binance close", func(ctx context.Context) error {
			var err error
			order, err = b.client.NewCreateOrderService().
				Symbol(pos.Symbol).
				Side(exitSide(pos.Side)).
				Type(futures.OrderTypeMarket).
				Quantity(trading.RoundStep(pos.Quantity, b.cfg.QuantityStep)).
				ReduceOnly(true).
				NewClientOrderID(closeToken).
				Do(ctx)
			return b.classify("binance close", err)
		})
		if err != nil {
			return nil, err
		}
	}

	price := parseFloat(order.AvgPrice)
	if price <= 0 {
		// Market close responses can carry avgPrice "0" before fill data
		// propagates. Fall back to the mark price, then the entry price.
		if px := b.markPrice(ctx, pos.Symbol); px > 0 {
			price = px
		} else {
			price = pos.EntryPrice
		}
	}
	fill := &Fill{
		PositionID: pos.ID,
		OrderRef:   strconv.FormatInt(order.OrderID, 10),
		Price:      price,
		Quantity:   pos.Quantity,
		FilledAt:   b.now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if meta.closed {
		dup := *meta.closeFill
		dup.Duplicate = true
		return &dup, nil
	}
	meta.closed = true
	meta.closeFill = fill
	meta.pos.Status = types.StatusClosed
	return fill, nil
}

// Reconcile asks the exchange for the truth about a position. A stop-loss
// triggered server-side shows up here as Known && !Open while the local
// registry still believes the position is live.
func (b *Binance) Reconcile(ctx context.Context, positionID string) (Status, error) {
	b.mu.Lock()
	meta, ok := b.positions[positionID]
	b.mu.Unlock()
	if !ok {
		return Status{PositionID: positionID}, nil
	}

	var risks []*futures.PositionRisk
	err := b.guarded(ctx, "binance reconcile", func(ctx context.Context) error {
		var err error
		risks, err = b.client.NewGetPositionRiskService().Symbol(meta.pos.Symbol).Do(ctx)
		return b.classify("binance reconcile", err)
	})
	if err != nil {
		return Status{}, err
	}

	st := Status{PositionID: positionID, Known: true}
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		st.Open = true
		if amt < 0 {
			amt = -amt
		}
		st.Quantity = amt
		st.MarkPrice = parseFloat(r.MarkPrice)
	}
	if !st.Open {
		st.ExitPrice = meta.pos.StopLoss
		if px := b.lastMark(risks); px > 0 {
			st.ExitPrice = px
		}
	}
	return st, nil
}

func (b *Binance) markPrice(ctx context.Context, symbol string) float64 {
	var risks []*futures.PositionRisk
	err := b.guarded(ctx, "binance mark price", func(ctx context.Context) error {
		var err error
		risks, err = b.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
		return b.classify("binance mark price", err)
	})
	if err != nil {
		logger.Warnf("binance: mark price for %s unavailable: %v", symbol, err)
		return 0
	}
	return b.lastMark(risks)
}

func (b *Binance) lastMark(risks []*futures.PositionRisk) float64 {
	for _, r := range risks {
		if px := parseFloat(r.MarkPrice); px > 0 {
			return px
		}
	}
	return 0
}

func (b *Binance) lookupOrder(ctx context.Context, symbol, clientOrderID string) (*futures.CreateOrderResponse, error) {
	order, err := b.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil || order == nil {
		return nil, err
	}
	return &futures.CreateOrderResponse{
		OrderID:          order.OrderID,
		ClientOrderID:    order.ClientOrderID,
		AvgPrice:         order.AvgPrice,
		ExecutedQuantity: order.ExecutedQuantity,
	}, nil
}

// guarded wraps a call with the circuit breaker and the retry policy.
func (b *Binance) guarded(ctx context.Context, op string, fn func(context.Context) error) error {
	return withRetry(ctx, op, b.cfg.RetryBase, func(ctx context.Context) error {
		if !b.breaker.Allow() {
			return transientErr(op, fmt.Errorf("circuit breaker open"))
		}
		err := fn(ctx)
		if err != nil {
			b.breaker.RecordFailure()
			return err
		}
		b.breaker.RecordSuccess()
		return nil
	})
}

// classify maps exchange errors onto the retry taxonomy. Rate limits,
// gateway hiccups and timeouts are transient; rejections are permanent and
// surface verbatim.
func (b *Binance) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1001, -1003, -1007, -1015, -1021:
			return transientErr(op, err)
		}
		return permanentErr(op, err)
	}
	if isNetTransient(err) {
		return transientErr(op, err)
	}
	return transientErr(op, err)
}

func entrySide(side types.Side) futures.SideType {
	if side == types.SideShort {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func exitSide(side types.Side) futures.SideType {
	if side == types.SideShort {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
