package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"talon/internal/market"
	"talon/internal/types"

	"github.com/google/uuid"
)

// FillMode selects the simulated fill price.
type FillMode string

const (
	// FillAtRequest fills at the requested entry price immediately.
	FillAtRequest FillMode = "request"
	// FillAtTick fills at the feed's current reference price.
	FillAtTick FillMode = "tick"
)

type paperPosition struct {
	pos       types.Position
	closed    bool
	closeFill *Fill
}

// Paper simulates the exchange in memory. Open and Close never touch the
// network; idempotency and result shapes match the live adapter exactly so
// the session loop runs unmodified in dry-run mode.
type Paper struct {
	feed market.Feed
	mode FillMode
	now  func() time.Time

	mu        sync.Mutex
	byToken   map[string]*Fill
	positions map[string]*paperPosition
}

func NewPaper(feed market.Feed, mode FillMode) *Paper {
	if mode == "" {
		mode = FillAtRequest
	}
	return &Paper{
		feed:      feed,
		mode:      mode,
		now:       time.Now,
		byToken:   make(map[string]*Fill),
		positions: make(map[string]*paperPosition),
	}
}

func (p *Paper) Name() string { return "paper" }

func (p *Paper) Open(ctx context.Context, req OpenRequest) (*Fill, error) {
	if strings.TrimSpace(req.Token) == "" {
		return nil, permanentErr("paper open", fmt.Errorf("idempotency token is required"))
	}
	if req.Quantity <= 0 {
		return nil, permanentErr("paper open", fmt.Errorf("quantity must be positive, got %v", req.Quantity))
	}

	p.mu.Lock()
	if prior, ok := p.byToken[req.Token]; ok {
		p.mu.Unlock()
		dup := *prior
		dup.Duplicate = true
		return &dup, nil
	}
	p.mu.Unlock()

	price := req.EntryPrice
	if p.mode == FillAtTick {
		px, err := p.feed.CurrentPrice(ctx, req.Symbol)
		if err != nil {
			return nil, transientErr("paper open", err)
		}
		price = px
	}
	if price <= 0 {
		return nil, permanentErr("paper open", fmt.Errorf("no fill price for %s", req.Symbol))
	}

	id := uuid.NewString()
	fill := &Fill{
		PositionID: id,
		OrderRef:   "paper-" + req.Token,
		Price:      price,
		Quantity:   req.Quantity,
		FilledAt:   p.now(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Re-check under the lock: a concurrent retry may have won the race.
	if prior, ok := p.byToken[req.Token]; ok {
		dup := *prior
		dup.Duplicate = true
		return &dup, nil
	}
	p.byToken[req.Token] = fill
	p.positions[id] = &paperPosition{
		pos: types.Position{
			ID:         id,
			Symbol:     strings.ToUpper(req.Symbol),
			Side:       req.Side,
			EntryPrice: price,
			Quantity:   req.Quantity,
			Notional:   price * req.Quantity,
			StopLoss:   req.StopLoss,
			TakeProfit: req.TakeProfit,
			OpenedAt:   fill.FilledAt,
			Status:     types.StatusOpen,
			OrderRef:   fill.OrderRef,
		},
	}
	return fill, nil
}

func (p *Paper) Close(ctx context.Context, req CloseRequest) (*Fill, error) {
	p.mu.Lock()
	entry, ok := p.positions[req.PositionID]
	if !ok {
		p.mu.Unlock()
		return nil, permanentErr("paper close", fmt.Errorf("%w: %s", ErrUnknownPosition, req.PositionID))
	}
	if entry.closed {
		// Double close is a no-op: replay the original fill.
		dup := *entry.closeFill
		dup.Duplicate = true
		p.mu.Unlock()
		return &dup, nil
	}
	pos := entry.pos
	p.mu.Unlock()

	price := pos.EntryPrice
	if px, err := p.feed.CurrentPrice(ctx, pos.Symbol); err == nil && px > 0 {
		price = px
	}

	fill := &Fill{
		PositionID: pos.ID,
		OrderRef:   "paper-close-" + pos.ID,
		Price:      price,
		Quantity:   pos.Quantity,
		FilledAt:   p.now(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if entry.closed {
		dup := *entry.closeFill
		dup.Duplicate = true
		return &dup, nil
	}
	entry.closed = true
	entry.closeFill = fill
	entry.pos.Status = types.StatusClosed
	return fill, nil
}

func (p *Paper) Reconcile(_ context.Context, positionID string) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.positions[positionID]
	if !ok {
		return Status{PositionID: positionID}, nil
	}
	st := Status{
		PositionID: positionID,
		Known:      true,
		Open:       !entry.closed,
		Quantity:   entry.pos.Quantity,
	}
	if entry.closed {
		st.Quantity = 0
		st.ExitPrice = entry.closeFill.Price
	}
	return st, nil
}
