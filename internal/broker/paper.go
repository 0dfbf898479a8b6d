package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Paper is an in-memory broker for validation-mode pipelines and tests.
// Orders fill instantly at the mark price; stop-loss and take-profit exits
// trigger when SetMarkPrice crosses them.
type Paper struct {
	mu         sync.Mutex
	markPrices map[string]float64
	positions  map[string]*Position
	// closed holds close events not yet observed by a CheckPosition call
	closed  map[string]*CloseEvent
	balance float64
}

// NewPaper creates a paper broker with the given starting balance
func NewPaper(startingBalance float64) *Paper {
	return &Paper{
		markPrices: make(map[string]float64),
		positions:  make(map[string]*Position),
		closed:     make(map[string]*CloseEvent),
		balance:    startingBalance,
	}
}

// SetMarkPrice updates the simulated market price and evaluates stop-loss /
// take-profit exits against it.
func (p *Paper) SetMarkPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.markPrices[symbol] = price

	pos, ok := p.positions[symbol]
	if !ok {
		return
	}
	pos.MarkPrice = price
	pos.UnrealizedPnL = unrealizedPnL(pos, price)

	if reason, hit := exitHit(pos, price); hit {
		p.closeLocked(symbol, pos, price, reason)
	}
}

func exitHit(pos *Position, price float64) (CloseReason, bool) {
	if pos.Side == SideBuy {
		if pos.StopLoss > 0 && price <= pos.StopLoss {
			return CloseStopLoss, true
		}
		if pos.TakeProfit > 0 && price >= pos.TakeProfit {
			return CloseTakeProfit, true
		}
		return "", false
	}
	if pos.StopLoss > 0 && price >= pos.StopLoss {
		return CloseStopLoss, true
	}
	if pos.TakeProfit > 0 && price <= pos.TakeProfit {
		return CloseTakeProfit, true
	}
	return "", false
}

func unrealizedPnL(pos *Position, price float64) float64 {
	if pos.Side == SideBuy {
		return (price - pos.EntryPrice) * pos.Quantity
	}
	return (pos.EntryPrice - price) * pos.Quantity
}

func (p *Paper) closeLocked(symbol string, pos *Position, price float64, reason CloseReason) {
	pnl := unrealizedPnL(pos, price)
	p.balance += pnl
	delete(p.positions, symbol)
	p.closed[symbol] = &CloseEvent{
		Symbol:      symbol,
		Reason:      reason,
		ExitPrice:   price,
		RealizedPnL: pnl,
		ClosedAt:    time.Now().UTC(),
	}
	log.Debug().
		Str("symbol", symbol).
		Str("reason", string(reason)).
		Float64("pnl", pnl).
		Msg("Paper position closed")
}

// PlaceOrder fills immediately at the mark price
func (p *Paper) PlaceOrder(_ context.Context, req OrderRequest) (*Order, error) {
	if req.Quantity <= 0 {
		return nil, Permanent(fmt.Errorf("invalid quantity %.8f", req.Quantity))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	price := p.markPrices[req.Symbol]
	if req.Type == TypeLimit && req.Price > 0 {
		price = req.Price
	}
	if price <= 0 {
		return nil, Permanent(fmt.Errorf("no mark price for %s", req.Symbol))
	}
	if _, exists := p.positions[req.Symbol]; exists {
		return nil, Permanent(fmt.Errorf("position already open for %s", req.Symbol))
	}

	now := time.Now().UTC()
	p.positions[req.Symbol] = &Position{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		EntryPrice: price,
		MarkPrice:  price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenedAt:   now,
	}
	delete(p.closed, req.Symbol)

	return &Order{
		ID:        uuid.New().String(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		FillPrice: price,
		Status:    "filled",
		PlacedAt:  now,
	}, nil
}

// GetPosition returns the open position or ErrNoPosition
func (p *Paper) GetPosition(_ context.Context, symbol string) (*Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return nil, ErrNoPosition
	}
	cp := *pos
	return &cp, nil
}

// CheckPosition reports the position status, consuming any pending close event
func (p *Paper) CheckPosition(_ context.Context, symbol string) (*PositionCheck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pos, ok := p.positions[symbol]; ok {
		cp := *pos
		return &PositionCheck{Open: true, Position: &cp}, nil
	}
	if ev, ok := p.closed[symbol]; ok {
		delete(p.closed, symbol)
		return &PositionCheck{Open: false, Closed: ev}, nil
	}
	return &PositionCheck{Open: false}, nil
}

// ClosePosition flattens the position at the current mark price
func (p *Paper) ClosePosition(_ context.Context, symbol string, reason CloseReason) (*CloseEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok {
		return nil, ErrNoPosition
	}
	price := p.markPrices[symbol]
	if price <= 0 {
		price = pos.EntryPrice
	}
	p.closeLocked(symbol, pos, price, reason)
	ev := p.closed[symbol]
	delete(p.closed, symbol)
	return ev, nil
}

// AccountInfo reports the simulated balance
func (p *Paper) AccountInfo(_ context.Context) (*AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &AccountInfo{
		Balances: map[string]float64{"USDT": p.balance},
		Equity:   p.balance,
	}, nil
}
