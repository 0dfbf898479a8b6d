package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// BinanceConfig configures the live broker
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
	Retry     RetryConfig
}

// Binance implements Broker against the Binance spot API. Positions are
// tracked locally from our own fills; stop-loss and take-profit exits are
// enforced on CheckPosition by comparing against the venue price.
type Binance struct {
	client  *binance.Client
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig

	mu        sync.Mutex
	positions map[string]*Position
	closed    map[string]*CloseEvent
}

// NewBinance creates a live Binance broker
func NewBinance(cfg BinanceConfig) *Binance {
	if cfg.Testnet {
		binance.UseTestnet = true
		log.Info().Msg("Binance broker initialized (TESTNET mode)")
	} else {
		log.Warn().Msg("Binance broker initialized (LIVE TRADING mode)")
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "binance",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	retry := cfg.Retry
	if retry.MaxRetries == 0 {
		retry = DefaultRetryConfig()
	}

	return &Binance{
		client:    binance.NewClient(cfg.APIKey, cfg.SecretKey),
		breaker:   breaker,
		retry:     retry,
		positions: make(map[string]*Position),
		closed:    make(map[string]*CloseEvent),
	}
}

func (b *Binance) execute(ctx context.Context, op func() error) error {
	return WithRetry(ctx, b.retry, func() error {
		_, err := b.breaker.Execute(func() (interface{}, error) {
			return nil, op()
		})
		return err
	})
}

func (b *Binance) currentPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := b.execute(ctx, func() error {
		prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
		if err != nil {
			return err
		}
		if len(prices) == 0 {
			return Permanent(fmt.Errorf("no price for symbol %s", symbol))
		}
		price, err = strconv.ParseFloat(prices[0].Price, 64)
		return err
	})
	return price, err
}

// PlaceOrder submits an order and records the resulting position
func (b *Binance) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if req.Quantity <= 0 {
		return nil, Permanent(fmt.Errorf("invalid quantity %.8f", req.Quantity))
	}

	side := binance.SideTypeBuy
	if req.Side == SideSell {
		side = binance.SideTypeSell
	}

	var resp *binance.CreateOrderResponse
	err := b.execute(ctx, func() error {
		svc := b.client.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(side).
			Quantity(fmt.Sprintf("%.8f", req.Quantity))
		if req.Type == TypeLimit {
			svc = svc.Type(binance.OrderTypeLimit).
				TimeInForce(binance.TimeInForceTypeGTC).
				Price(fmt.Sprintf("%.8f", req.Price))
		} else {
			svc = svc.Type(binance.OrderTypeMarket)
		}
		var err error
		resp, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to place order: %w", err)
	}

	fillPrice := req.Price
	var filledQty float64
	for _, f := range resp.Fills {
		p, _ := strconv.ParseFloat(f.Price, 64)
		q, _ := strconv.ParseFloat(f.Quantity, 64)
		if q > 0 {
			fillPrice = p
			filledQty += q
		}
	}
	if filledQty == 0 {
		filledQty = req.Quantity
	}

	now := time.Now().UTC()
	b.mu.Lock()
	b.positions[req.Symbol] = &Position{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   filledQty,
		EntryPrice: fillPrice,
		MarkPrice:  fillPrice,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenedAt:   now,
	}
	delete(b.closed, req.Symbol)
	b.mu.Unlock()

	log.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("quantity", filledQty).
		Float64("price", fillPrice).
		Int64("binance_order_id", resp.OrderID).
		Msg("Order placed")

	return &Order{
		ID:        uuid.New().String(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  filledQty,
		FillPrice: fillPrice,
		Status:    string(resp.Status),
		PlacedAt:  now,
	}, nil
}

// GetPosition returns the locally tracked position with a fresh mark price
func (b *Binance) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	b.mu.Lock()
	pos, ok := b.positions[symbol]
	if !ok {
		b.mu.Unlock()
		return nil, ErrNoPosition
	}
	cp := *pos
	b.mu.Unlock()

	price, err := b.currentPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	cp.MarkPrice = price
	cp.UnrealizedPnL = unrealizedPnL(&cp, price)
	return &cp, nil
}

// CheckPosition polls the venue price and enforces stop/take-profit exits
func (b *Binance) CheckPosition(ctx context.Context, symbol string) (*PositionCheck, error) {
	b.mu.Lock()
	pos, open := b.positions[symbol]
	if !open {
		ev, pending := b.closed[symbol]
		if pending {
			delete(b.closed, symbol)
		}
		b.mu.Unlock()
		return &PositionCheck{Open: false, Closed: ev}, nil
	}
	cp := *pos
	b.mu.Unlock()

	price, err := b.currentPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}

	if reason, hit := exitHit(&cp, price); hit {
		ev, err := b.ClosePosition(ctx, symbol, reason)
		if err != nil {
			return nil, err
		}
		return &PositionCheck{Open: false, Closed: ev}, nil
	}

	cp.MarkPrice = price
	cp.UnrealizedPnL = unrealizedPnL(&cp, price)
	return &PositionCheck{Open: true, Position: &cp}, nil
}

// ClosePosition flattens with an opposite market order
func (b *Binance) ClosePosition(ctx context.Context, symbol string, reason CloseReason) (*CloseEvent, error) {
	b.mu.Lock()
	pos, ok := b.positions[symbol]
	if !ok {
		b.mu.Unlock()
		return nil, ErrNoPosition
	}
	cp := *pos
	b.mu.Unlock()

	opposite := SideSell
	if cp.Side == SideSell {
		opposite = SideBuy
	}

	side := binance.SideTypeSell
	if opposite == SideBuy {
		side = binance.SideTypeBuy
	}

	var resp *binance.CreateOrderResponse
	err := b.execute(ctx, func() error {
		var err error
		resp, err = b.client.NewCreateOrderService().
			Symbol(symbol).
			Side(side).
			Type(binance.OrderTypeMarket).
			Quantity(fmt.Sprintf("%.8f", cp.Quantity)).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to close position: %w", err)
	}

	exitPrice := cp.MarkPrice
	for _, f := range resp.Fills {
		if p, perr := strconv.ParseFloat(f.Price, 64); perr == nil && p > 0 {
			exitPrice = p
		}
	}

	ev := &CloseEvent{
		Symbol:      symbol,
		Reason:      reason,
		ExitPrice:   exitPrice,
		RealizedPnL: unrealizedPnL(&cp, exitPrice),
		ClosedAt:    time.Now().UTC(),
	}

	b.mu.Lock()
	delete(b.positions, symbol)
	b.mu.Unlock()

	log.Info().
		Str("symbol", symbol).
		Str("reason", string(reason)).
		Float64("pnl", ev.RealizedPnL).
		Msg("Position closed")

	return ev, nil
}

// AccountInfo fetches spot balances
func (b *Binance) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	var account *binance.Account
	err := b.execute(ctx, func() error {
		var err error
		account, err = b.client.NewGetAccountService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account: %w", err)
	}

	balances := make(map[string]float64)
	for _, bal := range account.Balances {
		free, _ := strconv.ParseFloat(bal.Free, 64)
		if free > 0 {
			balances[bal.Asset] = free
		}
	}
	return &AccountInfo{Balances: balances}, nil
}
