// Package broker abstracts order placement and position tracking across
// paper and live trading backends.
package broker

import (
	"context"
	"time"
)

// OrderSide is the direction of an order
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType distinguishes market from limit orders
type OrderType string

const (
	TypeMarket OrderType = "market"
	TypeLimit  OrderType = "limit"
)

// CloseReason records why a position closed
type CloseReason string

const (
	CloseStopLoss   CloseReason = "stop_loss"
	CloseTakeProfit CloseReason = "take_profit"
	CloseManual     CloseReason = "manual"
	CloseExternal   CloseReason = "external"
)

// OrderRequest describes an order to be placed. StopLoss and TakeProfit are
// attached to the resulting position when non-zero.
type OrderRequest struct {
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Type       OrderType `json:"type"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price,omitempty"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	TakeProfit float64   `json:"take_profit,omitempty"`
}

// Order is a placed order
type Order struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Side      OrderSide `json:"side"`
	Type      OrderType `json:"type"`
	Quantity  float64   `json:"quantity"`
	FillPrice float64   `json:"fill_price"`
	Status    string    `json:"status"`
	PlacedAt  time.Time `json:"placed_at"`
}

// Position is an open position as the broker reports it
type Position struct {
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Quantity      float64   `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	StopLoss      float64   `json:"stop_loss,omitempty"`
	TakeProfit    float64   `json:"take_profit,omitempty"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	OpenedAt      time.Time `json:"opened_at"`
}

// CloseEvent describes a position close observed or performed by the broker
type CloseEvent struct {
	Symbol      string      `json:"symbol"`
	Reason      CloseReason `json:"reason"`
	ExitPrice   float64     `json:"exit_price"`
	RealizedPnL float64     `json:"realized_pnl"`
	ClosedAt    time.Time   `json:"closed_at"`
}

// PositionCheck is one monitor poll result. Exactly one of Position (still
// open) or Closed (terminated since the last poll) is set when Open flips.
type PositionCheck struct {
	Open     bool        `json:"open"`
	Position *Position   `json:"position,omitempty"`
	Closed   *CloseEvent `json:"closed,omitempty"`
}

// AccountInfo summarizes broker account state
type AccountInfo struct {
	Balances map[string]float64 `json:"balances"`
	Equity   float64            `json:"equity"`
}

// Broker is the trading backend contract. The paper broker simulates fills
// and stop/take-profit exits; the Binance adapter talks to the real venue.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	GetPosition(ctx context.Context, symbol string) (*Position, error)

	// CheckPosition is the monitor's poll. It must distinguish "still open"
	// from "closed since last check" from "no position known".
	CheckPosition(ctx context.Context, symbol string) (*PositionCheck, error)

	// ClosePosition flattens the position at market and reports the close
	ClosePosition(ctx context.Context, symbol string, reason CloseReason) (*CloseEvent, error)

	AccountInfo(ctx context.Context) (*AccountInfo, error)
}
