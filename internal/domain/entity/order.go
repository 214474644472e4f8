package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents order side (buy or sell)
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known order side
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide returns the direction a fill on this side opens
func (s Side) PositionSide() PositionSide {
	if s == SideBuy {
		return PositionLong
	}
	return PositionShort
}

// OrderType represents order type
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopLoss   OrderType = "stop_loss"
	OrderTypeTakeProfit OrderType = "take_profit"
)

// Conditional reports whether orders of this type wait for a price trigger
func (t OrderType) Conditional() bool {
	return t != OrderTypeMarket
}

// Protective reports whether the type is a stop-loss or take-profit
func (t OrderType) Protective() bool {
	return t == OrderTypeStopLoss || t == OrderTypeTakeProfit
}

// OrderStatus represents order status
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order represents a simulated order.
//
// Price is nil for market orders. For stop-loss orders it holds the stop
// price, for take-profit orders the target price.
type Order struct {
	ID         string           `json:"order_id"`
	Symbol     string           `json:"symbol"`
	Side       Side             `json:"side"`
	Type       OrderType        `json:"type"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Price      *decimal.Decimal `json:"price"`
	Leverage   int              `json:"leverage"`
	ReduceOnly bool             `json:"reduce_only,omitempty"`
	Status     OrderStatus      `json:"status"`
	FillPrice  *decimal.Decimal `json:"fill_price,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	FilledAt   *time.Time       `json:"filled_at,omitempty"`
}

// IsFilled returns true if order is completely filled
func (o *Order) IsFilled() bool {
	return o.Status == OrderStatusFilled
}

// IsTerminal returns true once the order can no longer change
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCancelled
}

// Clone returns a deep copy of the order
func (o *Order) Clone() *Order {
	c := *o
	if o.Price != nil {
		p := *o.Price
		c.Price = &p
	}
	if o.FillPrice != nil {
		p := *o.FillPrice
		c.FillPrice = &p
	}
	if o.FilledAt != nil {
		t := *o.FilledAt
		c.FilledAt = &t
	}
	return &c
}

// Triggered reports whether a pending conditional order fires at the given mark.
//
// A limit buy fires at or below its price and a limit sell at or above it.
// A sell stop protects a long and fires once mark falls to the stop, a buy
// stop protects a short and fires once mark rises to it. Take-profits fire
// when mark reaches the favorable target.
func (o *Order) Triggered(mark decimal.Decimal) bool {
	if o.Price == nil || o.Status != OrderStatusPending {
		return false
	}
	price := *o.Price
	switch o.Type {
	case OrderTypeLimit, OrderTypeTakeProfit:
		if o.Side == SideBuy {
			return mark.LessThanOrEqual(price)
		}
		return mark.GreaterThanOrEqual(price)
	case OrderTypeStopLoss:
		if o.Side == SideSell {
			return mark.LessThanOrEqual(price)
		}
		return mark.GreaterThanOrEqual(price)
	default:
		return false
	}
}
