package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide represents position direction
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Sign returns +1 for long and -1 for short
func (s PositionSide) Sign() decimal.Decimal {
	if s == PositionShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// ExitSide returns the order side that reduces a position of this direction
func (s PositionSide) ExitSide() Side {
	if s == PositionLong {
		return SideSell
	}
	return SideBuy
}

// Position represents an open leveraged position.
//
// MarkPrice and UnrealizedPnL are derived from the latest mark price on read
// and are never persisted.
type Position struct {
	Symbol           string          `json:"symbol"`
	Side             PositionSide    `json:"side"`
	Quantity         decimal.Decimal `json:"quantity"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	Leverage         int             `json:"leverage"`
	Margin           decimal.Decimal `json:"margin"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	OpenedAt         time.Time       `json:"opened_at"`
	UpdatedAt        time.Time       `json:"updated_at"`

	MarkPrice     decimal.Decimal `json:"-"`
	UnrealizedPnL decimal.Decimal `json:"-"`
}

// IsLong returns true if position is long
func (p *Position) IsLong() bool {
	return p.Side == PositionLong
}

// IsShort returns true if position is short
func (p *Position) IsShort() bool {
	return p.Side == PositionShort
}

// Notional returns quantity times entry price
func (p *Position) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.EntryPrice)
}

// PnLAt returns the PnL of qty units of this position closed at price
func (p *Position) PnLAt(price, qty decimal.Decimal) decimal.Decimal {
	return price.Sub(p.EntryPrice).Mul(qty).Mul(p.Side.Sign())
}

// Mark sets MarkPrice and UnrealizedPnL from the given mark price
func (p *Position) Mark(price decimal.Decimal) {
	p.MarkPrice = price
	p.UnrealizedPnL = p.PnLAt(price, p.Quantity)
}

// Liquidated reports whether mark has crossed the liquidation price
func (p *Position) Liquidated(mark decimal.Decimal) bool {
	if p.IsLong() {
		return mark.LessThanOrEqual(p.LiquidationPrice)
	}
	return mark.GreaterThanOrEqual(p.LiquidationPrice)
}

// LiquidationPrice returns the price at which losses consume the margin
// allocated to a position (margin = notional / leverage).
func LiquidationPrice(side PositionSide, entry decimal.Decimal, leverage int) decimal.Decimal {
	if leverage < 1 {
		leverage = 1
	}
	move := entry.Div(decimal.NewFromInt(int64(leverage)))
	if side == PositionLong {
		return entry.Sub(move)
	}
	return entry.Add(move)
}
