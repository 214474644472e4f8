package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is an append-only record of one fill
type Trade struct {
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	OrderType   OrderType       `json:"order_type"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Timestamp   time.Time       `json:"timestamp"`
	Closing     bool            `json:"closing"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Liquidation bool            `json:"liquidation,omitempty"`
}

// EquitySnapshot is one point of the equity curve
type EquitySnapshot struct {
	Timestamp    time.Time       `json:"timestamp"`
	TotalBalance decimal.Decimal `json:"total_balance"`
}

// DrawdownPct returns the percentage decline of value from peak, or zero
// when value is at or above peak.
func DrawdownPct(peak, value decimal.Decimal) decimal.Decimal {
	if !peak.IsPositive() || value.GreaterThanOrEqual(peak) {
		return decimal.Zero
	}
	return peak.Sub(value).Div(peak).Mul(decimal.NewFromInt(100))
}
