package entity

import "github.com/shopspring/decimal"

// Balance represents the account balance.
//
// Total only moves on realized PnL. InPositions is the margin locked by open
// positions and Available is what is left of Total.
type Balance struct {
	Total       decimal.Decimal `json:"total"`
	Available   decimal.Decimal `json:"available"`
	InPositions decimal.Decimal `json:"in_positions"`
}

// NewBalance returns a balance with everything available
func NewBalance(total decimal.Decimal) Balance {
	return Balance{Total: total, Available: total, InPositions: decimal.Zero}
}

// Consistent reports whether Total == Available + InPositions and Available >= 0
func (b Balance) Consistent() bool {
	return b.Total.Equal(b.Available.Add(b.InPositions)) && !b.Available.IsNegative()
}
