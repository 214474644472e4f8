package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ticker represents a mark price observation for one symbol
type Ticker struct {
	Symbol    string
	MarkPrice decimal.Decimal
	Timestamp time.Time
}

// MarkPrices maps symbol to its latest mark price
type MarkPrices map[string]decimal.Decimal

// Get returns the mark for symbol and whether a positive mark is known
func (m MarkPrices) Get(symbol string) (decimal.Decimal, bool) {
	p, ok := m[symbol]
	if !ok || !p.IsPositive() {
		return decimal.Zero, false
	}
	return p, true
}
