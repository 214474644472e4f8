package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/zono819/papertrade-engine/internal/adapter/gateway"
	"github.com/zono819/papertrade-engine/internal/domain/entity"
)

// Ensure Static implements PriceFeed
var _ gateway.PriceFeed = (*Static)(nil)

// Static serves fixed mark prices, for dry runs and tests
type Static struct {
	mu     sync.RWMutex
	prices entity.MarkPrices
	err    error
}

// NewStatic creates a feed from a symbol to price table
func NewStatic(prices map[string]float64) *Static {
	s := &Static{prices: make(entity.MarkPrices, len(prices))}
	for symbol, p := range prices {
		s.prices[strings.ToUpper(symbol)] = decimal.NewFromFloat(p)
	}
	return s
}

// Set replaces the price of symbol
func (s *Static) Set(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[strings.ToUpper(symbol)] = price
}

// Fail makes every following call return err until cleared with nil
func (s *Static) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// MarkPrices returns the configured prices of symbols
func (s *Static) MarkPrices(ctx context.Context, symbols []string) (entity.MarkPrices, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, fmt.Errorf("static feed: %w", s.err)
	}
	marks := make(entity.MarkPrices, len(symbols))
	for _, symbol := range symbols {
		if p, ok := s.prices.Get(symbol); ok {
			marks[symbol] = p
		}
	}
	return marks, nil
}
