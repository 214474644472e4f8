package feed

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic_MarkPrices(t *testing.T) {
	s := NewStatic(map[string]float64{"btc": 50000, "ETH": 3000, "SOL": 0})

	marks, err := s.MarkPrices(context.Background(), []string{"BTC", "ETH", "SOL", "DOGE"})
	require.NoError(t, err)
	assert.Len(t, marks, 2)
	assert.True(t, marks["BTC"].Equal(decimal.NewFromInt(50000)))

	s.Set("eth", decimal.NewFromInt(3100))
	marks, err = s.MarkPrices(context.Background(), []string{"ETH"})
	require.NoError(t, err)
	assert.True(t, marks["ETH"].Equal(decimal.NewFromInt(3100)))
}

func TestStatic_Fail(t *testing.T) {
	s := NewStatic(map[string]float64{"BTC": 1})
	boom := errors.New("provider down")

	s.Fail(boom)
	_, err := s.MarkPrices(context.Background(), []string{"BTC"})
	assert.ErrorIs(t, err, boom)

	s.Fail(nil)
	_, err = s.MarkPrices(context.Background(), []string{"BTC"})
	assert.NoError(t, err)
}

func TestStatic_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewStatic(nil).MarkPrices(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
