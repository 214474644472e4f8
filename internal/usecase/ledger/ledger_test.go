package ledger

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zono819/papertrade-engine/internal/domain/entity"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ptr(v decimal.Decimal) *decimal.Decimal {
	return &v
}

func marketOrder(symbol string, side entity.Side, qty string, leverage int) *entity.Order {
	return &entity.Order{
		Symbol:   symbol,
		Side:     side,
		Type:     entity.OrderTypeMarket,
		Quantity: d(qty),
		Leverage: leverage,
		Status:   entity.OrderStatusPending,
	}
}

func newTestLedger(balance string) *Ledger {
	l := New(d(balance))
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l.SetClock(func() time.Time { return fixed })
	return l
}

func TestLedger_OpenLongLocksMargin(t *testing.T) {
	l := newTestLedger("10000")

	order := marketOrder("BTC", entity.SideBuy, "0.4", 10)
	trade, err := l.ApplyFill(order, d("50000"))
	require.NoError(t, err)

	b := l.Balance()
	assert.True(t, b.Total.Equal(d("10000")), "total = %s", b.Total)
	assert.True(t, b.InPositions.Equal(d("2000")), "in_positions = %s", b.InPositions)
	assert.True(t, b.Available.Equal(d("8000")), "available = %s", b.Available)

	pos, ok := l.Position("BTC")
	require.True(t, ok)
	assert.Equal(t, entity.PositionLong, pos.Side)
	assert.True(t, pos.Quantity.Equal(d("0.4")))
	assert.True(t, pos.LiquidationPrice.Equal(d("45000")), "liq = %s", pos.LiquidationPrice)

	assert.False(t, trade.Closing)
	assert.True(t, trade.RealizedPnL.IsZero())
	assert.Equal(t, entity.OrderStatusFilled, order.Status)
	require.NotNil(t, order.FillPrice)
	assert.True(t, order.FillPrice.Equal(d("50000")))
	assert.Len(t, l.Trades(), 1)
	assert.NoError(t, l.CheckInvariants())
}

func TestLedger_AddRecomputesVolumeWeightedEntry(t *testing.T) {
	l := newTestLedger("10000")

	_, err := l.ApplyFill(marketOrder("ETH", entity.SideBuy, "1", 1), d("100"))
	require.NoError(t, err)
	_, err = l.ApplyFill(marketOrder("ETH", entity.SideBuy, "1", 1), d("120"))
	require.NoError(t, err)

	pos, ok := l.Position("ETH")
	require.True(t, ok)
	assert.True(t, pos.EntryPrice.Equal(d("110")), "entry = %s", pos.EntryPrice)
	assert.True(t, pos.Quantity.Equal(d("2")))
	assert.True(t, l.Balance().InPositions.Equal(d("220")))
	assert.Len(t, l.Trades(), 2)
	assert.NoError(t, l.CheckInvariants())
}

func TestLedger_AddKeepsPositionLeverage(t *testing.T) {
	l := newTestLedger("10000")

	_, err := l.ApplyFill(marketOrder("ETH", entity.SideBuy, "10", 5), d("100"))
	require.NoError(t, err)
	_, err = l.ApplyFill(marketOrder("ETH", entity.SideBuy, "10", 20), d("100"))
	require.NoError(t, err)

	pos, _ := l.Position("ETH")
	assert.Equal(t, 5, pos.Leverage)
	assert.True(t, pos.Margin.Equal(d("400")), "margin = %s", pos.Margin)
}

func TestLedger_CloseRealizesPnLAndRemovesPosition(t *testing.T) {
	tests := []struct {
		name    string
		open    entity.Side
		entry   string
		exit    string
		qty     string
		wantPnL string
	}{
		{name: "long win", open: entity.SideBuy, entry: "100", exit: "130", qty: "2", wantPnL: "60"},
		{name: "long loss", open: entity.SideBuy, entry: "100", exit: "90", qty: "2", wantPnL: "-20"},
		{name: "short win", open: entity.SideSell, entry: "100", exit: "80", qty: "3", wantPnL: "60"},
		{name: "short loss", open: entity.SideSell, entry: "100", exit: "105", qty: "3", wantPnL: "-15"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger("1000")
			_, err := l.ApplyFill(marketOrder("SOL", tt.open, tt.qty, 2), d(tt.entry))
			require.NoError(t, err)

			trade, err := l.ApplyFill(marketOrder("SOL", tt.open.Opposite(), tt.qty, 2), d(tt.exit))
			require.NoError(t, err)

			assert.True(t, trade.Closing)
			assert.True(t, trade.RealizedPnL.Equal(d(tt.wantPnL)), "pnl = %s", trade.RealizedPnL)

			_, ok := l.Position("SOL")
			assert.False(t, ok, "closed position must not remain")
			assert.Equal(t, 0, l.PositionCount())

			b := l.Balance()
			want := d("1000").Add(d(tt.wantPnL))
			assert.True(t, b.Total.Equal(want), "total = %s", b.Total)
			assert.True(t, b.InPositions.IsZero())
			assert.NoError(t, l.CheckInvariants())
		})
	}
}

func TestLedger_PartialReduceReleasesProportionalMargin(t *testing.T) {
	l := newTestLedger("1000")
	_, err := l.ApplyFill(marketOrder("SOL", entity.SideBuy, "4", 4), d("100"))
	require.NoError(t, err)

	trade, err := l.ApplyFill(marketOrder("SOL", entity.SideSell, "1", 4), d("110"))
	require.NoError(t, err)
	assert.True(t, trade.RealizedPnL.Equal(d("10")))

	pos, ok := l.Position("SOL")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(d("3")))
	assert.True(t, pos.EntryPrice.Equal(d("100")))
	assert.True(t, pos.Margin.Equal(d("75")), "margin = %s", pos.Margin)
	assert.True(t, l.Balance().Total.Equal(d("1010")))
	assert.NoError(t, l.CheckInvariants())
}

func TestLedger_OppositeFillFlipsWithExcess(t *testing.T) {
	l := newTestLedger("1000")
	_, err := l.ApplyFill(marketOrder("SOL", entity.SideBuy, "2", 2), d("100"))
	require.NoError(t, err)

	trade, err := l.ApplyFill(marketOrder("SOL", entity.SideSell, "5", 5), d("110"))
	require.NoError(t, err)
	assert.True(t, trade.Closing)
	assert.True(t, trade.RealizedPnL.Equal(d("20")))
	assert.True(t, trade.Quantity.Equal(d("5")))

	pos, ok := l.Position("SOL")
	require.True(t, ok)
	assert.Equal(t, entity.PositionShort, pos.Side)
	assert.True(t, pos.Quantity.Equal(d("3")))
	assert.True(t, pos.EntryPrice.Equal(d("110")))
	assert.Equal(t, 5, pos.Leverage)
	assert.True(t, pos.Margin.Equal(d("66")))
	assert.NoError(t, l.CheckInvariants())
}

func TestLedger_InsufficientBalanceLeavesLedgerUntouched(t *testing.T) {
	l := newTestLedger("1000")
	before := l.Snapshot()

	order := marketOrder("BTC", entity.SideBuy, "1", 1)
	_, err := l.ApplyFill(order, d("50000"))
	require.ErrorIs(t, err, ErrInsufficientBalance)

	assert.Equal(t, before, l.Snapshot())
	assert.Equal(t, entity.OrderStatusPending, order.Status)
	assert.Empty(t, l.Trades())
}

func TestLedger_ReduceOnlyClampsAndNeverOpens(t *testing.T) {
	l := newTestLedger("1000")

	stop := &entity.Order{ID: "sl", Symbol: "SOL", Side: entity.SideSell, Type: entity.OrderTypeStopLoss,
		Quantity: d("5"), Price: ptr(d("90")), ReduceOnly: true, Status: entity.OrderStatusPending}
	require.NoError(t, l.AddOrder(stop))

	_, err := l.ApplyFill(stop, d("90"))
	require.ErrorIs(t, err, ErrNothingToReduce)

	_, err = l.ApplyFill(marketOrder("SOL", entity.SideBuy, "2", 1), d("100"))
	require.NoError(t, err)

	trade, err := l.ApplyFill(stop, d("90"))
	require.NoError(t, err)
	assert.True(t, trade.Quantity.Equal(d("2")))
	assert.True(t, trade.RealizedPnL.Equal(d("-20")))
	assert.Equal(t, 0, l.PositionCount())

	got, ok := l.Order("sl")
	require.True(t, ok)
	assert.Equal(t, entity.OrderStatusFilled, got.Status)
	assert.Empty(t, l.OpenOrders())
}

func TestLedger_LiquidateRealizesExactlyTheMargin(t *testing.T) {
	l := newTestLedger("10000")
	_, err := l.ApplyFill(marketOrder("BTC", entity.SideBuy, "0.3", 3), d("50000"))
	require.NoError(t, err)
	pos, _ := l.Position("BTC")

	trade, err := l.Liquidate("BTC", pos.LiquidationPrice)
	require.NoError(t, err)
	assert.True(t, trade.Liquidation)
	assert.True(t, trade.Closing)
	assert.True(t, trade.RealizedPnL.Equal(pos.Margin.Neg()))
	assert.Equal(t, entity.SideSell, trade.Side)

	b := l.Balance()
	assert.True(t, b.Total.Equal(d("5000")), "total = %s", b.Total)
	assert.True(t, b.Available.Equal(d("5000")))
	assert.NoError(t, l.CheckInvariants())

	_, err = l.Liquidate("BTC", d("1"))
	assert.ErrorIs(t, err, ErrNothingToReduce)
}

func TestLedger_CancelOrder(t *testing.T) {
	l := newTestLedger("1000")
	limit := &entity.Order{ID: "lim", Symbol: "SOL", Side: entity.SideBuy, Type: entity.OrderTypeLimit,
		Quantity: d("1"), Price: ptr(d("95")), Leverage: 1, Status: entity.OrderStatusPending}
	require.NoError(t, l.AddOrder(limit))
	require.Len(t, l.OpenOrders(), 1)

	require.NoError(t, l.CancelOrder("lim"))
	assert.Empty(t, l.OpenOrders())

	got, ok := l.Order("lim")
	require.True(t, ok)
	assert.Equal(t, entity.OrderStatusCancelled, got.Status)

	assert.ErrorIs(t, l.CancelOrder("lim"), ErrUnknownOrder)
	assert.ErrorIs(t, l.CancelOrder("missing"), ErrUnknownOrder)

	_, err := l.ApplyFill(limit, d("95"))
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestLedger_AddOrderValidation(t *testing.T) {
	l := newTestLedger("1000")

	assert.ErrorIs(t, l.AddOrder(marketOrder("SOL", entity.SideBuy, "1", 1)), ErrInvalidOrder)
	assert.ErrorIs(t, l.AddOrder(&entity.Order{ID: "x", Symbol: "SOL", Side: entity.SideBuy,
		Type: entity.OrderTypeLimit, Quantity: d("1"), Status: entity.OrderStatusPending}), ErrInvalidOrder)

	ok := &entity.Order{ID: "x", Symbol: "SOL", Side: entity.SideBuy, Type: entity.OrderTypeLimit,
		Quantity: d("1"), Price: ptr(d("1")), Status: entity.OrderStatusPending}
	require.NoError(t, l.AddOrder(ok))
	assert.ErrorIs(t, l.AddOrder(ok), ErrInvalidOrder)
}

func TestLedger_CloneIsIndependent(t *testing.T) {
	l := newTestLedger("1000")
	_, err := l.ApplyFill(marketOrder("SOL", entity.SideBuy, "1", 1), d("100"))
	require.NoError(t, err)

	c := l.Clone()
	_, err = c.ApplyFill(marketOrder("SOL", entity.SideBuy, "1", 1), d("200"))
	require.NoError(t, err)

	pos, _ := l.Position("SOL")
	assert.True(t, pos.Quantity.Equal(d("1")))
	assert.Len(t, l.Trades(), 1)
	assert.Len(t, c.Trades(), 2)
}

func TestLedger_SnapshotRoundTrip(t *testing.T) {
	l := newTestLedger("1000")
	l.SetLeverage("SOL", 3)
	_, err := l.ApplyFill(marketOrder("SOL", entity.SideBuy, "3", 3), d("100"))
	require.NoError(t, err)
	require.NoError(t, l.AddOrder(&entity.Order{ID: "tp", Symbol: "SOL", Side: entity.SideSell,
		Type: entity.OrderTypeTakeProfit, Quantity: d("3"), Price: ptr(d("120")), ReduceOnly: true,
		Status: entity.OrderStatusPending}))
	l.RecordEquity(entity.EquitySnapshot{Timestamp: l.Now(), TotalBalance: d("1000")}, d("1000"), decimal.Zero, 0)

	restored := FromSnapshot(l.Snapshot())
	restored.SetClock(l.now)

	assert.Equal(t, l.Snapshot(), restored.Snapshot())
	assert.NoError(t, restored.CheckInvariants())
}

func TestLedger_RecordEquityCapsCurve(t *testing.T) {
	l := newTestLedger("1000")
	for i := 0; i < 5; i++ {
		l.RecordEquity(entity.EquitySnapshot{TotalBalance: decimal.NewFromInt(int64(1000 + i))},
			d("1004"), d("1.5"), 3)
	}
	curve := l.EquityCurve()
	require.Len(t, curve, 3)
	assert.True(t, curve[0].TotalBalance.Equal(d("1002")))
	assert.True(t, l.MaxDrawdownPct().Equal(d("1.5")))
}

// Random fill sequences must never break total == available + in_positions.
func TestLedger_BalanceInvariantHoldsForRandomFills(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	symbols := []string{"BTC", "ETH", "SOL"}
	sides := []entity.Side{entity.SideBuy, entity.SideSell}

	for run := 0; run < 50; run++ {
		l := newTestLedger("10000")
		for step := 0; step < 200; step++ {
			symbol := symbols[rng.Intn(len(symbols))]
			price := decimal.NewFromFloat(50 + rng.Float64()*150).Round(2)

			switch rng.Intn(10) {
			case 0:
				if pos, ok := l.Position(symbol); ok {
					_, err := l.Liquidate(symbol, pos.LiquidationPrice)
					require.NoError(t, err)
				}
			default:
				qty := decimal.NewFromFloat(0.1 + rng.Float64()*20).Round(3)
				order := marketOrder(symbol, sides[rng.Intn(2)], qty.String(), 1+rng.Intn(20))
				_, err := l.ApplyFill(order, price)
				if err != nil {
					require.ErrorIs(t, err, ErrInsufficientBalance)
				}
			}
			require.NoError(t, l.CheckInvariants(), "run %d step %d", run, step)
			for _, p := range l.Positions() {
				require.True(t, p.Quantity.IsPositive())
			}
		}
	}
}
