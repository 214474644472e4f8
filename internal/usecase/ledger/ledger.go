package ledger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zono819/papertrade-engine/internal/domain/entity"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownOrder        = errors.New("unknown order")
	ErrInvalidOrder        = errors.New("invalid order")
	ErrNothingToReduce     = errors.New("no position to reduce")
	ErrInvariantViolation  = errors.New("ledger invariant violated")
)

// Ledger holds balance, positions, orders and history of one paper account.
//
// Ledger is not safe for concurrent use; the engine that owns it serializes
// all access.
type Ledger struct {
	initialBalance decimal.Decimal
	balance        entity.Balance
	positions      map[string]*entity.Position
	orders         map[string]*entity.Order
	orderIDs       []string
	trades         []entity.Trade
	equity         []entity.EquitySnapshot
	peakEquity     decimal.Decimal
	maxDrawdownPct decimal.Decimal
	leverage       map[string]int

	now func() time.Time
}

// New creates a ledger with the whole initial balance available
func New(initialBalance decimal.Decimal) *Ledger {
	return FromSnapshot(entity.NewLedgerSnapshot(initialBalance))
}

// FromSnapshot rebuilds a ledger from its persisted document
func FromSnapshot(snap *entity.LedgerSnapshot) *Ledger {
	l := &Ledger{
		initialBalance: snap.InitialBalance,
		balance:        snap.Balance,
		positions:      make(map[string]*entity.Position, len(snap.Positions)),
		orders:         make(map[string]*entity.Order, len(snap.OpenOrders)),
		trades:         append([]entity.Trade(nil), snap.Trades...),
		equity:         append([]entity.EquitySnapshot(nil), snap.EquityCurve...),
		peakEquity:     snap.PeakEquity,
		maxDrawdownPct: snap.MaxDrawdownPct,
		leverage:       make(map[string]int, len(snap.Leverage)),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for i := range snap.Positions {
		p := snap.Positions[i]
		l.positions[p.Symbol] = &p
	}
	for i := range snap.OpenOrders {
		o := snap.OpenOrders[i].Clone()
		l.orders[o.ID] = o
		l.orderIDs = append(l.orderIDs, o.ID)
	}
	for k, v := range snap.Leverage {
		l.leverage[k] = v
	}
	return l
}

// SetClock replaces the time source
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// Now returns the ledger's current time
func (l *Ledger) Now() time.Time {
	return l.now()
}

// Clone returns an independent deep copy, including terminal orders
func (l *Ledger) Clone() *Ledger {
	c := &Ledger{
		initialBalance: l.initialBalance,
		balance:        l.balance,
		positions:      make(map[string]*entity.Position, len(l.positions)),
		orders:         make(map[string]*entity.Order, len(l.orders)),
		orderIDs:       append([]string(nil), l.orderIDs...),
		trades:         append([]entity.Trade(nil), l.trades...),
		equity:         append([]entity.EquitySnapshot(nil), l.equity...),
		peakEquity:     l.peakEquity,
		maxDrawdownPct: l.maxDrawdownPct,
		leverage:       make(map[string]int, len(l.leverage)),
		now:            l.now,
	}
	for k, p := range l.positions {
		cp := *p
		c.positions[k] = &cp
	}
	for k, o := range l.orders {
		c.orders[k] = o.Clone()
	}
	for k, v := range l.leverage {
		c.leverage[k] = v
	}
	return c
}

// Snapshot returns the persistable document. Terminal orders are dropped.
func (l *Ledger) Snapshot() *entity.LedgerSnapshot {
	snap := &entity.LedgerSnapshot{
		Version:        entity.SnapshotVersion,
		SavedAt:        l.now(),
		InitialBalance: l.initialBalance,
		Balance:        l.balance,
		Positions:      l.Positions(),
		OpenOrders:     l.OpenOrders(),
		Trades:         l.Trades(),
		EquityCurve:    l.EquityCurve(),
		PeakEquity:     l.peakEquity,
		MaxDrawdownPct: l.maxDrawdownPct,
	}
	if len(l.leverage) > 0 {
		snap.Leverage = make(map[string]int, len(l.leverage))
		for k, v := range l.leverage {
			snap.Leverage[k] = v
		}
	}
	return snap
}

// InitialBalance returns the balance the account started with
func (l *Ledger) InitialBalance() decimal.Decimal {
	return l.initialBalance
}

// Balance returns the current balance
func (l *Ledger) Balance() entity.Balance {
	return l.balance
}

// Position returns a copy of the position on symbol
func (l *Ledger) Position(symbol string) (entity.Position, bool) {
	p, ok := l.positions[symbol]
	if !ok {
		return entity.Position{}, false
	}
	return *p, true
}

// PositionCount returns the number of open positions
func (l *Ledger) PositionCount() int {
	return len(l.positions)
}

// Positions returns copies of all positions sorted by symbol
func (l *Ledger) Positions() []entity.Position {
	out := make([]entity.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// OpenOrders returns copies of pending orders in placement order
func (l *Ledger) OpenOrders() []entity.Order {
	out := make([]entity.Order, 0, len(l.orderIDs))
	for _, id := range l.orderIDs {
		o, ok := l.orders[id]
		if !ok || o.Status != entity.OrderStatusPending {
			continue
		}
		out = append(out, *o.Clone())
	}
	return out
}

// Order returns a copy of any order known to the ledger
func (l *Ledger) Order(id string) (entity.Order, bool) {
	o, ok := l.orders[id]
	if !ok {
		return entity.Order{}, false
	}
	return *o.Clone(), true
}

// Trades returns a copy of the trade history
func (l *Ledger) Trades() []entity.Trade {
	return append([]entity.Trade{}, l.trades...)
}

// EquityCurve returns a copy of the equity curve
func (l *Ledger) EquityCurve() []entity.EquitySnapshot {
	return append([]entity.EquitySnapshot{}, l.equity...)
}

// PeakEquity returns the highest recorded total balance
func (l *Ledger) PeakEquity() decimal.Decimal {
	return l.peakEquity
}

// MaxDrawdownPct returns the deepest recorded drawdown in percent
func (l *Ledger) MaxDrawdownPct() decimal.Decimal {
	return l.maxDrawdownPct
}

// Leverage returns the leverage configured for symbol
func (l *Ledger) Leverage(symbol string) (int, bool) {
	v, ok := l.leverage[symbol]
	return v, ok
}

// SetLeverage stores the leverage used for the next open on symbol
func (l *Ledger) SetLeverage(symbol string, leverage int) {
	l.leverage[symbol] = leverage
}

// AddOrder registers a pending conditional order
func (l *Ledger) AddOrder(order *entity.Order) error {
	switch {
	case order == nil:
		return fmt.Errorf("%w: nil order", ErrInvalidOrder)
	case order.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidOrder)
	case !order.Type.Conditional():
		return fmt.Errorf("%w: %s orders fill immediately", ErrInvalidOrder, order.Type)
	case order.Price == nil || !order.Price.IsPositive():
		return fmt.Errorf("%w: %s order needs a positive price", ErrInvalidOrder, order.Type)
	case !order.Quantity.IsPositive() || !order.Side.Valid():
		return fmt.Errorf("%w: side=%s qty=%s", ErrInvalidOrder, order.Side, order.Quantity)
	case order.Status != entity.OrderStatusPending:
		return fmt.Errorf("%w: status %s", ErrInvalidOrder, order.Status)
	}
	if _, exists := l.orders[order.ID]; exists {
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidOrder, order.ID)
	}
	l.orders[order.ID] = order.Clone()
	l.orderIDs = append(l.orderIDs, order.ID)
	return nil
}

// CancelOrder moves a pending order to cancelled
func (l *Ledger) CancelOrder(id string) error {
	o, ok := l.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	if o.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrUnknownOrder, id, o.Status)
	}
	o.Status = entity.OrderStatusCancelled
	l.compactOrders()
	return nil
}

// ApplyFill fills order in full at price.
//
// A fill on a flat symbol opens a position, a same-side fill adds to it at
// the volume-weighted entry, and an opposite fill reduces it, realizing PnL
// on the reduced part and flipping with any excess. Reduce-only orders are
// clamped to the open quantity and never open or flip. Nothing is mutated
// when an error is returned.
func (l *Ledger) ApplyFill(order *entity.Order, price decimal.Decimal) (entity.Trade, error) {
	if order == nil || !order.Side.Valid() || !order.Quantity.IsPositive() || !price.IsPositive() {
		return entity.Trade{}, fmt.Errorf("%w: fill requires side, positive quantity and price", ErrInvalidOrder)
	}
	target := order
	stored, known := l.orders[order.ID]
	if known {
		if stored.IsTerminal() {
			return entity.Trade{}, fmt.Errorf("%w: %s is %s", ErrUnknownOrder, order.ID, stored.Status)
		}
		target = stored
	} else {
		target = order.Clone()
		if target.ID == "" {
			target.ID = uuid.NewString()
		}
	}

	trade, err := l.fill(target, price, false)
	if err != nil {
		return entity.Trade{}, err
	}
	if !known {
		l.orders[target.ID] = target
		l.orderIDs = append(l.orderIDs, target.ID)
	}
	*order = *target.Clone()
	l.compactOrders()
	return trade, nil
}

// Liquidate force-closes the position on symbol at price. The realized loss
// is exactly the margin allocated to the position.
func (l *Ledger) Liquidate(symbol string, price decimal.Decimal) (entity.Trade, error) {
	pos, ok := l.positions[symbol]
	if !ok {
		return entity.Trade{}, fmt.Errorf("%w: %s", ErrNothingToReduce, symbol)
	}
	order := &entity.Order{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       pos.Side.ExitSide(),
		Type:       entity.OrderTypeMarket,
		Quantity:   pos.Quantity,
		Leverage:   pos.Leverage,
		ReduceOnly: true,
		Status:     entity.OrderStatusPending,
		CreatedAt:  l.now(),
	}
	trade, err := l.fill(order, price, true)
	if err != nil {
		return entity.Trade{}, err
	}
	l.orders[order.ID] = order
	l.orderIDs = append(l.orderIDs, order.ID)
	l.compactOrders()
	return trade, nil
}

// RecordEquity appends an equity point and stores the running peak and max
// drawdown. maxPoints <= 0 keeps the whole curve.
func (l *Ledger) RecordEquity(point entity.EquitySnapshot, peak, maxDrawdownPct decimal.Decimal, maxPoints int) {
	l.equity = append(l.equity, point)
	if maxPoints > 0 && len(l.equity) > maxPoints {
		l.equity = append([]entity.EquitySnapshot(nil), l.equity[len(l.equity)-maxPoints:]...)
	}
	l.peakEquity = peak
	l.maxDrawdownPct = maxDrawdownPct
}

// CheckInvariants verifies the balance identity and position consistency
func (l *Ledger) CheckInvariants() error {
	b := l.balance
	if !b.Total.Equal(b.Available.Add(b.InPositions)) {
		return fmt.Errorf("%w: total %s != available %s + in_positions %s",
			ErrInvariantViolation, b.Total, b.Available, b.InPositions)
	}
	if b.Available.IsNegative() {
		return fmt.Errorf("%w: available %s < 0", ErrInvariantViolation, b.Available)
	}
	margins := decimal.Zero
	for symbol, p := range l.positions {
		if p.Symbol != symbol {
			return fmt.Errorf("%w: position %s stored under %s", ErrInvariantViolation, p.Symbol, symbol)
		}
		if !p.Quantity.IsPositive() {
			return fmt.Errorf("%w: position %s has quantity %s", ErrInvariantViolation, symbol, p.Quantity)
		}
		if p.Leverage < 1 {
			return fmt.Errorf("%w: position %s has leverage %d", ErrInvariantViolation, symbol, p.Leverage)
		}
		margins = margins.Add(p.Margin)
	}
	if !margins.Equal(b.InPositions) {
		return fmt.Errorf("%w: margins %s != in_positions %s", ErrInvariantViolation, margins, b.InPositions)
	}
	return nil
}

func (l *Ledger) fill(order *entity.Order, price decimal.Decimal, liquidation bool) (entity.Trade, error) {
	now := l.now()
	total := l.balance.Total
	inPositions := l.balance.InPositions
	qty := order.Quantity
	dir := order.Side.PositionSide()

	var pos *entity.Position
	if cur, ok := l.positions[order.Symbol]; ok {
		cp := *cur
		pos = &cp
	}

	if order.ReduceOnly {
		if pos == nil || pos.Side == dir {
			return entity.Trade{}, fmt.Errorf("%w: %s", ErrNothingToReduce, order.Symbol)
		}
		qty = decimal.Min(qty, pos.Quantity)
	}

	trade := entity.Trade{
		OrderID:     order.ID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		OrderType:   order.Type,
		Quantity:    qty,
		Price:       price,
		Timestamp:   now,
		RealizedPnL: decimal.Zero,
		Liquidation: liquidation,
	}

	remaining := qty
	if pos != nil && pos.Side != dir {
		closeQty := decimal.Min(remaining, pos.Quantity)
		released := pos.Margin
		if closeQty.LessThan(pos.Quantity) {
			released = pos.Margin.Mul(closeQty).Div(pos.Quantity)
		}
		pnl := pos.PnLAt(price, closeQty)
		if liquidation {
			pnl = released.Neg()
		}
		total = total.Add(pnl)
		inPositions = inPositions.Sub(released)
		trade.Closing = true
		trade.RealizedPnL = pnl

		if left := pos.Quantity.Sub(closeQty); left.IsPositive() {
			pos.Quantity = left
			pos.Margin = pos.Margin.Sub(released)
			pos.UpdatedAt = now
		} else {
			pos = nil
		}
		remaining = remaining.Sub(closeQty)
	}

	if remaining.IsPositive() {
		if pos == nil {
			lev := order.Leverage
			if lev < 1 {
				lev = 1
			}
			margin := remaining.Mul(price).Div(decimal.NewFromInt(int64(lev)))
			pos = &entity.Position{
				Symbol:           order.Symbol,
				Side:             dir,
				Quantity:         remaining,
				EntryPrice:       price,
				Leverage:         lev,
				Margin:           margin,
				LiquidationPrice: entity.LiquidationPrice(dir, price, lev),
				OpenedAt:         now,
				UpdatedAt:        now,
			}
			inPositions = inPositions.Add(margin)
		} else {
			margin := remaining.Mul(price).Div(decimal.NewFromInt(int64(pos.Leverage)))
			newQty := pos.Quantity.Add(remaining)
			pos.EntryPrice = pos.Notional().Add(remaining.Mul(price)).Div(newQty)
			pos.Quantity = newQty
			pos.Margin = pos.Margin.Add(margin)
			pos.LiquidationPrice = entity.LiquidationPrice(pos.Side, pos.EntryPrice, pos.Leverage)
			pos.UpdatedAt = now
			inPositions = inPositions.Add(margin)
		}
	}

	available := total.Sub(inPositions)
	if available.IsNegative() {
		return entity.Trade{}, fmt.Errorf("%w: %s %s %s @ %s needs %s more",
			ErrInsufficientBalance, order.Side, qty, order.Symbol, price, available.Neg())
	}

	l.balance = entity.Balance{Total: total, Available: available, InPositions: inPositions}
	if pos == nil {
		delete(l.positions, order.Symbol)
	} else {
		l.positions[order.Symbol] = pos
	}
	order.Quantity = qty
	order.Status = entity.OrderStatusFilled
	fillPrice := price
	order.FillPrice = &fillPrice
	order.FilledAt = &now
	l.trades = append(l.trades, trade)
	return trade, nil
}

// compactOrders drops ids of terminal orders from the placement index. The
// orders themselves stay addressable so cancels on them are refused.
func (l *Ledger) compactOrders() {
	kept := l.orderIDs[:0]
	for _, id := range l.orderIDs {
		if o, ok := l.orders[id]; ok && o.Status == entity.OrderStatusPending {
			kept = append(kept, id)
		}
	}
	l.orderIDs = kept
}
