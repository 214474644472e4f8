package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zono819/papertrade-engine/internal/adapter/gateway"
	"github.com/zono819/papertrade-engine/internal/domain/entity"
	"github.com/zono819/papertrade-engine/internal/infrastructure/logger"
	"github.com/zono819/papertrade-engine/internal/usecase/ledger"
)

var (
	ErrNoMarkPrice     = errors.New("no mark price")
	ErrLeverageLocked  = errors.New("leverage is fixed while a position is open")
	ErrInvalidLeverage = errors.New("invalid leverage")
)

// Ensure SimulatedExchange implements ExchangeGateway
var _ gateway.ExchangeGateway = (*SimulatedExchange)(nil)

// Config holds matching engine settings
type Config struct {
	DefaultLeverage int
	MaxLeverage     int
}

// SimulatedExchange fills orders against the latest mark prices and keeps
// the results in a ledger. No fees, slippage or partial fills are modeled.
type SimulatedExchange struct {
	cfg    Config
	ledger *ledger.Ledger
	log    *logger.Logger

	mu    sync.Mutex
	marks entity.MarkPrices
}

// NewSimulatedExchange creates a simulated exchange over l
func NewSimulatedExchange(l *ledger.Ledger, cfg Config, log *logger.Logger) *SimulatedExchange {
	if log == nil {
		log = logger.Default()
	}
	if cfg.DefaultLeverage < 1 {
		cfg.DefaultLeverage = 1
	}
	if cfg.MaxLeverage < cfg.DefaultLeverage {
		cfg.MaxLeverage = cfg.DefaultLeverage
	}
	return &SimulatedExchange{
		cfg:    cfg,
		ledger: l,
		log:    log.WithField("component", "paper"),
		marks:  entity.MarkPrices{},
	}
}

// UpdateMarks merges the latest mark prices
func (e *SimulatedExchange) UpdateMarks(marks entity.MarkPrices) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for symbol, price := range marks {
		e.marks[symbol] = price
	}
}

// Mark returns the latest mark price for symbol
func (e *SimulatedExchange) Mark(symbol string) (decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.marks.Get(symbol)
}

// GetBalance returns the account balance
func (e *SimulatedExchange) GetBalance(ctx context.Context) (entity.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Balance(), nil
}

// GetPositions returns positions with unrealized PnL at the latest mark
func (e *SimulatedExchange) GetPositions(ctx context.Context) ([]entity.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	positions := e.ledger.Positions()
	for i := range positions {
		if mark, ok := e.marks.Get(positions[i].Symbol); ok {
			positions[i].Mark(mark)
		}
	}
	return positions, nil
}

// GetOpenOrders returns pending orders
func (e *SimulatedExchange) GetOpenOrders(ctx context.Context) ([]entity.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.OpenOrders(), nil
}

// SetLeverage sets the leverage for the next open on symbol
func (e *SimulatedExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if leverage < 1 || leverage > e.cfg.MaxLeverage {
		return fmt.Errorf("%w: %d not in 1..%d", ErrInvalidLeverage, leverage, e.cfg.MaxLeverage)
	}
	if pos, ok := e.ledger.Position(symbol); ok && pos.Leverage != leverage {
		return fmt.Errorf("%w: %s open at %dx", ErrLeverageLocked, symbol, pos.Leverage)
	}
	e.ledger.SetLeverage(symbol, leverage)
	e.log.Info("Leverage set to %dx for %s", leverage, symbol)
	return nil
}

// PlaceMarketOrder fills the full quantity at the current mark
func (e *SimulatedExchange) PlaceMarketOrder(ctx context.Context, symbol string, side entity.Side, qty decimal.Decimal) (*entity.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	mark, ok := e.marks.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoMarkPrice, symbol)
	}

	order := e.newOrder(symbol, side, entity.OrderTypeMarket, qty, nil)
	if _, err := e.ledger.ApplyFill(order, mark); err != nil {
		return nil, err
	}
	e.cancelOrphans(symbol)

	e.log.Info("Market %s filled: %s %s @ %s", side, symbol, order.Quantity, mark)
	return order, nil
}

// PlaceLimitOrder rests a limit order until the mark reaches price
func (e *SimulatedExchange) PlaceLimitOrder(ctx context.Context, symbol string, side entity.Side, qty, price decimal.Decimal) (*entity.Order, error) {
	return e.rest(symbol, side, entity.OrderTypeLimit, qty, price)
}

// PlaceStopLoss rests a reduce-only stop at stopPrice
func (e *SimulatedExchange) PlaceStopLoss(ctx context.Context, symbol string, side entity.Side, qty, stopPrice decimal.Decimal) (*entity.Order, error) {
	return e.rest(symbol, side, entity.OrderTypeStopLoss, qty, stopPrice)
}

// PlaceTakeProfit rests a reduce-only take-profit at price
func (e *SimulatedExchange) PlaceTakeProfit(ctx context.Context, symbol string, side entity.Side, qty, price decimal.Decimal) (*entity.Order, error) {
	return e.rest(symbol, side, entity.OrderTypeTakeProfit, qty, price)
}

// CancelOrder cancels a pending order
func (e *SimulatedExchange) CancelOrder(ctx context.Context, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, known := e.ledger.Order(orderID)
	if err := e.ledger.CancelOrder(orderID); err != nil {
		return err
	}
	e.log.Info("Order cancelled: %s", orderID)
	if known && order.Type == entity.OrderTypeLimit {
		e.cancelOrphans(order.Symbol)
	}
	return nil
}

// ProcessMarks runs the per-cycle price checks against the current marks.
//
// Liquidations run first, then stop-loss and take-profit orders, then
// resting limit orders, so protective exits always precede entries. When a
// limit entry fills, the protective orders run once more so a stop the mark
// already crossed closes the new position in the same pass.
func (e *SimulatedExchange) ProcessMarks(ctx context.Context) ([]entity.Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var fills []entity.Trade

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, pos := range e.ledger.Positions() {
		mark, ok := e.marks.Get(pos.Symbol)
		if !ok || !pos.Liquidated(mark) {
			continue
		}
		trade, err := e.ledger.Liquidate(pos.Symbol, pos.LiquidationPrice)
		if err != nil {
			return fills, fmt.Errorf("liquidate %s: %w", pos.Symbol, err)
		}
		fills = append(fills, trade)
		e.cancelOrphans(pos.Symbol)
		e.log.Warn("Liquidated %s %s %s @ %s (mark %s), loss %s",
			pos.Side, pos.Quantity, pos.Symbol, pos.LiquidationPrice, mark, trade.RealizedPnL.Neg())
	}

	if err := ctx.Err(); err != nil {
		return fills, err
	}
	protective, err := e.trigger(func(o entity.Order) bool { return o.Type.Protective() })
	fills = append(fills, protective...)
	if err != nil {
		return fills, err
	}

	if err := ctx.Err(); err != nil {
		return fills, err
	}
	limits, err := e.trigger(func(o entity.Order) bool { return o.Type == entity.OrderTypeLimit })
	fills = append(fills, limits...)
	if err != nil || len(limits) == 0 {
		return fills, err
	}

	if err := ctx.Err(); err != nil {
		return fills, err
	}
	protective, err = e.trigger(func(o entity.Order) bool { return o.Type.Protective() })
	fills = append(fills, protective...)
	return fills, err
}

func (e *SimulatedExchange) trigger(match func(entity.Order) bool) ([]entity.Trade, error) {
	var fills []entity.Trade
	for _, o := range e.ledger.OpenOrders() {
		if !match(o) {
			continue
		}
		// an earlier fill in this pass may have cancelled it
		if cur, ok := e.ledger.Order(o.ID); !ok || cur.IsTerminal() {
			continue
		}
		mark, ok := e.marks.Get(o.Symbol)
		if !ok || !o.Triggered(mark) {
			continue
		}

		price := *o.Price
		if o.Type == entity.OrderTypeStopLoss {
			price = mark
		}

		order := o
		trade, err := e.ledger.ApplyFill(&order, price)
		switch {
		case err == nil:
			fills = append(fills, trade)
			e.cancelOrphans(o.Symbol)
			e.log.Info("%s %s filled: %s %s @ %s (mark %s)", o.Type, o.Side, o.Symbol, trade.Quantity, price, mark)
		case errors.Is(err, ledger.ErrNothingToReduce) && e.pendingEntry(o.Symbol, o.Side.Opposite()):
			// waits for its limit entry
			continue
		case errors.Is(err, ledger.ErrNothingToReduce), errors.Is(err, ledger.ErrInsufficientBalance):
			if cerr := e.ledger.CancelOrder(o.ID); cerr != nil {
				return fills, cerr
			}
			e.log.Warn("%s %s on %s cancelled at trigger: %v", o.Type, o.ID, o.Symbol, err)
			if o.Type == entity.OrderTypeLimit {
				e.cancelOrphans(o.Symbol)
			}
		default:
			return fills, fmt.Errorf("fill %s %s: %w", o.Type, o.ID, err)
		}
	}
	return fills, nil
}

func (e *SimulatedExchange) rest(symbol string, side entity.Side, typ entity.OrderType, qty, price decimal.Decimal) (*entity.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order := e.newOrder(symbol, side, typ, qty, &price)
	if err := e.ledger.AddOrder(order); err != nil {
		return nil, err
	}
	e.log.Info("%s %s placed: %s %s @ %s", typ, side, symbol, qty, price)
	return order, nil
}

func (e *SimulatedExchange) newOrder(symbol string, side entity.Side, typ entity.OrderType, qty decimal.Decimal, price *decimal.Decimal) *entity.Order {
	lev, ok := e.ledger.Leverage(symbol)
	if !ok {
		lev = e.cfg.DefaultLeverage
	}
	return &entity.Order{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       side,
		Type:       typ,
		Quantity:   qty,
		Price:      price,
		Leverage:   lev,
		ReduceOnly: typ.Protective(),
		Status:     entity.OrderStatusPending,
		CreatedAt:  e.ledger.Now(),
	}
}

// cancelOrphans cancels protective orders on symbol that no longer have a
// position to reduce. Orders protecting a pending limit entry are kept.
func (e *SimulatedExchange) cancelOrphans(symbol string) {
	pos, open := e.ledger.Position(symbol)
	for _, o := range e.ledger.OpenOrders() {
		if o.Symbol != symbol || !o.Type.Protective() {
			continue
		}
		if open && o.Side == pos.Side.ExitSide() {
			continue
		}
		if !open && e.pendingEntry(symbol, o.Side.Opposite()) {
			continue
		}
		if err := e.ledger.CancelOrder(o.ID); err == nil {
			e.log.Info("%s %s on %s cancelled: position closed", o.Type, o.ID, symbol)
		}
	}
}

// pendingEntry reports whether a limit order on side waits to open symbol
func (e *SimulatedExchange) pendingEntry(symbol string, side entity.Side) bool {
	for _, o := range e.ledger.OpenOrders() {
		if o.Symbol == symbol && o.Type == entity.OrderTypeLimit && o.Side == side {
			return true
		}
	}
	return false
}
