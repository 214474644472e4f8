package gateway

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/zono819/papertrade-engine/internal/domain/entity"
)

// ExchangeGateway defines exchange interaction interface
type ExchangeGateway interface {
	// GetBalance retrieves the account balance
	GetBalance(ctx context.Context) (entity.Balance, error)

	// GetPositions retrieves open positions valued at the latest mark
	GetPositions(ctx context.Context) ([]entity.Position, error)

	// GetOpenOrders retrieves pending orders
	GetOpenOrders(ctx context.Context) ([]entity.Order, error)

	// PlaceMarketOrder fills an order immediately at the mark price
	PlaceMarketOrder(ctx context.Context, symbol string, side entity.Side, qty decimal.Decimal) (*entity.Order, error)

	// PlaceLimitOrder rests an order until mark reaches price
	PlaceLimitOrder(ctx context.Context, symbol string, side entity.Side, qty, price decimal.Decimal) (*entity.Order, error)

	// PlaceStopLoss rests a reduce-only stop order
	PlaceStopLoss(ctx context.Context, symbol string, side entity.Side, qty, stopPrice decimal.Decimal) (*entity.Order, error)

	// PlaceTakeProfit rests a reduce-only take-profit order
	PlaceTakeProfit(ctx context.Context, symbol string, side entity.Side, qty, price decimal.Decimal) (*entity.Order, error)

	// CancelOrder cancels a pending order
	CancelOrder(ctx context.Context, orderID string) error

	// SetLeverage sets leverage used for the next position open on symbol
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}
