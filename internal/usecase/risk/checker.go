package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/zono819/papertrade-engine/internal/domain/entity"
)

// Reason is the audit code attached to a rejection
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonTradingDisabled Reason = "trading_disabled"
	ReasonInvalidAction   Reason = "invalid_action"
	ReasonUnknownSymbol   Reason = "unknown_symbol"
	ReasonInvalidSize     Reason = "invalid_size"
	ReasonPositionSize    Reason = "max_position_size"
	ReasonMaxPositions    Reason = "max_simultaneous_positions"
	ReasonDrawdown        Reason = "max_drawdown"
	ReasonLeverage        Reason = "max_leverage"
)

var hundred = decimal.NewFromInt(100)

// Config holds risk management configuration
type Config struct {
	Symbols                  []string
	EnableTrading            bool
	MaxPositionSizePct       decimal.Decimal
	MaxSimultaneousPositions int
	MaxDrawdownPct           decimal.Decimal
	MaxLeverage              int
}

// DefaultConfig returns default risk configuration
func DefaultConfig() *Config {
	return &Config{
		EnableTrading:            true,
		MaxPositionSizePct:       decimal.NewFromInt(25),
		MaxSimultaneousPositions: 3,
		MaxDrawdownPct:           decimal.NewFromInt(20),
		MaxLeverage:              20,
	}
}

// State is the ledger view a trade is validated against
type State struct {
	AccountValue decimal.Decimal
	PeakEquity   decimal.Decimal
	Positions    []entity.Position
}

// CheckResult represents the result of a risk check
type CheckResult struct {
	Allowed bool
	Exit    bool
	Reason  Reason
	Detail  string
}

func allow() CheckResult {
	return CheckResult{Allowed: true}
}

func reject(reason Reason, format string, args ...interface{}) CheckResult {
	return CheckResult{Allowed: false, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Checker performs risk checks before order execution. It holds no
// mutable state; every decision is a function of the trade and the ledger.
type Checker struct {
	config  *Config
	symbols map[string]struct{}
}

// NewChecker creates a new risk checker
func NewChecker(cfg *Config) *Checker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	symbols := make(map[string]struct{}, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols[s] = struct{}{}
	}
	return &Checker{config: cfg, symbols: symbols}
}

// ValidateTrade approves or rejects a proposed trade.
//
// HOLD is always accepted. Exits, i.e. trades opposing the open position on
// the symbol, skip the entry limits so positions can always be closed. For
// entries the checks run in order and stop at the first failure: position
// size, simultaneous positions, drawdown, leverage. The trade's size and
// leverage must already have defaults applied.
func (c *Checker) ValidateTrade(trade entity.ProposedTrade, state State) CheckResult {
	if trade.IsHold() {
		return allow()
	}
	if !c.config.EnableTrading {
		return reject(ReasonTradingDisabled, "trading disabled in configuration")
	}
	side, ok := trade.Action.Side()
	if !ok {
		return reject(ReasonInvalidAction, "unsupported action %q", trade.Action)
	}
	if len(c.symbols) > 0 {
		if _, known := c.symbols[trade.Symbol]; !known {
			return reject(ReasonUnknownSymbol, "unknown symbol %s", trade.Symbol)
		}
	}
	if IsExit(side, trade.Symbol, state.Positions) {
		return CheckResult{Allowed: true, Exit: true}
	}
	if !trade.PositionSizePct.IsPositive() {
		return reject(ReasonInvalidSize, "position size must be positive, got %s%%", trade.PositionSizePct)
	}

	requested := state.AccountValue.Mul(trade.PositionSizePct).Div(hundred)
	limit := state.AccountValue.Mul(c.config.MaxPositionSizePct).Div(hundred)
	if requested.GreaterThan(limit) {
		return reject(ReasonPositionSize, "%s%% position (%s) exceeds limit %s%% (%s)",
			trade.PositionSizePct, requested.StringFixed(2), c.config.MaxPositionSizePct, limit.StringFixed(2))
	}

	if !hasPosition(trade.Symbol, state.Positions) && len(state.Positions) >= c.config.MaxSimultaneousPositions {
		return reject(ReasonMaxPositions, "%d positions open, limit %d",
			len(state.Positions), c.config.MaxSimultaneousPositions)
	}

	if dd := entity.DrawdownPct(state.PeakEquity, state.AccountValue); dd.GreaterThanOrEqual(c.config.MaxDrawdownPct) {
		return reject(ReasonDrawdown, "drawdown %s%% reached limit %s%%", dd.StringFixed(2), c.config.MaxDrawdownPct)
	}

	if trade.Leverage < 1 || trade.Leverage > c.config.MaxLeverage {
		return reject(ReasonLeverage, "leverage %dx outside 1..%dx", trade.Leverage, c.config.MaxLeverage)
	}

	return allow()
}

// IsExit reports whether an order on side reduces the open position on symbol
func IsExit(side entity.Side, symbol string, positions []entity.Position) bool {
	for _, p := range positions {
		if p.Symbol == symbol {
			return side == p.Side.ExitSide()
		}
	}
	return false
}

func hasPosition(symbol string, positions []entity.Position) bool {
	for _, p := range positions {
		if p.Symbol == symbol {
			return true
		}
	}
	return false
}

// Status returns the configured limits for audit output
func (c *Checker) Status() map[string]interface{} {
	return map[string]interface{}{
		"enable_trading":             c.config.EnableTrading,
		"max_position_size_pct":      c.config.MaxPositionSizePct.String(),
		"max_simultaneous_positions": c.config.MaxSimultaneousPositions,
		"max_drawdown_pct":           c.config.MaxDrawdownPct.String(),
		"max_leverage":               c.config.MaxLeverage,
	}
}
