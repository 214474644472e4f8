package entity

import "github.com/shopspring/decimal"

// Action is the direction requested by a trade decision
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Side maps BUY/SELL to an order side
func (a Action) Side() (Side, bool) {
	switch a {
	case ActionBuy:
		return SideBuy, true
	case ActionSell:
		return SideSell, true
	default:
		return "", false
	}
}

// ProposedTrade is the decision handed to the engine once per cycle.
//
// Leverage, EntryPrice, StopLoss and TakeProfit are optional. A zero
// PositionSizePct means the configured default size. With an EntryPrice the
// entry rests as a limit order instead of filling at the mark.
type ProposedTrade struct {
	Symbol          string           `json:"symbol"`
	Action          Action           `json:"action"`
	PositionSizePct decimal.Decimal  `json:"position_size_pct"`
	Leverage        int              `json:"leverage,omitempty"`
	EntryPrice      *decimal.Decimal `json:"entry_price,omitempty"`
	StopLoss        *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit      *decimal.Decimal `json:"take_profit,omitempty"`
	Confidence      float64          `json:"confidence,omitempty"`
	Reasoning       string           `json:"reasoning,omitempty"`
}

// IsHold returns true if the trade asks for no ledger mutation
func (t *ProposedTrade) IsHold() bool {
	return t == nil || t.Action == ActionHold
}
