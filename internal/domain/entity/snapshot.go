package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotVersion is the current ledger document schema version
const SnapshotVersion = 1

// LedgerSnapshot is the durable document of a ledger.
//
// New fields must be optional so that older documents still decode.
type LedgerSnapshot struct {
	Version        int              `json:"version"`
	SavedAt        time.Time        `json:"saved_at"`
	InitialBalance decimal.Decimal  `json:"initial_balance"`
	Balance        Balance          `json:"balance"`
	Positions      []Position       `json:"positions"`
	OpenOrders     []Order          `json:"open_orders"`
	Trades         []Trade          `json:"trade_history"`
	EquityCurve    []EquitySnapshot `json:"equity_curve"`
	PeakEquity     decimal.Decimal  `json:"peak_equity"`
	MaxDrawdownPct decimal.Decimal  `json:"max_drawdown_pct"`
	Leverage       map[string]int   `json:"leverage,omitempty"`
}

// NewLedgerSnapshot returns the document of a fresh account
func NewLedgerSnapshot(initialBalance decimal.Decimal) *LedgerSnapshot {
	return &LedgerSnapshot{
		Version:        SnapshotVersion,
		InitialBalance: initialBalance,
		Balance:        NewBalance(initialBalance),
		Positions:      []Position{},
		OpenOrders:     []Order{},
		Trades:         []Trade{},
		EquityCurve:    []EquitySnapshot{},
		PeakEquity:     initialBalance,
		MaxDrawdownPct: decimal.Zero,
	}
}
