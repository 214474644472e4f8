package portfolio

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zono819/papertrade-engine/internal/domain/entity"
	"github.com/zono819/papertrade-engine/internal/infrastructure/logger"
)

const year = 365 * 24 * time.Hour

// History is the read-only ledger view metrics are derived from
type History interface {
	InitialBalance() decimal.Decimal
	Balance() entity.Balance
	Trades() []entity.Trade
	EquityCurve() []entity.EquitySnapshot
	PeakEquity() decimal.Decimal
	MaxDrawdownPct() decimal.Decimal
}

// Recorder is a History that accepts equity points
type Recorder interface {
	History
	RecordEquity(point entity.EquitySnapshot, peak, maxDrawdownPct decimal.Decimal, maxPoints int)
}

// Config holds tracker settings
type Config struct {
	// Interval is the equity sampling period used for annualization
	Interval time.Duration
	// MaxEquityPoints caps the stored curve, 0 keeps everything
	MaxEquityPoints int
}

// Metrics summarizes account performance
type Metrics struct {
	TotalBalance       decimal.Decimal `json:"total_balance"`
	InitialBalance     decimal.Decimal `json:"initial_balance"`
	RealizedPnL        decimal.Decimal `json:"realized_pnl"`
	TotalReturnPct     float64         `json:"total_return_pct"`
	SharpeRatio        float64         `json:"sharpe_ratio"`
	WinRate            float64         `json:"win_rate"`
	MaxDrawdownPct     float64         `json:"max_drawdown_pct"`
	CurrentDrawdownPct float64         `json:"current_drawdown_pct"`
	TradeCount         int             `json:"trade_count"`
	ClosingTradeCount  int             `json:"closing_trade_count"`
	EquityPoints       int             `json:"equity_points"`
}

// Tracker derives performance metrics from ledger history
type Tracker struct {
	cfg Config
	log *logger.Logger
}

// NewTracker creates a new portfolio tracker
func NewTracker(cfg Config, log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.Default()
	}
	return &Tracker{cfg: cfg, log: log.WithField("component", "portfolio")}
}

// Record appends the current total balance to the equity curve and updates
// the running peak and max drawdown
func (t *Tracker) Record(r Recorder, at time.Time) entity.EquitySnapshot {
	total := r.Balance().Total
	peak := r.PeakEquity()
	if total.GreaterThan(peak) {
		peak = total
	}
	maxDD := decimal.Max(r.MaxDrawdownPct(), entity.DrawdownPct(peak, total))

	point := entity.EquitySnapshot{Timestamp: at, TotalBalance: total}
	r.RecordEquity(point, peak, maxDD, t.cfg.MaxEquityPoints)
	return point
}

// Recompute derives metrics from the ledger without mutating it
func (t *Tracker) Recompute(h History) Metrics {
	balance := h.Balance()
	trades := h.Trades()
	curve := h.EquityCurve()

	m := Metrics{
		TotalBalance:   balance.Total,
		InitialBalance: h.InitialBalance(),
		RealizedPnL:    decimal.Zero,
		TradeCount:     len(trades),
		EquityPoints:   len(curve),
	}

	if m.InitialBalance.IsPositive() {
		m.TotalReturnPct = balance.Total.Sub(m.InitialBalance).Div(m.InitialBalance).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}

	wins := 0
	for _, tr := range trades {
		if !tr.Closing {
			continue
		}
		m.ClosingTradeCount++
		m.RealizedPnL = m.RealizedPnL.Add(tr.RealizedPnL)
		if tr.RealizedPnL.IsPositive() {
			wins++
		}
	}
	if m.ClosingTradeCount > 0 {
		m.WinRate = float64(wins) / float64(m.ClosingTradeCount)
	}

	m.SharpeRatio = SharpeRatio(curve, t.cfg.Interval)
	m.MaxDrawdownPct = decimal.Max(h.MaxDrawdownPct(), MaxDrawdownPct(curve)).InexactFloat64()

	peak := h.PeakEquity()
	if balance.Total.GreaterThan(peak) {
		peak = balance.Total
	}
	m.CurrentDrawdownPct = entity.DrawdownPct(peak, balance.Total).InexactFloat64()

	return m
}

// SharpeRatio returns the annualized mean over standard deviation of the
// period-over-period returns of curve. It is zero for fewer than two points
// or zero variance.
func SharpeRatio(curve []entity.EquitySnapshot, interval time.Duration) float64 {
	if len(curve) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].TotalBalance.InexactFloat64()
		if prev == 0 {
			continue
		}
		returns = append(returns, (curve[i].TotalBalance.InexactFloat64()-prev)/prev)
	}
	if len(returns) == 0 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	if variance == 0 {
		return 0
	}

	return mean / math.Sqrt(variance) * math.Sqrt(PeriodsPerYear(interval))
}

// PeriodsPerYear returns how many sampling intervals fit in a year. A
// non-positive interval is treated as daily sampling.
func PeriodsPerYear(interval time.Duration) float64 {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return float64(year) / float64(interval)
}

// MaxDrawdownPct returns the largest peak-to-trough decline along curve
func MaxDrawdownPct(curve []entity.EquitySnapshot) decimal.Decimal {
	maxDD := decimal.Zero
	if len(curve) == 0 {
		return maxDD
	}
	peak := curve[0].TotalBalance
	for _, p := range curve {
		if p.TotalBalance.GreaterThan(peak) {
			peak = p.TotalBalance
		}
		if dd := entity.DrawdownPct(peak, p.TotalBalance); dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	return maxDD
}
