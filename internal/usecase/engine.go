package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zono819/papertrade-engine/internal/adapter/gateway"
	"github.com/zono819/papertrade-engine/internal/domain/entity"
	"github.com/zono819/papertrade-engine/internal/domain/repository"
	"github.com/zono819/papertrade-engine/internal/infrastructure/logger"
	"github.com/zono819/papertrade-engine/internal/usecase/ledger"
	"github.com/zono819/papertrade-engine/internal/usecase/matching"
	"github.com/zono819/papertrade-engine/internal/usecase/portfolio"
	"github.com/zono819/papertrade-engine/internal/usecase/risk"
)

// ErrFatal marks errors that leave the stored ledger untouched and must
// stop the caller: failed saves and invariant violations.
var ErrFatal = errors.New("fatal engine error")

// Outcome classifies a cycle
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeHold        Outcome = "hold"
	OutcomeRejected    Outcome = "rejected"
	OutcomeRecoverable Outcome = "recoverable"
	OutcomeBusy        Outcome = "busy"
	OutcomeFatal       Outcome = "fatal"
)

// Rejection codes raised while executing an approved trade
const (
	ReasonNoMarkPrice         risk.Reason = "no_mark_price"
	ReasonInsufficientBalance risk.Reason = "insufficient_balance"
	ReasonLeverageLocked      risk.Reason = "leverage_locked"
	ReasonInvalidOrder        risk.Reason = "invalid_order"
	ReasonOrderFailed         risk.Reason = "order_failed"
)

const quantityPrecision = 8

var hundred = decimal.NewFromInt(100)

// Config holds engine settings
type Config struct {
	Symbols                []string
	DefaultPositionSizePct decimal.Decimal
	DefaultLeverage        int
	MaxLeverage            int
	FeedTimeout            time.Duration
}

// DecisionSource yields the trade to execute in the next cycle
type DecisionSource interface {
	Next(ctx context.Context) (entity.ProposedTrade, error)
}

// CycleResult reports what one cycle did
type CycleResult struct {
	Cycle   int64
	Outcome Outcome
	Reason  risk.Reason
	Detail  string
	Err     error

	Trade   *entity.ProposedTrade
	Order   *entity.Order
	Fills   []entity.Trade
	Balance entity.Balance
	Metrics portfolio.Metrics
}

// Status is a read-only view of the account
type Status struct {
	Balance    entity.Balance    `json:"balance"`
	Positions  []PositionStatus  `json:"positions"`
	OpenOrders []entity.Order    `json:"open_orders"`
	Metrics    portfolio.Metrics `json:"metrics"`
}

// PositionStatus is a position valued at its mark
type PositionStatus struct {
	entity.Position
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Engine runs trading cycles against a paper ledger.
//
// A cycle works on a copy of the ledger and only replaces the live ledger
// after the copy passed the invariant check and was saved.
type Engine struct {
	cfg      Config
	feed     gateway.PriceFeed
	store    repository.LedgerRepository
	checker  *risk.Checker
	tracker  *portfolio.Tracker
	matchCfg matching.Config
	log      *logger.Logger
	now      func() time.Time

	cycleMu sync.Mutex
	cycles  int64

	mu     sync.RWMutex
	ledger *ledger.Ledger
	marks  entity.MarkPrices
}

// NewEngine loads the ledger from store and verifies it
func NewEngine(ctx context.Context, cfg Config, feed gateway.PriceFeed, store repository.LedgerRepository,
	checker *risk.Checker, tracker *portfolio.Tracker, log *logger.Logger) (*Engine, error) {
	if log == nil {
		log = logger.Default()
	}
	if cfg.FeedTimeout <= 0 {
		cfg.FeedTimeout = 10 * time.Second
	}
	if cfg.DefaultLeverage < 1 {
		cfg.DefaultLeverage = 1
	}

	snap, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load ledger: %v", ErrFatal, err)
	}
	l := ledger.FromSnapshot(snap)
	if err := l.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("%w: stored ledger: %v", ErrFatal, err)
	}

	return &Engine{
		cfg:      cfg,
		feed:     feed,
		store:    store,
		checker:  checker,
		tracker:  tracker,
		matchCfg: matching.Config{DefaultLeverage: cfg.DefaultLeverage, MaxLeverage: cfg.MaxLeverage},
		log:      log.WithField("component", "engine"),
		now:      func() time.Time { return time.Now().UTC() },
		ledger:   l,
		marks:    entity.MarkPrices{},
	}, nil
}

// SetClock replaces the time source used for fills and equity points
func (e *Engine) SetClock(now func() time.Time) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	e.now = now
}

// SavedAt returns when the loaded or last committed ledger was saved
func (e *Engine) SavedAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.Snapshot().SavedAt
}

// Run executes one cycle per interval until ctx is done. A decision whose
// cycle aborted on missing market data, or found another cycle running, is
// retried in the next cycle. Only fatal errors are returned.
func (e *Engine) Run(ctx context.Context, src DecisionSource, interval time.Duration) error {
	e.log.Info("Engine started, cycle every %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pending *entity.ProposedTrade
	for {
		if pending == nil {
			trade, err := src.Next(ctx)
			if err != nil {
				e.log.Warn("Decision unavailable, holding: %v", err)
				trade = entity.ProposedTrade{Action: entity.ActionHold}
			}
			pending = &trade
		}

		res, err := e.RunCycle(ctx, pending)
		if err != nil {
			return err
		}
		switch res.Outcome {
		case OutcomeRecoverable, OutcomeBusy:
		default:
			pending = nil
		}

		select {
		case <-ctx.Done():
			e.log.Info("Engine stopped after %d cycles", atomic.LoadInt64(&e.cycles))
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle validates and executes trade against fresh mark prices, runs
// liquidations and conditional orders, records equity and persists the
// ledger. A nil trade is HOLD. Overlapping calls return OutcomeBusy.
func (e *Engine) RunCycle(ctx context.Context, trade *entity.ProposedTrade) (*CycleResult, error) {
	if !e.cycleMu.TryLock() {
		e.log.Warn("Cycle skipped: previous cycle still running")
		return &CycleResult{Outcome: OutcomeBusy}, nil
	}
	defer e.cycleMu.Unlock()

	n := atomic.AddInt64(&e.cycles, 1)
	log := e.log.WithField("cycle", n)
	res := &CycleResult{Cycle: n, Outcome: OutcomeOK}
	if trade != nil {
		t := *trade
		res.Trade = &t
	}

	e.mu.RLock()
	base := e.ledger
	e.mu.RUnlock()

	// === STEP 1: Market data ===
	marks, err := e.fetchMarks(ctx, base, trade)
	if err != nil {
		return e.recoverable(res, log, fmt.Errorf("mark prices: %w", err)), nil
	}
	if missing := missingMarks(marks, requiredSymbols(base, trade)); len(missing) > 0 {
		return e.recoverable(res, log, fmt.Errorf("mark prices: %w for %v", matching.ErrNoMarkPrice, missing)), nil
	}

	// === STEP 2: Liquidations and conditional orders ===
	work := base.Clone()
	work.SetClock(e.now)
	exch := matching.NewSimulatedExchange(work, e.matchCfg, log)
	exch.UpdateMarks(marks)

	fills, err := exch.ProcessMarks(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return e.recoverable(res, log, err), nil
		}
		return e.fatal(res, log, fmt.Errorf("process marks: %w", err))
	}
	res.Fills = fills

	// === STEP 3: Risk check and execution ===
	if trade.IsHold() {
		res.Outcome = OutcomeHold
	} else if next := e.execute(ctx, work, marks, *trade, res, log); next != nil {
		work = next
	}

	// === STEP 4: Record ===
	e.tracker.Record(work, e.now())
	res.Metrics = e.tracker.Recompute(work)
	res.Balance = work.Balance()

	if err := work.CheckInvariants(); err != nil {
		return e.fatal(res, log, err)
	}

	// === STEP 5: Persist and commit ===
	if err := ctx.Err(); err != nil {
		return e.recoverable(res, log, err), nil
	}
	if err := e.store.Save(ctx, work.Snapshot()); err != nil {
		return e.fatal(res, log, fmt.Errorf("save ledger: %w", err))
	}

	e.mu.Lock()
	e.ledger = work
	for symbol, price := range marks {
		e.marks[symbol] = price
	}
	e.mu.Unlock()

	m := res.Metrics
	log.Info("Portfolio Value: $%s | Return: %.2f%% | Positions: %d | Sharpe: %.4f | Outcome: %s",
		m.TotalBalance.StringFixed(2), m.TotalReturnPct, work.PositionCount(), m.SharpeRatio, res.Outcome)
	return res, nil
}

// execute runs trade on a copy of work. The copy is returned when an order
// was placed; on rejection nil is returned and work is left as it was.
func (e *Engine) execute(ctx context.Context, work *ledger.Ledger, marks entity.MarkPrices,
	trade entity.ProposedTrade, res *CycleResult, log *logger.Logger) *ledger.Ledger {
	t := e.resolve(trade, work)
	res.Trade = &t
	log = log.WithField("symbol", t.Symbol)

	total := work.Balance().Total
	check := e.checker.ValidateTrade(t, risk.State{
		AccountValue: total,
		PeakEquity:   decimal.Max(work.PeakEquity(), total),
		Positions:    work.Positions(),
	})
	if !check.Allowed {
		e.reject(res, log, check.Reason, check.Detail)
		return nil
	}
	side, _ := t.Action.Side()

	trial := work.Clone()
	exch := matching.NewSimulatedExchange(trial, e.matchCfg, log)
	exch.UpdateMarks(marks)
	before := len(trial.Trades())

	if check.Exit {
		pos, _ := trial.Position(t.Symbol)
		order, err := exch.PlaceMarketOrder(ctx, t.Symbol, side, pos.Quantity)
		if err != nil {
			e.rejectErr(res, log, err)
			return nil
		}
		res.Order = order
		res.Fills = append(res.Fills, trial.Trades()[before:]...)
		log.Info("Exit: closed %s %s %s @ %s", pos.Side, pos.Quantity, t.Symbol, order.FillPrice)
		return trial
	}

	mark, ok := exch.Mark(t.Symbol)
	if !ok {
		e.reject(res, log, ReasonNoMarkPrice, fmt.Sprintf("no mark price for %s", t.Symbol))
		return nil
	}
	ref := mark
	if t.EntryPrice != nil {
		ref = *t.EntryPrice
	}

	if cur, ok := trial.Leverage(t.Symbol); !ok || cur != t.Leverage {
		if err := exch.SetLeverage(ctx, t.Symbol, t.Leverage); err != nil {
			e.rejectErr(res, log, err)
			return nil
		}
	}

	qty := total.Mul(t.PositionSizePct).Div(hundred).
		Mul(decimal.NewFromInt(int64(t.Leverage))).
		Div(ref).
		Truncate(quantityPrecision)
	if !qty.IsPositive() {
		e.reject(res, log, risk.ReasonInvalidSize, fmt.Sprintf("quantity rounds to zero at %s", ref))
		return nil
	}

	var order *entity.Order
	var err error
	if t.EntryPrice != nil {
		order, err = exch.PlaceLimitOrder(ctx, t.Symbol, side, qty, *t.EntryPrice)
	} else {
		order, err = exch.PlaceMarketOrder(ctx, t.Symbol, side, qty)
	}
	if err != nil {
		e.rejectErr(res, log, err)
		return nil
	}
	res.Order = order
	log.Info("Entry: %s %s %s x%d (%s%% of %s) -> %s",
		side, qty, t.Symbol, t.Leverage, t.PositionSizePct, total.StringFixed(2), order.Status)

	e.protect(ctx, exch, t, side, order.Quantity, ref, log)
	res.Fills = append(res.Fills, trial.Trades()[before:]...)
	return trial
}

// protect places the stop-loss and take-profit of an entry when they sit on
// the correct side of ref
func (e *Engine) protect(ctx context.Context, exch *matching.SimulatedExchange, t entity.ProposedTrade,
	side entity.Side, qty, ref decimal.Decimal, log *logger.Logger) {
	exit := side.Opposite()
	long := side == entity.SideBuy

	if sl := t.StopLoss; sl != nil {
		if (long && sl.LessThan(ref)) || (!long && sl.GreaterThan(ref)) {
			if _, err := exch.PlaceStopLoss(ctx, t.Symbol, exit, qty, *sl); err != nil {
				log.Warn("Stop-loss not placed: %v", err)
			}
		} else {
			log.Warn("Stop-loss %s ignored: wrong side of %s for %s", sl, ref, side)
		}
	}
	if tp := t.TakeProfit; tp != nil {
		if (long && tp.GreaterThan(ref)) || (!long && tp.LessThan(ref)) {
			if _, err := exch.PlaceTakeProfit(ctx, t.Symbol, exit, qty, *tp); err != nil {
				log.Warn("Take-profit not placed: %v", err)
			}
		} else {
			log.Warn("Take-profit %s ignored: wrong side of %s for %s", tp, ref, side)
		}
	}
}

// resolve fills the defaults of a trade
func (e *Engine) resolve(t entity.ProposedTrade, l *ledger.Ledger) entity.ProposedTrade {
	t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
	if !t.PositionSizePct.IsPositive() {
		t.PositionSizePct = e.cfg.DefaultPositionSizePct
	}
	if t.Leverage == 0 {
		if pos, ok := l.Position(t.Symbol); ok {
			t.Leverage = pos.Leverage
		} else if lev, ok := l.Leverage(t.Symbol); ok {
			t.Leverage = lev
		} else {
			t.Leverage = e.cfg.DefaultLeverage
		}
	}
	return t
}

func (e *Engine) fetchMarks(ctx context.Context, l *ledger.Ledger, trade *entity.ProposedTrade) (entity.MarkPrices, error) {
	set := make(map[string]struct{})
	for _, s := range e.cfg.Symbols {
		set[s] = struct{}{}
	}
	for _, s := range requiredSymbols(l, trade) {
		set[s] = struct{}{}
	}
	symbols := make([]string, 0, len(set))
	for s := range set {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	fctx, cancel := context.WithTimeout(ctx, e.cfg.FeedTimeout)
	defer cancel()
	return e.feed.MarkPrices(fctx, symbols)
}

// requiredSymbols returns the symbols a cycle cannot run without: open
// positions, pending orders and the traded symbol
func requiredSymbols(l *ledger.Ledger, trade *entity.ProposedTrade) []string {
	set := make(map[string]struct{})
	for _, p := range l.Positions() {
		set[p.Symbol] = struct{}{}
	}
	for _, o := range l.OpenOrders() {
		set[o.Symbol] = struct{}{}
	}
	if !trade.IsHold() && trade.Symbol != "" {
		set[strings.ToUpper(strings.TrimSpace(trade.Symbol))] = struct{}{}
	}
	symbols := make([]string, 0, len(set))
	for s := range set {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

func missingMarks(marks entity.MarkPrices, symbols []string) []string {
	var missing []string
	for _, s := range symbols {
		if _, ok := marks.Get(s); !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

func (e *Engine) reject(res *CycleResult, log *logger.Logger, reason risk.Reason, detail string) {
	res.Outcome = OutcomeRejected
	res.Reason = reason
	res.Detail = detail
	log.Warn("Trade rejected [%s]: %s", reason, detail)
}

func (e *Engine) rejectErr(res *CycleResult, log *logger.Logger, err error) {
	reason := ReasonOrderFailed
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		reason = ReasonInsufficientBalance
	case errors.Is(err, matching.ErrNoMarkPrice):
		reason = ReasonNoMarkPrice
	case errors.Is(err, matching.ErrLeverageLocked):
		reason = ReasonLeverageLocked
	case errors.Is(err, matching.ErrInvalidLeverage):
		reason = risk.ReasonLeverage
	case errors.Is(err, ledger.ErrInvalidOrder), errors.Is(err, ledger.ErrNothingToReduce):
		reason = ReasonInvalidOrder
	}
	e.reject(res, log, reason, err.Error())
}

func (e *Engine) recoverable(res *CycleResult, log *logger.Logger, err error) *CycleResult {
	res.Outcome = OutcomeRecoverable
	res.Err = err
	res.Fills = nil
	res.Order = nil
	log.Warn("Cycle aborted, ledger unchanged: %v", err)
	return res
}

func (e *Engine) fatal(res *CycleResult, log *logger.Logger, err error) (*CycleResult, error) {
	res.Outcome = OutcomeFatal
	res.Err = err
	log.Error("Cycle failed, ledger not saved: %v", err)
	return res, fmt.Errorf("%w: %v", ErrFatal, err)
}

// Status returns the committed account state. Positions are marked with the
// latest prices from the feed when it answers in time, otherwise with the
// prices of the last cycle. Nothing is written.
func (e *Engine) Status(ctx context.Context) Status {
	e.mu.RLock()
	l := e.ledger
	marks := make(entity.MarkPrices, len(e.marks))
	for k, v := range e.marks {
		marks[k] = v
	}
	e.mu.RUnlock()

	if e.feed != nil {
		if fresh, err := e.fetchMarks(ctx, l, nil); err == nil {
			for k, v := range fresh {
				marks[k] = v
			}
		} else {
			e.log.Warn("Status without fresh marks: %v", err)
		}
	}

	var positions []PositionStatus
	for _, p := range l.Positions() {
		if mark, ok := marks.Get(p.Symbol); ok {
			p.Mark(mark)
		}
		positions = append(positions, PositionStatus{Position: p, MarkPrice: p.MarkPrice, UnrealizedPnL: p.UnrealizedPnL})
	}
	return Status{
		Balance:    l.Balance(),
		Positions:  positions,
		OpenOrders: l.OpenOrders(),
		Metrics:    e.tracker.Recompute(l),
	}
}
