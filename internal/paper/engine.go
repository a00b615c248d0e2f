// Package paper runs simulated orders end to end: each tick asks the fill
// simulator for a result against the latest quote, turns it into an
// incremental fill and records that fill in the ledger.
package paper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/fill-ledger/internal/correlation"
	"github.com/atmx/fill-ledger/internal/fillsim"
	"github.com/atmx/fill-ledger/internal/ledger"
	"github.com/atmx/fill-ledger/internal/metrics"
	"github.com/atmx/fill-ledger/internal/model"
)

// ErrOrderNotFound is returned for unknown order ids.
var ErrOrderNotFound = errors.New("paper: order not found")

// ErrLimitExceeded wraps orders rejected by the position limiter.
var ErrLimitExceeded = errors.New("paper: position limit exceeded")

// PositionSource lists a user's ledger legs for limit checks.
type PositionSource interface {
	ListLegPositions(ctx context.Context, userID string) ([]model.LegPosition, error)
}

// TickResult is the outcome of one tick for one order.
type TickResult struct {
	OrderID       string                     `json:"order_id"`
	Status        model.OrderStatus          `json:"status"`
	Reason        string                     `json:"reason,omitempty"`
	QuoteFallback bool                       `json:"quote_fallback"`
	Delta         fillsim.FillDelta          `json:"delta"`
	Simulation    model.FillSimulationResult `json:"simulation"`
	// Fills holds one ledger result per recorded leg; empty when the tick
	// produced no quantity.
	Fills []ledger.RecordResult `json:"fills,omitempty"`
}

// Engine owns the paper order book. Ticks are serialized so an order's
// cumulative state is never read and written by two ticks at once.
type Engine struct {
	sim    *fillsim.Simulator
	ledger *ledger.Ledger
	quotes QuoteProvider
	logger *slog.Logger
	now    func() time.Time

	limiter   *correlation.PositionLimiter
	positions PositionSource

	mu     sync.Mutex
	orders map[string]*model.Order
	// pending holds a simulated tick whose fill the ledger has not fully
	// accepted yet. The next tick of that order replays it.
	pending map[string]*pendingTick
}

type pendingTick struct {
	sim           model.FillSimulationResult
	delta         fillsim.FillDelta
	quoteFallback bool
	at            time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time stamped on recorded fills.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger; nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithLimits rejects orders that would breach limiter given the positions
// currently booked in the ledger.
func WithLimits(limiter *correlation.PositionLimiter, positions PositionSource) Option {
	return func(e *Engine) {
		e.limiter = limiter
		e.positions = positions
	}
}

// NewEngine creates an Engine.
func NewEngine(sim *fillsim.Simulator, l *ledger.Ledger, quotes QuoteProvider, opts ...Option) *Engine {
	e := &Engine{
		sim:    sim,
		ledger: l,
		quotes: quotes,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		orders:  make(map[string]*model.Order),
		pending: make(map[string]*pendingTick),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit validates order, prices it against the current quote and adds it
// to the book as working.
func (e *Engine) Submit(ctx context.Context, order model.Order) (model.Order, fillsim.CostEstimate, error) {
	order.Symbol = strings.ToUpper(strings.TrimSpace(order.Symbol))
	order.Side = model.Action(strings.ToUpper(string(order.Side)))
	order.Type = model.OrderType(strings.ToUpper(string(order.Type)))
	if order.Type == "" {
		order.Type = model.OrderMarket
	}
	if strings.TrimSpace(order.UserID) == "" {
		return model.Order{}, fillsim.CostEstimate{}, fmt.Errorf("%w: user is required", fillsim.ErrInvalidOrder)
	}
	if err := fillsim.Validate(&order); err != nil {
		return model.Order{}, fillsim.CostEstimate{}, err
	}
	for _, leg := range order.Legs {
		if leg.Symbol == "" || !leg.Action.Valid() {
			return model.Order{}, fillsim.CostEstimate{}, fmt.Errorf("%w: every leg needs a symbol and action", fillsim.ErrInvalidOrder)
		}
	}

	if err := e.checkLimits(ctx, &order); err != nil {
		return model.Order{}, fillsim.CostEstimate{}, err
	}

	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.Trace.Source == "" {
		order.Trace.Source = model.SourcePaper
	}
	order.Status = model.OrderWorking
	order.FilledQty = decimal.Zero
	order.AvgFillPrice = decimal.NullDecimal{}
	order.FeesPaid = decimal.Zero
	order.CreatedAt = e.now()

	quote := e.quote(ctx, order.Symbol)
	est := fillsim.PrepareOrder(&order, quote, e.sim.Config())

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.orders[order.ID]; ok {
		return model.Order{}, fillsim.CostEstimate{}, fmt.Errorf("%w: order %s already exists", fillsim.ErrInvalidOrder, order.ID)
	}
	stored := order
	e.orders[order.ID] = &stored

	e.logger.Info("paper order submitted",
		"order", order.ID, "user", order.UserID, "symbol", order.Symbol, "side", order.Side,
		"qty", order.Quantity.String(), "fill_probability", est.FillProbability, "quote_fallback", est.QuoteFallback)
	return order, est, nil
}

// Order returns a copy of the order.
func (e *Engine) Order(id string) (model.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return model.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return *o, nil
}

// Orders returns every order of the user, oldest first.
func (e *Engine) Orders(userID string) []model.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.Order
	for _, o := range e.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Tick advances one order. seed makes the live-quote draw reproducible.
//
// The order's cumulative state is only advanced after the ledger accepted
// the fill. A tick whose fill failed to record is kept and replayed by the
// next tick of the order, whatever the quote or seed by then, so legs
// already booked deduplicate on their execution ids.
func (e *Engine) Tick(ctx context.Context, orderID string, seed *int64) (TickResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok {
		return TickResult{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return e.tick(ctx, o, seed)
}

// TickAll advances every working or partially filled order once, in
// submission order. It stops at the first ledger failure.
func (e *Engine) TickAll(ctx context.Context) ([]TickResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	open := make([]*model.Order, 0, len(e.orders))
	for _, o := range e.orders {
		if o.Status == model.OrderWorking || o.Status == model.OrderPartial {
			open = append(open, o)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		if open[i].CreatedAt.Equal(open[j].CreatedAt) {
			return open[i].ID < open[j].ID
		}
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})

	results := make([]TickResult, 0, len(open))
	for _, o := range open {
		res, err := e.tick(ctx, o, nil)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) tick(ctx context.Context, o *model.Order, seed *int64) (TickResult, error) {
	p, retry := e.pending[o.ID]
	if !retry {
		quote := e.quote(ctx, o.Symbol)
		sim := e.sim.SimulateFill(o, quote, seed)
		p = &pendingTick{
			sim:           sim,
			delta:         fillsim.ComputeDelta(fillsim.ProgressOf(o), sim, o.Quantity, o.EstimatedFee),
			quoteFallback: !quote.Valid(),
			at:            e.now(),
		}
		metrics.SimulatedTicks.WithLabelValues(string(sim.Status), reasonLabel(sim.Reason)).Inc()
	}
	sim, delta := p.sim, p.delta

	res := TickResult{
		OrderID:       o.ID,
		Status:        sim.Status,
		Reason:        sim.Reason,
		QuoteFallback: p.quoteFallback,
		Delta:         delta,
		Simulation:    sim,
	}

	if delta.HasFill() {
		e.pending[o.ID] = p
		fills, err := e.record(ctx, o, delta, p.at)
		res.Fills = fills
		if err != nil {
			e.logger.Error("paper fill not recorded",
				"order", o.ID, "user", o.UserID, "symbol", o.Symbol, "qty", delta.Qty.String(), "retry", retry, "err", err)
			return res, err
		}
	}
	delete(e.pending, o.ID)

	fillsim.ApplyResult(o, sim, delta)
	if delta.HasFill() {
		e.logger.Info("paper fill",
			"order", o.ID, "user", o.UserID, "symbol", o.Symbol, "status", o.Status,
			"qty", delta.Qty.String(), "price", delta.Price.String(), "fee", delta.Fee.String())
	}
	return res, nil
}

// record books one tick's delta at now. The execution id is the order id
// plus the cumulative quantity reached, which is stable across retries of
// the same tick.
func (e *Engine) record(ctx context.Context, o *model.Order, delta fillsim.FillDelta, now time.Time) ([]ledger.RecordResult, error) {
	execID := o.ID + ":" + delta.CumulativeQty.String()

	if len(o.Legs) == 0 {
		fill := ledger.FillData{
			Symbol:       o.Symbol,
			Underlying:   o.Underlying,
			Action:       o.Side,
			Quantity:     delta.Qty,
			Price:        delta.Price,
			Fee:          delta.Fee,
			Multiplier:   o.Multiplier,
			FilledAt:     now,
			BrokerExecID: execID,
		}
		rec, err := e.ledger.RecordFill(ctx, o.UserID, execID, fill, ledger.FillContext{TraceContext: o.Trace})
		if err == nil && !rec.OK {
			err = fmt.Errorf("record fill: %s", rec.Error)
		}
		return []ledger.RecordResult{rec}, err
	}

	exec := ledger.Execution{
		UserID:      o.UserID,
		ExecutionID: execID,
		FilledAt:    now,
		TotalPrice:  decimal.NewNullDecimal(delta.Price),
		TotalFee:    decimal.NewNullDecimal(delta.Fee),
		Legs:        make([]ledger.ExecutionLeg, len(o.Legs)),
		Trace:       o.Trace,
	}
	for i, leg := range o.Legs {
		exec.Legs[i] = ledger.ExecutionLeg{
			Symbol:       leg.Symbol,
			Underlying:   leg.Underlying,
			Action:       legAction(o, leg),
			Quantity:     delta.Qty.Mul(legRatio(leg)),
			Multiplier:   leg.Multiplier,
			Right:        leg.Right,
			Strike:       leg.Strike,
			Expiry:       leg.Expiry,
			BrokerExecID: execID + ":" + strings.ToUpper(leg.Symbol),
		}
	}
	res, err := e.ledger.RegisterExecution(ctx, exec)
	if err == nil && !res.OK {
		err = fmt.Errorf("register execution: %s", firstError(res.Legs))
	}
	return res.Legs, err
}

// checkLimits runs the limiter over the full order quantity against the
// user's booked positions. Working orders are not counted.
func (e *Engine) checkLimits(ctx context.Context, o *model.Order) error {
	if !e.limiter.Enabled() || e.positions == nil {
		return nil
	}
	legs, err := e.positions.ListLegPositions(ctx, o.UserID)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}

	var trades []correlation.Exposure
	if len(o.Legs) == 0 {
		trades = append(trades, correlation.Exposure{
			Symbol: o.Symbol, Underlying: o.Underlying, Net: model.QtyDelta(o.Side, o.Quantity),
		})
	}
	for _, leg := range o.Legs {
		trades = append(trades, correlation.Exposure{
			Symbol:     leg.Symbol,
			Underlying: leg.Underlying,
			Net:        model.QtyDelta(legAction(o, leg), o.Quantity.Mul(legRatio(leg))),
		})
	}

	if err := e.limiter.CheckTrades(trades, correlation.BookFromLegs(legs)); err != nil {
		e.logger.Warn("paper order rejected by limits", "user", o.UserID, "symbol", o.Symbol, "err", err)
		return fmt.Errorf("%w: %w", ErrLimitExceeded, err)
	}
	return nil
}

// legAction is the leg's own action, flipped when the combo is sold.
func legAction(o *model.Order, leg model.OrderLeg) model.Action {
	if o.Side == model.ActionSell {
		return leg.Action.Opposite()
	}
	return leg.Action
}

// legRatio is the leg's quantity per combo unit, 1 when unset.
func legRatio(leg model.OrderLeg) decimal.Decimal {
	if !leg.Quantity.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return leg.Quantity
}

// quote never fails the tick: a provider error is logged and treated as a
// missing quote.
func (e *Engine) quote(ctx context.Context, symbol string) *model.Quote {
	q, err := e.quotes.GetQuote(ctx, symbol)
	if err != nil {
		e.logger.Warn("quote unavailable, using fallback", "symbol", symbol, "err", err)
		return nil
	}
	return q
}

func firstError(legs []ledger.RecordResult) string {
	for _, l := range legs {
		if l.Error != "" {
			return l.Error
		}
	}
	return "unknown"
}

func reasonLabel(reason string) string {
	if reason == "" {
		return "quote"
	}
	return reason
}
