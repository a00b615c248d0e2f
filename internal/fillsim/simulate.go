package fillsim

import (
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/fill-ledger/internal/model"
)

// Reason codes reported on FillSimulationResult.
const (
	ReasonAlreadyFilled        = "already_filled"
	ReasonMissingQuoteFallback = "missing_quote_fallback"
	ReasonMissingQuoteNoFill   = "missing_quote_no_fill"
	ReasonPartialFill          = "simulated_partial"
)

const avgScale int32 = 8

// Simulator decides per-tick fill outcomes. It holds no per-order state:
// everything it needs is on the order and the quote.
type Simulator struct {
	cfg Config
	now func() time.Time
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithClock overrides the clock used for the fallback day bucket.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// NewSimulator creates a simulator with the given cost model.
func NewSimulator(cfg Config, opts ...Option) *Simulator {
	s := &Simulator{
		cfg: cfg.withDefaults(),
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the simulator's cost model.
func (s *Simulator) Config() Config {
	return s.cfg
}

// SimulateFill advances order by one tick against quote. The returned
// status is always working, partial or filled; the order's own status is
// never echoed. seed makes the live-quote path reproducible; nil draws
// from the global source.
//
// SimulateFill does not modify order; use ApplyResult for that.
func (s *Simulator) SimulateFill(order *model.Order, quote *model.Quote, seed *int64) model.FillSimulationResult {
	remaining := order.Remaining()
	if !remaining.IsPositive() {
		return model.FillSimulationResult{
			Status:       model.OrderFilled,
			FilledQty:    decimal.NewNullDecimal(order.FilledQty),
			AvgFillPrice: order.AvgFillPrice,
			Reason:       ReasonAlreadyFilled,
		}
	}

	if !quote.Valid() {
		return s.simulateFallback(order, remaining)
	}

	rng := newRand(seed)

	if order.Type == model.OrderMarket {
		return fillResult(order, remaining, marketPrice(order.Side, quote.Bid, quote.Ask, s.cfg), "")
	}

	limit := order.LimitPrice.Decimal
	bid, ask := quote.Bid, quote.Ask

	// Crossing the touch fills everything at the touch.
	if order.Side == model.ActionBuy && limit.GreaterThanOrEqual(ask) {
		return fillResult(order, remaining, ask, "")
	}
	if order.Side == model.ActionSell && limit.LessThanOrEqual(bid) {
		return fillResult(order, remaining, bid, "")
	}

	p := insideSpreadProbability(order.Side, limit, bid, ask)
	if p <= 0 || rng.Float64() >= p {
		return noFillResult(order, "")
	}

	if remaining.GreaterThanOrEqual(s.cfg.PartialFillMinQty) && rng.Float64() < s.cfg.PartialFillChance {
		half := remaining.Div(two).Floor()
		if half.IsPositive() {
			return fillResult(order, half, limit, ReasonPartialFill)
		}
	}
	return fillResult(order, remaining, limit, "")
}

// simulateFallback fills the whole remaining quantity at the precomputed
// expected price when today's deterministic draw beats the precomputed
// fill probability.
func (s *Simulator) simulateFallback(order *model.Order, remaining decimal.Decimal) model.FillSimulationResult {
	price := order.ExpectedPrice
	if !price.IsPositive() && order.LimitPrice.Valid {
		price = order.LimitPrice.Decimal
	}
	if !price.IsPositive() {
		return noFillResult(order, ReasonMissingQuoteNoFill)
	}

	if DrawAt(order.ID, s.now()) < order.FillProbability {
		return fillResult(order, remaining, price, ReasonMissingQuoteFallback)
	}
	return noFillResult(order, ReasonMissingQuoteNoFill)
}

// insideSpreadProbability is the fraction of the spread the limit has
// crossed, capped at one half.
func insideSpreadProbability(side model.Action, limit, bid, ask decimal.Decimal) float64 {
	spread := ask.Sub(bid)
	if !spread.IsPositive() {
		return 0
	}
	var depth decimal.Decimal
	if side == model.ActionBuy {
		depth = limit.Sub(bid)
	} else {
		depth = ask.Sub(limit)
	}
	if !depth.IsPositive() {
		return 0
	}
	p := depth.Div(spread).InexactFloat64()
	if p > 0.5 {
		p = 0.5
	}
	return p
}

func fillResult(order *model.Order, qty, price decimal.Decimal, reason string) model.FillSimulationResult {
	prevQty := order.FilledQty
	cum := prevQty.Add(qty)

	avg := price
	if prevQty.IsPositive() {
		prevAvg := price
		if order.AvgFillPrice.Valid {
			prevAvg = order.AvgFillPrice.Decimal
		}
		avg = prevAvg.Mul(prevQty).Add(price.Mul(qty)).Div(cum).Round(avgScale)
	}

	status := model.OrderPartial
	if cum.GreaterThanOrEqual(order.Quantity) {
		status = model.OrderFilled
	}

	return model.FillSimulationResult{
		Status:        status,
		FilledQty:     decimal.NewNullDecimal(cum),
		AvgFillPrice:  decimal.NewNullDecimal(avg),
		LastFillQty:   decimal.NewNullDecimal(qty),
		LastFillPrice: decimal.NewNullDecimal(price),
		Reason:        reason,
	}
}

func noFillResult(order *model.Order, reason string) model.FillSimulationResult {
	status := model.OrderWorking
	if order.FilledQty.IsPositive() {
		status = model.OrderPartial
	}
	return model.FillSimulationResult{
		Status:       status,
		FilledQty:    decimal.NewNullDecimal(order.FilledQty),
		AvgFillPrice: order.AvgFillPrice,
		Reason:       reason,
	}
}

func newRand(seed *int64) *rand.Rand {
	if seed != nil {
		return rand.New(rand.NewPCG(uint64(*seed), 0x9e3779b97f4a7c15))
	}
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}
