package fillsim

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/fill-ledger/internal/model"
)

// Fill-probability bands by where a limit sits relative to the book.
const (
	ProbThroughTouch = 0.95
	ProbAtMid        = 0.50
	ProbInsideSpread = 0.10
	ProbBeyond       = 0.01
)

// PriceScale is the number of decimal places for prices and costs.
const PriceScale int32 = 4

var (
	bpsDenominator  = decimal.NewFromInt(10000)
	two             = decimal.NewFromInt(2)
	syntheticSpread = decimal.RequireFromString("0.01")
)

// CostEstimate is the pre-trade view of an order.
type CostEstimate struct {
	Bid             decimal.Decimal `json:"bid"`
	Ask             decimal.Decimal `json:"ask"`
	Mid             decimal.Decimal `json:"mid"`
	ExpectedPrice   decimal.Decimal `json:"expected_price"`
	SpreadCost      decimal.Decimal `json:"spread_cost"`
	Slippage        decimal.Decimal `json:"slippage"`
	Fees            decimal.Decimal `json:"fees"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	FillProbability float64         `json:"fill_probability"`
	// QuoteFallback is set when bid/ask were synthesized because the quote
	// was missing or malformed.
	QuoteFallback bool `json:"quote_fallback"`
	// NoReference is set when neither a quote nor a limit price existed and
	// every price is zero.
	NoReference bool `json:"no_reference"`
}

// Validate checks that an order can be priced.
func Validate(order *model.Order) error {
	switch {
	case order == nil:
		return fmt.Errorf("%w: nil order", ErrInvalidOrder)
	case order.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	case !order.Side.Valid():
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidOrder)
	case !order.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	case order.Type != model.OrderMarket && order.Type != model.OrderLimit:
		return fmt.Errorf("%w: type must be MARKET or LIMIT", ErrInvalidOrder)
	case order.Type == model.OrderLimit && (!order.LimitPrice.Valid || !order.LimitPrice.Decimal.IsPositive()):
		return fmt.Errorf("%w: limit order requires a positive limit price", ErrInvalidOrder)
	}
	return nil
}

// Estimate computes expected fill price, costs and fill probability for
// order against quote. A missing or malformed quote is replaced by a
// synthetic book of limit ±1% (or zeros without a limit).
func Estimate(order *model.Order, quote *model.Quote, cfg Config) CostEstimate {
	cfg = cfg.withDefaults()
	est := CostEstimate{}

	if quote.Valid() {
		est.Bid, est.Ask, est.Mid = quote.Bid, quote.Ask, quote.Mid()
	} else {
		est.QuoteFallback = true
		if order.LimitPrice.Valid && order.LimitPrice.Decimal.IsPositive() {
			limit := order.LimitPrice.Decimal
			est.Bid = limit.Mul(decimal.NewFromInt(1).Sub(syntheticSpread))
			est.Ask = limit.Mul(decimal.NewFromInt(1).Add(syntheticSpread))
			est.Mid = limit
		} else {
			est.NoReference = true
		}
	}

	qty := order.Remaining()
	if !qty.IsPositive() {
		qty = order.Quantity
	}
	mult := multiplier(order, cfg)

	est.SpreadCost = est.Ask.Sub(est.Bid).Div(two).Mul(qty).Mul(mult).Round(PriceScale)
	notional := est.Mid.Mul(qty).Mul(mult)
	est.Slippage = notional.Mul(cfg.SlippageBps).Div(bpsDenominator).Round(PriceScale)
	est.Fees = Fee(order, qty, cfg)
	est.TotalCost = est.SpreadCost.Add(est.Slippage).Add(est.Fees)
	est.ExpectedPrice = expectedPrice(order, est, cfg, !est.QuoteFallback)
	est.FillProbability = clamp01(bandProbability(order, est) * cfg.Bias.Factor())

	return est
}

// PrepareOrder stores the estimate on the order so the missing-quote path
// can reuse it on later ticks.
func PrepareOrder(order *model.Order, quote *model.Quote, cfg Config) CostEstimate {
	est := Estimate(order, quote, cfg)
	order.FillProbability = est.FillProbability
	order.ExpectedPrice = est.ExpectedPrice
	order.EstimatedFee = est.Fees
	return est
}

// Fee is the per-contract fee for qty across all legs, floored at MinFee.
func Fee(order *model.Order, qty decimal.Decimal, cfg Config) decimal.Decimal {
	cfg = cfg.withDefaults()
	legs := len(order.Legs)
	if legs < 1 {
		legs = 1
	}
	fee := cfg.FeePerContract.Mul(qty).Mul(decimal.NewFromInt(int64(legs)))
	if fee.LessThan(cfg.MinFee) {
		fee = cfg.MinFee
	}
	return fee.Round(PriceScale)
}

func multiplier(order *model.Order, cfg Config) decimal.Decimal {
	if order.Multiplier.IsPositive() {
		return order.Multiplier
	}
	return cfg.DefaultMultiplier
}

// expectedPrice is the far touch (plus slippage) for market orders and the
// better of limit and touch for limit orders.
func expectedPrice(order *model.Order, est CostEstimate, cfg Config, liveQuote bool) decimal.Decimal {
	if order.Type == model.OrderMarket {
		if est.NoReference {
			return decimal.Zero
		}
		return marketPrice(order.Side, est.Bid, est.Ask, cfg)
	}

	limit := order.LimitPrice.Decimal
	if !liveQuote {
		return limit
	}
	if order.Side == model.ActionBuy && limit.GreaterThanOrEqual(est.Ask) {
		return est.Ask
	}
	if order.Side == model.ActionSell && limit.LessThanOrEqual(est.Bid) {
		return est.Bid
	}
	return limit
}

// marketPrice is the far touch moved against the taker by the slippage.
func marketPrice(side model.Action, bid, ask decimal.Decimal, cfg Config) decimal.Decimal {
	slip := cfg.SlippageBps.Div(bpsDenominator)
	if side == model.ActionBuy {
		return ask.Mul(decimal.NewFromInt(1).Add(slip)).Round(PriceScale)
	}
	return bid.Mul(decimal.NewFromInt(1).Sub(slip)).Round(PriceScale)
}

func bandProbability(order *model.Order, est CostEstimate) float64 {
	if order.Type == model.OrderMarket {
		if est.NoReference {
			return 0
		}
		return ProbThroughTouch
	}
	if !order.LimitPrice.Valid {
		return 0
	}
	limit := order.LimitPrice.Decimal

	if order.Side == model.ActionBuy {
		switch {
		case limit.GreaterThanOrEqual(est.Ask):
			return ProbThroughTouch
		case limit.GreaterThanOrEqual(est.Mid):
			return ProbAtMid
		case limit.GreaterThanOrEqual(est.Bid):
			return ProbInsideSpread
		default:
			return ProbBeyond
		}
	}

	switch {
	case limit.LessThanOrEqual(est.Bid):
		return ProbThroughTouch
	case limit.LessThanOrEqual(est.Mid):
		return ProbAtMid
	case limit.LessThanOrEqual(est.Ask):
		return ProbInsideSpread
	default:
		return ProbBeyond
	}
}

func clamp01(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
