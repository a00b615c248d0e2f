package fillsim

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/fill-ledger/internal/model"
)

// OrderProgress is the order's persisted cumulative state before a tick.
type OrderProgress struct {
	FilledQty decimal.Decimal
	FeesPaid  decimal.Decimal
}

// ProgressOf returns the cumulative state stored on order.
func ProgressOf(order *model.Order) OrderProgress {
	return OrderProgress{FilledQty: order.FilledQty, FeesPaid: order.FeesPaid}
}

// FillDelta is what changed during one tick. Qty, Price and Fee are
// incremental; the Cumulative fields are what the order should store
// afterwards.
type FillDelta struct {
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	Fee           decimal.Decimal `json:"fee"`
	CumulativeQty decimal.Decimal `json:"cumulative_qty"`
	CumulativeFee decimal.Decimal `json:"cumulative_fee"`
}

// HasFill reports whether the tick produced any quantity.
func (d FillDelta) HasFill() bool {
	return d.Qty.IsPositive()
}

// ComputeDelta converts the simulator's cumulative result into this tick's
// quantity, price and fee against the latest persisted progress.
//
// Quantity is max(0, new cumulative - prior cumulative); a result without a
// cumulative quantity falls back to its last-fill quantity. Price is the
// last-fill price, else the new average. Fees are the pre-estimated total
// prorated by filled fraction, and only the increase is charged.
func ComputeDelta(prior OrderProgress, result model.FillSimulationResult, requestedQty, estimatedFee decimal.Decimal) FillDelta {
	var cum, qty decimal.Decimal
	if result.FilledQty.Valid {
		cum = result.FilledQty.Decimal
		qty = decimal.Max(decimal.Zero, cum.Sub(prior.FilledQty))
	} else if result.LastFillQty.Valid {
		qty = decimal.Max(decimal.Zero, result.LastFillQty.Decimal)
		cum = prior.FilledQty.Add(qty)
	} else {
		cum = prior.FilledQty
	}
	if cum.LessThan(prior.FilledQty) {
		cum = prior.FilledQty
	}

	price := decimal.Zero
	switch {
	case result.LastFillPrice.Valid && result.LastFillPrice.Decimal.IsPositive():
		price = result.LastFillPrice.Decimal
	case result.AvgFillPrice.Valid:
		price = result.AvgFillPrice.Decimal
	}

	cumFee := prior.FeesPaid
	if requestedQty.IsPositive() {
		fraction := decimal.Min(decimal.NewFromInt(1), cum.Div(requestedQty))
		cumFee = estimatedFee.Mul(fraction).Round(PriceScale)
	}
	fee := decimal.Max(decimal.Zero, cumFee.Sub(prior.FeesPaid))

	return FillDelta{
		Qty:           qty,
		Price:         price,
		Fee:           fee,
		CumulativeQty: cum,
		CumulativeFee: decimal.Max(cumFee, prior.FeesPaid),
	}
}

// ApplyResult stores the tick's cumulative state on order.
func ApplyResult(order *model.Order, result model.FillSimulationResult, delta FillDelta) {
	order.Status = result.Status
	order.FilledQty = delta.CumulativeQty
	if result.AvgFillPrice.Valid {
		order.AvgFillPrice = result.AvgFillPrice
	}
	order.FeesPaid = delta.CumulativeFee
}
