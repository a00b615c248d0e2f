package model

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrOverClose is returned by ApplyFill when a closing quantity exceeds
// the leg's open quantity. Callers split such fills before applying them.
var ErrOverClose = errors.New("model: closing quantity exceeds open quantity")

const costScale int32 = 8

// WeightedAverage returns (oldAvg*oldQty + price*qty) / (oldQty+qty).
func WeightedAverage(oldAvg, oldQty, price, qty decimal.Decimal) decimal.Decimal {
	total := oldQty.Add(qty)
	if !total.IsPositive() {
		return decimal.Zero
	}
	return oldAvg.Mul(oldQty).Add(price.Mul(qty)).Div(total).Round(costScale)
}

// ApplyFill moves qty at price onto the opening or closing side of the leg
// and returns the realized P&L of a closing fill (before fees).
//
// The leg's side is never changed here.
func (l *PositionLeg) ApplyFill(opening bool, qty, price decimal.Decimal) (decimal.Decimal, error) {
	if opening {
		l.AvgCostOpen = WeightedAverage(l.AvgCostOpen, l.QtyOpened, price, qty)
		l.QtyOpened = l.QtyOpened.Add(qty)
		return decimal.Zero, nil
	}

	if qty.GreaterThan(l.OpenQty()) {
		return decimal.Zero, ErrOverClose
	}

	mult := l.Multiplier
	if !mult.IsPositive() {
		mult = decimal.NewFromInt(1)
	}
	// LONG gains when closing above cost, SHORT when closing below.
	realized := price.Sub(l.AvgCostOpen).Mul(qty).Mul(mult).Mul(l.Side.Sign())

	l.AvgCostClose = WeightedAverage(l.AvgCostClose, l.QtyClosed, price, qty)
	l.QtyClosed = l.QtyClosed.Add(qty)
	return realized.Round(costScale), nil
}

// CashImpact is the signed cash flow of a fill: BUY pays price*qty*mult
// plus fee, SELL receives price*qty*mult minus fee.
func CashImpact(action Action, qty, price, fee, multiplier decimal.Decimal) decimal.Decimal {
	gross := price.Mul(qty).Mul(multiplier)
	if action == ActionBuy {
		return gross.Add(fee).Neg()
	}
	return gross.Sub(fee)
}

// QtyDelta is +qty for BUY and -qty for SELL.
func QtyDelta(action Action, qty decimal.Decimal) decimal.Decimal {
	if action == ActionBuy {
		return qty
	}
	return qty.Neg()
}
