// Package correlation implements position limits that account for
// correlation between contracts on the same underlying.
//
// A user long SPY shares, long SPY calls and short SPY puts carries one
// directional bet three times over. This package groups symbols by their
// underlying and enforces both a per-symbol and an aggregate limit.
package correlation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/fill-ledger/internal/contract"
	"github.com/atmx/fill-ledger/internal/model"
)

var (
	// ErrPerSymbolLimitExceeded is returned when a trade would push a single
	// symbol's net position beyond the per-symbol maximum.
	ErrPerSymbolLimitExceeded = errors.New("correlation: per-symbol position limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a trade would push the
	// aggregate exposure across symbols on one underlying beyond the
	// correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("correlation: correlated exposure limit exceeded")
)

// Exposure is a signed net quantity in one symbol. Positive is long.
type Exposure struct {
	Symbol     string
	Underlying string
	Net        decimal.Decimal
}

// Book maps upper-cased symbols to the user's current exposure.
type Book map[string]Exposure

// BookFromLegs nets the open quantity of legs per symbol.
func BookFromLegs(legs []model.LegPosition) Book {
	b := make(Book)
	for _, lp := range legs {
		leg := lp.Leg
		if leg.Flat() {
			continue
		}
		b.add(Exposure{Symbol: leg.Symbol, Underlying: leg.Underlying, Net: leg.SignedOpenQty()})
	}
	return b
}

func (b Book) add(e Exposure) {
	sym := strings.ToUpper(e.Symbol)
	cur, ok := b[sym]
	if !ok {
		cur = Exposure{Symbol: sym, Underlying: UnderlyingOf(sym, e.Underlying), Net: decimal.Zero}
	}
	cur.Net = cur.Net.Add(e.Net)
	b[sym] = cur
}

// UnderlyingOf returns underlying when set, the root of an OCC option
// symbol, or the symbol itself.
func UnderlyingOf(symbol, underlying string) string {
	if u := strings.ToUpper(strings.TrimSpace(underlying)); u != "" {
		return u
	}
	if opt, err := contract.ParseOCC(symbol); err == nil {
		return opt.Underlying
	}
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// PositionLimiter enforces position limits with correlation awareness.
// A zero limit disables that check.
type PositionLimiter struct {
	// MaxPerSymbol is the maximum absolute net position in any single symbol.
	MaxPerSymbol decimal.Decimal

	// MaxCorrelated is the maximum aggregate absolute exposure across all
	// symbols sharing an underlying.
	MaxCorrelated decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given per-symbol and
// correlated exposure limits.
func NewPositionLimiter(maxPerSymbol, maxCorrelated decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerSymbol:  maxPerSymbol,
		MaxCorrelated: maxCorrelated,
	}
}

// Enabled reports whether any limit is set.
func (l *PositionLimiter) Enabled() bool {
	return l != nil && (l.MaxPerSymbol.IsPositive() || l.MaxCorrelated.IsPositive())
}

// CheckLimit validates whether a single trade respects position limits.
// trade.Net is the signed change in position.
func (l *PositionLimiter) CheckLimit(trade Exposure, existing Book) error {
	return l.CheckTrades([]Exposure{trade}, existing)
}

// CheckTrades validates a set of trades executed together, such as the legs
// of a combo. A trade that reduces an exposure is always allowed, even when
// the book is already beyond a limit.
func (l *PositionLimiter) CheckTrades(trades []Exposure, existing Book) error {
	if !l.Enabled() {
		return nil
	}

	after := make(Book, len(existing)+len(trades))
	for _, e := range existing {
		after.add(e)
	}
	touched := make(map[string]bool)
	for _, t := range trades {
		after.add(t)
		touched[strings.ToUpper(t.Symbol)] = true
	}

	// 1. Per-symbol limit.
	if l.MaxPerSymbol.IsPositive() {
		for sym := range touched {
			before := existing[sym].Net.Abs()
			now := after[sym].Net.Abs()
			if now.GreaterThan(l.MaxPerSymbol) && now.GreaterThan(before) {
				return fmt.Errorf("%w: %s at %s, max %s", ErrPerSymbolLimitExceeded, sym, now, l.MaxPerSymbol)
			}
		}
	}

	// 2. Correlated exposure: sum |net| across symbols sharing an underlying.
	if l.MaxCorrelated.IsPositive() {
		groups := make(map[string]bool)
		for sym := range touched {
			groups[after[sym].Underlying] = true
		}
		for u := range groups {
			before := existing.correlated(u)
			now := after.correlated(u)
			if now.GreaterThan(l.MaxCorrelated) && now.GreaterThan(before) {
				return fmt.Errorf("%w: %s at %s, max %s", ErrCorrelatedLimitExceeded, u, now, l.MaxCorrelated)
			}
		}
	}
	return nil
}

func (b Book) correlated(underlying string) decimal.Decimal {
	total := decimal.Zero
	for _, e := range b {
		if UnderlyingOf(e.Symbol, e.Underlying) == underlying {
			total = total.Add(e.Net.Abs())
		}
	}
	return total
}
