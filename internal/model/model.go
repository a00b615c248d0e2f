// Package model defines the core domain types shared across the fill
// simulator, the position ledger and reconciliation.
// All monetary values and quantities use shopspring/decimal; never float64
// for money. Optional values that must distinguish "unknown" from zero use
// decimal.NullDecimal or pointers.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the trade direction of a fill or order leg.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Valid reports whether a is BUY or SELL.
func (a Action) Valid() bool {
	return a == ActionBuy || a == ActionSell
}

// Opposite returns the other direction.
func (a Action) Opposite() Action {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

// LegSide is the orientation of a position leg. It is fixed by the first
// fill recorded on the leg and never re-derived.
type LegSide string

const (
	SideLong  LegSide = "LONG"
	SideShort LegSide = "SHORT"
)

// SideForOpening returns the leg orientation established by an opening
// action: BUY opens LONG, SELL opens SHORT.
func SideForOpening(a Action) LegSide {
	if a == ActionSell {
		return SideShort
	}
	return SideLong
}

// IsOpening reports whether action adds to a leg of this side.
// LONG+BUY and SHORT+SELL open; LONG+SELL and SHORT+BUY close.
func (s LegSide) IsOpening(a Action) bool {
	return (s == SideLong && a == ActionBuy) || (s == SideShort && a == ActionSell)
}

// Sign returns +1 for LONG and -1 for SHORT.
func (s LegSide) Sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderType is MARKET or LIMIT.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// OrderStatus values. Staged is owned by the order lifecycle; the simulator
// only ever reports working, partial or filled.
type OrderStatus string

const (
	OrderStaged  OrderStatus = "staged"
	OrderWorking OrderStatus = "working"
	OrderPartial OrderStatus = "partial"
	OrderFilled  OrderStatus = "filled"
)

// GroupStatus is the lifecycle state of a position group.
type GroupStatus string

const (
	GroupOpen   GroupStatus = "OPEN"
	GroupClosed GroupStatus = "CLOSED"
)

// Source tags where an execution came from.
type Source string

const (
	SourceLive     Source = "LIVE"
	SourcePaper    Source = "PAPER"
	SourceBackfill Source = "BACKFILL"
)

// BreakType classifies a reconciliation mismatch.
type BreakType string

const (
	BreakMissingInBroker BreakType = "MISSING_IN_BROKER"
	BreakMissingInLedger BreakType = "MISSING_IN_LEDGER"
	BreakQtyMismatch     BreakType = "QTY_MISMATCH"
)

// Contract describes the instrument a leg trades. Strike and Expiry are
// only set for options.
type Contract struct {
	Symbol     string              `json:"symbol"`
	Underlying string              `json:"underlying"`
	Right      string              `json:"right,omitempty"` // "C" or "P"
	Strike     decimal.NullDecimal `json:"strike"`
	Expiry     *time.Time          `json:"expiry,omitempty"`
	Multiplier decimal.Decimal     `json:"multiplier"`
}

// OrderLeg is one component of a multi-leg order. Quantity is the leg's
// ratio per unit of the parent order.
type OrderLeg struct {
	Contract
	Action   Action          `json:"action"`
	Quantity decimal.Decimal `json:"quantity"`
}

// TraceContext is the strategy metadata carried from order to ledger.
type TraceContext struct {
	TraceID         string `json:"trace_id,omitempty"`
	LegsFingerprint string `json:"legs_fingerprint,omitempty"`
	StrategyKey     string `json:"strategy_key,omitempty"`
	Strategy        string `json:"strategy,omitempty"`
	Window          string `json:"window,omitempty"`
	Regime          string `json:"regime,omitempty"`
	ModelVersion    string `json:"model_version,omitempty"`
	FeatureHash     string `json:"feature_hash,omitempty"`
	Source          Source `json:"source,omitempty"`
}

// Order is a resting ticket. The simulator path mutates only the
// cumulative fields (FilledQty, AvgFillPrice, FeesPaid, Status); the ledger
// never touches it.
type Order struct {
	ID         string              `json:"id"`
	UserID     string              `json:"user_id"`
	Symbol     string              `json:"symbol"`
	Underlying string              `json:"underlying"`
	Side       Action              `json:"side"`
	Type       OrderType           `json:"type"`
	LimitPrice decimal.NullDecimal `json:"limit_price"`
	Quantity   decimal.Decimal     `json:"quantity"`
	Multiplier decimal.Decimal     `json:"multiplier"`
	Legs       []OrderLeg          `json:"legs,omitempty"`
	Trace      TraceContext        `json:"trace"`

	// Pre-trade estimate, stored so the missing-quote path can reuse it.
	FillProbability float64         `json:"fill_probability"`
	ExpectedPrice   decimal.Decimal `json:"expected_price"`
	EstimatedFee    decimal.Decimal `json:"estimated_fee"`

	Status       OrderStatus         `json:"status"`
	FilledQty    decimal.Decimal     `json:"filled_qty"`
	AvgFillPrice decimal.NullDecimal `json:"avg_fill_price"`
	FeesPaid     decimal.Decimal     `json:"fees_paid"`
	CreatedAt    time.Time           `json:"created_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// Quote is a top-of-book snapshot.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"timestamp"`
}

// Valid reports whether q is usable. A nil quote or one with a
// non-positive bid or ask is treated as absent.
func (q *Quote) Valid() bool {
	return q != nil && q.Bid.IsPositive() && q.Ask.IsPositive()
}

// Mid returns (bid+ask)/2.
func (q *Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// FillSimulationResult is the simulator's view of an order after one tick.
// FilledQty and AvgFillPrice are cumulative; LastFill* describe this tick.
type FillSimulationResult struct {
	Status        OrderStatus         `json:"status"`
	FilledQty     decimal.NullDecimal `json:"filled_qty"`
	AvgFillPrice  decimal.NullDecimal `json:"avg_fill_price"`
	LastFillQty   decimal.NullDecimal `json:"last_fill_qty"`
	LastFillPrice decimal.NullDecimal `json:"last_fill_price"`
	Reason        string              `json:"reason,omitempty"`
}

// PositionGroup is a strategy-level container of legs.
type PositionGroup struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"user_id" db:"user_id"`
	Underlying      string          `json:"underlying" db:"underlying"`
	LegsFingerprint string          `json:"legs_fingerprint" db:"legs_fingerprint"`
	StrategyKey     string          `json:"strategy_key" db:"strategy_key"`
	TraceID         string          `json:"trace_id" db:"trace_id"`
	Strategy        string          `json:"strategy" db:"strategy"`
	Window          string          `json:"window" db:"strategy_window"`
	Regime          string          `json:"regime" db:"regime"`
	Status          GroupStatus     `json:"status" db:"status"`
	FeesPaid        decimal.Decimal `json:"fees_paid" db:"fees_paid"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	OpenedAt        time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// PositionLeg is one symbol-level position within a group.
// Invariant: QtyOpened - QtyClosed >= 0.
type PositionLeg struct {
	ID           string              `json:"id" db:"id"`
	GroupID      string              `json:"group_id" db:"group_id"`
	UserID       string              `json:"user_id" db:"user_id"`
	Symbol       string              `json:"symbol" db:"symbol"`
	Underlying   string              `json:"underlying" db:"underlying"`
	Right        string              `json:"right,omitempty" db:"option_right"`
	Strike       decimal.NullDecimal `json:"strike" db:"strike"`
	Expiry       *time.Time          `json:"expiry,omitempty" db:"expiry"`
	Multiplier   decimal.Decimal     `json:"multiplier" db:"multiplier"`
	Side         LegSide             `json:"side" db:"side"`
	QtyOpened    decimal.Decimal     `json:"qty_opened" db:"qty_opened"`
	QtyClosed    decimal.Decimal     `json:"qty_closed" db:"qty_closed"`
	AvgCostOpen  decimal.Decimal     `json:"avg_cost_open" db:"avg_cost_open"`
	AvgCostClose decimal.Decimal     `json:"avg_cost_close" db:"avg_cost_close"`
}

// OpenQty returns QtyOpened - QtyClosed.
func (l *PositionLeg) OpenQty() decimal.Decimal {
	return l.QtyOpened.Sub(l.QtyClosed)
}

// SignedOpenQty returns the open quantity, negative for SHORT legs.
func (l *PositionLeg) SignedOpenQty() decimal.Decimal {
	return l.OpenQty().Mul(l.Side.Sign())
}

// Flat reports whether everything opened has been closed.
func (l *PositionLeg) Flat() bool {
	return l.QtyOpened.Equal(l.QtyClosed)
}

// Fill is one durable execution record. A split over-close produces two.
type Fill struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	GroupID      string          `json:"group_id" db:"group_id"`
	LegID        string          `json:"leg_id" db:"leg_id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Action       Action          `json:"action" db:"action"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Fee          decimal.Decimal `json:"fee" db:"fee"`
	FilledAt     time.Time       `json:"filled_at" db:"filled_at"`
	BrokerExecID string          `json:"broker_exec_id,omitempty" db:"broker_exec_id"`
	Source       Source          `json:"source,omitempty" db:"source"`
}

// PositionEvent is the append-only cash/quantity record for a fill and the
// only place cash impact is computed.
type PositionEvent struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	GroupID      string          `json:"group_id" db:"group_id"`
	LegID        string          `json:"leg_id" db:"leg_id"`
	FillID       string          `json:"fill_id" db:"fill_id"`
	EventKey     string          `json:"event_key" db:"event_key"`
	CashAmount   decimal.Decimal `json:"cash_amount" db:"cash_amount"` // signed
	QtyDelta     decimal.Decimal `json:"qty_delta" db:"qty_delta"`     // +buy, -sell
	OverCloseQty decimal.Decimal `json:"over_close_qty" db:"over_close_qty"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// ReconciliationBreak is one per (run, symbol) mismatch.
type ReconciliationBreak struct {
	ID        string          `json:"id" db:"id"`
	RunID     string          `json:"run_id" db:"run_id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	BreakType BreakType       `json:"break_type" db:"break_type"`
	LedgerQty decimal.Decimal `json:"ledger_qty" db:"ledger_qty"`
	BrokerQty decimal.Decimal `json:"broker_qty" db:"broker_qty"`
	QtyDiff   decimal.Decimal `json:"qty_diff" db:"qty_diff"` // ledger - broker
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// BrokerPosition is one row of an external broker snapshot.
// Quantity is signed: negative for short positions.
type BrokerPosition struct {
	UserID   string          `json:"user_id"`
	Contract                 // embedded instrument
	Quantity decimal.Decimal `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// LegPosition pairs a leg with the status of its group; used for
// position aggregation.
type LegPosition struct {
	Leg         PositionLeg `json:"leg"`
	GroupStatus GroupStatus `json:"group_status"`
}
