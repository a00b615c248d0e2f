// Package ledger is the canonical position-accounting store. It turns fills
// into strategy-level groups and per-symbol legs, writes each fill exactly
// once alongside its cash event, keeps running cost bases and closes groups
// once every leg is flat.
//
// Writes for one user are serialized in-process; across processes the store's
// unique keys and conditional leg update keep concurrent writers correct.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/fill-ledger/internal/contract"
	"github.com/atmx/fill-ledger/internal/metrics"
	"github.com/atmx/fill-ledger/internal/model"
	"github.com/atmx/fill-ledger/internal/store"
)

// ErrInvalidFill wraps every validation failure.
var ErrInvalidFill = errors.New("ledger: invalid fill")

const feeScale int32 = 8

// FillData is one execution to record.
type FillData struct {
	Symbol     string              `json:"symbol"`
	Underlying string              `json:"underlying,omitempty"`
	Action     model.Action        `json:"action"`
	Quantity   decimal.Decimal     `json:"quantity"`
	Price      decimal.Decimal     `json:"price"`
	Fee        decimal.Decimal     `json:"fee"`
	Multiplier decimal.Decimal     `json:"multiplier"`
	Right      string              `json:"right,omitempty"`
	Strike     decimal.NullDecimal `json:"strike"`
	Expiry     *time.Time          `json:"expiry,omitempty"`
	FilledAt   time.Time           `json:"filled_at"`

	BrokerExecID string `json:"broker_exec_id,omitempty"`
}

// FillContext carries strategy metadata and an optional precomputed event key.
type FillContext struct {
	model.TraceContext
	EventKey string `json:"event_key,omitempty"`
}

// RecordResult is the outcome of RecordFill. Validation and persistence
// failures set OK=false and Error.
type RecordResult struct {
	OK           bool            `json:"ok"`
	Deduplicated bool            `json:"deduplicated"`
	Error        string          `json:"error,omitempty"`
	GroupID      string          `json:"group_id,omitempty"`
	LegID        string          `json:"leg_id,omitempty"`
	FillID       string          `json:"fill_id,omitempty"`
	EventID      string          `json:"event_id,omitempty"`
	EventKey     string          `json:"event_key,omitempty"`
	Side         model.LegSide   `json:"side,omitempty"`
	Opening      bool            `json:"opening"`
	Quantity     decimal.Decimal `json:"quantity"`
	Fee          decimal.Decimal `json:"fee"`
	Realized     decimal.Decimal `json:"realized_pnl"`
	GroupClosed  bool            `json:"group_closed"`

	// Surplus is the opposite-side open produced by an over-close.
	Surplus *RecordResult `json:"surplus,omitempty"`
}

// Notifier receives recorded fills. Implementations must not block and
// their failures are their own.
type Notifier interface {
	FillRecorded(userID string, fill FillData, res RecordResult)
}

// Ledger records fills against a Store.
type Ledger struct {
	store    store.Store
	cfg      Config
	logger   *slog.Logger
	notifier Notifier
	now      func() time.Time
	newID    func() string
	locks    *keyedMutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithConfig sets timeout and retry bounds.
func WithConfig(cfg Config) Option {
	return func(l *Ledger) { l.cfg = cfg.withDefaults() }
}

// WithLogger sets the logger; nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithNotifier registers a best-effort fill listener.
func WithNotifier(n Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger over st.
func New(st store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  st,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
		locks:  newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordFill records one fill for userID. Invalid input yields OK=false with
// a nil error; a persistence failure yields OK=false and the wrapped error.
// Replaying an already recorded fill returns its ids with Deduplicated set.
func (l *Ledger) RecordFill(ctx context.Context, userID, executionID string, fill FillData, fc FillContext) (RecordResult, error) {
	start := time.Now()
	defer func() { metrics.RecordLatency.Observe(time.Since(start).Seconds()) }()

	fill = l.normalize(fill)
	if err := validate(userID, fill); err != nil {
		metrics.FillsRejected.WithLabelValues("invalid").Inc()
		l.logger.Warn("fill rejected",
			"user", userID, "exec_id", executionID, "symbol", fill.Symbol, "err", err)
		return RecordResult{Error: err.Error()}, nil
	}

	// The key covers the fill as received, so a redelivery without a
	// timestamp keys the same before the clock default is applied.
	key := fc.EventKey
	if key == "" {
		key = EventKey(executionID, fill)
	}
	if fill.FilledAt.IsZero() {
		fill.FilledAt = l.now()
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	var (
		res RecordResult
		err error
	)
	for attempt := 0; ; attempt++ {
		res, err = l.record(ctx, userID, key, fill, fc, false)
		if !errors.Is(err, store.ErrLegChanged) || attempt >= l.cfg.MaxRetries {
			break
		}
		l.logger.Warn("leg changed underneath fill, retrying",
			"user", userID, "exec_id", executionID, "symbol", fill.Symbol, "attempt", attempt+1)
		if serr := sleep(ctx, l.cfg.backoff(attempt+1)); serr != nil {
			err = serr
			break
		}
	}
	if err != nil {
		metrics.FillsRejected.WithLabelValues("store").Inc()
		l.logger.Error("record fill failed",
			"user", userID, "exec_id", executionID, "symbol", fill.Symbol, "event_key", key, "err", err)
		res.OK = false
		res.EventKey = key
		res.Error = err.Error()
		return res, err
	}

	if res.Deduplicated {
		metrics.FillsDeduplicated.Inc()
	}
	l.notify(userID, fill, res)
	return res, nil
}

// CheckGroupClosure closes the group when every leg is flat. It reports
// whether this call closed it; an already closed group is left untouched.
func (l *Ledger) CheckGroupClosure(ctx context.Context, userID, groupID string) (bool, error) {
	unlock := l.locks.Lock(userID)
	defer unlock()
	return l.checkClosure(ctx, userID, groupID)
}

// record resolves and applies one fill. forceNew is set only for the surplus
// of an over-close, which always opens a fresh group.
func (l *Ledger) record(ctx context.Context, userID, key string, f FillData, fc FillContext, forceNew bool) (RecordResult, error) {
	if res, found, err := l.replay(ctx, userID, key, f, fc); err != nil || found {
		return res, err
	}

	group, err := l.resolveGroup(ctx, userID, f, fc, forceNew)
	if err != nil {
		return RecordResult{EventKey: key}, fmt.Errorf("resolve group: %w", err)
	}
	leg, err := l.resolveLeg(ctx, group, f)
	if err != nil {
		return RecordResult{EventKey: key}, fmt.Errorf("resolve leg: %w", err)
	}

	opening := leg.Side.IsOpening(f.Action)
	closeQty, surplus := f.Quantity, decimal.Zero
	if !opening {
		if open := leg.OpenQty(); f.Quantity.GreaterThan(open) {
			closeQty, surplus = open, f.Quantity.Sub(open)
		}
	}

	if surplus.IsPositive() {
		if forceNew {
			// A fresh group has a fresh leg whose side matches this action.
			return RecordResult{EventKey: key}, fmt.Errorf("over-close on new group %s", group.ID)
		}
		metrics.OverCloseSplits.Inc()
		l.logger.Info("splitting over-close",
			"user", userID, "symbol", f.Symbol, "group", group.ID,
			"close_qty", closeQty, "surplus_qty", surplus)
	}

	if closeQty.IsZero() {
		// Nothing open on this leg; the whole fill opens the other side.
		return l.openSurplus(ctx, userID, key, f, fc, surplus, false)
	}

	part := f
	part.Quantity = closeQty
	part.Fee = prorate(f.Fee, closeQty, f.Quantity)

	res, err := l.apply(ctx, userID, group, leg, part, fc, key, opening, surplus)
	if errors.Is(err, store.ErrDuplicate) {
		// Another writer committed the same fill first.
		res, found, rerr := l.replay(ctx, userID, key, f, fc)
		if rerr != nil || found {
			return res, rerr
		}
	}
	if err != nil {
		return res, err
	}

	if surplus.IsPositive() {
		s, err := l.openSurplus(ctx, userID, key, f, fc, surplus, true)
		if err != nil {
			return res, fmt.Errorf("open over-close surplus: %w", err)
		}
		res.Surplus = &s
	}
	return res, nil
}

// replay looks the fill up by event key, then broker execution id. A hit on
// an event that recorded an over-close re-drives the surplus step, which is
// itself idempotent, so a crash between the two steps heals on redelivery.
func (l *Ledger) replay(ctx context.Context, userID, key string, f FillData, fc FillContext) (RecordResult, bool, error) {
	ev, err := call(ctx, l, "get event", func(ctx context.Context) (*model.PositionEvent, error) {
		return l.store.GetEventByKey(ctx, userID, key)
	})
	switch {
	case err == nil:
		res := RecordResult{
			OK:           true,
			Deduplicated: true,
			GroupID:      ev.GroupID,
			LegID:        ev.LegID,
			FillID:       ev.FillID,
			EventID:      ev.ID,
			EventKey:     key,
		}
		if ev.OverCloseQty.IsPositive() {
			s, err := l.openSurplus(ctx, userID, key, f, fc, ev.OverCloseQty, true)
			if err != nil {
				return res, true, fmt.Errorf("resume over-close surplus: %w", err)
			}
			res.Surplus = &s
		}
		if _, err := l.checkClosure(ctx, userID, ev.GroupID); err != nil {
			return res, true, err
		}
		return res, true, nil
	case !errors.Is(err, store.ErrNotFound):
		return RecordResult{EventKey: key}, false, fmt.Errorf("lookup event: %w", err)
	}

	if f.BrokerExecID == "" {
		return RecordResult{}, false, nil
	}
	fill, err := call(ctx, l, "get fill by exec id", func(ctx context.Context) (*model.Fill, error) {
		return l.store.GetFillByBrokerExecID(ctx, userID, f.BrokerExecID)
	})
	switch {
	case err == nil:
		return RecordResult{
			OK:           true,
			Deduplicated: true,
			GroupID:      fill.GroupID,
			LegID:        fill.LegID,
			FillID:       fill.ID,
			EventKey:     key,
		}, true, nil
	case errors.Is(err, store.ErrNotFound):
		return RecordResult{}, false, nil
	default:
		return RecordResult{EventKey: key}, false, fmt.Errorf("lookup fill: %w", err)
	}
}

// openSurplus records qty of f as a new opening fill in a forced new group.
// suffixed derives fresh idempotency keys from the parent's; it is false when
// the parent fill closed nothing and the surplus is the whole fill.
func (l *Ledger) openSurplus(ctx context.Context, userID, key string, f FillData, fc FillContext, qty decimal.Decimal, suffixed bool) (RecordResult, error) {
	s := f
	s.Quantity = qty
	s.Fee = f.Fee.Sub(prorate(f.Fee, f.Quantity.Sub(qty), f.Quantity))
	if suffixed {
		key = overCloseKey(key)
		s.BrokerExecID = overCloseKey(f.BrokerExecID)
	}

	sc := fc
	sc.LegsFingerprint = ""
	sc.StrategyKey = ""
	sc.EventKey = ""
	return l.record(ctx, userID, key, s, sc, true)
}

func (l *Ledger) apply(ctx context.Context, userID string, g *model.PositionGroup, leg *model.PositionLeg, f FillData, fc FillContext, key string, opening bool, overClose decimal.Decimal) (RecordResult, error) {
	now := l.now()
	fill := model.Fill{
		ID:           l.newID(),
		UserID:       userID,
		GroupID:      g.ID,
		LegID:        leg.ID,
		Symbol:       leg.Symbol,
		Action:       f.Action,
		Quantity:     f.Quantity,
		Price:        f.Price,
		Fee:          f.Fee,
		FilledAt:     f.FilledAt,
		BrokerExecID: f.BrokerExecID,
		Source:       fc.Source,
	}
	event := model.PositionEvent{
		ID:           l.newID(),
		UserID:       userID,
		GroupID:      g.ID,
		LegID:        leg.ID,
		FillID:       fill.ID,
		EventKey:     key,
		CashAmount:   model.CashImpact(f.Action, f.Quantity, f.Price, f.Fee, leg.Multiplier),
		QtyDelta:     model.QtyDelta(f.Action, f.Quantity),
		OverCloseQty: overClose,
		CreatedAt:    now,
	}

	out, err := call(ctx, l, "apply fill", func(ctx context.Context) (*store.ApplyOutcome, error) {
		return l.store.ApplyFill(ctx, &store.FillApplication{Fill: fill, Event: event, Opening: opening})
	})
	if err != nil {
		return RecordResult{EventKey: key}, err
	}

	effect := "close"
	if opening {
		effect = "open"
	}
	metrics.FillsRecorded.WithLabelValues(string(f.Action), effect).Inc()
	l.logger.Info("fill recorded",
		"user", userID, "symbol", leg.Symbol, "action", f.Action, "qty", f.Quantity,
		"price", f.Price, "group", g.ID, "leg", leg.ID, "effect", effect)

	res := RecordResult{
		OK:       true,
		GroupID:  g.ID,
		LegID:    leg.ID,
		FillID:   fill.ID,
		EventID:  event.ID,
		EventKey: key,
		Side:     out.Leg.Side,
		Opening:  opening,
		Quantity: f.Quantity,
		Fee:      f.Fee,
		Realized: out.Realized,
	}

	closed, err := l.checkClosure(ctx, userID, g.ID)
	if err != nil {
		return res, fmt.Errorf("closure check: %w", err)
	}
	res.GroupClosed = closed
	return res, nil
}

func (l *Ledger) checkClosure(ctx context.Context, userID, groupID string) (bool, error) {
	legs, err := call(ctx, l, "list legs", func(ctx context.Context) ([]model.PositionLeg, error) {
		return l.store.ListLegs(ctx, groupID)
	})
	if err != nil {
		return false, err
	}
	if len(legs) == 0 {
		return false, nil
	}
	for _, leg := range legs {
		if !leg.Flat() {
			return false, nil
		}
	}

	closed, err := call(ctx, l, "close group", func(ctx context.Context) (bool, error) {
		return l.store.CloseGroup(ctx, userID, groupID, l.now())
	})
	if err != nil {
		return false, err
	}
	if closed {
		metrics.GroupsClosed.Inc()
		l.logger.Info("position group closed", "user", userID, "group", groupID)
	}
	return closed, nil
}

func (l *Ledger) notify(userID string, f FillData, res RecordResult) {
	if l.notifier == nil {
		return
	}
	if !res.Deduplicated {
		l.notifier.FillRecorded(userID, applied(f, res), res)
	}
	if res.Surplus != nil && !res.Surplus.Deduplicated {
		l.notifier.FillRecorded(userID, applied(f, *res.Surplus), *res.Surplus)
	}
}

// applied narrows f to the part of it res booked.
func applied(f FillData, res RecordResult) FillData {
	f.Quantity = res.Quantity
	f.Fee = res.Fee
	return f
}

// normalize fills in defaults: upper-case symbol and action, underlying
// from the symbol, option fields from an OCC symbol, multiplier 100 for
// options and 1 otherwise. A missing fill time stays zero here; RecordFill
// stamps it after deriving the event key.
func (l *Ledger) normalize(f FillData) FillData {
	f.Symbol = strings.ToUpper(strings.TrimSpace(f.Symbol))
	f.Underlying = strings.ToUpper(strings.TrimSpace(f.Underlying))
	f.Action = model.Action(strings.ToUpper(strings.TrimSpace(string(f.Action))))
	f.Right = strings.ToUpper(f.Right)
	if opt, err := contract.ParseOCC(f.Symbol); err == nil {
		f.Symbol = opt.Symbol
		if f.Right == "" {
			f.Right = opt.Right
			if f.Underlying == "" {
				f.Underlying = opt.Underlying
			}
			if !f.Strike.Valid {
				f.Strike = decimal.NewNullDecimal(opt.Strike)
			}
			if f.Expiry == nil {
				exp := opt.Expiry
				f.Expiry = &exp
			}
		}
	}
	if f.Underlying == "" {
		f.Underlying = f.Symbol
	}
	if !f.Multiplier.IsPositive() {
		f.Multiplier = decimal.NewFromInt(1)
		if f.Right != "" {
			f.Multiplier = decimal.NewFromInt(100)
		}
	}
	f.FilledAt = f.FilledAt.UTC()
	return f
}

func validate(userID string, f FillData) error {
	switch {
	case strings.TrimSpace(userID) == "":
		return fmt.Errorf("%w: missing user", ErrInvalidFill)
	case f.Symbol == "":
		return fmt.Errorf("%w: missing symbol", ErrInvalidFill)
	case !f.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive, got %s", ErrInvalidFill, f.Quantity)
	case !f.Action.Valid():
		return fmt.Errorf("%w: unknown action %q", ErrInvalidFill, f.Action)
	case f.Price.IsNegative():
		return fmt.Errorf("%w: negative price %s", ErrInvalidFill, f.Price)
	case f.Fee.IsNegative():
		return fmt.Errorf("%w: negative fee %s", ErrInvalidFill, f.Fee)
	}
	return nil
}

// prorate returns total * part / whole.
func prorate(total, part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() || part.Equal(whole) {
		return total
	}
	return total.Mul(part).Div(whole).Round(feeScale)
}
