package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/fill-ledger/internal/model"
	"github.com/atmx/fill-ledger/internal/store"
)

// resolveGroup finds the user's OPEN group for the fill or creates one.
// Lookup prefers the legs fingerprint, then strategy key + underlying, then
// the fill's own single-leg fingerprint. A forced group skips the lookup but
// reuses an open group with the same fingerprint that never received a fill,
// which is what an interrupted surplus step leaves behind.
func (l *Ledger) resolveGroup(ctx context.Context, userID string, f FillData, fc FillContext, forceNew bool) (*model.PositionGroup, error) {
	fp := fc.LegsFingerprint
	if fp == "" {
		fp = Fingerprint([]LegSpec{specOf(f)})
	}

	var (
		g   *model.PositionGroup
		err error
	)
	switch {
	case forceNew:
		g, err = l.unfilledGroup(ctx, userID, fp)
	case fc.LegsFingerprint == "" && fc.StrategyKey != "":
		g, err = call(ctx, l, "find group by strategy", func(ctx context.Context) (*model.PositionGroup, error) {
			return l.store.FindOpenGroupByStrategy(ctx, userID, fc.StrategyKey, f.Underlying)
		})
	default:
		g, err = call(ctx, l, "find group by fingerprint", func(ctx context.Context) (*model.PositionGroup, error) {
			return l.store.FindOpenGroupByFingerprint(ctx, userID, fp)
		})
	}
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	g = &model.PositionGroup{
		ID:              l.newID(),
		UserID:          userID,
		Underlying:      f.Underlying,
		LegsFingerprint: fp,
		StrategyKey:     fc.StrategyKey,
		TraceID:         fc.TraceID,
		Strategy:        fc.Strategy,
		Window:          fc.Window,
		Regime:          fc.Regime,
		Status:          model.GroupOpen,
		FeesPaid:        decimal.Zero,
		RealizedPnL:     decimal.Zero,
		OpenedAt:        l.now(),
	}
	err = l.exec(ctx, "create group", func(ctx context.Context) error {
		return l.store.CreateGroup(ctx, g)
	})
	if errors.Is(err, store.ErrDuplicate) {
		// A retried insert that had already committed.
		return call(ctx, l, "get group", func(ctx context.Context) (*model.PositionGroup, error) {
			return l.store.GetGroup(ctx, g.ID)
		})
	}
	if err != nil {
		return nil, err
	}
	l.logger.Info("position group opened",
		"user", userID, "group", g.ID, "underlying", g.Underlying, "strategy", g.Strategy, "forced", forceNew)
	return g, nil
}

// unfilledGroup returns an OPEN group with fingerprint fp whose legs have
// never been filled, or ErrNotFound.
func (l *Ledger) unfilledGroup(ctx context.Context, userID, fp string) (*model.PositionGroup, error) {
	g, err := call(ctx, l, "find group by fingerprint", func(ctx context.Context) (*model.PositionGroup, error) {
		return l.store.FindOpenGroupByFingerprint(ctx, userID, fp)
	})
	if err != nil {
		return nil, err
	}
	legs, err := call(ctx, l, "list legs", func(ctx context.Context) ([]model.PositionLeg, error) {
		return l.store.ListLegs(ctx, g.ID)
	})
	if err != nil {
		return nil, err
	}
	for _, leg := range legs {
		if !leg.QtyOpened.IsZero() {
			return nil, store.ErrNotFound
		}
	}
	return g, nil
}

// resolveLeg finds the (group, symbol) leg or creates it with its side
// fixed by this fill's action.
func (l *Ledger) resolveLeg(ctx context.Context, g *model.PositionGroup, f FillData) (*model.PositionLeg, error) {
	find := func() (*model.PositionLeg, error) {
		return call(ctx, l, "find leg", func(ctx context.Context) (*model.PositionLeg, error) {
			return l.store.FindLeg(ctx, g.ID, f.Symbol)
		})
	}

	leg, err := find()
	if err == nil {
		return leg, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	leg = &model.PositionLeg{
		ID:           l.newID(),
		GroupID:      g.ID,
		UserID:       g.UserID,
		Symbol:       f.Symbol,
		Underlying:   f.Underlying,
		Right:        f.Right,
		Strike:       f.Strike,
		Expiry:       f.Expiry,
		Multiplier:   f.Multiplier,
		Side:         model.SideForOpening(f.Action),
		QtyOpened:    decimal.Zero,
		QtyClosed:    decimal.Zero,
		AvgCostOpen:  decimal.Zero,
		AvgCostClose: decimal.Zero,
	}
	err = l.exec(ctx, "create leg", func(ctx context.Context) error {
		return l.store.CreateLeg(ctx, leg)
	})
	if errors.Is(err, store.ErrDuplicate) {
		// Created concurrently; the existing leg's side wins.
		return find()
	}
	if err != nil {
		return nil, err
	}
	return leg, nil
}
