// Package reconcile diffs the ledger's net signed position per symbol
// against a broker snapshot and records the mismatches as breaks.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/fill-ledger/internal/contract"
	"github.com/atmx/fill-ledger/internal/metrics"
	"github.com/atmx/fill-ledger/internal/model"
	"github.com/atmx/fill-ledger/internal/store"
)

// Options controls a reconciliation run.
type Options struct {
	// DryRun computes breaks without persisting them.
	DryRun bool
}

// Summary is the outcome of one run.
type Summary struct {
	RunID          string                      `json:"run_id"`
	UserID         string                      `json:"user_id"`
	DryRun         bool                        `json:"dry_run"`
	SymbolsChecked int                         `json:"symbols_checked"`
	Matched        int                         `json:"matched"`
	Breaks         []model.ReconciliationBreak `json:"breaks"`
}

// Engine reads ledger positions and writes only reconciliation breaks.
type Engine struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an Engine. A nil logger uses slog.Default().
func NewEngine(st store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// LedgerPositions returns the user's net signed open quantity per symbol
// across OPEN groups. Symbols netting to zero are omitted.
func (e *Engine) LedgerPositions(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	legs, err := e.store.ListLegPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list leg positions: %w", err)
	}
	net := make(map[string]decimal.Decimal)
	for _, p := range legs {
		if p.GroupStatus != model.GroupOpen {
			continue
		}
		sym := contract.CanonicalSymbol(p.Leg.Symbol)
		net[sym] = net[sym].Add(p.Leg.SignedOpenQty())
	}
	for sym, qty := range net {
		if qty.IsZero() {
			delete(net, sym)
		}
	}
	return net, nil
}

// BrokerPositions sums snapshot rows per symbol.
func BrokerPositions(rows []model.BrokerPosition) map[string]decimal.Decimal {
	net := make(map[string]decimal.Decimal)
	for _, r := range rows {
		sym := contract.CanonicalSymbol(r.Symbol)
		if sym == "" {
			continue
		}
		net[sym] = net[sym].Add(r.Quantity)
	}
	for sym, qty := range net {
		if qty.IsZero() {
			delete(net, sym)
		}
	}
	return net
}

// ReconcileSnapshot compares the ledger with rows for one user. Breaks are
// sorted by symbol and, unless opts.DryRun, persisted in one batch. A fully
// matched run writes nothing.
func (e *Engine) ReconcileSnapshot(ctx context.Context, userID string, rows []model.BrokerPosition, opts Options) (Summary, error) {
	ledgerQty, err := e.LedgerPositions(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	brokerQty := BrokerPositions(rows)

	runID := uuid.New().String()
	now := e.now()

	symbols := make([]string, 0, len(ledgerQty)+len(brokerQty))
	for sym := range ledgerQty {
		symbols = append(symbols, sym)
	}
	for sym := range brokerQty {
		if _, ok := ledgerQty[sym]; !ok {
			symbols = append(symbols, sym)
		}
	}
	sort.Strings(symbols)

	sum := Summary{RunID: runID, UserID: userID, DryRun: opts.DryRun, SymbolsChecked: len(symbols)}
	for _, sym := range symbols {
		lq, bq := ledgerQty[sym], brokerQty[sym]
		if lq.Equal(bq) {
			sum.Matched++
			continue
		}
		b := model.ReconciliationBreak{
			ID:        uuid.New().String(),
			RunID:     runID,
			UserID:    userID,
			Symbol:    sym,
			BreakType: classify(lq, bq),
			LedgerQty: lq,
			BrokerQty: bq,
			QtyDiff:   lq.Sub(bq),
			CreatedAt: now,
		}
		sum.Breaks = append(sum.Breaks, b)
		metrics.ReconcileBreaks.WithLabelValues(string(b.BreakType)).Inc()
	}

	e.logger.Info("reconciliation complete",
		"user", userID, "run", runID, "symbols", len(symbols), "breaks", len(sum.Breaks), "dry_run", opts.DryRun)

	if len(sum.Breaks) == 0 || opts.DryRun {
		return sum, nil
	}
	if err := e.store.InsertBreaks(ctx, sum.Breaks); err != nil {
		return sum, fmt.Errorf("insert breaks: %w", err)
	}
	return sum, nil
}

func classify(ledgerQty, brokerQty decimal.Decimal) model.BreakType {
	switch {
	case brokerQty.IsZero():
		return model.BreakMissingInBroker
	case ledgerQty.IsZero():
		return model.BreakMissingInLedger
	default:
		return model.BreakQtyMismatch
	}
}
