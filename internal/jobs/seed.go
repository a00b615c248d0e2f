package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/atmx/fill-ledger/internal/contract"
	"github.com/atmx/fill-ledger/internal/ledger"
	"github.com/atmx/fill-ledger/internal/model"
)

// SeedRequest bootstraps opening balances from the broker snapshot.
type SeedRequest struct {
	// UserID limits the run to one user; empty runs every broker user.
	UserID string `json:"user_id,omitempty"`
	// DryRun counts what would be created without writing.
	DryRun bool `json:"dry_run"`
	// Force seeds symbols the ledger already holds.
	Force bool `json:"force"`
}

// Seed opens a ledger position for every non-zero snapshot row whose symbol
// the ledger does not hold yet. Seeded fills carry a deterministic event
// key derived from user, symbol, side, quantity and price, so re-running a
// seed over the same snapshot is a no-op even with Force.
func (r *Runner) Seed(ctx context.Context, req SeedRequest) Report {
	users, err := usersFor(ctx, req.UserID, r.source.ListUsers)
	if err != nil {
		return failedReport("seed", req.DryRun, err)
	}
	return r.run(ctx, "seed", req.DryRun, users, func(ctx context.Context, userID string) UserResult {
		return r.seedUser(ctx, userID, req)
	})
}

func (r *Runner) seedUser(ctx context.Context, userID string, req SeedRequest) UserResult {
	var res UserResult

	rows, err := r.source.Positions(ctx, userID)
	if err != nil {
		res.Error = fmt.Sprintf("broker positions: %v", err)
		return res
	}
	held, err := r.engine.LedgerPositions(ctx, userID)
	if err != nil {
		res.Error = fmt.Sprintf("ledger positions: %v", err)
		return res
	}

	var errs []string
	for _, row := range rows {
		symbol := contract.CanonicalSymbol(row.Symbol)
		if symbol == "" || row.Quantity.IsZero() {
			res.Skipped++
			continue
		}
		if _, ok := held[symbol]; ok && !req.Force {
			res.Skipped++
			continue
		}

		side, action := model.SideLong, model.ActionBuy
		if row.Quantity.IsNegative() {
			side, action = model.SideShort, model.ActionSell
		}
		qty := row.Quantity.Abs()

		if req.DryRun {
			res.Created++
			continue
		}

		fill := ledger.FillData{
			Symbol:     symbol,
			Underlying: row.Underlying,
			Action:     action,
			Quantity:   qty,
			Price:      row.AvgPrice,
			Multiplier: row.Multiplier,
			Right:      row.Right,
			Strike:     row.Strike,
			Expiry:     row.Expiry,
		}
		fc := ledger.FillContext{
			TraceContext: model.TraceContext{
				Strategy:        "seed",
				Source:          model.SourceBackfill,
				LegsFingerprint: ledger.SeedFingerprint(userID, symbol, side, qty, row.AvgPrice),
			},
			EventKey: ledger.SeedEventKey(userID, symbol, side, qty, row.AvgPrice),
		}

		rec, err := r.ledger.RecordFill(ctx, userID, "seed", fill, fc)
		switch {
		case err != nil || !rec.OK:
			res.Errored++
			errs = append(errs, fmt.Sprintf("%s: %s", symbol, rec.Error))
		case rec.Deduplicated:
			res.Skipped++
		default:
			res.Created++
		}
	}
	if len(errs) > 0 {
		res.Error = strings.Join(errs, "; ")
	}
	return res
}
