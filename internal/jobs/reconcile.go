package jobs

import (
	"context"
	"fmt"

	"github.com/atmx/fill-ledger/internal/reconcile"
)

// ReconcileRequest diffs the ledger against the broker snapshot.
type ReconcileRequest struct {
	// UserID limits the run to one user; empty runs every user known to
	// either the ledger or the broker.
	UserID string `json:"user_id,omitempty"`
	DryRun bool   `json:"dry_run"`
}

// Reconcile runs one reconciliation per user. Created counts breaks,
// Skipped counts matched symbols.
func (r *Runner) Reconcile(ctx context.Context, req ReconcileRequest) Report {
	users, err := usersFor(ctx, req.UserID, r.store.ListUsers, r.source.ListUsers)
	if err != nil {
		return failedReport("reconcile", req.DryRun, err)
	}
	return r.run(ctx, "reconcile", req.DryRun, users, func(ctx context.Context, userID string) UserResult {
		rows, err := r.source.Positions(ctx, userID)
		if err != nil {
			return UserResult{Error: fmt.Sprintf("broker positions: %v", err)}
		}
		sum, err := r.engine.ReconcileSnapshot(ctx, userID, rows, reconcile.Options{DryRun: req.DryRun})
		if err != nil {
			return UserResult{RunID: sum.RunID, Error: err.Error()}
		}
		return UserResult{RunID: sum.RunID, Created: len(sum.Breaks), Skipped: sum.Matched}
	})
}
