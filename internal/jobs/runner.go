// Package jobs holds the batch entry points: seeding opening balances from a
// broker snapshot and reconciling the ledger against one. Users run
// concurrently and one user's failure never aborts the others.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/fill-ledger/internal/ledger"
	"github.com/atmx/fill-ledger/internal/metrics"
	"github.com/atmx/fill-ledger/internal/reconcile"
	"github.com/atmx/fill-ledger/internal/store"
)

// Overall job status.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Config controls job fan-out.
type Config struct {
	Concurrency int `mapstructure:"concurrency"`
}

// UserResult is one user's slot in a Report.
type UserResult struct {
	UserID  string `json:"user_id"`
	Created int    `json:"created"`
	Skipped int    `json:"skipped"`
	Errored int    `json:"errored"`
	RunID   string `json:"run_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (r UserResult) failed() bool { return r.Error != "" || r.Errored > 0 }

// Report summarizes a job run.
type Report struct {
	Job        string       `json:"job"`
	Status     string       `json:"status"`
	DryRun     bool         `json:"dry_run"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Users      []UserResult `json:"users"`
	Error      string       `json:"error,omitempty"`
}

// Runner executes batch jobs.
type Runner struct {
	ledger *ledger.Ledger
	engine *reconcile.Engine
	store  store.Store
	source BrokerSource
	cfg    Config
	logger *slog.Logger
}

// NewRunner wires a Runner. A nil logger uses slog.Default().
func NewRunner(l *ledger.Ledger, eng *reconcile.Engine, st store.Store, src BrokerSource, cfg Config, logger *slog.Logger) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{ledger: l, engine: eng, store: st, source: src, cfg: cfg, logger: logger}
}

// run fans fn out over users and assembles the report.
func (r *Runner) run(ctx context.Context, job string, dryRun bool, users []string, fn func(ctx context.Context, userID string) UserResult) Report {
	rep := Report{Job: job, DryRun: dryRun, StartedAt: time.Now().UTC(), Users: make([]UserResult, len(users))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, u := range users {
		g.Go(func() error {
			res := fn(gctx, u)
			res.UserID = u
			if res.failed() {
				r.logger.Warn("job user failed", "job", job, "user", u, "errored", res.Errored, "err", res.Error)
			}
			rep.Users[i] = res
			return nil // per-user failures stay in the user's slot
		})
	}
	_ = g.Wait()

	rep.FinishedAt = time.Now().UTC()
	rep.Status = status(rep.Users)
	metrics.JobRuns.WithLabelValues(job, rep.Status).Inc()
	r.logger.Info("job finished", "job", job, "status", rep.Status, "users", len(users), "dry_run", dryRun,
		"elapsed", rep.FinishedAt.Sub(rep.StartedAt))
	return rep
}

func failedReport(job string, dryRun bool, err error) Report {
	now := time.Now().UTC()
	metrics.JobRuns.WithLabelValues(job, StatusFailed).Inc()
	return Report{Job: job, Status: StatusFailed, DryRun: dryRun, StartedAt: now, FinishedAt: now, Error: err.Error()}
}

func status(users []UserResult) string {
	failed := 0
	for _, u := range users {
		if u.failed() {
			failed++
		}
	}
	switch {
	case failed == 0:
		return StatusOK
	case failed == len(users):
		return StatusFailed
	default:
		return StatusPartial
	}
}

// usersFor returns the single requested user, or the union of the given
// listers' users.
func usersFor(ctx context.Context, userID string, listers ...func(context.Context) ([]string, error)) ([]string, error) {
	if userID != "" {
		return []string{userID}, nil
	}
	seen := make(map[string]bool)
	var users []string
	for _, list := range listers {
		got, err := list(ctx)
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		for _, u := range got {
			if u != "" && !seen[u] {
				seen[u] = true
				users = append(users, u)
			}
		}
	}
	sort.Strings(users)
	return users, nil
}
