package jobs_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/fill-ledger/internal/jobs"
	"github.com/atmx/fill-ledger/internal/ledger"
	"github.com/atmx/fill-ledger/internal/model"
	"github.com/atmx/fill-ledger/internal/reconcile"
	"github.com/atmx/fill-ledger/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func row(user, symbol, qty, price string) model.BrokerPosition {
	return model.BrokerPosition{
		UserID:   user,
		Contract: model.Contract{Symbol: symbol},
		Quantity: d(qty),
		AvgPrice: d(price),
	}
}

type fixture struct {
	store  *store.MemoryStore
	ledger *ledger.Ledger
	runner *jobs.Runner
}

func newFixture(src jobs.BrokerSource) *fixture {
	ms := store.NewMemoryStore()
	l := ledger.New(ms, ledger.WithLogger(quiet()))
	eng := reconcile.NewEngine(ms, quiet())
	return &fixture{
		store:  ms,
		ledger: l,
		runner: jobs.NewRunner(l, eng, ms, src, jobs.Config{Concurrency: 2}, quiet()),
	}
}

func (f *fixture) net(t *testing.T, user string) map[string]decimal.Decimal {
	t.Helper()
	pos, err := reconcile.NewEngine(f.store, quiet()).LedgerPositions(context.Background(), user)
	require.NoError(t, err)
	return pos
}

func TestSeed_CreatesOpeningPositions(t *testing.T) {
	f := newFixture(jobs.NewSnapshotSource([]model.BrokerPosition{
		row("u1", "AAPL", "10", "150"),
		row("u1", "TSLA", "-5", "200"),
		row("u1", "MSFT", "0", "300"),
	}))

	rep := f.runner.Seed(context.Background(), jobs.SeedRequest{})
	assert.Equal(t, jobs.StatusOK, rep.Status)
	require.Len(t, rep.Users, 1)
	assert.Equal(t, "u1", rep.Users[0].UserID)
	assert.Equal(t, 2, rep.Users[0].Created)
	assert.Equal(t, 1, rep.Users[0].Skipped)

	net := f.net(t, "u1")
	assert.True(t, net["AAPL"].Equal(d("10")))
	assert.True(t, net["TSLA"].Equal(d("-5")))

	fills, err := f.store.ListFills(context.Background(), "u1")
	require.NoError(t, err)
	for _, fl := range fills {
		assert.Equal(t, model.SourceBackfill, fl.Source)
	}
}

func TestSeed_RerunIsIdempotent(t *testing.T) {
	f := newFixture(jobs.NewSnapshotSource([]model.BrokerPosition{row("u1", "AAPL", "10", "150")}))
	ctx := context.Background()

	first := f.runner.Seed(ctx, jobs.SeedRequest{})
	require.Equal(t, 1, first.Users[0].Created)

	second := f.runner.Seed(ctx, jobs.SeedRequest{})
	assert.Equal(t, 0, second.Users[0].Created)
	assert.Equal(t, 1, second.Users[0].Skipped)

	forced := f.runner.Seed(ctx, jobs.SeedRequest{Force: true})
	assert.Equal(t, 0, forced.Users[0].Created, "same snapshot row dedups on its event key")
	assert.Equal(t, 1, forced.Users[0].Skipped)

	assert.True(t, f.net(t, "u1")["AAPL"].Equal(d("10")))
}

func TestSeed_SkipsHeldSymbolsUnlessForced(t *testing.T) {
	f := newFixture(jobs.NewSnapshotSource([]model.BrokerPosition{row("u1", "AAPL", "10", "150")}))
	ctx := context.Background()

	_, err := f.ledger.RecordFill(ctx, "u1", "live-1", ledger.FillData{
		Symbol: "AAPL", Action: model.ActionBuy, Quantity: d("4"), Price: d("140"),
	}, ledger.FillContext{})
	require.NoError(t, err)

	rep := f.runner.Seed(ctx, jobs.SeedRequest{})
	assert.Equal(t, 0, rep.Users[0].Created)
	assert.Equal(t, 1, rep.Users[0].Skipped)
	assert.True(t, f.net(t, "u1")["AAPL"].Equal(d("4")))

	rep = f.runner.Seed(ctx, jobs.SeedRequest{Force: true})
	assert.Equal(t, 1, rep.Users[0].Created)
	assert.True(t, f.net(t, "u1")["AAPL"].Equal(d("14")))
}

func TestSeed_ForcedRowOpensItsOwnGroup(t *testing.T) {
	f := newFixture(jobs.NewSnapshotSource([]model.BrokerPosition{row("u1", "AAPL", "-3", "150")}))
	ctx := context.Background()

	live, err := f.ledger.RecordFill(ctx, "u1", "live-1", ledger.FillData{
		Symbol: "AAPL", Action: model.ActionBuy, Quantity: d("5"), Price: d("140"),
	}, ledger.FillContext{})
	require.NoError(t, err)

	rep := f.runner.Seed(ctx, jobs.SeedRequest{Force: true})
	require.Equal(t, 1, rep.Users[0].Created)

	legs, err := f.store.ListLegPositions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, legs, 2)
	for _, lp := range legs {
		leg := lp.Leg
		assert.True(t, leg.QtyClosed.IsZero(), "seed must not close the live leg")
		if leg.GroupID == live.GroupID {
			assert.Equal(t, model.SideLong, leg.Side)
			assert.True(t, leg.QtyOpened.Equal(d("5")))
		} else {
			assert.Equal(t, model.SideShort, leg.Side)
			assert.True(t, leg.QtyOpened.Equal(d("3")))
		}
	}

	g, err := f.store.GetGroup(ctx, live.GroupID)
	require.NoError(t, err)
	assert.True(t, g.RealizedPnL.IsZero())
	assert.True(t, f.net(t, "u1")["AAPL"].Equal(d("2")))
}

func TestSeed_DryRunWritesNothing(t *testing.T) {
	f := newFixture(jobs.NewSnapshotSource([]model.BrokerPosition{
		row("u1", "AAPL", "10", "150"),
		row("u2", "NVDA", "3", "900"),
	}))

	rep := f.runner.Seed(context.Background(), jobs.SeedRequest{DryRun: true})
	assert.True(t, rep.DryRun)
	require.Len(t, rep.Users, 2)
	assert.Equal(t, "u1", rep.Users[0].UserID)
	assert.Equal(t, "u2", rep.Users[1].UserID)
	assert.Equal(t, 1, rep.Users[0].Created)
	assert.Equal(t, 1, rep.Users[1].Created)

	users, err := f.store.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestSeed_SingleUser(t *testing.T) {
	f := newFixture(jobs.NewSnapshotSource([]model.BrokerPosition{
		row("u1", "AAPL", "10", "150"),
		row("u2", "NVDA", "3", "900"),
	}))

	rep := f.runner.Seed(context.Background(), jobs.SeedRequest{UserID: "u2"})
	require.Len(t, rep.Users, 1)
	assert.Equal(t, "u2", rep.Users[0].UserID)
	assert.Empty(t, f.net(t, "u1"))
}

// flakySource fails Positions for the listed users.
type flakySource struct {
	*jobs.SnapshotSource
	fail map[string]bool
}

func (s flakySource) Positions(ctx context.Context, userID string) ([]model.BrokerPosition, error) {
	if s.fail[userID] {
		return nil, errors.New("broker timeout")
	}
	return s.SnapshotSource.Positions(ctx, userID)
}

func TestSeed_UserFailureIsIsolated(t *testing.T) {
	src := flakySource{
		SnapshotSource: jobs.NewSnapshotSource([]model.BrokerPosition{
			row("u1", "AAPL", "10", "150"),
			row("u2", "NVDA", "3", "900"),
		}),
		fail: map[string]bool{"u1": true},
	}
	f := newFixture(src)

	rep := f.runner.Seed(context.Background(), jobs.SeedRequest{})
	assert.Equal(t, jobs.StatusPartial, rep.Status)
	require.Len(t, rep.Users, 2)
	assert.Contains(t, rep.Users[0].Error, "broker timeout")
	assert.Equal(t, 1, rep.Users[1].Created)
	assert.True(t, f.net(t, "u2")["NVDA"].Equal(d("3")))
}

type downSource struct{}

func (downSource) ListUsers(context.Context) ([]string, error) {
	return nil, errors.New("connection refused")
}

func (downSource) Positions(context.Context, string) ([]model.BrokerPosition, error) {
	return nil, errors.New("connection refused")
}

func TestSeed_SourceDownFailsRun(t *testing.T) {
	f := newFixture(downSource{})

	rep := f.runner.Seed(context.Background(), jobs.SeedRequest{})
	assert.Equal(t, jobs.StatusFailed, rep.Status)
	assert.Contains(t, rep.Error, "connection refused")
	assert.Empty(t, rep.Users)
}

func TestReconcile_ReportsBreaksPerUser(t *testing.T) {
	f := newFixture(jobs.NewSnapshotSource([]model.BrokerPosition{
		row("u1", "AAPL", "3", "150"),
		row("u2", "NVDA", "2", "900"),
	}))
	ctx := context.Background()

	_, err := f.ledger.RecordFill(ctx, "u1", "e1", ledger.FillData{
		Symbol: "AAPL", Action: model.ActionBuy, Quantity: d("5"), Price: d("150"),
	}, ledger.FillContext{})
	require.NoError(t, err)
	_, err = f.ledger.RecordFill(ctx, "u3", "e2", ledger.FillData{
		Symbol: "SPY", Action: model.ActionBuy, Quantity: d("1"), Price: d("500"),
	}, ledger.FillContext{})
	require.NoError(t, err)

	rep := f.runner.Reconcile(ctx, jobs.ReconcileRequest{})
	assert.Equal(t, jobs.StatusOK, rep.Status)
	require.Len(t, rep.Users, 3, "users from both ledger and broker")

	byUser := make(map[string]jobs.UserResult)
	for _, u := range rep.Users {
		byUser[u.UserID] = u
	}
	assert.Equal(t, 1, byUser["u1"].Created)
	assert.Equal(t, 1, byUser["u2"].Created)
	assert.Equal(t, 1, byUser["u3"].Created)

	breaks, err := f.store.ListBreaks(ctx, byUser["u1"].RunID)
	require.NoError(t, err)
	require.Len(t, breaks, 1)
	assert.Equal(t, model.BreakQtyMismatch, breaks[0].BreakType)
	assert.True(t, breaks[0].QtyDiff.Equal(d("2")))
}

func TestReconcile_AfterSeedMatches(t *testing.T) {
	f := newFixture(jobs.NewSnapshotSource([]model.BrokerPosition{
		row("u1", "AAPL", "10", "150"),
		row("u1", "TSLA", "-5", "200"),
	}))
	ctx := context.Background()

	require.Equal(t, jobs.StatusOK, f.runner.Seed(ctx, jobs.SeedRequest{}).Status)

	rep := f.runner.Reconcile(ctx, jobs.ReconcileRequest{UserID: "u1"})
	require.Len(t, rep.Users, 1)
	assert.Equal(t, 0, rep.Users[0].Created)
	assert.Equal(t, 2, rep.Users[0].Skipped)
}

func TestFileSource_ReadsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"user_id": "u2", "symbol": "NVDA", "quantity": "3", "avg_price": "900"},
		{"user_id": "u1", "symbol": "AAPL", "quantity": "-2", "avg_price": "150.5"},
		{"user_id": "", "symbol": "SPY", "quantity": "1", "avg_price": "500"}
	]`), 0o600))

	src := jobs.NewFileSource(path)
	users, err := src.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, users)

	rows, err := src.Positions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "AAPL", rows[0].Symbol)
	assert.True(t, rows[0].Quantity.Equal(d("-2")))
	assert.True(t, rows[0].AvgPrice.Equal(d("150.5")))
}

func TestFileSource_MissingFile(t *testing.T) {
	src := jobs.NewFileSource(filepath.Join(t.TempDir(), "absent.json"))
	_, err := src.ListUsers(context.Background())
	assert.Error(t, err)
}
