package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/fill-ledger/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const groupColumns = `id, user_id, underlying, legs_fingerprint, strategy_key, trace_id,
	strategy, strategy_window, regime, status,
	fees_paid::TEXT, realized_pnl::TEXT, opened_at, closed_at`

const legColumns = `id, group_id, user_id, symbol, underlying, option_right,
	strike::TEXT, expiry, multiplier::TEXT, side,
	qty_opened::TEXT, qty_closed::TEXT, avg_cost_open::TEXT, avg_cost_close::TEXT`

const fillColumns = `id, user_id, group_id, leg_id, symbol, action,
	quantity::TEXT, price::TEXT, fee::TEXT, filled_at, broker_exec_id, source`

const eventColumns = `id, user_id, group_id, leg_id, fill_id, event_key,
	cash_amount::TEXT, qty_delta::TEXT, over_close_qty::TEXT, created_at`

func (s *PostgresStore) GetEventByKey(ctx context.Context, userID, eventKey string) (*model.PositionEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM position_events WHERE user_id = $1 AND event_key = $2`,
		userID, eventKey)
	e, err := scanEvent(row)
	if err != nil {
		return nil, notFound(err, "event %s", eventKey)
	}
	return e, nil
}

func (s *PostgresStore) GetFillByBrokerExecID(ctx context.Context, userID, execID string) (*model.Fill, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+fillColumns+` FROM fills WHERE user_id = $1 AND broker_exec_id = $2`,
		userID, execID)
	f, err := scanFill(row)
	if err != nil {
		return nil, notFound(err, "fill exec %s", execID)
	}
	return f, nil
}

func (s *PostgresStore) CreateGroup(ctx context.Context, g *model.PositionGroup) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO position_groups (id, user_id, underlying, legs_fingerprint, strategy_key, trace_id,
		                              strategy, strategy_window, regime, status,
		                              fees_paid, realized_pnl, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::NUMERIC, $12::NUMERIC, $13, $14)`,
		g.ID, g.UserID, g.Underlying, g.LegsFingerprint, g.StrategyKey, g.TraceID,
		g.Strategy, g.Window, g.Regime, g.Status,
		g.FeesPaid.String(), g.RealizedPnL.String(), g.OpenedAt, g.ClosedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("group %s: %w", g.ID, ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) GetGroup(ctx context.Context, id string) (*model.PositionGroup, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+groupColumns+` FROM position_groups WHERE id = $1`, id)
	g, err := scanGroup(row)
	if err != nil {
		return nil, notFound(err, "group %s", id)
	}
	return g, nil
}

func (s *PostgresStore) FindOpenGroupByFingerprint(ctx context.Context, userID, fingerprint string) (*model.PositionGroup, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM position_groups
		 WHERE user_id = $1 AND legs_fingerprint = $2 AND status = 'OPEN'
		 ORDER BY opened_at LIMIT 1`, userID, fingerprint)
	g, err := scanGroup(row)
	if err != nil {
		return nil, notFound(err, "group fingerprint %s", fingerprint)
	}
	return g, nil
}

func (s *PostgresStore) FindOpenGroupByStrategy(ctx context.Context, userID, strategyKey, underlying string) (*model.PositionGroup, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM position_groups
		 WHERE user_id = $1 AND strategy_key = $2 AND underlying = $3 AND status = 'OPEN'
		 ORDER BY opened_at LIMIT 1`, userID, strategyKey, underlying)
	g, err := scanGroup(row)
	if err != nil {
		return nil, notFound(err, "group strategy %s/%s", strategyKey, underlying)
	}
	return g, nil
}

func (s *PostgresStore) CloseGroup(ctx context.Context, userID, groupID string, closedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE position_groups SET status = 'CLOSED', closed_at = $3
		 WHERE id = $1 AND user_id = $2 AND status = 'OPEN'`,
		groupID, userID, closedAt)
	if err != nil {
		return false, fmt.Errorf("close group %s: %w", groupID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListGroups(ctx context.Context, userID string) ([]model.PositionGroup, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+groupColumns+` FROM position_groups WHERE user_id = $1 ORDER BY opened_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []model.PositionGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

func (s *PostgresStore) CreateLeg(ctx context.Context, l *model.PositionLeg) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO position_legs (id, group_id, user_id, symbol, underlying, option_right,
		                            strike, expiry, multiplier, side,
		                            qty_opened, qty_closed, avg_cost_open, avg_cost_close)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9::NUMERIC, $10,
		         $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC)`,
		l.ID, l.GroupID, l.UserID, l.Symbol, l.Underlying, l.Right,
		nullDecimalArg(l.Strike), l.Expiry, l.Multiplier.String(), l.Side,
		l.QtyOpened.String(), l.QtyClosed.String(), l.AvgCostOpen.String(), l.AvgCostClose.String(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("leg %s/%s: %w", l.GroupID, l.Symbol, ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) FindLeg(ctx context.Context, groupID, symbol string) (*model.PositionLeg, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+legColumns+` FROM position_legs WHERE group_id = $1 AND symbol = $2`, groupID, symbol)
	l, err := scanLeg(row)
	if err != nil {
		return nil, notFound(err, "leg %s/%s", groupID, symbol)
	}
	return l, nil
}

func (s *PostgresStore) ListLegs(ctx context.Context, groupID string) ([]model.PositionLeg, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+legColumns+` FROM position_legs WHERE group_id = $1 ORDER BY symbol`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var legs []model.PositionLeg
	for rows.Next() {
		l, err := scanLeg(rows)
		if err != nil {
			return nil, err
		}
		legs = append(legs, *l)
	}
	return legs, rows.Err()
}

// ApplyFill locks the leg row, applies the fill to it and writes the fill,
// event and group totals in a single transaction.
func (s *PostgresStore) ApplyFill(ctx context.Context, app *FillApplication) (*ApplyOutcome, error) {
	var out *ApplyOutcome
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+legColumns+` FROM position_legs WHERE id = $1 FOR UPDATE`, app.Fill.LegID)
		leg, err := scanLeg(row)
		if err != nil {
			return notFound(err, "leg %s", app.Fill.LegID)
		}

		realized, err := leg.ApplyFill(app.Opening, app.Fill.Quantity, app.Fill.Price)
		if err != nil {
			return fmt.Errorf("leg %s: %w", leg.ID, ErrLegChanged)
		}

		f := app.Fill
		_, err = tx.Exec(ctx,
			`INSERT INTO fills (id, user_id, group_id, leg_id, symbol, action,
			                    quantity, price, fee, filled_at, broker_exec_id, source)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)`,
			f.ID, f.UserID, f.GroupID, f.LegID, f.Symbol, f.Action,
			f.Quantity.String(), f.Price.String(), f.Fee.String(), f.FilledAt,
			nullString(f.BrokerExecID), f.Source,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("fill exec %s: %w", f.BrokerExecID, ErrDuplicate)
		}
		if err != nil {
			return fmt.Errorf("insert fill: %w", err)
		}

		e := app.Event
		_, err = tx.Exec(ctx,
			`INSERT INTO position_events (id, user_id, group_id, leg_id, fill_id, event_key,
			                              cash_amount, qty_delta, over_close_qty, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
			e.ID, e.UserID, e.GroupID, e.LegID, e.FillID, e.EventKey,
			e.CashAmount.String(), e.QtyDelta.String(), e.OverCloseQty.String(), e.CreatedAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("event %s: %w", e.EventKey, ErrDuplicate)
		}
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE position_legs
			 SET qty_opened = $2::NUMERIC, qty_closed = $3::NUMERIC,
			     avg_cost_open = $4::NUMERIC, avg_cost_close = $5::NUMERIC
			 WHERE id = $1`,
			leg.ID, leg.QtyOpened.String(), leg.QtyClosed.String(),
			leg.AvgCostOpen.String(), leg.AvgCostClose.String(),
		)
		if err != nil {
			return fmt.Errorf("update leg: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE position_groups
			 SET fees_paid = fees_paid + $2::NUMERIC, realized_pnl = realized_pnl + $3::NUMERIC
			 WHERE id = $1`,
			f.GroupID, f.Fee.String(), realized.String(),
		)
		if err != nil {
			return fmt.Errorf("update group: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("group %s: %w", f.GroupID, ErrNotFound)
		}

		out = &ApplyOutcome{Leg: *leg, Realized: realized}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListFills(ctx context.Context, userID string) ([]model.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillColumns+` FROM fills WHERE user_id = $1 ORDER BY filled_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []model.Fill
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, err
		}
		fills = append(fills, *f)
	}
	return fills, rows.Err()
}

func (s *PostgresStore) ListEvents(ctx context.Context, userID string) ([]model.PositionEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM position_events WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.PositionEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) ListLegPositions(ctx context.Context, userID string) ([]model.LegPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT l.id, l.group_id, l.user_id, l.symbol, l.underlying, l.option_right,
		        l.strike::TEXT, l.expiry, l.multiplier::TEXT, l.side,
		        l.qty_opened::TEXT, l.qty_closed::TEXT, l.avg_cost_open::TEXT, l.avg_cost_close::TEXT,
		        g.status
		 FROM position_legs l
		 JOIN position_groups g ON g.id = l.group_id
		 WHERE l.user_id = $1
		 ORDER BY l.symbol, l.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.LegPosition
	for rows.Next() {
		var p model.LegPosition
		l, err := scanLeg(rows, &p.GroupStatus)
		if err != nil {
			return nil, err
		}
		p.Leg = *l
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT user_id FROM position_groups ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) InsertBreaks(ctx context.Context, breaks []model.ReconciliationBreak) error {
	if len(breaks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, b := range breaks {
		batch.Queue(
			`INSERT INTO reconciliation_breaks (id, run_id, user_id, symbol, break_type,
			                                    ledger_qty, broker_qty, qty_diff, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
			b.ID, b.RunID, b.UserID, b.Symbol, b.BreakType,
			b.LedgerQty.String(), b.BrokerQty.String(), b.QtyDiff.String(), b.CreatedAt,
		)
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *PostgresStore) ListBreaks(ctx context.Context, runID string) ([]model.ReconciliationBreak, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, user_id, symbol, break_type,
		        ledger_qty::TEXT, broker_qty::TEXT, qty_diff::TEXT, created_at
		 FROM reconciliation_breaks WHERE run_id = $1 ORDER BY symbol`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var breaks []model.ReconciliationBreak
	for rows.Next() {
		var b model.ReconciliationBreak
		var ledgerQty, brokerQty, diff string
		if err := rows.Scan(&b.ID, &b.RunID, &b.UserID, &b.Symbol, &b.BreakType,
			&ledgerQty, &brokerQty, &diff, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.LedgerQty, _ = decimal.NewFromString(ledgerQty)
		b.BrokerQty, _ = decimal.NewFromString(brokerQty)
		b.QtyDiff, _ = decimal.NewFromString(diff)
		breaks = append(breaks, b)
	}
	return breaks, rows.Err()
}

// inTx runs fn inside a transaction, committing on success and rolling back
// on any error.
func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Scan helpers ---

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanGroup(row scanner) (*model.PositionGroup, error) {
	var g model.PositionGroup
	var fees, realized string
	if err := row.Scan(&g.ID, &g.UserID, &g.Underlying, &g.LegsFingerprint, &g.StrategyKey, &g.TraceID,
		&g.Strategy, &g.Window, &g.Regime, &g.Status,
		&fees, &realized, &g.OpenedAt, &g.ClosedAt); err != nil {
		return nil, err
	}
	g.FeesPaid, _ = decimal.NewFromString(fees)
	g.RealizedPnL, _ = decimal.NewFromString(realized)
	return &g, nil
}

// scanLeg reads legColumns followed by any extra destinations.
func scanLeg(row scanner, extra ...any) (*model.PositionLeg, error) {
	var l model.PositionLeg
	var strike *string
	var mult, opened, closed, avgOpen, avgClose string
	dest := []any{&l.ID, &l.GroupID, &l.UserID, &l.Symbol, &l.Underlying, &l.Right,
		&strike, &l.Expiry, &mult, &l.Side,
		&opened, &closed, &avgOpen, &avgClose}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if strike != nil {
		if v, err := decimal.NewFromString(*strike); err == nil {
			l.Strike = decimal.NewNullDecimal(v)
		}
	}
	l.Multiplier, _ = decimal.NewFromString(mult)
	l.QtyOpened, _ = decimal.NewFromString(opened)
	l.QtyClosed, _ = decimal.NewFromString(closed)
	l.AvgCostOpen, _ = decimal.NewFromString(avgOpen)
	l.AvgCostClose, _ = decimal.NewFromString(avgClose)
	return &l, nil
}

func scanFill(row scanner) (*model.Fill, error) {
	var f model.Fill
	var qty, price, fee string
	var execID *string
	if err := row.Scan(&f.ID, &f.UserID, &f.GroupID, &f.LegID, &f.Symbol, &f.Action,
		&qty, &price, &fee, &f.FilledAt, &execID, &f.Source); err != nil {
		return nil, err
	}
	f.Quantity, _ = decimal.NewFromString(qty)
	f.Price, _ = decimal.NewFromString(price)
	f.Fee, _ = decimal.NewFromString(fee)
	if execID != nil {
		f.BrokerExecID = *execID
	}
	return &f, nil
}

func scanEvent(row scanner) (*model.PositionEvent, error) {
	var e model.PositionEvent
	var cash, delta, over string
	if err := row.Scan(&e.ID, &e.UserID, &e.GroupID, &e.LegID, &e.FillID, &e.EventKey,
		&cash, &delta, &over, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.CashAmount, _ = decimal.NewFromString(cash)
	e.QtyDelta, _ = decimal.NewFromString(delta)
	e.OverCloseQty, _ = decimal.NewFromString(over)
	return &e, nil
}

// notFound maps pgx.ErrNoRows onto ErrNotFound and wraps anything else.
func notFound(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullDecimalArg(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}
