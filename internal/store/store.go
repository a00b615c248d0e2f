// Package store defines the persistence interface for the position ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing). Every implementation enforces the
// same uniqueness rules: (user, event_key) for events, (user,
// broker_exec_id) for fills and (group, symbol) for legs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/fill-ledger/internal/model"
)

var (
	// ErrNotFound is returned by lookups that match nothing.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when an insert hits a uniqueness constraint.
	// Callers treat it as an idempotent hit, not a failure.
	ErrDuplicate = errors.New("store: duplicate key")

	// ErrLegChanged is returned by ApplyFill when a closing quantity no
	// longer fits the leg's open quantity, i.e. a concurrent writer got
	// there first.
	ErrLegChanged = errors.New("store: leg changed concurrently")
)

// FillApplication is one durable fill: the fill row, its event row, and
// the leg/group updates they imply. ApplyFill writes all of it atomically.
type FillApplication struct {
	Fill  model.Fill
	Event model.PositionEvent
	// Opening selects which side of the leg's cost basis moves.
	Opening bool
}

// ApplyOutcome reports the leg after the fill and the realized P&L booked.
type ApplyOutcome struct {
	Leg      model.PositionLeg
	Realized decimal.Decimal
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Idempotency lookups ---

	// GetEventByKey returns the event with the given key for the user.
	GetEventByKey(ctx context.Context, userID, eventKey string) (*model.PositionEvent, error)

	// GetFillByBrokerExecID returns the fill carrying the broker execution id.
	GetFillByBrokerExecID(ctx context.Context, userID, execID string) (*model.Fill, error)

	// --- Groups ---

	// CreateGroup persists a new OPEN group.
	CreateGroup(ctx context.Context, g *model.PositionGroup) error

	// GetGroup retrieves a group by its ID.
	GetGroup(ctx context.Context, id string) (*model.PositionGroup, error)

	// FindOpenGroupByFingerprint finds the user's OPEN group for a legs fingerprint.
	FindOpenGroupByFingerprint(ctx context.Context, userID, fingerprint string) (*model.PositionGroup, error)

	// FindOpenGroupByStrategy finds the user's OPEN group for strategy key + underlying.
	FindOpenGroupByStrategy(ctx context.Context, userID, strategyKey, underlying string) (*model.PositionGroup, error)

	// CloseGroup flips an OPEN group to CLOSED. It reports false when the
	// group was already closed.
	CloseGroup(ctx context.Context, userID, groupID string, closedAt time.Time) (bool, error)

	// ListGroups returns all groups of a user.
	ListGroups(ctx context.Context, userID string) ([]model.PositionGroup, error)

	// --- Legs ---

	// CreateLeg persists a new leg; ErrDuplicate if (group, symbol) exists.
	CreateLeg(ctx context.Context, leg *model.PositionLeg) error

	// FindLeg finds a leg by (group, symbol).
	FindLeg(ctx context.Context, groupID, symbol string) (*model.PositionLeg, error)

	// ListLegs returns all legs of a group.
	ListLegs(ctx context.Context, groupID string) ([]model.PositionLeg, error)

	// --- Fills ---

	// ApplyFill atomically inserts the fill and event and updates the leg
	// quantities/cost basis and group fees/realized P&L. ErrDuplicate if the
	// event key or broker execution id already exists; ErrLegChanged if a
	// closing quantity exceeds the leg's open quantity.
	ApplyFill(ctx context.Context, app *FillApplication) (*ApplyOutcome, error)

	// ListFills returns all fills of a user ordered by fill time.
	ListFills(ctx context.Context, userID string) ([]model.Fill, error)

	// ListEvents returns all events of a user in insertion order.
	ListEvents(ctx context.Context, userID string) ([]model.PositionEvent, error)

	// --- Position queries ---

	// ListLegPositions returns every leg of the user with its group status.
	ListLegPositions(ctx context.Context, userID string) ([]model.LegPosition, error)

	// ListUsers returns the users that have at least one group.
	ListUsers(ctx context.Context) ([]string, error)

	// --- Reconciliation ---

	// InsertBreaks appends reconciliation breaks.
	InsertBreaks(ctx context.Context, breaks []model.ReconciliationBreak) error

	// ListBreaks returns the breaks of one reconciliation run.
	ListBreaks(ctx context.Context, runID string) ([]model.ReconciliationBreak, error)
}
