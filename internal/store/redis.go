package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/fill-ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only position reads are cached. Idempotency lookups and anything on the
// fill write path always hit the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateGroup(ctx context.Context, g *model.PositionGroup) error {
	if err := s.primary.CreateGroup(ctx, g); err != nil {
		return err
	}
	s.rdb.Del(ctx, groupsKey(g.UserID))
	return nil
}

func (s *CachedStore) CloseGroup(ctx context.Context, userID, groupID string, closedAt time.Time) (bool, error) {
	closed, err := s.primary.CloseGroup(ctx, userID, groupID, closedAt)
	if err != nil {
		return false, err
	}
	s.rdb.Del(ctx, groupKey(groupID), groupsKey(userID), positionsKey(userID))
	return closed, nil
}

func (s *CachedStore) CreateLeg(ctx context.Context, leg *model.PositionLeg) error {
	if err := s.primary.CreateLeg(ctx, leg); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(leg.UserID))
	return nil
}

func (s *CachedStore) ApplyFill(ctx context.Context, app *FillApplication) (*ApplyOutcome, error) {
	out, err := s.primary.ApplyFill(ctx, app)
	if err != nil {
		return nil, err
	}
	// Fees and realized P&L moved on the group; quantities moved on the leg.
	s.rdb.Del(ctx, groupKey(app.Fill.GroupID), groupsKey(app.Fill.UserID), positionsKey(app.Fill.UserID))
	return out, nil
}

func (s *CachedStore) InsertBreaks(ctx context.Context, breaks []model.ReconciliationBreak) error {
	return s.primary.InsertBreaks(ctx, breaks)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetGroup(ctx context.Context, id string) (*model.PositionGroup, error) {
	var g model.PositionGroup
	if s.load(ctx, groupKey(id), &g) {
		return &g, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	s.save(ctx, groupKey(id), got)
	return got, nil
}

func (s *CachedStore) ListGroups(ctx context.Context, userID string) ([]model.PositionGroup, error) {
	var groups []model.PositionGroup
	if s.load(ctx, groupsKey(userID), &groups) {
		return groups, nil
	}

	groups, err := s.primary.ListGroups(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, groupsKey(userID), groups)
	return groups, nil
}

func (s *CachedStore) ListLegPositions(ctx context.Context, userID string) ([]model.LegPosition, error) {
	var positions []model.LegPosition
	if s.load(ctx, positionsKey(userID), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListLegPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, positionsKey(userID), positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetEventByKey(ctx context.Context, userID, eventKey string) (*model.PositionEvent, error) {
	return s.primary.GetEventByKey(ctx, userID, eventKey)
}

func (s *CachedStore) GetFillByBrokerExecID(ctx context.Context, userID, execID string) (*model.Fill, error) {
	return s.primary.GetFillByBrokerExecID(ctx, userID, execID)
}

func (s *CachedStore) FindOpenGroupByFingerprint(ctx context.Context, userID, fingerprint string) (*model.PositionGroup, error) {
	return s.primary.FindOpenGroupByFingerprint(ctx, userID, fingerprint)
}

func (s *CachedStore) FindOpenGroupByStrategy(ctx context.Context, userID, strategyKey, underlying string) (*model.PositionGroup, error) {
	return s.primary.FindOpenGroupByStrategy(ctx, userID, strategyKey, underlying)
}

func (s *CachedStore) FindLeg(ctx context.Context, groupID, symbol string) (*model.PositionLeg, error) {
	return s.primary.FindLeg(ctx, groupID, symbol)
}

func (s *CachedStore) ListLegs(ctx context.Context, groupID string) ([]model.PositionLeg, error) {
	return s.primary.ListLegs(ctx, groupID)
}

func (s *CachedStore) ListFills(ctx context.Context, userID string) ([]model.Fill, error) {
	return s.primary.ListFills(ctx, userID)
}

func (s *CachedStore) ListEvents(ctx context.Context, userID string) ([]model.PositionEvent, error) {
	return s.primary.ListEvents(ctx, userID)
}

func (s *CachedStore) ListUsers(ctx context.Context) ([]string, error) {
	return s.primary.ListUsers(ctx)
}

func (s *CachedStore) ListBreaks(ctx context.Context, runID string) ([]model.ReconciliationBreak, error) {
	return s.primary.ListBreaks(ctx, runID)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func groupKey(id string) string      { return fmt.Sprintf("group:%s", id) }
func groupsKey(uid string) string    { return fmt.Sprintf("groups:%s", uid) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
