package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/fill-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// It enforces the same unique keys as the SQL schema so idempotency paths
// behave identically under tests.
type MemoryStore struct {
	mu     sync.RWMutex
	groups map[string]*model.PositionGroup
	legs   map[string]*model.PositionLeg
	fills  []model.Fill
	events []model.PositionEvent
	breaks []model.ReconciliationBreak

	legByGroupSymbol map[string]string // group|symbol → leg id
	eventByKey       map[string]int    // user|event_key → index into events
	fillByExecID     map[string]int    // user|broker_exec_id → index into fills
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups:           make(map[string]*model.PositionGroup),
		legs:             make(map[string]*model.PositionLeg),
		legByGroupSymbol: make(map[string]string),
		eventByKey:       make(map[string]int),
		fillByExecID:     make(map[string]int),
	}
}

func pair(a, b string) string { return a + "|" + b }

func (s *MemoryStore) GetEventByKey(_ context.Context, userID, eventKey string) (*model.PositionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.eventByKey[pair(userID, eventKey)]
	if !ok {
		return nil, ErrNotFound
	}
	e := s.events[i]
	return &e, nil
}

func (s *MemoryStore) GetFillByBrokerExecID(_ context.Context, userID, execID string) (*model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.fillByExecID[pair(userID, execID)]
	if !ok {
		return nil, ErrNotFound
	}
	f := s.fills[i]
	return &f, nil
}

func (s *MemoryStore) CreateGroup(_ context.Context, g *model.PositionGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[g.ID]; exists {
		return fmt.Errorf("group %s: %w", g.ID, ErrDuplicate)
	}
	// Store a copy to avoid external mutation.
	copy := *g
	s.groups[g.ID] = &copy
	return nil
}

func (s *MemoryStore) GetGroup(_ context.Context, id string) (*model.PositionGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	copy := *g
	return &copy, nil
}

func (s *MemoryStore) FindOpenGroupByFingerprint(_ context.Context, userID, fingerprint string) (*model.PositionGroup, error) {
	return s.findOpenGroup(func(g *model.PositionGroup) bool {
		return g.UserID == userID && g.LegsFingerprint == fingerprint
	})
}

func (s *MemoryStore) FindOpenGroupByStrategy(_ context.Context, userID, strategyKey, underlying string) (*model.PositionGroup, error) {
	return s.findOpenGroup(func(g *model.PositionGroup) bool {
		return g.UserID == userID && g.StrategyKey == strategyKey && g.Underlying == underlying
	})
}

// findOpenGroup returns the earliest-opened OPEN group matching.
func (s *MemoryStore) findOpenGroup(match func(*model.PositionGroup) bool) (*model.PositionGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *model.PositionGroup
	for _, g := range s.groups {
		if g.Status != model.GroupOpen || !match(g) {
			continue
		}
		if found == nil || g.OpenedAt.Before(found.OpenedAt) {
			found = g
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	copy := *found
	return &copy, nil
}

func (s *MemoryStore) CloseGroup(_ context.Context, _ string, groupID string, closedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return false, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	if g.Status == model.GroupClosed {
		return false, nil
	}
	g.Status = model.GroupClosed
	at := closedAt
	g.ClosedAt = &at
	return true, nil
}

func (s *MemoryStore) ListGroups(_ context.Context, userID string) ([]model.PositionGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PositionGroup
	for _, g := range s.groups {
		if g.UserID == userID {
			result = append(result, *g)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OpenedAt.Before(result[j].OpenedAt) })
	return result, nil
}

func (s *MemoryStore) CreateLeg(_ context.Context, leg *model.PositionLeg) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pair(leg.GroupID, leg.Symbol)
	if _, exists := s.legByGroupSymbol[key]; exists {
		return fmt.Errorf("leg %s: %w", key, ErrDuplicate)
	}
	copy := *leg
	s.legs[leg.ID] = &copy
	s.legByGroupSymbol[key] = leg.ID
	return nil
}

func (s *MemoryStore) FindLeg(_ context.Context, groupID, symbol string) (*model.PositionLeg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.legByGroupSymbol[pair(groupID, symbol)]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *s.legs[id]
	return &copy, nil
}

func (s *MemoryStore) ListLegs(_ context.Context, groupID string) ([]model.PositionLeg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PositionLeg
	for _, l := range s.legs {
		if l.GroupID == groupID {
			result = append(result, *l)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}

// ApplyFill performs every write under one lock so a failure leaves no
// partial state behind.
func (s *MemoryStore) ApplyFill(_ context.Context, app *FillApplication) (*ApplyOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID := app.Fill.UserID
	eventKey := pair(userID, app.Event.EventKey)
	if _, exists := s.eventByKey[eventKey]; exists {
		return nil, fmt.Errorf("event %s: %w", app.Event.EventKey, ErrDuplicate)
	}
	var execKey string
	if app.Fill.BrokerExecID != "" {
		execKey = pair(userID, app.Fill.BrokerExecID)
		if _, exists := s.fillByExecID[execKey]; exists {
			return nil, fmt.Errorf("fill exec %s: %w", app.Fill.BrokerExecID, ErrDuplicate)
		}
	}

	leg, ok := s.legs[app.Fill.LegID]
	if !ok {
		return nil, fmt.Errorf("leg %s: %w", app.Fill.LegID, ErrNotFound)
	}
	group, ok := s.groups[app.Fill.GroupID]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", app.Fill.GroupID, ErrNotFound)
	}

	updated := *leg
	realized, err := updated.ApplyFill(app.Opening, app.Fill.Quantity, app.Fill.Price)
	if err != nil {
		return nil, fmt.Errorf("leg %s: %w", leg.ID, ErrLegChanged)
	}

	*leg = updated
	group.FeesPaid = group.FeesPaid.Add(app.Fill.Fee)
	group.RealizedPnL = group.RealizedPnL.Add(realized)

	s.fills = append(s.fills, app.Fill)
	if execKey != "" {
		s.fillByExecID[execKey] = len(s.fills) - 1
	}
	s.events = append(s.events, app.Event)
	s.eventByKey[eventKey] = len(s.events) - 1

	return &ApplyOutcome{Leg: updated, Realized: realized}, nil
}

func (s *MemoryStore) ListFills(_ context.Context, userID string) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Fill
	for _, f := range s.fills {
		if f.UserID == userID {
			result = append(result, f)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].FilledAt.Before(result[j].FilledAt) })
	return result, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, userID string) ([]model.PositionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PositionEvent
	for _, e := range s.events {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListLegPositions(_ context.Context, userID string) ([]model.LegPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LegPosition
	for _, l := range s.legs {
		if l.UserID != userID {
			continue
		}
		status := model.GroupOpen
		if g, ok := s.groups[l.GroupID]; ok {
			status = g.Status
		}
		result = append(result, model.LegPosition{Leg: *l, GroupStatus: status})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Leg.Symbol != result[j].Leg.Symbol {
			return result[i].Leg.Symbol < result[j].Leg.Symbol
		}
		return result[i].Leg.ID < result[j].Leg.ID
	})
	return result, nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var users []string
	for _, g := range s.groups {
		if !seen[g.UserID] {
			seen[g.UserID] = true
			users = append(users, g.UserID)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (s *MemoryStore) InsertBreaks(_ context.Context, breaks []model.ReconciliationBreak) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.breaks = append(s.breaks, breaks...)
	return nil
}

func (s *MemoryStore) ListBreaks(_ context.Context, runID string) ([]model.ReconciliationBreak, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ReconciliationBreak
	for _, b := range s.breaks {
		if b.RunID == runID {
			result = append(result, b)
		}
	}
	return result, nil
}
