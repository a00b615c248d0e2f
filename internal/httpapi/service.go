// Package httpapi provides the HTTP handlers for recording fills and
// executions, driving paper orders, running batch jobs and querying ledger
// state, plus a websocket stream of recorded fills.
//
// All monetary values use shopspring/decimal; never float64 for money.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/fill-ledger/internal/fillsim"
	"github.com/atmx/fill-ledger/internal/jobs"
	"github.com/atmx/fill-ledger/internal/ledger"
	"github.com/atmx/fill-ledger/internal/model"
	"github.com/atmx/fill-ledger/internal/paper"
	"github.com/atmx/fill-ledger/internal/reconcile"
	"github.com/atmx/fill-ledger/internal/store"
)

// Service wires the handlers to the ledger and its collaborators. The paper
// engine and job runner are optional; their routes answer 503 when unset.
type Service struct {
	store  store.Store
	ledger *ledger.Ledger
	recon  *reconcile.Engine
	runner *jobs.Runner
	paper  *paper.Engine
	hub    *WSHub // optional websocket hub
}

// NewService creates a new Service.
func NewService(st store.Store, l *ledger.Ledger, recon *reconcile.Engine, runner *jobs.Runner, pe *paper.Engine, hub *WSHub) *Service {
	return &Service{store: st, ledger: l, recon: recon, runner: runner, paper: pe, hub: hub}
}

// Mount registers every route on r.
func (s *Service) Mount(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Post("/fills", s.RecordFill)
	r.Post("/executions", s.RegisterExecution)

	r.Get("/users/{userID}/positions", s.GetPositions)
	r.Get("/users/{userID}/groups", s.ListGroups)
	r.Get("/users/{userID}/fills", s.ListFills)
	r.Get("/users/{userID}/events", s.ListEvents)
	r.Get("/groups/{groupID}", s.GetGroup)
	r.Post("/groups/{groupID}/check-closure", s.CheckClosure)

	r.Post("/paper/orders", s.SubmitOrder)
	r.Get("/paper/orders/{orderID}", s.GetOrder)
	r.Post("/paper/orders/{orderID}/tick", s.TickOrder)
	r.Post("/paper/tick", s.TickAll)

	r.Post("/jobs/seed", s.Seed)
	r.Post("/jobs/reconcile", s.Reconcile)
	r.Get("/reconcile/runs/{runID}/breaks", s.ListBreaks)
}

// --- Request/Response types ---

// RecordFillRequest is the JSON body for POST /fills.
type RecordFillRequest struct {
	UserID      string             `json:"user_id"`
	ExecutionID string             `json:"execution_id"`
	Fill        ledger.FillData    `json:"fill"`
	Trace       model.TraceContext `json:"trace"`
	EventKey    string             `json:"event_key,omitempty"` // precomputed idempotency key
}

// TickRequest is the optional JSON body for POST /paper/orders/{orderID}/tick.
type TickRequest struct {
	Seed *int64 `json:"seed,omitempty"`
}

// SubmitOrderResponse is returned from POST /paper/orders.
type SubmitOrderResponse struct {
	Order    model.Order          `json:"order"`
	Estimate fillsim.CostEstimate `json:"estimate"`
}

// PositionsResponse is the user's ledger view.
type PositionsResponse struct {
	UserID string                     `json:"user_id"`
	Net    map[string]decimal.Decimal `json:"net"` // signed open qty per symbol, OPEN groups only
	Legs   []model.LegPosition        `json:"legs"`
}

// GroupResponse is a group with its legs.
type GroupResponse struct {
	Group model.PositionGroup `json:"group"`
	Legs  []model.PositionLeg `json:"legs"`
}

// --- Fills ---

// RecordFill handles POST /api/v1/fills.
// 201 for a new fill, 200 for a replay, 400 for a rejected fill.
func (s *Service) RecordFill(w http.ResponseWriter, r *http.Request) {
	var req RecordFillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.ledger.RecordFill(r.Context(), req.UserID, req.ExecutionID, req.Fill,
		ledger.FillContext{TraceContext: req.Trace, EventKey: req.EventKey})
	switch {
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, res)
	case !res.OK:
		writeJSON(w, http.StatusBadRequest, res)
	case res.Deduplicated:
		writeJSON(w, http.StatusOK, res)
	default:
		writeJSON(w, http.StatusCreated, res)
	}
}

// RegisterExecution handles POST /api/v1/executions.
func (s *Service) RegisterExecution(w http.ResponseWriter, r *http.Request) {
	var exec ledger.Execution
	if err := json.NewDecoder(r.Body).Decode(&exec); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.ledger.RegisterExecution(r.Context(), exec)
	switch {
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, res)
	case !res.OK:
		writeJSON(w, http.StatusBadRequest, res)
	default:
		writeJSON(w, http.StatusCreated, res)
	}
}

// --- Queries ---

// GetPositions handles GET /api/v1/users/{userID}/positions
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	net, err := s.recon.LedgerPositions(ctx, userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	legs, err := s.store.ListLegPositions(ctx, userID)
	if err != nil {
		writeError(w, "failed to load legs", http.StatusInternalServerError)
		return
	}
	if legs == nil {
		legs = []model.LegPosition{}
	}
	writeJSON(w, http.StatusOK, PositionsResponse{UserID: userID, Net: net, Legs: legs})
}

// ListGroups handles GET /api/v1/users/{userID}/groups
func (s *Service) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.ListGroups(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load groups", http.StatusInternalServerError)
		return
	}
	if groups == nil {
		groups = []model.PositionGroup{}
	}
	writeJSON(w, http.StatusOK, groups)
}

// ListFills handles GET /api/v1/users/{userID}/fills
func (s *Service) ListFills(w http.ResponseWriter, r *http.Request) {
	fills, err := s.store.ListFills(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load fills", http.StatusInternalServerError)
		return
	}
	if fills == nil {
		fills = []model.Fill{}
	}
	writeJSON(w, http.StatusOK, fills)
}

// ListEvents handles GET /api/v1/users/{userID}/events
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListEvents(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.PositionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetGroup handles GET /api/v1/groups/{groupID}
func (s *Service) GetGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	ctx := r.Context()

	g, err := s.store.GetGroup(ctx, groupID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "group not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load group", http.StatusInternalServerError)
		return
	}
	legs, err := s.store.ListLegs(ctx, groupID)
	if err != nil {
		writeError(w, "failed to load legs", http.StatusInternalServerError)
		return
	}
	if legs == nil {
		legs = []model.PositionLeg{}
	}
	writeJSON(w, http.StatusOK, GroupResponse{Group: *g, Legs: legs})
}

// CheckClosure handles POST /api/v1/groups/{groupID}/check-closure
func (s *Service) CheckClosure(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	ctx := r.Context()

	g, err := s.store.GetGroup(ctx, groupID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "group not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load group", http.StatusInternalServerError)
		return
	}

	closed, err := s.ledger.CheckGroupClosure(ctx, g.UserID, groupID)
	if err != nil {
		writeError(w, "failed to check closure", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"closed": closed})
}

// ListBreaks handles GET /api/v1/reconcile/runs/{runID}/breaks
func (s *Service) ListBreaks(w http.ResponseWriter, r *http.Request) {
	breaks, err := s.store.ListBreaks(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, "failed to load breaks", http.StatusInternalServerError)
		return
	}
	if breaks == nil {
		breaks = []model.ReconciliationBreak{}
	}
	writeJSON(w, http.StatusOK, breaks)
}

// --- Paper trading ---

// SubmitOrder handles POST /api/v1/paper/orders
func (s *Service) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	if s.paper == nil {
		writeError(w, "paper trading disabled", http.StatusServiceUnavailable)
		return
	}
	var order model.Order
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	o, est, err := s.paper.Submit(r.Context(), order)
	if errors.Is(err, fillsim.ErrInvalidOrder) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if errors.Is(err, paper.ErrLimitExceeded) {
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		writeError(w, "failed to submit order", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitOrderResponse{Order: o, Estimate: est})
}

// GetOrder handles GET /api/v1/paper/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	if s.paper == nil {
		writeError(w, "paper trading disabled", http.StatusServiceUnavailable)
		return
	}
	o, err := s.paper.Order(chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// TickOrder handles POST /api/v1/paper/orders/{orderID}/tick
func (s *Service) TickOrder(w http.ResponseWriter, r *http.Request) {
	if s.paper == nil {
		writeError(w, "paper trading disabled", http.StatusServiceUnavailable)
		return
	}
	var req TickRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	res, err := s.paper.Tick(r.Context(), chi.URLParam(r, "orderID"), req.Seed)
	if errors.Is(err, paper.ErrOrderNotFound) {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("paper tick failed", "order", res.OrderID, "err", err)
		writeJSON(w, http.StatusInternalServerError, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// TickAll handles POST /api/v1/paper/tick
func (s *Service) TickAll(w http.ResponseWriter, r *http.Request) {
	if s.paper == nil {
		writeError(w, "paper trading disabled", http.StatusServiceUnavailable)
		return
	}
	results, err := s.paper.TickAll(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []paper.TickResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

// --- Jobs ---

// Seed handles POST /api/v1/jobs/seed
func (s *Service) Seed(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, "no broker source configured", http.StatusServiceUnavailable)
		return
	}
	var req jobs.SeedRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	writeReport(w, s.runner.Seed(r.Context(), req))
}

// Reconcile handles POST /api/v1/jobs/reconcile
func (s *Service) Reconcile(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, "no broker source configured", http.StatusServiceUnavailable)
		return
	}
	var req jobs.ReconcileRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	writeReport(w, s.runner.Reconcile(r.Context(), req))
}

func writeReport(w http.ResponseWriter, rep jobs.Report) {
	status := http.StatusOK
	if rep.Status == jobs.StatusFailed {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, rep)
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
