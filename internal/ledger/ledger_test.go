package ledger_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/fill-ledger/internal/ledger"
	"github.com/atmx/fill-ledger/internal/model"
	"github.com/atmx/fill-ledger/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testOptions gives a ticking clock, a silent logger and fast retries.
func testOptions() []ledger.Option {
	var tick atomic.Int64
	clock := func() time.Time { return t0.Add(time.Duration(tick.Add(1)) * time.Second) }
	return []ledger.Option{
		ledger.WithLogger(quietLogger()),
		ledger.WithClock(clock),
		ledger.WithConfig(ledger.Config{
			OpTimeout:  time.Second,
			MaxRetries: 2,
			BackoffMin: time.Millisecond,
			BackoffMax: 2 * time.Millisecond,
		}),
	}
}

func newTestLedger(t *testing.T, st store.Store, opts ...ledger.Option) *ledger.Ledger {
	t.Helper()
	return ledger.New(st, append(testOptions(), opts...)...)
}

func fill(symbol string, action model.Action, qty, price, fee string) ledger.FillData {
	return ledger.FillData{
		Symbol:   symbol,
		Action:   action,
		Quantity: d(qty),
		Price:    d(price),
		Fee:      d(fee),
		FilledAt: t0,
	}
}

func option(symbol string, action model.Action, qty, price, fee string) ledger.FillData {
	f := fill(symbol, action, qty, price, fee)
	f.Underlying = "SPY"
	f.Right = "C"
	f.Strike = decimal.NewNullDecimal(d("500"))
	exp := time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)
	f.Expiry = &exp
	f.Multiplier = d("100")
	return f
}

func mustRecord(t *testing.T, l *ledger.Ledger, user, execID string, f ledger.FillData, fc ledger.FillContext) ledger.RecordResult {
	t.Helper()
	res, err := l.RecordFill(context.Background(), user, execID, f, fc)
	if err != nil {
		t.Fatalf("RecordFill(%s %s %s): %v", execID, f.Action, f.Quantity, err)
	}
	if !res.OK {
		t.Fatalf("RecordFill(%s) not ok: %s", execID, res.Error)
	}
	return res
}

func leg(t *testing.T, ms *store.MemoryStore, id string) model.PositionLeg {
	t.Helper()
	legs, err := ms.ListLegPositions(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range legs {
		if p.Leg.ID == id {
			return p.Leg
		}
	}
	t.Fatalf("leg %s not found", id)
	return model.PositionLeg{}
}

func group(t *testing.T, ms *store.MemoryStore, id string) *model.PositionGroup {
	t.Helper()
	g, err := ms.GetGroup(context.Background(), id)
	if err != nil {
		t.Fatalf("group %s: %v", id, err)
	}
	return g
}

// --- Cash impact ---

func TestRecordFill_CashImpact(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(t, ms)

	mustRecord(t, l, "u1", "buy", option("SPY250620C00500000", model.ActionBuy, "1", "2.50", "0.65"), ledger.FillContext{})
	mustRecord(t, l, "u2", "sell", option("SPY250620C00500000", model.ActionSell, "1", "2.50", "0.65"), ledger.FillContext{})

	buys, _ := ms.ListEvents(context.Background(), "u1")
	sells, _ := ms.ListEvents(context.Background(), "u2")
	if len(buys) != 1 || len(sells) != 1 {
		t.Fatalf("events = %d/%d, want 1/1", len(buys), len(sells))
	}
	if !buys[0].CashAmount.Equal(d("-250.65")) {
		t.Errorf("BUY cash = %s, want -250.65", buys[0].CashAmount)
	}
	if !buys[0].QtyDelta.Equal(d("1")) {
		t.Errorf("BUY qty delta = %s, want 1", buys[0].QtyDelta)
	}
	if !sells[0].CashAmount.Equal(d("249.35")) {
		t.Errorf("SELL cash = %s, want 249.35", sells[0].CashAmount)
	}
	if !sells[0].QtyDelta.Equal(d("-1")) {
		t.Errorf("SELL qty delta = %s, want -1", sells[0].QtyDelta)
	}
}

func TestRecordFill_EquityMultiplierDefaultsToOne(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(t, ms)

	res := mustRecord(t, l, "u1", "e1", fill("AAPL", model.ActionBuy, "10", "190", "1"), ledger.FillContext{})

	if got := leg(t, ms, res.LegID); !got.Multiplier.Equal(d("1")) {
		t.Errorf("multiplier = %s, want 1", got.Multiplier)
	}
	events, _ := ms.ListEvents(context.Background(), "u1")
	if !events[0].CashAmount.Equal(d("-1901")) {
		t.Errorf("cash = %s, want -1901", events[0].CashAmount)
	}
}

func TestRecordFill_OCCSymbolFillsOptionFields(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(t, ms)

	res := mustRecord(t, l, "u1", "occ", fill("spy250620p00495500", model.ActionBuy, "2", "1.10", "0"), ledger.FillContext{})

	got := leg(t, ms, res.LegID)
	if got.Symbol != "SPY250620P00495500" || got.Underlying != "SPY" || got.Right != "P" {
		t.Fatalf("leg = %s/%s/%s, want SPY250620P00495500/SPY/P", got.Symbol, got.Underlying, got.Right)
	}
	if !got.Strike.Valid || !got.Strike.Decimal.Equal(d("495.5")) {
		t.Errorf("strike = %v, want 495.5", got.Strike)
	}
	if got.Expiry == nil || !got.Expiry.Equal(time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expiry = %v, want 2025-06-20", got.Expiry)
	}
	if !got.Multiplier.Equal(d("100")) {
		t.Errorf("multiplier = %s, want 100", got.Multiplier)
	}
	events, _ := ms.ListEvents(context.Background(), "u1")
	if !events[0].CashAmount.Equal(d("-220")) {
		t.Errorf("cash = %s, want -220", events[0].CashAmount)
	}
}

// --- Idempotency ---

func TestRecordFill_Idempotent(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(t, ms)
	f := fill("AAPL", model.ActionBuy, "5", "100", "1")

	first := mustRecord(t, l, "u1", "exec-1", f, ledger.FillContext{})
	second := mustRecord(t, l, "u1", "exec-1", f, ledger.FillContext{})

	if first.Deduplicated {
		t.Error("first record reported as deduplicated")
	}
	if !second.Deduplicated {
		t.Error("replay not reported as deduplicated")
	}
	if first.GroupID != second.GroupID || first.LegID != second.LegID ||
		first.FillID != second.FillID || first.EventID != second.EventID {
		t.Errorf("ids differ: %+v vs %+v", first, second)
	}

	fills, _ := ms.ListFills(context.Background(), "u1")
	events, _ := ms.ListEvents(context.Background(), "u1")
	if len(fills) != 1 || len(events) != 1 {
		t.Errorf("fills=%d events=%d, want 1/1", len(fills), len(events))
	}
	if got := leg(t, ms, first.LegID); !got.QtyOpened.Equal(d("5")) {
		t.Errorf("qty opened = %s, want 5", got.QtyOpened)
	}
}

func TestRecordFill_ReplayWithoutTimestampIsIdempotent(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(t, ms)
	f := fill("AAPL", model.ActionBuy, "1", "2.50", "0")
	f.FilledAt = time.Time{}

	first := mustRecord(t, l, "u1", "exec-1", f, ledger.FillContext{})
	again := mustRecord(t, l, "u1", "exec-1", f, ledger.FillContext{})

	if !again.Deduplicated || again.FillID != first.FillID || again.EventKey != first.EventKey {
		t.Fatalf("replay = %+v, want dedup of %s", again, first.FillID)
	}
	fills, _ := ms.ListFills(context.Background(), "u1")
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	if fills[0].FilledAt.IsZero() {
		t.Error("stored fill has no timestamp")
	}
}

func TestRecordFill_DedupByBrokerExecID(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(t, ms)

	f := fill("AAPL", model.ActionBuy, "5", "100", "1")
	f.BrokerExecID = "BRK-1"
	first := mustRecord(t, l, "u1", "exec-1", f, ledger.FillContext{})

	// Different execution id and timestamp, same broker execution.
	f.FilledAt = t0.Add(time.Minute)
	second := mustRecord(t, l, "u1", "exec-2", f, ledger.FillContext{})

	if !second.Deduplicated || second.FillID != first.FillID {
		t.Errorf("second = %+v, want dedup of fill %s", second, first.FillID)
	}
	fills, _ := ms.ListFills(context.Background(), "u1")
	if len(fills) != 1 {
		t.Errorf("fills = %d, want 1", len(fills))
	}
}

func TestRecordFill_ContextEventKeyWins(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(t, ms)
	fc := ledger.FillContext{EventKey: "caller-key"}

	first := mustRecord(t, l, "u1", "a", fill("AAPL", model.ActionBuy, "1", "100", "0"), fc)
	second := mustRecord(t, l, "u1", "b", fill("AAPL", model.ActionBuy, "2", "101", "0"), fc)

	if first.EventKey != "caller-key" || !second.Deduplicated {
		t.Errorf("first key %q, second dedup %v", first.EventKey, second.Deduplicated)
	}
}

func TestRecordFill_ConcurrentDuplicatesWriteOnce(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(t, ms)
	f := fill("AAPL", model.ActionBuy, "3", "100", "0")

	var wg sync.WaitGroup
	var dedups atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.RecordFill(context.Background(), "u1", "exec-1", f, ledger.FillContext{})
			if err != nil || !res.OK {
				t.Errorf("RecordFill: %v %s", err, res.Error)
				return
			}
			if res.Deduplicated {
				dedups.Add(1)
			}
		}()
	}
	wg.Wait()

	fills, _ := ms.ListFills(context.Background(), "u1")
	if len(fills) != 1 {
		t.Errorf("fills = %d, want 1", len(fills))
	}
	if dedups.Load() != 15 {
		t.Errorf("dedups = %d, want 15", dedups.Load())
	}
}

// --- Validation ---

func TestRecordFill_Validation(t *testing.T) {
	cases := []struct {
		name string
		user string
		fill ledger.FillData
		want string
	}{
		{"missing symbol", "u1", fill(" ", model.ActionBuy, "1", "1", "0"), "missing symbol"},
		{"zero quantity", "u1", fill("AAPL", model.ActionBuy, "0", "1", "0"), "quantity"},
		{"negative quantity", "u1", fill("AAPL", model.ActionBuy, "-2", "1", "0"), "quantity"},
		{"bad action", "u1", fill("AAPL", "HOLD", "1", "1", "0"), "unknown action"},
		{"missing user", "", fill("AAPL", model.ActionBuy, "1", "1", "0"), "missing user"},
		{"negative fee", "u1", fill("AAPL", model.ActionBuy, "1", "1", "-1"), "negative fee"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ms := store.NewMemoryStore()
			l := newTestLedger(t, ms)

			res, err := l.RecordFill(context.Background(), tc.user, "x", tc.fill, ledger.FillContext{})
			if err != nil {
				t.Fatalf("validation must not return an error, got %v", err)
			}
			if res.OK {
				t.Fatal("expected OK=false")
			}
			if !strings.Contains(res.Error, tc.want) {
				t.Errorf("error = %q, want substring %q", res.Error, tc.want)
			}
			users, _ := ms.ListUsers(context.Background())
			if len(users) != 0 {
				t.Errorf("invalid fill wrote state for %v", users)
			}
		})
	}
}

func TestRecordFill_LowercaseActionAccepted(t *testing.T) {
	l := newTestLedger(t, store.NewMemoryStore())
	res := mustRecord(t, l, "u1", "e", fill("aapl", "buy", "1", "1", "0"), ledger.FillContext{})
	if res.Side != model.SideLong {
		t.Errorf("side = %s, want LONG", res.Side)
	}
}

// --- Orientation and cost basis ---

func TestRecordFill_SideFixedByFirstFill(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(t, ms)

	first := mustRecord(t, l, "u1", "1", fill("TSLA", model.ActionSell, "5", "50", "0"), ledger.FillContext{})
	if first.Side != model.SideShort || !first.Opening {
		t.Fatalf("first = %s opening=%v, want SHORT opening", first.Side, first.Opening)
	}

	closing := mustRecord(t, l, "u1", "2", fill("TSLA", model.ActionBuy, "2", "45", "0"), ledger.FillContext{})
	if closing.Side != model.SideShort || closing.Opening {
		t.Errorf("buy on short = %s opening=%v, want SHORT closing", closing.Side, closing.Opening)
	}
	if closing.LegID != first.LegID {
		t.Errorf("buy landed on leg %s, want %s", closing.LegID, first.LegID)
	}
	if !closing.Realized.Equal(d("10")) {
		t.Errorf("realized = %s, want 10", closing.Realized)
	}

	adding := mustRecord(t, l, "u1", "3", fill("TSLA", model.ActionSell, "1", "48", "0"), ledger.FillContext{})
	if adding.Side != model.SideShort || !adding.Opening {
		t.Errorf("sell on short = %s opening=%v, want SHORT opening", adding.Side, adding.Opening)
	}
}

func TestRecordFill_WeightedAverageCost(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(t, ms)

	res := mustRecord(t, l, "u1", "1", fill("AAPL", model.ActionBuy, "10", "100", "0"), ledger.FillContext{})
	mustRecord(t, l, "u1", "2", fill("AAPL", model.ActionBuy, "30", "120", "0"), ledger.FillContext{})
	mustRecord(t, l, "u1", "3", fill("AAPL", model.ActionSell, "10", "130", "0"), ledger.FillContext{})
	mustRecord(t, l, "u1", "4", fill("AAPL", model.ActionSell, "10", "140", "0"), ledger.FillContext{})

	got := leg(t, ms, res.LegID)
	if !got.AvgCostOpen.Equal(d("115")) {
		t.Errorf("avg cost open = %s, want 115", got.AvgCostOpen)
	}
	if !got.AvgCostClose.Equal(d("135")) {
		t.Errorf("avg cost close = %s, want 135", got.AvgCostClose)
	}
	if !got.OpenQty().Equal(d("20")) {
		t.Errorf("open qty = %s, want 20", got.OpenQty())
	}

	g := group(t, ms, res.GroupID)
	// (130-115)*10 + (140-115)*10
	if !g.RealizedPnL.Equal(d("400")) {
		t.Errorf("realized = %s, want 400", g.RealizedPnL)
	}
}

// --- Over-close ---

func TestRecordFill_OverCloseSplits(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(t, ms)
	ctx := context.Background()

	open := mustRecord(t, l, "u1", "open", fill("AAPL", model.ActionBuy, "10", "100", "1"), ledger.FillContext{})
	res := mustRecord(t, l, "u1", "flip", fill("AAPL", model.ActionSell, "15", "110", "1.5"), ledger.FillContext{})

	if res.GroupID != open.GroupID || !res.GroupClosed {
		t.Errorf("close part on group %s closed=%v, want %s closed", res.GroupID, res.GroupClosed, open.GroupID)
	}
	if !res.Realized.Equal(d("100")) {
		t.Errorf("realized = %s, want 100", res.Realized)
	}
	orig := leg(t, ms, open.LegID)
	if !orig.QtyOpened.Equal(d("10")) || !orig.QtyClosed.Equal(d("10")) {
		t.Errorf("original leg opened=%s closed=%s, want 10/10", orig.QtyOpened, orig.QtyClosed)
	}
	if g := group(t, ms, open.GroupID); g.Status != model.GroupClosed || g.ClosedAt == nil {
		t.Errorf("original group status = %s", g.Status)
	}

	s := res.Surplus
	if s == nil {
		t.Fatal("no surplus result")
	}
	if s.GroupID == open.GroupID {
		t.Error("surplus reused the original group")
	}
	if s.Side != model.SideShort || !s.Opening {
		t.Errorf("surplus side = %s opening=%v, want SHORT opening", s.Side, s.Opening)
	}
	short := leg(t, ms, s.LegID)
	if !short.QtyOpened.Equal(d("5")) || !short.AvgCostOpen.Equal(d("110")) {
		t.Errorf("surplus leg opened=%s avg=%s, want 5 @ 110", short.QtyOpened, short.AvgCostOpen)
	}
	if g := group(t, ms, s.GroupID); g.Status != model.GroupOpen || g.StrategyKey != "" {
		t.Errorf("surplus group status=%s strategy=%q", g.Status, g.StrategyKey)
	}

	events, _ := ms.ListEvents(ctx, "u1")
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	closeEv, surplusEv := events[1], events[2]
	if !closeEv.OverCloseQty.Equal(d("5")) {
		t.Errorf("close event over-close qty = %s, want 5", closeEv.OverCloseQty)
	}
	if !closeEv.CashAmount.Equal(d("1099")) {
		t.Errorf("close cash = %s, want 1099", closeEv.CashAmount)
	}
	if !surplusEv.CashAmount.Equal(d("549.5")) {
		t.Errorf("surplus cash = %s, want 549.5", surplusEv.CashAmount)
	}
	if surplusEv.EventKey != closeEv.EventKey+"#overclose" {
		t.Errorf("surplus key = %s", surplusEv.EventKey)
	}

	// A later plain BUY lands on the surplus group and flattens it.
	back := mustRecord(t, l, "u1", "cover", fill("AAPL", model.ActionBuy, "5", "100", "0"), ledger.FillContext{})
	if back.GroupID != s.GroupID || !back.GroupClosed {
		t.Errorf("cover on %s closed=%v, want %s closed", back.GroupID, back.GroupClosed, s.GroupID)
	}
	if !back.Realized.Equal(d("50")) {
		t.Errorf("short realized = %s, want 50", back.Realized)
	}
}

func TestRecordFill_OverCloseReplayIsIdempotent(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(t, ms)
	f := fill("AAPL", model.ActionSell, "15", "110", "0")

	mustRecord(t, l, "u1", "open", fill("AAPL", model.ActionBuy, "10", "100", "0"), ledger.FillContext{})
	first := mustRecord(t, l, "u1", "flip", f, ledger.FillContext{})
	again := mustRecord(t, l, "u1", "flip", f, ledger.FillContext{})

	if !again.Deduplicated || again.Surplus == nil || !again.Surplus.Deduplicated {
		t.Fatalf("replay = %+v", again)
	}
	if again.Surplus.GroupID != first.Surplus.GroupID {
		t.Errorf("replayed surplus group %s, want %s", again.Surplus.GroupID, first.Surplus.GroupID)
	}
	groups, _ := ms.ListGroups(context.Background(), "u1")
	if len(groups) != 2 {
		t.Errorf("groups = %d, want 2", len(groups))
	}
}

// failingStore fails ApplyFill for over-close surplus events while armed.
type failingStore struct {
	*store.MemoryStore
	armed atomic.Bool
}

func (s *failingStore) ApplyFill(ctx context.Context, app *store.FillApplication) (*store.ApplyOutcome, error) {
	if s.armed.Load() && strings.HasSuffix(app.Event.EventKey, "#overclose") {
		return nil, errors.New("connection reset by peer")
	}
	return s.MemoryStore.ApplyFill(ctx, app)
}

func TestRecordFill_OverCloseResumesAfterCrash(t *testing.T) {
	fs := &failingStore{MemoryStore: store.NewMemoryStore()}
	fs.armed.Store(true)
	l := newTestLedger(t, fs)
	f := fill("AAPL", model.ActionSell, "15", "110", "0")

	mustRecord(t, l, "u1", "open", fill("AAPL", model.ActionBuy, "10", "100", "0"), ledger.FillContext{})
	res, err := l.RecordFill(context.Background(), "u1", "flip", f, ledger.FillContext{})
	if err == nil || res.OK {
		t.Fatalf("expected surplus failure, got ok=%v err=%v", res.OK, err)
	}

	fs.armed.Store(false)
	healed := mustRecord(t, l, "u1", "flip", f, ledger.FillContext{})
	if !healed.Deduplicated {
		t.Error("close step should be replayed, not re-applied")
	}
	if healed.Surplus == nil || healed.Surplus.Deduplicated || healed.Surplus.Side != model.SideShort {
		t.Fatalf("surplus = %+v, want fresh SHORT open", healed.Surplus)
	}

	positions, _ := fs.ListLegPositions(context.Background(), "u1")
	net := decimal.Zero
	for _, p := range positions {
		net = net.Add(p.Leg.SignedOpenQty())
	}
	if !net.Equal(d("-5")) {
		t.Errorf("net position = %s, want -5", net)
	}
	groups, _ := fs.ListGroups(context.Background(), "u1")
	if len(groups) != 2 {
		t.Errorf("groups = %d, want 2 (interrupted group reused)", len(groups))
	}
}

func TestRecordFill_CloseOnFlatLegOpensNewGroup(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(t, ms)
	fc := ledger.FillContext{TraceContext: model.TraceContext{LegsFingerprint: "spread-1"}}

	a := mustRecord(t, l, "u1", "1", fill("AAA", model.ActionBuy, "1", "10", "0"), fc)
	mustRecord(t, l, "u1", "1", fill("BBB", model.ActionBuy, "1", "10", "0"), fc)
	mustRecord(t, l, "u1", "2", fill("AAA", model.ActionSell, "1", "11", "0"), fc)

	// AAA is flat but the group stays open on BBB; another SELL of AAA opens
	// a short elsewhere.
	res := mustRecord(t, l, "u1", "3", fill("AAA", model.ActionSell, "2", "12", "0.2"), fc)
	if res.GroupID == a.GroupID || res.Side != model.SideShort {
		t.Errorf("res = group %s side %s, want new SHORT group", res.GroupID, res.Side)
	}
	if res.Surplus != nil {
		t.Error("whole-fill surplus should be the result itself")
	}
	events, _ := ms.ListEvents(context.Background(), "u1")
	last := events[len(events)-1]
	if !last.CashAmount.Equal(d("23.8")) {
		t.Errorf("cash = %s, want 23.8", last.CashAmount)
	}
}

// --- Closure ---

func TestCheckGroupClosure(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(t, ms)
	ctx := context.Background()
	fc := ledger.FillContext{TraceContext: model.TraceContext{StrategyKey: "straddle"}}

	a := mustRecord(t, l, "u1", "o", option("SPY250620C00500000", model.ActionBuy, "2", "3", "0"), fc)
	mustRecord(t, l, "u1", "o", option("SPY250620P00500000", model.ActionBuy, "2", "2", "0"), fc)

	first := mustRecord(t, l, "u1", "c", option("SPY250620C00500000", model.ActionSell, "2", "4", "0"), fc)
	if first.GroupClosed {
		t.Fatal("group closed with one leg still open")
	}
	if closed, err := l.CheckGroupClosure(ctx, "u1", a.GroupID); err != nil || closed {
		t.Fatalf("CheckGroupClosure = %v, %v; want false", closed, err)
	}

	second := mustRecord(t, l, "u1", "c", option("SPY250620P00500000", model.ActionSell, "2", "1", "0"), fc)
	if !second.GroupClosed || second.GroupID != a.GroupID {
		t.Fatalf("second = %+v, want closing of %s", second, a.GroupID)
	}
	g := group(t, ms, a.GroupID)
	closedAt := *g.ClosedAt

	closed, err := l.CheckGroupClosure(ctx, "u1", a.GroupID)
	if err != nil || closed {
		t.Fatalf("re-check = %v, %v; want no-op", closed, err)
	}
	if g := group(t, ms, a.GroupID); g.Status != model.GroupClosed || !g.ClosedAt.Equal(closedAt) {
		t.Errorf("re-check changed group: %s %v", g.Status, g.ClosedAt)
	}
	// (4-3)*2*100 + (1-2)*2*100
	if !g.RealizedPnL.Equal(d("0")) {
		t.Errorf("realized = %s, want 0", g.RealizedPnL)
	}
}

// --- Notifier ---

type recordingNotifier struct {
	mu    sync.Mutex
	fills []ledger.FillData
	calls []ledger.RecordResult
}

func (n *recordingNotifier) FillRecorded(_ string, f ledger.FillData, res ledger.RecordResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fills = append(n.fills, f)
	n.calls = append(n.calls, res)
}

func TestRecordFill_NotifiesNewFillsOnly(t *testing.T) {
	n := &recordingNotifier{}
	l := newTestLedger(t, store.NewMemoryStore(), ledger.WithNotifier(n))
	f := fill("AAPL", model.ActionBuy, "1", "1", "0")

	mustRecord(t, l, "u1", "e", f, ledger.FillContext{})
	mustRecord(t, l, "u1", "e", f, ledger.FillContext{})

	if len(n.calls) != 1 {
		t.Errorf("notifications = %d, want 1", len(n.calls))
	}
}

func TestRecordFill_NotifiesOverCloseParts(t *testing.T) {
	n := &recordingNotifier{}
	l := newTestLedger(t, store.NewMemoryStore(), ledger.WithNotifier(n))

	mustRecord(t, l, "u1", "open", fill("AAPL", model.ActionBuy, "10", "100", "1"), ledger.FillContext{})
	mustRecord(t, l, "u1", "flip", fill("AAPL", model.ActionSell, "15", "105", "1.5"), ledger.FillContext{})

	if len(n.fills) != 3 {
		t.Fatalf("notifications = %d, want 3", len(n.fills))
	}
	closing, surplus := n.fills[1], n.fills[2]
	if !closing.Quantity.Equal(d("10")) || !closing.Fee.Equal(d("1")) {
		t.Errorf("close part = %s fee %s, want 10 fee 1", closing.Quantity, closing.Fee)
	}
	if !surplus.Quantity.Equal(d("5")) || !surplus.Fee.Equal(d("0.5")) {
		t.Errorf("surplus part = %s fee %s, want 5 fee 0.5", surplus.Quantity, surplus.Fee)
	}
	if n.calls[1].Opening || !n.calls[2].Opening || n.calls[2].Side != model.SideShort {
		t.Errorf("parts = %+v / %+v, want close then SHORT open", n.calls[1], n.calls[2])
	}
}
