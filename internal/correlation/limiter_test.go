package correlation

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/fill-ledger/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func book(es ...Exposure) Book {
	b := make(Book)
	for _, e := range es {
		b.add(e)
	}
	return b
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	err := limiter.CheckLimit(Exposure{Symbol: "AAPL", Net: d(100)}, nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerSymbolExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	// Existing position of 950 + new 100 = 1050 > 1000.
	existing := book(Exposure{Symbol: "AAPL", Net: d(950)})

	err := limiter.CheckLimit(Exposure{Symbol: "AAPL", Net: d(100)}, existing)
	if !errors.Is(err, ErrPerSymbolLimitExceeded) {
		t.Errorf("expected ErrPerSymbolLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ShortSideCounts(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	existing := book(Exposure{Symbol: "AAPL", Net: d(-950)})

	err := limiter.CheckLimit(Exposure{Symbol: "AAPL", Net: d(-100)}, existing)
	if !errors.Is(err, ErrPerSymbolLimitExceeded) {
		t.Errorf("expected ErrPerSymbolLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_CorrelatedExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(2000))

	// Three contracts on SPY: 800 + 800 + 500 = 2100 > 2000.
	existing := book(
		Exposure{Symbol: "SPY", Net: d(800)},
		Exposure{Symbol: "SPY250620C00500000", Net: d(800)},
	)

	err := limiter.CheckLimit(Exposure{Symbol: "SPY250620P00480000", Net: d(-500)}, existing)
	if !errors.Is(err, ErrCorrelatedLimitExceeded) {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_OtherUnderlyingsIgnored(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(2000))

	existing := book(
		Exposure{Symbol: "QQQ", Net: d(900)},
		Exposure{Symbol: "QQQ250620C00400000", Net: d(900)},
	)

	err := limiter.CheckLimit(Exposure{Symbol: "SPY", Net: d(900)}, existing)
	if err != nil {
		t.Errorf("QQQ exposure should not count against SPY, got %v", err)
	}
}

func TestCheckLimit_ReducingTradeAllowedOverLimit(t *testing.T) {
	limiter := NewPositionLimiter(d(100), d(150))

	existing := book(
		Exposure{Symbol: "SPY", Net: d(300)},
		Exposure{Symbol: "SPY250620C00500000", Net: d(50)},
	)

	if err := limiter.CheckLimit(Exposure{Symbol: "SPY", Net: d(-100)}, existing); err != nil {
		t.Errorf("reducing trade rejected: %v", err)
	}
	if err := limiter.CheckLimit(Exposure{Symbol: "SPY", Net: d(1)}, existing); !errors.Is(err, ErrPerSymbolLimitExceeded) {
		t.Errorf("increasing trade: expected ErrPerSymbolLimitExceeded, got %v", err)
	}
}

func TestCheckTrades_ComboNetsWithinUnderlying(t *testing.T) {
	limiter := NewPositionLimiter(d(100), d(150))

	// A 100-lot vertical adds 100 to each leg: 200 correlated > 150.
	err := limiter.CheckTrades([]Exposure{
		{Symbol: "SPY250620C00500000", Net: d(100)},
		{Symbol: "SPY250620C00510000", Net: d(-100)},
	}, nil)
	if !errors.Is(err, ErrCorrelatedLimitExceeded) {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}

	err = limiter.CheckTrades([]Exposure{
		{Symbol: "SPY250620C00500000", Net: d(50)},
		{Symbol: "SPY250620C00510000", Net: d(-50)},
	}, nil)
	if err != nil {
		t.Errorf("50-lot vertical: %v", err)
	}
}

func TestCheckLimit_ZeroLimitsDisable(t *testing.T) {
	limiter := NewPositionLimiter(decimal.Zero, decimal.Zero)
	if limiter.Enabled() {
		t.Fatal("zero limits should disable the limiter")
	}
	if err := limiter.CheckLimit(Exposure{Symbol: "SPY", Net: d(1e9)}, nil); err != nil {
		t.Errorf("disabled limiter rejected trade: %v", err)
	}
	var nilLimiter *PositionLimiter
	if err := nilLimiter.CheckLimit(Exposure{Symbol: "SPY", Net: d(1)}, nil); err != nil {
		t.Errorf("nil limiter rejected trade: %v", err)
	}
}

func TestBookFromLegs(t *testing.T) {
	legs := []model.LegPosition{
		{Leg: model.PositionLeg{Symbol: "SPY", Underlying: "SPY", Side: model.SideLong, QtyOpened: d(10), QtyClosed: d(4)}},
		{Leg: model.PositionLeg{Symbol: "SPY", Underlying: "SPY", Side: model.SideShort, QtyOpened: d(2), QtyClosed: d(0)}},
		{Leg: model.PositionLeg{Symbol: "AAPL", Underlying: "AAPL", Side: model.SideLong, QtyOpened: d(5), QtyClosed: d(5)}},
		{Leg: model.PositionLeg{Symbol: "SPY250620P00480000", Side: model.SideShort, QtyOpened: d(3), QtyClosed: d(0)}},
	}

	b := BookFromLegs(legs)

	if len(b) != 2 {
		t.Fatalf("expected 2 symbols (flat AAPL dropped), got %d", len(b))
	}
	if !b["SPY"].Net.Equal(d(4)) {
		t.Errorf("SPY net = %s, want 4", b["SPY"].Net)
	}
	put := b["SPY250620P00480000"]
	if !put.Net.Equal(d(-3)) || put.Underlying != "SPY" {
		t.Errorf("put = %+v, want -3 on SPY", put)
	}
	if !b.correlated("SPY").Equal(d(7)) {
		t.Errorf("correlated SPY = %s, want 7", b.correlated("SPY"))
	}
}
