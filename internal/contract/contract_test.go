package contract

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestParseOCC_Valid(t *testing.T) {
	o, err := ParseOCC("SPY250620C00500000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Underlying != "SPY" {
		t.Errorf("expected underlying=SPY, got %s", o.Underlying)
	}
	if o.Right != RightCall {
		t.Errorf("expected right=C, got %s", o.Right)
	}
	if !o.Strike.Equal(d("500")) {
		t.Errorf("expected strike=500, got %s", o.Strike)
	}
	expected := time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)
	if !o.Expiry.Equal(expected) {
		t.Errorf("expected expiry=%v, got %v", expected, o.Expiry)
	}
}

func TestParseOCC_FractionalStrikeAndPut(t *testing.T) {
	o, err := ParseOCC("aapl240621p00187500")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Symbol != "AAPL240621P00187500" {
		t.Errorf("expected upper-cased symbol, got %s", o.Symbol)
	}
	if o.Right != RightPut || !o.Strike.Equal(d("187.5")) {
		t.Errorf("got right=%s strike=%s, want P 187.5", o.Right, o.Strike)
	}
}

func TestParseOCC_PaddedAndClassRoots(t *testing.T) {
	o, err := ParseOCC("SPY   250620C00500000")
	if err != nil {
		t.Fatalf("padded root: %v", err)
	}
	if o.Underlying != "SPY" || o.Symbol != "SPY250620C00500000" {
		t.Errorf("padded root parsed as %+v", o)
	}

	o, err = ParseOCC("BRKB1250620C00400000")
	if err != nil {
		t.Fatalf("class root: %v", err)
	}
	if o.Underlying != "BRKB1" {
		t.Errorf("expected underlying=BRKB1, got %s", o.Underlying)
	}
}

func TestParseOCC_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"SPY",
		"AAPL",
		"SPY250620",
		"SPY250620X00500000", // bad right
		"SPY250620C0050000",  // short strike
		"SPY251399C00500000", // bad date
		"250620C00500000",    // no root
		"TOOLONGROOT250620C00500000",
	}
	for _, sym := range tests {
		if _, err := ParseOCC(sym); !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("ParseOCC(%q) err = %v, want ErrInvalidSymbol", sym, err)
		}
		if IsOption(sym) {
			t.Errorf("IsOption(%q) = true", sym)
		}
	}
}

func TestParseOCC_ZeroStrike(t *testing.T) {
	_, err := ParseOCC("SPY250620C00000000")
	if !errors.Is(err, ErrInvalidStrike) {
		t.Fatalf("expected ErrInvalidStrike, got %v", err)
	}
}

func TestFormatOCC_RoundTrip(t *testing.T) {
	exp := time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)
	sym, err := FormatOCC("spy", exp, "p", d("512.5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sym != "SPY250620P00512500" {
		t.Fatalf("FormatOCC = %s", sym)
	}
	o, err := ParseOCC(sym)
	if err != nil {
		t.Fatalf("ParseOCC(%s): %v", sym, err)
	}
	if !o.Strike.Equal(d("512.5")) || !o.Expiry.Equal(exp) {
		t.Errorf("round trip mismatch: %+v", o)
	}
}

func TestFormatOCC_Rejects(t *testing.T) {
	exp := time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name       string
		underlying string
		right      string
		strike     decimal.Decimal
	}{
		{"empty underlying", "", "C", d("100")},
		{"bad right", "SPY", "X", d("100")},
		{"zero strike", "SPY", "C", decimal.Zero},
		{"sub-tenth-cent strike", "SPY", "C", d("100.0005")},
		{"strike too large", "SPY", "C", d("100000")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FormatOCC(tc.underlying, exp, tc.right, tc.strike); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCanonicalSymbol(t *testing.T) {
	cases := map[string]string{
		"AAPL  250620C00500000": "AAPL250620C00500000",
		" spy250620p00480000 ":  "SPY250620P00480000",
		" aapl ":                "AAPL",
		"BRK.B":                 "BRK.B",
	}
	for in, want := range cases {
		if got := CanonicalSymbol(in); got != want {
			t.Errorf("CanonicalSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}
