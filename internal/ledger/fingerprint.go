package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/fill-ledger/internal/model"
)

// LegSpec is the structural part of a leg covered by a fingerprint.
type LegSpec struct {
	Symbol string
	Right  string
	Strike decimal.NullDecimal
	Expiry *time.Time
	Action model.Action
}

// Fingerprint hashes the composition of a set of legs, ignoring price and
// quantity. Orientation is relative to the first leg after sorting, so the
// closing order of a structure (every action flipped) fingerprints the same
// as the opening order.
func Fingerprint(legs []LegSpec) string {
	if len(legs) == 0 {
		return ""
	}
	sorted := make([]LegSpec, len(legs))
	copy(sorted, legs)
	sort.SliceStable(sorted, func(i, j int) bool { return legLine(sorted[i], "") < legLine(sorted[j], "") })

	lines := make([]string, len(sorted))
	for i, l := range sorted {
		dir := "+"
		if !strings.EqualFold(string(l.Action), string(sorted[0].Action)) {
			dir = "-"
		}
		lines[i] = legLine(l, dir)
	}
	return hashHex(strings.Join(lines, ";"))
}

func legLine(l LegSpec, dir string) string {
	strike := ""
	if l.Strike.Valid {
		strike = l.Strike.Decimal.String()
	}
	expiry := ""
	if l.Expiry != nil {
		expiry = l.Expiry.UTC().Format(time.DateOnly)
	}
	return strings.Join([]string{strings.ToUpper(l.Symbol), strings.ToUpper(l.Right), strike, expiry, dir}, "|")
}

// specOf returns the single-leg spec for a fill.
func specOf(f FillData) LegSpec {
	return LegSpec{Symbol: f.Symbol, Right: f.Right, Strike: f.Strike, Expiry: f.Expiry, Action: f.Action}
}

// EventKey derives the idempotency key of a fill from its execution id and
// the fill's identifying fields.
func EventKey(executionID string, f FillData) string {
	return hashHex(strings.Join([]string{
		executionID,
		f.Symbol,
		string(f.Action),
		f.FilledAt.UTC().Format(time.RFC3339Nano),
		f.Quantity.String(),
		f.Price.String(),
	}, "|"))
}

// SeedEventKey is the idempotency key of an opening balance seeded from a
// broker snapshot.
func SeedEventKey(userID, symbol string, side model.LegSide, qty, price decimal.Decimal) string {
	return hashHex(strings.Join([]string{"seed", userID, symbol, string(side), qty.String(), price.String()}, "|"))
}

// SeedFingerprint is the legs fingerprint of a seeded opening balance. It
// keeps each seeded row in a group of its own instead of netting it into
// whatever the user already holds.
func SeedFingerprint(userID, symbol string, side model.LegSide, qty, price decimal.Decimal) string {
	return hashHex(strings.Join([]string{"seed-group", userID, symbol, string(side), qty.String(), price.String()}, "|"))
}

func overCloseKey(key string) string {
	if key == "" {
		return ""
	}
	return key + "#overclose"
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
