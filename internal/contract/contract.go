// Package contract parses OCC option symbols into their contract fields.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Option rights.
const (
	RightCall = "C"
	RightPut  = "P"
)

// occRegex matches: {root}{YYMMDD}{C|P}{strike*1000, 8 digits}
// Example: SPY250620C00500000
// Roots may carry a trailing class digit (BRKB1, SPXW) and OCC pads them
// with spaces to six characters; both are accepted.
var occRegex = regexp.MustCompile(
	`^([A-Z][A-Z0-9.]{0,5}) *(\d{6})([CP])(\d{8})$`,
)

var (
	ErrInvalidSymbol = errors.New("contract: invalid OCC symbol")
	ErrInvalidStrike = errors.New("contract: strike must be positive")
)

// Option is a parsed OCC option symbol.
type Option struct {
	Symbol     string          `json:"symbol"`
	Underlying string          `json:"underlying"`
	Expiry     time.Time       `json:"expiry"`
	Right      string          `json:"right"`
	Strike     decimal.Decimal `json:"strike"`
}

// ParseOCC parses and validates an OCC option symbol.
// Format: {root}{YYMMDD}{C|P}{strike in thousandths, 8 digits}
func ParseOCC(symbol string) (*Option, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	matches := occRegex.FindStringSubmatch(s)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected {root}{YYMMDD}{C|P}{strike x1000})",
			ErrInvalidSymbol, symbol)
	}

	root := matches[1]
	dateStr := matches[2]
	right := matches[3]
	strikeStr := matches[4]

	expiry, err := time.Parse("060102", dateStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidSymbol, dateStr)
	}

	thousandths, err := decimal.NewFromString(strikeStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSymbol, strikeStr)
	}
	if !thousandths.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStrike, strikeStr)
	}

	return &Option{
		Symbol:     root + dateStr + right + strikeStr,
		Underlying: root,
		Expiry:     expiry,
		Right:      right,
		Strike:     thousandths.Shift(-3),
	}, nil
}

// CanonicalSymbol upper-cases and trims symbol and strips the padding from
// an OCC option symbol. Other symbols are returned otherwise unchanged.
func CanonicalSymbol(symbol string) string {
	if opt, err := ParseOCC(symbol); err == nil {
		return opt.Symbol
	}
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// IsOption reports whether symbol is a well-formed OCC option symbol.
func IsOption(symbol string) bool {
	_, err := ParseOCC(symbol)
	return err == nil
}

// FormatOCC builds the compact OCC symbol for the given contract fields.
func FormatOCC(underlying string, expiry time.Time, right string, strike decimal.Decimal) (string, error) {
	underlying = strings.ToUpper(strings.TrimSpace(underlying))
	right = strings.ToUpper(right)
	if underlying == "" || len(underlying) > 6 {
		return "", fmt.Errorf("%w: underlying %q", ErrInvalidSymbol, underlying)
	}
	if right != RightCall && right != RightPut {
		return "", fmt.Errorf("%w: right %q", ErrInvalidSymbol, right)
	}
	if !strike.IsPositive() {
		return "", ErrInvalidStrike
	}
	thousandths := strike.Shift(3)
	if !thousandths.Equal(thousandths.Truncate(0)) || thousandths.GreaterThanOrEqual(decimal.New(1, 8)) {
		return "", fmt.Errorf("%w: strike %s", ErrInvalidSymbol, strike)
	}
	return fmt.Sprintf("%s%s%s%08d", underlying, expiry.UTC().Format("060102"), right, thousandths.IntPart()), nil
}
