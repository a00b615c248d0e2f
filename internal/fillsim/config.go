// Package fillsim decides whether resting orders fill against a quote and
// turns the simulator's cumulative view into per-tick deltas.
//
// With a live quote fills are probabilistic; without one the package falls
// back to a deterministic per-day draw so replays are reproducible.
package fillsim

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrInvalidOrder is returned by Validate for tickets the simulator cannot
// price.
var ErrInvalidOrder = errors.New("fillsim: invalid order")

// Bias scales the heuristic fill probability.
type Bias string

const (
	BiasConservative Bias = "conservative"
	BiasNeutral      Bias = "neutral"
	BiasOptimistic   Bias = "optimistic"
)

// Factor returns the probability multiplier for b. Unknown values are
// neutral.
func (b Bias) Factor() float64 {
	switch b {
	case BiasConservative:
		return 0.8
	case BiasOptimistic:
		return 1.1
	default:
		return 1.0
	}
}

// Config is the cost model shared by Estimate and SimulateFill.
type Config struct {
	// SlippageBps is charged on notional and added to market fills.
	SlippageBps decimal.Decimal `mapstructure:"slippage_bps"`
	// FeePerContract is charged per contract per leg.
	FeePerContract decimal.Decimal `mapstructure:"fee_per_contract"`
	// MinFee floors the total fee of an order.
	MinFee decimal.Decimal `mapstructure:"min_fee"`
	Bias   Bias            `mapstructure:"bias"`
	// PartialFillChance is the probability that an inside-spread limit fill
	// on a large order only fills half of the remaining quantity.
	PartialFillChance float64 `mapstructure:"partial_fill_chance"`
	// PartialFillMinQty is the remaining quantity from which partial fills
	// may be simulated.
	PartialFillMinQty decimal.Decimal `mapstructure:"partial_fill_min_qty"`
	// DefaultMultiplier applies to orders without one.
	DefaultMultiplier decimal.Decimal `mapstructure:"default_multiplier"`
}

// DefaultConfig returns the neutral cost model.
func DefaultConfig() Config {
	return Config{
		SlippageBps:       decimal.NewFromInt(5),
		FeePerContract:    decimal.RequireFromString("0.65"),
		MinFee:            decimal.NewFromInt(1),
		Bias:              BiasNeutral,
		PartialFillChance: 0.10,
		PartialFillMinQty: decimal.NewFromInt(10),
		DefaultMultiplier: decimal.NewFromInt(100),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SlippageBps.IsNegative() {
		c.SlippageBps = decimal.Zero
	}
	if c.FeePerContract.IsNegative() {
		c.FeePerContract = decimal.Zero
	}
	if c.MinFee.IsNegative() {
		c.MinFee = decimal.Zero
	}
	if c.Bias == "" {
		c.Bias = def.Bias
	}
	if c.PartialFillChance < 0 {
		c.PartialFillChance = 0
	}
	if !c.PartialFillMinQty.IsPositive() {
		c.PartialFillMinQty = def.PartialFillMinQty
	}
	if !c.DefaultMultiplier.IsPositive() {
		c.DefaultMultiplier = def.DefaultMultiplier
	}
	return c
}
