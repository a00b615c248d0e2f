package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/fill-ledger/internal/model"
)

// ExecutionLeg is one leg of an execution report. Price and Fee are
// optional; when absent the execution totals are split across legs.
type ExecutionLeg struct {
	Symbol       string              `json:"symbol"`
	Underlying   string              `json:"underlying,omitempty"`
	Action       model.Action        `json:"action"`
	Quantity     decimal.Decimal     `json:"quantity"`
	Price        decimal.NullDecimal `json:"price"`
	Fee          decimal.NullDecimal `json:"fee"`
	Multiplier   decimal.Decimal     `json:"multiplier"`
	Right        string              `json:"right,omitempty"`
	Strike       decimal.NullDecimal `json:"strike"`
	Expiry       *time.Time          `json:"expiry,omitempty"`
	FilledAt     time.Time           `json:"filled_at"`
	BrokerExecID string              `json:"broker_exec_id,omitempty"`
}

// Execution is a possibly multi-leg execution reported upstream.
type Execution struct {
	UserID      string              `json:"user_id"`
	ExecutionID string              `json:"execution_id"`
	FilledAt    time.Time           `json:"filled_at"`
	TotalPrice  decimal.NullDecimal `json:"total_price"`
	TotalFee    decimal.NullDecimal `json:"total_fee"`
	Legs        []ExecutionLeg      `json:"legs"`
	Trace       model.TraceContext  `json:"trace"`
}

// ExecutionResult holds one RecordResult per leg, in leg order.
type ExecutionResult struct {
	OK          bool           `json:"ok"`
	Fingerprint string         `json:"legs_fingerprint"`
	Legs        []RecordResult `json:"legs"`
}

// RegisterExecution records every leg of exec. All legs share the trace
// context; the legs fingerprint is derived from the legs when the caller
// did not supply one. A failing leg does not stop the others; the first
// persistence error is returned after all legs were attempted.
func (l *Ledger) RegisterExecution(ctx context.Context, exec Execution) (ExecutionResult, error) {
	if len(exec.Legs) == 0 {
		return ExecutionResult{Legs: []RecordResult{{Error: fmt.Errorf("%w: execution has no legs", ErrInvalidFill).Error()}}}, nil
	}

	trace := exec.Trace
	if trace.LegsFingerprint == "" {
		specs := make([]LegSpec, len(exec.Legs))
		for i, leg := range exec.Legs {
			specs[i] = specOf(l.normalize(FillData{
				Symbol: leg.Symbol, Action: leg.Action, Right: leg.Right, Strike: leg.Strike, Expiry: leg.Expiry,
			}))
		}
		trace.LegsFingerprint = Fingerprint(specs)
	}

	prices := allocate(exec.TotalPrice, len(exec.Legs))
	fees := allocate(exec.TotalFee, len(exec.Legs))

	result := ExecutionResult{OK: true, Fingerprint: trace.LegsFingerprint, Legs: make([]RecordResult, len(exec.Legs))}
	var firstErr error
	for i, leg := range exec.Legs {
		price := prices[i]
		if leg.Price.Valid {
			price = decimal.NewNullDecimal(leg.Price.Decimal)
		}
		fee := fees[i]
		if leg.Fee.Valid {
			fee = decimal.NewNullDecimal(leg.Fee.Decimal)
		}
		if !price.Valid {
			result.Legs[i] = RecordResult{Error: fmt.Errorf("%w: leg %s has no price", ErrInvalidFill, leg.Symbol).Error()}
			result.OK = false
			continue
		}

		filledAt := leg.FilledAt
		if filledAt.IsZero() {
			filledAt = exec.FilledAt
		}
		fill := FillData{
			Symbol:       leg.Symbol,
			Underlying:   leg.Underlying,
			Action:       leg.Action,
			Quantity:     leg.Quantity,
			Price:        price.Decimal,
			Fee:          fee.Decimal,
			Multiplier:   leg.Multiplier,
			Right:        leg.Right,
			Strike:       leg.Strike,
			Expiry:       leg.Expiry,
			FilledAt:     filledAt,
			BrokerExecID: leg.BrokerExecID,
		}

		res, err := l.RecordFill(ctx, exec.UserID, exec.ExecutionID, fill, FillContext{TraceContext: trace})
		result.Legs[i] = res
		if !res.OK {
			result.OK = false
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
	}
	return result, firstErr
}

// allocate splits total evenly over n slots. The last slot absorbs the
// rounding residue so the parts sum to total. An absent total yields absent
// parts.
func allocate(total decimal.NullDecimal, n int) []decimal.NullDecimal {
	parts := make([]decimal.NullDecimal, n)
	if !total.Valid || n == 0 {
		return parts
	}
	share := total.Decimal.Div(decimal.NewFromInt(int64(n))).Round(feeScale)
	rest := total.Decimal
	for i := 0; i < n-1; i++ {
		parts[i] = decimal.NewNullDecimal(share)
		rest = rest.Sub(share)
	}
	parts[n-1] = decimal.NewNullDecimal(rest)
	return parts
}
