// Package components implements the payout evaluation strategies: tier,
// matrix, percentage, and conditional percentage. Evaluators are pure:
// resolved metrics plus component config in, payout plus trace out.
package components

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/metrics"
)

// Terminal outcome markers.
const (
	OutcomeNoConditionMet = "no_condition_met"
)

// Outcome is one component's evaluation result.
type Outcome struct {
	Payout decimal.Decimal

	// Label is the matched band label, condition index, or terminal marker.
	Label string

	// Metrics holds the metric values the component consumed.
	Metrics map[string]decimal.Decimal

	// Trace depth follows the execution mode: detail under full_trace, one
	// summary line under light_trace, nothing under silent.
	Trace []string
}

// Evaluate dispatches on the component's tag. The component must have been
// validated on ingest; a malformed union here is a configuration error.
func Evaluate(c *domain.PlanComponent, m *metrics.Result, mode domain.ExecutionMode) (*Outcome, error) {
	switch c.Type {
	case domain.ComponentTier:
		if c.Tier == nil {
			return nil, fmt.Errorf("component %s: tier config missing", c.ID)
		}
		return evaluateTier(c.Tier, m, mode), nil

	case domain.ComponentMatrix:
		if c.Matrix == nil {
			return nil, fmt.Errorf("component %s: matrix config missing", c.ID)
		}
		return evaluateMatrix(c.Matrix, m, mode), nil

	case domain.ComponentPercentage:
		if c.Percentage == nil {
			return nil, fmt.Errorf("component %s: percentage config missing", c.ID)
		}
		return evaluatePercentage(c.Percentage, m, mode), nil

	case domain.ComponentConditional:
		if c.Conditional == nil {
			return nil, fmt.Errorf("component %s: conditional config missing", c.ID)
		}
		return evaluateConditional(c.Conditional, m, mode), nil

	default:
		return nil, fmt.Errorf("component %s: unknown type %q", c.ID, c.Type)
	}
}

// matchBand finds the band containing value. Values below the first band
// clamp to index 0; values at or beyond the last band's maximum clamp to the
// last index. Bands are half-open [min, max), the final band [min, inf).
func matchBand(value decimal.Decimal, bands []domain.Band) int {
	for i, b := range bands {
		if value.LessThan(b.Min) {
			return i // only reachable at i==0: clamp below domain
		}
		if b.Max == nil || value.LessThan(*b.Max) {
			return i
		}
	}
	return len(bands) - 1 // clamp above domain
}

func trace(out *Outcome, mode domain.ExecutionMode, line string) {
	if mode == domain.ModeSilent {
		return
	}
	out.Trace = append(out.Trace, line)
}
