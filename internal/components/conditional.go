package components

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/metrics"
)

// evaluateConditional applies the first condition whose half-open range
// contains the condition metric; no match pays zero, recorded as a
// non-error outcome.
func evaluateConditional(cfg *domain.ConditionalConfig, m *metrics.Result, mode domain.ExecutionMode) *Outcome {
	condValue := m.Value(cfg.ConditionMetric)
	base := m.Value(cfg.AppliedTo)

	out := &Outcome{
		Metrics: map[string]decimal.Decimal{
			cfg.ConditionMetric: condValue,
			cfg.AppliedTo:       base,
		},
	}

	for i, cond := range cfg.Conditions {
		if condValue.LessThan(cond.Min) {
			continue
		}
		if cond.Max != nil && !condValue.LessThan(*cond.Max) {
			continue
		}

		out.Payout = base.Mul(cond.Rate)
		out.Label = fmt.Sprintf("condition_%d", i)
		if mode == domain.ModeFullTrace {
			trace(out, mode, fmt.Sprintf("conditional: %s=%s matches condition %d %s", cfg.ConditionMetric, condValue, i, condRange(cond)))
		}
		trace(out, mode, fmt.Sprintf("conditional: %s=%s x rate %s = %s", cfg.AppliedTo, base, cond.Rate, out.Payout))
		return out
	}

	out.Payout = decimal.Zero
	out.Label = OutcomeNoConditionMet
	trace(out, mode, fmt.Sprintf("conditional: %s=%s met no condition, payout 0", cfg.ConditionMetric, condValue))
	return out
}

func condRange(c domain.RateCondition) string {
	if c.Max == nil {
		return fmt.Sprintf("[%s,inf)", c.Min)
	}
	return fmt.Sprintf("[%s,%s)", c.Min, *c.Max)
}
