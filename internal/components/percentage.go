package components

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/metrics"
)

// evaluatePercentage pays a flat fraction of the applied-to metric.
func evaluatePercentage(cfg *domain.PercentageConfig, m *metrics.Result, mode domain.ExecutionMode) *Outcome {
	base := m.Value(cfg.AppliedTo)
	payout := base.Mul(cfg.Rate)

	out := &Outcome{
		Payout: payout,
		Label:  "flat_rate",
		Metrics: map[string]decimal.Decimal{
			cfg.AppliedTo: base,
		},
	}

	trace(out, mode, fmt.Sprintf("percentage: %s=%s x rate %s = %s", cfg.AppliedTo, base, cfg.Rate, payout))

	return out
}
