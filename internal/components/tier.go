package components

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/metrics"
)

// evaluateTier looks the metric up in the ordered bands and pays the matched
// band's flat value.
func evaluateTier(cfg *domain.TierConfig, m *metrics.Result, mode domain.ExecutionMode) *Outcome {
	value := m.Value(cfg.Metric)
	idx := matchBand(value, cfg.Bands)
	band := cfg.Bands[idx]

	out := &Outcome{
		Payout: band.Value,
		Label:  bandLabel(band, idx),
		Metrics: map[string]decimal.Decimal{
			cfg.Metric: value,
		},
	}

	if mode == domain.ModeFullTrace {
		if _, present := m.Metrics[cfg.Metric]; !present {
			trace(out, mode, fmt.Sprintf("tier: metric %s absent, treated as 0", cfg.Metric))
		}
		trace(out, mode, fmt.Sprintf("tier: %s=%s falls in band %d %s", cfg.Metric, value, idx, bandRange(band)))
	}
	trace(out, mode, fmt.Sprintf("tier: band %q pays %s", out.Label, band.Value))

	return out
}

func bandLabel(b domain.Band, idx int) string {
	if b.Label != "" {
		return b.Label
	}
	return fmt.Sprintf("band_%d", idx)
}

func bandRange(b domain.Band) string {
	if b.Max == nil {
		return fmt.Sprintf("[%s,inf)", b.Min)
	}
	return fmt.Sprintf("[%s,%s)", b.Min, *b.Max)
}
