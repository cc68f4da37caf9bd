package components

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/metrics"
)

// evaluateMatrix resolves the row and column metrics independently against
// their band lists (same clamp policy as tier) and pays the table cell.
func evaluateMatrix(cfg *domain.MatrixConfig, m *metrics.Result, mode domain.ExecutionMode) *Outcome {
	rowValue := m.Value(cfg.RowMetric)
	colValue := m.Value(cfg.ColMetric)

	rowIdx := matchBand(rowValue, cfg.RowBands)
	colIdx := matchBand(colValue, cfg.ColBands)
	payout := cfg.Values[rowIdx][colIdx]

	out := &Outcome{
		Payout: payout,
		Label:  fmt.Sprintf("cell_%d_%d", rowIdx, colIdx),
		Metrics: map[string]decimal.Decimal{
			cfg.RowMetric: rowValue,
			cfg.ColMetric: colValue,
		},
	}

	if mode == domain.ModeFullTrace {
		trace(out, mode, fmt.Sprintf("matrix: row %s=%s -> band %d %s", cfg.RowMetric, rowValue, rowIdx, bandRange(cfg.RowBands[rowIdx])))
		trace(out, mode, fmt.Sprintf("matrix: col %s=%s -> band %d %s", cfg.ColMetric, colValue, colIdx, bandRange(cfg.ColBands[colIdx])))
	}
	trace(out, mode, fmt.Sprintf("matrix: cell [%d][%d] pays %s", rowIdx, colIdx, payout))

	return out
}
