package metrics

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/talon/internal/domain"
)

func row(id, factType string, fields map[string]any) *domain.FactRow {
	return &domain.FactRow{
		ID:       id,
		TenantID: "tenant-001",
		PeriodID: "2026-08",
		FactType: factType,
		Fields:   fields,
	}
}

func TestResolverValidation(t *testing.T) {
	t.Run("SumWithoutSourceField", func(t *testing.T) {
		_, err := NewResolver([]domain.DerivationRule{
			{Metric: "sales", Operation: domain.OpSum, FactPattern: "sales"},
		})
		if err == nil {
			t.Fatal("expected error for sum rule without source field")
		}
	})

	t.Run("UnknownOperation", func(t *testing.T) {
		_, err := NewResolver([]domain.DerivationRule{
			{Metric: "sales", Operation: "avg", FactPattern: "sales"},
		})
		if err == nil {
			t.Fatal("expected error for unsupported operation")
		}
	})

	t.Run("BadFilterOperator", func(t *testing.T) {
		_, err := NewResolver([]domain.DerivationRule{
			{
				Metric: "sales", Operation: domain.OpCount, FactPattern: "sales",
				Filters: []domain.RuleFilter{{Field: "status", Op: "matches", Value: "x"}},
			},
		})
		if err == nil {
			t.Fatal("expected error for unsupported filter operator")
		}
	})

	t.Run("BadExpression", func(t *testing.T) {
		_, err := NewResolver([]domain.DerivationRule{
			{Metric: "sales", Operation: domain.OpCount, FactPattern: "sales", Expression: "not valid CEL !!!"},
		})
		if err == nil {
			t.Fatal("expected error for invalid CEL expression")
		}
	})

	t.Run("NonBoolExpression", func(t *testing.T) {
		_, err := NewResolver([]domain.DerivationRule{
			{Metric: "sales", Operation: domain.OpCount, FactPattern: "sales", Expression: `"hello"`},
		})
		if err == nil {
			t.Fatal("expected error for non-bool CEL expression")
		}
	})
}

func TestCountAndSum(t *testing.T) {
	resolver, err := NewResolver([]domain.DerivationRule{
		{Metric: "loan_count", Operation: domain.OpCount, FactPattern: "loan_disbursements"},
		{Metric: "loan_total", Operation: domain.OpSum, FactPattern: "loan_disbursements", SourceField: "amount"},
	})
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}

	res := resolver.Resolve(&Input{
		IndividualID: "emp-1",
		IndividualRows: []*domain.FactRow{
			row("r1", "loan_disbursements", map[string]any{"amount": 1000.0}),
			row("r2", "loan_disbursements", map[string]any{"amount": "250.50"}),
			row("r3", "deposit_balances", map[string]any{"amount": 99.0}),
		},
	})

	if got := res.Value("loan_count"); !got.Equal(decimal.NewFromInt(2)) {
		t.Errorf("expected loan_count=2, got %s", got)
	}
	want := decimal.RequireFromString("1250.50")
	if got := res.Value("loan_total"); !got.Equal(want) {
		t.Errorf("expected loan_total=1250.50, got %s", got)
	}
	if len(res.Anomalies) != 0 {
		t.Errorf("expected no anomalies, got %v", res.Anomalies)
	}
}

func TestCaseInsensitiveFactTypeMatch(t *testing.T) {
	resolver, _ := NewResolver([]domain.DerivationRule{
		{Metric: "n", Operation: domain.OpCount, FactPattern: "loan"},
	})

	res := resolver.Resolve(&Input{
		IndividualRows: []*domain.FactRow{
			row("r1", "Loan Disbursements", nil),
			row("r2", "LOAN-DISBURSEMENTS", nil),
		},
	})

	if got := res.Value("n"); !got.Equal(decimal.NewFromInt(2)) {
		t.Errorf("expected 2 matched rows across spellings, got %s", got)
	}
}

func TestRegexFactPattern(t *testing.T) {
	resolver, err := NewResolver([]domain.DerivationRule{
		{Metric: "n", Operation: domain.OpCount, FactPattern: "^(loan|credit)_"},
	})
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}

	res := resolver.Resolve(&Input{
		IndividualRows: []*domain.FactRow{
			row("r1", "loan_disbursements", nil),
			row("r2", "credit_lines", nil),
			row("r3", "personal_loan_x", nil),
		},
	})

	if got := res.Value("n"); !got.Equal(decimal.NewFromInt(2)) {
		t.Errorf("expected anchored regex to match 2 rows, got %s", got)
	}
}

func TestFilters(t *testing.T) {
	resolver, _ := NewResolver([]domain.DerivationRule{
		{
			Metric: "funded", Operation: domain.OpSum, FactPattern: "loan", SourceField: "amount",
			Filters: []domain.RuleFilter{
				{Field: "status", Op: domain.FilterEq, Value: "FUNDED"},
				{Field: "amount", Op: domain.FilterGte, Value: 500},
			},
		},
	})

	res := resolver.Resolve(&Input{
		IndividualRows: []*domain.FactRow{
			row("r1", "loan", map[string]any{"status": "funded", "amount": 1000.0}),
			row("r2", "loan", map[string]any{"status": "funded", "amount": 100.0}),
			row("r3", "loan", map[string]any{"status": "declined", "amount": 900.0}),
		},
	})

	// Only r1 survives: equality is case-insensitive, r2 fails gte, r3 fails eq.
	if got := res.Value("funded"); !got.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected funded=1000, got %s", got)
	}
}

func TestCELExpressionFilter(t *testing.T) {
	resolver, err := NewResolver([]domain.DerivationRule{
		{
			Metric: "big_usd", Operation: domain.OpCount, FactPattern: "loan",
			Expression: `row.currency == "USD" && double(row.amount) > 500.0`,
		},
	})
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}

	res := resolver.Resolve(&Input{
		IndividualRows: []*domain.FactRow{
			row("r1", "loan", map[string]any{"currency": "USD", "amount": 900.0}),
			row("r2", "loan", map[string]any{"currency": "MXN", "amount": 900.0}),
			row("r3", "loan", map[string]any{"currency": "USD", "amount": 100.0}),
		},
	})

	if got := res.Value("big_usd"); !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected big_usd=1, got %s", got)
	}
}

func TestNonNumericSumFieldIsAnomaly(t *testing.T) {
	resolver, _ := NewResolver([]domain.DerivationRule{
		{Metric: "total", Operation: domain.OpSum, FactPattern: "loan", SourceField: "amount"},
	})

	res := resolver.Resolve(&Input{
		IndividualRows: []*domain.FactRow{
			row("r1", "loan", map[string]any{"amount": 100.0}),
			row("r2", "loan", map[string]any{"amount": "n/a"}),
		},
	})

	if got := res.Value("total"); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected non-numeric row to contribute 0, got %s", got)
	}
	if len(res.Anomalies) != 1 {
		t.Fatalf("expected 1 anomaly, got %v", res.Anomalies)
	}
	if res.Anomalies[0].Metric != "total" {
		t.Errorf("anomaly must be attributed to its metric, got %q", res.Anomalies[0].Metric)
	}
	if !strings.Contains(res.Anomalies[0].Message, "non-numeric") {
		t.Errorf("anomaly should name the cause: %s", res.Anomalies[0].Message)
	}
}

func TestOrgUnitFallback(t *testing.T) {
	resolver, _ := NewResolver([]domain.DerivationRule{
		{Metric: "deposits", Operation: domain.OpSum, FactPattern: "deposit_balances", SourceField: "balance"},
	})

	orgRow := row("org-1", "deposit_balances", map[string]any{"balance": 50000.0})
	orgRow.OrgUnitID = "store-9"

	res := resolver.Resolve(&Input{
		IndividualID: "emp-1",
		OrgUnitID:    "store-9",
		IndividualRows: []*domain.FactRow{
			row("r1", "loan_disbursements", map[string]any{"amount": 100.0}),
		},
		OrgUnitRows: []*domain.FactRow{orgRow},
	})

	if got := res.Value("deposits"); !got.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("expected org-unit fallback value 50000, got %s", got)
	}
}

func TestDirectRowsSuppressFallback(t *testing.T) {
	resolver, _ := NewResolver([]domain.DerivationRule{
		{Metric: "deposits", Operation: domain.OpSum, FactPattern: "deposit", SourceField: "balance"},
	})

	res := resolver.Resolve(&Input{
		IndividualRows: []*domain.FactRow{
			row("r1", "deposit_balances", map[string]any{"balance": 10.0}),
		},
		OrgUnitRows: []*domain.FactRow{
			row("org-1", "deposit_balances", map[string]any{"balance": 50000.0}),
		},
	})

	if got := res.Value("deposits"); !got.Equal(decimal.NewFromInt(10)) {
		t.Errorf("direct rows must win over org-unit rows, got %s", got)
	}
}

func TestUnmatchedRuleLeavesMetricAbsent(t *testing.T) {
	resolver, _ := NewResolver([]domain.DerivationRule{
		{Metric: "ghost", Operation: domain.OpCount, FactPattern: "nothing_matches_this"},
	})

	res := resolver.Resolve(&Input{
		IndividualRows: []*domain.FactRow{row("r1", "loan", nil)},
	})

	if _, ok := res.Metrics["ghost"]; ok {
		t.Error("unmatched rule must leave the metric absent")
	}
	if !res.Value("ghost").Equal(decimal.Zero) {
		t.Error("absent metric must read as zero")
	}
	if len(res.Log) != 1 || !strings.Contains(res.Log[0], "no fact rows") {
		t.Errorf("expected a 'no fact rows' log entry, got %v", res.Log)
	}
	if len(res.Anomalies) != 0 {
		t.Errorf("unmatched rule is not an anomaly, got %v", res.Anomalies)
	}
}

func TestDeterministicSummationOrder(t *testing.T) {
	resolver, _ := NewResolver([]domain.DerivationRule{
		{Metric: "total", Operation: domain.OpSum, FactPattern: "loan", SourceField: "amount"},
	})

	rows := []*domain.FactRow{
		row("r1", "loan", map[string]any{"amount": 0.1}),
		row("r2", "loan", map[string]any{"amount": 0.2}),
		row("r3", "loan", map[string]any{"amount": 0.3}),
	}

	first := resolver.Resolve(&Input{IndividualRows: rows})
	for i := 0; i < 10; i++ {
		again := resolver.Resolve(&Input{IndividualRows: rows})
		if !again.Value("total").Equal(first.Value("total")) {
			t.Fatalf("resolution must be deterministic: %s vs %s", again.Value("total"), first.Value("total"))
		}
	}
	if got := first.Value("total"); got.String() != "0.6" {
		t.Errorf("decimal summation must be exact, got %s", got)
	}
}
