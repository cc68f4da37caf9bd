// Package metrics derives named numeric metrics from raw fact rows.
package metrics

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/talon/internal/domain"
)

// Resolver applies a plan's derivation rules to fact rows. Rules are
// compiled once at construction; a malformed rule is a plan-wide
// configuration error and fails construction.
type Resolver struct {
	rules []*compiledRule
}

type compiledRule struct {
	cfg     domain.DerivationRule
	pattern *regexp.Regexp // nil when the pattern is a plain substring
	raw     string         // normalized substring form
	program cel.Program    // nil when the rule has no expression
}

// celEnv binds the fact row's field map as `row` for rule expressions.
func celEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// NewResolver validates and compiles the given rules.
func NewResolver(rules []domain.DerivationRule) (*Resolver, error) {
	env, err := celEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	compiled := make([]*compiledRule, 0, len(rules))
	for i, cfg := range rules {
		cr, err := compile(env, cfg)
		if err != nil {
			return nil, fmt.Errorf("derivation rule %d (%s): %w", i, cfg.Metric, err)
		}
		compiled = append(compiled, cr)
	}

	return &Resolver{rules: compiled}, nil
}

func compile(env *cel.Env, cfg domain.DerivationRule) (*compiledRule, error) {
	if cfg.Metric == "" {
		return nil, fmt.Errorf("metric name is required")
	}
	if cfg.FactPattern == "" {
		return nil, fmt.Errorf("fact pattern is required")
	}
	switch cfg.Operation {
	case domain.OpCount:
	case domain.OpSum:
		if cfg.SourceField == "" {
			return nil, fmt.Errorf("sum rule requires a source field")
		}
	default:
		return nil, fmt.Errorf("unsupported operation %q", cfg.Operation)
	}

	for _, f := range cfg.Filters {
		switch f.Op {
		case domain.FilterEq, domain.FilterNeq, domain.FilterGt, domain.FilterGte,
			domain.FilterLt, domain.FilterLte, domain.FilterContains:
		default:
			return nil, fmt.Errorf("unsupported filter operator %q", f.Op)
		}
		if f.Field == "" {
			return nil, fmt.Errorf("filter field is required")
		}
	}

	cr := &compiledRule{cfg: cfg, raw: normalize(cfg.FactPattern)}

	// Patterns with regex metacharacters compile as case-insensitive
	// regexes; plain patterns match as normalized substrings.
	if strings.ContainsAny(cfg.FactPattern, `.*+?()[]{}|^$\`) {
		re, err := regexp.Compile("(?i)" + cfg.FactPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid fact pattern: %w", err)
		}
		cr.pattern = re
	}

	if cfg.Expression != "" {
		ast, issues := env.Compile(cfg.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("invalid filter expression: %w", issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("filter expression must return bool, got %s", ast.OutputType())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to create filter program: %w", err)
		}
		cr.program = program
	}

	return cr, nil
}

// Input is the fact-row scope for one individual.
type Input struct {
	IndividualID string
	OrgUnitID    string

	// IndividualRows are the rows scoped directly to the individual, in
	// stable (committed_at, id) order.
	IndividualRows []*domain.FactRow

	// OrgUnitRows are the org-unit-level rows for the individual's unit,
	// used when a fact type has no individual-scoped rows.
	OrgUnitRows []*domain.FactRow
}

// Anomaly is one non-fatal data-quality finding, attributed to the metric
// whose derivation surfaced it.
type Anomaly struct {
	Metric  string `json:"metric"`
	Message string `json:"message"`
}

// Result is the resolved metric map plus derivation diagnostics.
type Result struct {
	// Metrics maps metric name -> value. A rule whose pattern matched no
	// rows leaves its metric absent; callers treat absent as zero.
	Metrics map[string]decimal.Decimal

	// Anomalies records non-fatal data-quality findings (e.g. a non-numeric
	// field where a number was expected).
	Anomalies []Anomaly

	// Log is the per-rule derivation trail.
	Log []string
}

// Value returns the metric value, treating absent as zero.
func (r *Result) Value(name string) decimal.Decimal {
	if v, ok := r.Metrics[name]; ok {
		return v
	}
	return decimal.Zero
}

// Resolve derives every rule's metric for one individual. Identical inputs
// always produce identical metrics: rows are consumed in the order given.
func (r *Resolver) Resolve(in *Input) *Result {
	out := &Result{Metrics: make(map[string]decimal.Decimal, len(r.rules))}

	for _, rule := range r.rules {
		rows, fallback := rule.selectRows(in)
		if len(rows) == 0 {
			out.Log = append(out.Log, fmt.Sprintf("metric %s: no fact rows match pattern %q", rule.cfg.Metric, rule.cfg.FactPattern))
			continue
		}

		kept := rows[:0:0]
		for _, row := range rows {
			ok, err := rule.accepts(row)
			if err != nil {
				out.Anomalies = append(out.Anomalies, Anomaly{
					Metric:  rule.cfg.Metric,
					Message: fmt.Sprintf("filter expression failed on row %s: %v", row.ID, err),
				})
				continue
			}
			if ok {
				kept = append(kept, row)
			}
		}

		scope := ""
		if fallback {
			scope = ", org-unit fallback"
		}

		switch rule.cfg.Operation {
		case domain.OpCount:
			out.Metrics[rule.cfg.Metric] = decimal.NewFromInt(int64(len(kept)))
			out.Log = append(out.Log, fmt.Sprintf("metric %s: count=%d over %d matched rows%s", rule.cfg.Metric, len(kept), len(rows), scope))

		case domain.OpSum:
			sum := decimal.Zero
			for _, row := range kept {
				v, ok := toDecimal(row.Fields[rule.cfg.SourceField])
				if !ok {
					out.Anomalies = append(out.Anomalies, Anomaly{
						Metric:  rule.cfg.Metric,
						Message: fmt.Sprintf("non-numeric field %q on row %s, contributed 0", rule.cfg.SourceField, row.ID),
					})
					continue
				}
				sum = sum.Add(v)
			}
			out.Metrics[rule.cfg.Metric] = sum
			out.Log = append(out.Log, fmt.Sprintf("metric %s: sum(%s)=%s over %d rows%s", rule.cfg.Metric, rule.cfg.SourceField, sum.String(), len(kept), scope))
		}
	}

	return out
}

// selectRows returns the rows whose fact type matches the rule's pattern,
// falling back to org-unit-level rows when the individual has none.
func (cr *compiledRule) selectRows(in *Input) (rows []*domain.FactRow, fallback bool) {
	for _, row := range in.IndividualRows {
		if cr.matches(row.FactType) {
			rows = append(rows, row)
		}
	}
	if len(rows) > 0 {
		return rows, false
	}
	for _, row := range in.OrgUnitRows {
		if cr.matches(row.FactType) {
			rows = append(rows, row)
		}
	}
	return rows, len(rows) > 0
}

func (cr *compiledRule) matches(factType string) bool {
	norm := normalize(factType)
	if cr.pattern != nil {
		return cr.pattern.MatchString(norm)
	}
	return strings.Contains(norm, cr.raw)
}

// accepts applies the fixed predicates and the optional CEL expression.
func (cr *compiledRule) accepts(row *domain.FactRow) (bool, error) {
	for _, f := range cr.cfg.Filters {
		if !applyFilter(row.Fields[f.Field], f) {
			return false, nil
		}
	}

	if cr.program != nil {
		out, _, err := cr.program.Eval(map[string]any{"row": row.Fields})
		if err != nil {
			return false, err
		}
		b, ok := out.(types.Bool)
		if !ok {
			return false, fmt.Errorf("expression returned non-bool")
		}
		return bool(b), nil
	}

	return true, nil
}

func applyFilter(fieldVal any, f domain.RuleFilter) bool {
	switch f.Op {
	case domain.FilterEq:
		return scalarEqual(fieldVal, f.Value)
	case domain.FilterNeq:
		return !scalarEqual(fieldVal, f.Value)
	case domain.FilterContains:
		return strings.Contains(
			strings.ToLower(fmt.Sprintf("%v", fieldVal)),
			strings.ToLower(fmt.Sprintf("%v", f.Value)),
		)
	}

	// Comparison operators require both sides numeric.
	a, okA := toDecimal(fieldVal)
	b, okB := toDecimal(f.Value)
	if !okA || !okB {
		return false
	}

	switch f.Op {
	case domain.FilterGt:
		return a.GreaterThan(b)
	case domain.FilterGte:
		return a.GreaterThanOrEqual(b)
	case domain.FilterLt:
		return a.LessThan(b)
	case domain.FilterLte:
		return a.LessThanOrEqual(b)
	}
	return false
}

// scalarEqual compares numerically when both sides parse as numbers,
// otherwise case-insensitively as strings.
func scalarEqual(a, b any) bool {
	da, okA := toDecimal(a)
	db, okB := toDecimal(b)
	if okA && okB {
		return da.Equal(db)
	}
	return strings.EqualFold(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

// toDecimal converts a fact field scalar to a decimal.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, true
	case float64:
		return decimal.NewFromFloat(x), true
	case float32:
		return decimal.NewFromFloat32(x), true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int32:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	}
	return decimal.Zero, false
}

// normalize lowercases and collapses separators so tenant-specific fact type
// spellings ("Loan Disbursements", "loan_disbursements") match alike.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}

// RuleCount returns the number of compiled rules.
func (r *Resolver) RuleCount() int {
	return len(r.rules)
}
