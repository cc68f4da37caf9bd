package plan

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/opensource-finance/talon/internal/domain"
)

// Validate checks a plan document on ingest: union tags, band contiguity,
// matrix dimensions, variant sanity, and the optional eligibility
// expression. Configuration caught here never reaches evaluation.
func Validate(p *domain.Plan) error {
	if p.ID == "" || p.Name == "" {
		return fmt.Errorf("plan id and name are required")
	}
	if len(p.Variants) == 0 {
		return fmt.Errorf("plan %s: at least one variant is required", p.ID)
	}

	defaults := 0
	seen := make(map[string]bool, len(p.Variants))
	for i := range p.Variants {
		v := &p.Variants[i]
		if v.ID == "" || v.Name == "" {
			return fmt.Errorf("plan %s: variant %d requires id and name", p.ID, i)
		}
		if seen[v.ID] {
			return fmt.Errorf("plan %s: duplicate variant id %s", p.ID, v.ID)
		}
		seen[v.ID] = true
		if v.Default {
			defaults++
		}
		for j := range v.Components {
			if err := ValidateComponent(&v.Components[j]); err != nil {
				return fmt.Errorf("plan %s variant %s: %w", p.ID, v.ID, err)
			}
		}
	}
	if defaults > 1 {
		return fmt.Errorf("plan %s: at most one default variant is allowed", p.ID)
	}

	if p.Eligibility != "" {
		if _, err := CompileEligibility(p.Eligibility); err != nil {
			return fmt.Errorf("plan %s: %w", p.ID, err)
		}
	}

	return nil
}

// ValidateComponent checks one component's tagged union and its bands.
func ValidateComponent(c *domain.PlanComponent) error {
	if c.ID == "" || c.Name == "" {
		return fmt.Errorf("component requires id and name")
	}

	switch c.Type {
	case domain.ComponentTier:
		if c.Tier == nil {
			return fmt.Errorf("component %s: tier config missing", c.ID)
		}
		if c.Tier.Metric == "" {
			return fmt.Errorf("component %s: tier metric is required", c.ID)
		}
		return validateBands(c.ID, c.Tier.Bands)

	case domain.ComponentMatrix:
		m := c.Matrix
		if m == nil {
			return fmt.Errorf("component %s: matrix config missing", c.ID)
		}
		if m.RowMetric == "" || m.ColMetric == "" {
			return fmt.Errorf("component %s: matrix row and column metrics are required", c.ID)
		}
		if err := validateBands(c.ID, m.RowBands); err != nil {
			return err
		}
		if err := validateBands(c.ID, m.ColBands); err != nil {
			return err
		}
		if len(m.Values) != len(m.RowBands) {
			return fmt.Errorf("component %s: matrix has %d value rows for %d row bands", c.ID, len(m.Values), len(m.RowBands))
		}
		for i, rowVals := range m.Values {
			if len(rowVals) != len(m.ColBands) {
				return fmt.Errorf("component %s: matrix row %d has %d values for %d column bands", c.ID, i, len(rowVals), len(m.ColBands))
			}
		}
		return nil

	case domain.ComponentPercentage:
		if c.Percentage == nil {
			return fmt.Errorf("component %s: percentage config missing", c.ID)
		}
		if c.Percentage.AppliedTo == "" {
			return fmt.Errorf("component %s: percentage appliedTo is required", c.ID)
		}
		return nil

	case domain.ComponentConditional:
		cc := c.Conditional
		if cc == nil {
			return fmt.Errorf("component %s: conditional config missing", c.ID)
		}
		if cc.AppliedTo == "" || cc.ConditionMetric == "" {
			return fmt.Errorf("component %s: conditional appliedTo and conditionMetric are required", c.ID)
		}
		if len(cc.Conditions) == 0 {
			return fmt.Errorf("component %s: at least one condition is required", c.ID)
		}
		for i, cond := range cc.Conditions {
			if cond.Max != nil && !cond.Max.GreaterThan(cond.Min) {
				return fmt.Errorf("component %s: condition %d has max <= min", c.ID, i)
			}
		}
		return nil

	default:
		return fmt.Errorf("component %s: unknown type %q", c.ID, c.Type)
	}
}

// validateBands enforces ordered, contiguous, non-overlapping [min,max)
// bands. Band values are not checked: a zero payout band is legitimate.
func validateBands(componentID string, bands []domain.Band) error {
	if len(bands) == 0 {
		return fmt.Errorf("component %s: at least one band is required", componentID)
	}

	for i, b := range bands {
		last := i == len(bands)-1
		if b.Max == nil && !last {
			return fmt.Errorf("component %s: only the final band may be unbounded", componentID)
		}
		if b.Max != nil && !b.Max.GreaterThan(b.Min) {
			return fmt.Errorf("component %s: band %d has max <= min", componentID, i)
		}
		if i > 0 {
			prev := bands[i-1]
			if prev.Max == nil || !b.Min.Equal(*prev.Max) {
				return fmt.Errorf("component %s: band %d is not contiguous with band %d", componentID, i, i-1)
			}
		}
	}

	return nil
}

// CompileEligibility compiles a plan's CEL eligibility predicate. The
// individual's attributes are bound as `individual`.
func CompileEligibility(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("individual", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid eligibility expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("eligibility expression must return bool, got %s", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create eligibility program: %w", err)
	}
	return program, nil
}
