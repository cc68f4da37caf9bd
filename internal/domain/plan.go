package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Derivation rule operations.
const (
	OpCount = "count"
	OpSum   = "sum"
)

// Filter operators supported by derivation rule predicates.
const (
	FilterEq       = "eq"
	FilterNeq      = "neq"
	FilterGt       = "gt"
	FilterGte      = "gte"
	FilterLt       = "lt"
	FilterLte      = "lte"
	FilterContains = "contains"
)

// RuleFilter is one predicate applied to a fact row's field map.
type RuleFilter struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// DerivationRule describes how to compute one named numeric metric from
// fact rows. Rules are data produced by the plan-authoring collaborator,
// validated on ingest and treated as opaque by the core.
type DerivationRule struct {
	// Metric is the target metric name components refer to.
	Metric string `json:"metric"`

	// Operation is "count" or "sum".
	Operation string `json:"operation"`

	// FactPattern selects applicable rows by case-insensitive substring or
	// regex match against the normalized factType.
	FactPattern string `json:"factPattern"`

	// SourceField names the field summed by "sum" rules.
	SourceField string `json:"sourceField,omitempty"`

	Filters []RuleFilter `json:"filters,omitempty"`

	// Expression is an optional CEL predicate over the row's field map
	// (bound as `row`) for filters the fixed predicates cannot express.
	Expression string `json:"expression,omitempty"`
}

// ComponentType tags the PlanComponent union.
type ComponentType string

const (
	ComponentTier        ComponentType = "tier"
	ComponentMatrix      ComponentType = "matrix"
	ComponentPercentage  ComponentType = "percentage"
	ComponentConditional ComponentType = "conditional_percentage"
)

// Band is a half-open [Min, Max) payout band. A nil Max means unbounded,
// which is only legal on the final band.
type Band struct {
	Min   decimal.Decimal  `json:"min"`
	Max   *decimal.Decimal `json:"max,omitempty"`
	Value decimal.Decimal  `json:"value"`
	Label string           `json:"label,omitempty"`
}

// TierConfig is an ordered band lookup on a single metric.
type TierConfig struct {
	Metric string `json:"metric"`
	Bands  []Band `json:"bands"`
}

// MatrixConfig is a 2-D lookup: row and column metrics resolve independently
// against their own band lists, indexing into Values.
type MatrixConfig struct {
	RowMetric string `json:"rowMetric"`
	ColMetric string `json:"colMetric"`

	// Band Value fields are unused here; only the boundaries index the table.
	RowBands []Band `json:"rowBands"`
	ColBands []Band `json:"colBands"`

	// Values is indexed [rowIndex][colIndex].
	Values [][]decimal.Decimal `json:"values"`
}

// PercentageConfig pays a flat fraction of a metric.
type PercentageConfig struct {
	AppliedTo string          `json:"appliedTo"`
	Rate      decimal.Decimal `json:"rate"` // fraction, 0.05 = 5%
}

// RateCondition maps a half-open metric range to a rate.
type RateCondition struct {
	Min  decimal.Decimal  `json:"min"`
	Max  *decimal.Decimal `json:"max,omitempty"`
	Rate decimal.Decimal  `json:"rate"`
}

// ConditionalConfig pays AppliedTo x the rate of the first condition whose
// range contains the condition metric.
type ConditionalConfig struct {
	AppliedTo       string          `json:"appliedTo"`
	ConditionMetric string          `json:"conditionMetric"`
	Conditions      []RateCondition `json:"conditions"`
}

// PlanComponent is a tagged union: exactly the config matching Type must be
// populated. Validated on plan ingest, not at evaluation time.
type PlanComponent struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Type    ComponentType `json:"type"`
	Enabled bool          `json:"enabled"`

	Tier        *TierConfig        `json:"tier,omitempty"`
	Matrix      *MatrixConfig      `json:"matrix,omitempty"`
	Percentage  *PercentageConfig  `json:"percentage,omitempty"`
	Conditional *ConditionalConfig `json:"conditional,omitempty"`
}

// Config returns the populated config for the component's tag, or nil if the
// union is malformed.
func (c *PlanComponent) Config() any {
	switch c.Type {
	case ComponentTier:
		if c.Tier != nil {
			return c.Tier
		}
	case ComponentMatrix:
		if c.Matrix != nil {
			return c.Matrix
		}
	case ComponentPercentage:
		if c.Percentage != nil {
			return c.Percentage
		}
	case ComponentConditional:
		if c.Conditional != nil {
			return c.Conditional
		}
	}
	return nil
}

// PlanVariant is one alternate configuration of a plan, selected per
// individual by matching Name against the individual's role text.
type PlanVariant struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Default marks the fallback variant used when no name matches.
	Default bool `json:"default,omitempty"`

	Components []PlanComponent `json:"components"`
}

// Plan bundles variants and input bindings for one compensation plan.
type Plan struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`

	// Eligibility is an optional CEL predicate over individual attributes
	// (bound as `individual`); empty means every assigned individual is in.
	Eligibility string `json:"eligibility,omitempty"`

	Variants []PlanVariant `json:"variants"`

	// Rules are the metric input bindings consumed by the derivation resolver.
	Rules []DerivationRule `json:"rules"`

	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Variant returns the variant with the given id, or nil.
func (p *Plan) Variant(id string) *PlanVariant {
	for i := range p.Variants {
		if p.Variants[i].ID == id {
			return &p.Variants[i]
		}
	}
	return nil
}
