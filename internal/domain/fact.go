package domain

import (
	"time"
)

// FactRow is one imported record of tenant-scoped operational data.
// Rows are immutable once committed; the calculation core only reads them.
type FactRow struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// IndividualID is empty for org-unit-level rows (e.g. store-level data
	// shared by all individuals assigned to that unit).
	IndividualID string `json:"individualId,omitempty"`

	// OrgUnitID scopes org-unit-level rows and enables fallback resolution.
	OrgUnitID string `json:"orgUnitId,omitempty"`

	PeriodID string `json:"periodId"`

	// FactType is the semantic category of the row (e.g. "loan_disbursements").
	// Derivation rules select rows by matching against a normalized form of it.
	FactType string `json:"factType"`

	// Fields is the open, tenant-specific column set: field name -> scalar.
	Fields map[string]any `json:"fields"`

	CommittedAt time.Time `json:"committedAt"`
}

// Individual is one member of the organization eligible for plan evaluation.
type Individual struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Name     string `json:"name,omitempty"`

	// OrgUnitID references the branch/store whose rows serve as fallback data.
	OrgUnitID string `json:"orgUnitId"`

	// Role is the free-text role/category attribute used for variant matching.
	Role string `json:"role"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
}
