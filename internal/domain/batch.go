package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BatchState is the lifecycle state of a calculation batch. Transition rules
// live in the lifecycle package; the core only reads and writes states.
type BatchState string

const (
	StateDraft           BatchState = "DRAFT"
	StatePreview         BatchState = "PREVIEW"
	StateReconcile       BatchState = "RECONCILE"
	StateOfficial        BatchState = "OFFICIAL"
	StatePendingApproval BatchState = "PENDING_APPROVAL"
	StateApproved        BatchState = "APPROVED"
	StateRejected        BatchState = "REJECTED"
	StatePosted          BatchState = "POSTED"
	StateClosed          BatchState = "CLOSED"
	StatePaid            BatchState = "PAID"
	StatePublished       BatchState = "PUBLISHED"
	StateSuperseded      BatchState = "SUPERSEDED"
)

// CalculationBatch is the immutable result of one run for a
// (tenant, period, plan) triple. A re-run creates a new batch and marks the
// prior one superseded; old batches are retained for audit.
type CalculationBatch struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	PeriodID string `json:"periodId"`
	PlanID   string `json:"planId"`

	State BatchState `json:"state"`

	IndividualCount int             `json:"individualCount"`
	TotalPayout     decimal.Decimal `json:"totalPayout"`

	// SupersededBy points at the batch that replaced this one, if any.
	SupersededBy string `json:"supersededBy,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ComponentContribution is one component's share of an individual's payout.
type ComponentContribution struct {
	ComponentID string          `json:"componentId"`
	Name        string          `json:"name"`
	Payout      decimal.Decimal `json:"payout"`

	// Metrics holds the resolved metric values the component consumed.
	Metrics map[string]decimal.Decimal `json:"metrics,omitempty"`

	// Outcome is the matched band label, condition index, or a terminal
	// marker such as "no_condition_met".
	Outcome string `json:"outcome,omitempty"`

	// Trace depth depends on the density tracker's mode for the pattern:
	// per-row derivation detail under full_trace, a summary under
	// light_trace, nothing under silent.
	Trace []string `json:"trace,omitempty"`
}

// CalculationResult is one individual's outcome within a batch.
type CalculationResult struct {
	ID           string `json:"id"`
	BatchID      string `json:"batchId"`
	TenantID     string `json:"tenantId"`
	IndividualID string `json:"individualId"`

	VariantID   string `json:"variantId,omitempty"`
	VariantName string `json:"variantName,omitempty"`
	OrgUnitID   string `json:"orgUnitId,omitempty"`

	TotalPayout decimal.Decimal `json:"totalPayout"`

	Components []ComponentContribution `json:"components"`

	// Anomalies records non-fatal data-quality findings for this individual.
	Anomalies []string `json:"anomalies,omitempty"`

	// Excluded individuals carry a reason instead of a payout (e.g. no
	// resolvable variant). They still count toward the batch's population.
	Excluded       bool   `json:"excluded,omitempty"`
	ExcludedReason string `json:"excludedReason,omitempty"`

	Log []string `json:"log,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// RunMetadata carries timing and provenance for one run.
type RunMetadata struct {
	TraceID       string `json:"traceId"`
	LoadMs        int64  `json:"loadMs"`
	EvalMs        int64  `json:"evalMs"`
	PersistMs     int64  `json:"persistMs"`
	TotalMs       int64  `json:"totalMs"`
	EngineVersion string `json:"engineVersion"`
}

// RunSummary is the orchestrator's answer for one completed run.
type RunSummary struct {
	BatchID  string `json:"batchId"`
	TenantID string `json:"tenantId"`
	PeriodID string `json:"periodId"`
	PlanID   string `json:"planId"`

	IndividualCount int `json:"individualCount"`

	// PayableCount is the number of individuals with a nonzero payout.
	PayableCount int `json:"payableCount"`

	TotalPayout decimal.Decimal `json:"totalPayout"`

	// ComponentTotals aggregates payout per component name for downstream
	// reconciliation against external ground truth.
	ComponentTotals map[string]decimal.Decimal `json:"componentTotals"`

	// Anomalies is the batch-wide manifest of data-quality findings.
	Anomalies []string `json:"anomalies,omitempty"`

	Results []*CalculationResult `json:"results"`

	Metadata RunMetadata `json:"metadata"`
}
