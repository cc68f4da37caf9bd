package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ExecutionMode is the trace verbosity the density tracker grants a pattern.
type ExecutionMode string

const (
	// ModeFullTrace retains per-row derivation detail. Every never-seen
	// signature starts here.
	ModeFullTrace ExecutionMode = "full_trace"

	// ModeLightTrace retains a summary only, no per-row detail.
	ModeLightTrace ExecutionMode = "light_trace"

	// ModeSilent retains the payout only. Earned once a pattern has proven
	// itself over a minimum sample with no anomalies.
	ModeSilent ExecutionMode = "silent"
)

// PatternDensity is the confidence state for one recurring evaluation
// pattern. It is the only core-owned mutable state that outlives a batch.
// Signatures are keyed at (plan, component, variant) granularity.
type PatternDensity struct {
	Signature string `json:"signature"`
	TenantID  string `json:"tenantId"`

	PlanID      string `json:"planId"`
	ComponentID string `json:"componentId"`
	VariantID   string `json:"variantId"`

	// Confidence is in [0,1]; grows monotonically over clean runs, decays on
	// anomalies or corrections.
	Confidence float64 `json:"confidence"`

	Mode ExecutionMode `json:"executionMode"`

	TotalExecutions int64 `json:"totalExecutions"`

	// CleanStreak counts consecutive observations with zero anomalies.
	CleanStreak int64 `json:"cleanStreak"`

	LastAnomalyRate float64 `json:"lastAnomalyRate"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// DensitySignature derives the deterministic signature for a
// (plan, component, variant) combination.
func DensitySignature(planID, componentID, variantID string) string {
	h := sha256.Sum256([]byte(planID + "|" + componentID + "|" + variantID))
	return hex.EncodeToString(h[:16])
}
