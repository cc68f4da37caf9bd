//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Talon calculation
// engine.
//
// These tests verify the COMPLETE pipeline over HTTP:
//
//	Fact rows → Metric derivation → Variant → Components → Batch
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// A Talon server must be running (default http://localhost:8080, override
// with TALON_TEST_URL). Each test run seeds its own tenant, so repeated runs
// against the same database do not interfere with one another.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// TestConfig holds test environment configuration.
type TestConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("TALON_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL: baseURL,
		// Fresh tenant per run: batches persist across runs and a stale
		// OFFICIAL batch would change supersede expectations.
		TenantID: fmt.Sprintf("itest-%d", time.Now().UnixNano()),
	}
}

// ============================================================================
// API Request/Response Types (matching Talon's API contract)
// ============================================================================

type runSummary struct {
	BatchID         string            `json:"batchId"`
	IndividualCount int               `json:"individualCount"`
	PayableCount    int               `json:"payableCount"`
	TotalPayout     decimal.Decimal   `json:"totalPayout"`
	ComponentTotals map[string]string `json:"componentTotals"`
	Anomalies       []string          `json:"anomalies"`
	Results         []resultDoc       `json:"results"`
	Metadata        struct {
		TraceID       string `json:"traceId"`
		TotalMs       int64  `json:"totalMs"`
		EngineVersion string `json:"engineVersion"`
	} `json:"metadata"`
}

type resultDoc struct {
	IndividualID   string          `json:"individualId"`
	VariantID      string          `json:"variantId"`
	TotalPayout    decimal.Decimal `json:"totalPayout"`
	Excluded       bool            `json:"excluded"`
	ExcludedReason string          `json:"excludedReason"`
	Components     []struct {
		Name   string          `json:"name"`
		Payout decimal.Decimal `json:"payout"`
	} `json:"components"`
}

type batchDoc struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	SupersededBy string `json:"supersededBy"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func do(t *testing.T, config TestConfig, method, path string, body any, out any) int {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
	}

	httpReq, err := http.NewRequest(method, config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	if out != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(respBody, out); err != nil {
			t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(respBody))
		}
	}
	if resp.StatusCode >= 500 {
		t.Fatalf("%s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	return resp.StatusCode
}

func mustDo(t *testing.T, config TestConfig, method, path string, body any, out any, wantStatus int) {
	t.Helper()
	if status := do(t, config, method, path, body, out); status != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d", method, path, wantStatus, status)
	}
}

// seedScenario loads the standard test fixture:
//
//   - Plan "plan-e2e" with a Volume Bonus tier ($100 once sales_total reaches
//     1000) and a default "standard" variant; a "senior advisor" variant adds
//     a 1% Revenue Share.
//   - Four individuals: three standard, one senior advisor.
//   - Fact rows for period 2026-08: only ind-1 crosses the tier boundary.
func seedScenario(t *testing.T, config TestConfig) {
	t.Helper()

	plan := map[string]any{
		"id":      "plan-e2e",
		"name":    "E2E Sales Plan",
		"enabled": true,
		"rules": []map[string]any{
			{"metric": "sales_total", "operation": "sum", "factPattern": "sale", "sourceField": "amount"},
		},
		"variants": []map[string]any{
			{
				"id": "var-standard", "name": "standard", "default": true,
				"components": []map[string]any{
					{
						"id": "comp-volume", "name": "Volume Bonus", "type": "tier", "enabled": true,
						"tier": map[string]any{
							"metric": "sales_total",
							"bands": []map[string]any{
								{"min": "0", "max": "1000", "value": "0", "label": "below"},
								{"min": "1000", "value": "100", "label": "target"},
							},
						},
					},
				},
			},
			{
				"id": "var-senior", "name": "senior",
				"components": []map[string]any{
					{
						"id": "comp-volume", "name": "Volume Bonus", "type": "tier", "enabled": true,
						"tier": map[string]any{
							"metric": "sales_total",
							"bands": []map[string]any{
								{"min": "0", "max": "1000", "value": "0", "label": "below"},
								{"min": "1000", "value": "100", "label": "target"},
							},
						},
					},
					{
						"id": "comp-share", "name": "Revenue Share", "type": "percentage", "enabled": true,
						"percentage": map[string]any{"appliedTo": "sales_total", "rate": "0.01"},
					},
				},
			},
		},
	}
	mustDo(t, config, "POST", "/plans", plan, nil, http.StatusCreated)

	people := []map[string]string{
		{"id": "ind-1", "name": "Ana", "role": "standard"},
		{"id": "ind-2", "name": "Borja", "role": "standard"},
		{"id": "ind-3", "name": "Carla", "role": "standard"},
		{"id": "ind-4", "name": "Dani", "role": "senior advisor"},
	}
	for _, p := range people {
		mustDo(t, config, "POST", "/individuals", p, nil, http.StatusCreated)
		mustDo(t, config, "POST", "/plans/plan-e2e/assignments",
			map[string]string{"individualId": p["id"]}, nil, http.StatusCreated)
	}

	rows := []map[string]any{
		{"individualId": "ind-1", "periodId": "2026-08", "factType": "sale", "fields": map[string]any{"amount": "600"}},
		{"individualId": "ind-1", "periodId": "2026-08", "factType": "sale", "fields": map[string]any{"amount": "500"}},
		{"individualId": "ind-2", "periodId": "2026-08", "factType": "sale", "fields": map[string]any{"amount": "300"}},
		{"individualId": "ind-3", "periodId": "2026-08", "factType": "sale", "fields": map[string]any{"amount": "999.99"}},
		{"individualId": "ind-4", "periodId": "2026-08", "factType": "sale", "fields": map[string]any{"amount": "200"}},
	}
	mustDo(t, config, "POST", "/facts", map[string]any{"rows": rows}, nil, http.StatusCreated)
}

// ============================================================================
// SCENARIO 1: Full run with exact-money reconciliation
// ============================================================================

func TestRun_ExactTotals(t *testing.T) {
	/*
	   SCENARIO: Four assigned individuals, one period of fact rows.

	   EXPECTED PAYOUTS:
	   - ind-1: 600+500 = 1100 → tier band [1000,∞) → $100
	   - ind-2: 300            → band [0,1000)      → $0
	   - ind-3: 999.99         → band [0,1000)      → $0 (half-open boundary)
	   - ind-4: 200, senior variant → $0 bonus + 1% of 200 = $2

	   TOTAL: $102 exactly. Money must reconcile to the cent.
	*/
	config := getTestConfig()
	seedScenario(t, config)

	var summary runSummary
	mustDo(t, config, "POST", "/calculations",
		map[string]string{"periodId": "2026-08", "planId": "plan-e2e"},
		&summary, http.StatusOK)

	if summary.IndividualCount != 4 {
		t.Errorf("Expected 4 individuals, got %d", summary.IndividualCount)
	}
	if summary.PayableCount != 2 {
		t.Errorf("Expected 2 payable individuals, got %d", summary.PayableCount)
	}
	if got := summary.TotalPayout.String(); got != "102" {
		t.Errorf("Expected total payout 102, got %s", got)
	}
	if got := summary.ComponentTotals["Volume Bonus"]; got != "100" {
		t.Errorf("Expected Volume Bonus total 100, got %s", got)
	}
	if got := summary.ComponentTotals["Revenue Share"]; got != "2" {
		t.Errorf("Expected Revenue Share total 2, got %s", got)
	}

	// Results come back in stable individual order.
	if len(summary.Results) != 4 {
		t.Fatalf("Expected 4 results, got %d", len(summary.Results))
	}
	for i, want := range []string{"ind-1", "ind-2", "ind-3", "ind-4"} {
		if summary.Results[i].IndividualID != want {
			t.Errorf("Result %d: expected %s, got %s", i, want, summary.Results[i].IndividualID)
		}
	}

	// Variant resolution: longest role match wins for the senior advisor.
	if summary.Results[3].VariantID != "var-senior" {
		t.Errorf("Expected var-senior for ind-4, got %s", summary.Results[3].VariantID)
	}

	if summary.Metadata.TraceID == "" {
		t.Error("Missing metadata.traceId")
	}
	if summary.Metadata.EngineVersion == "" {
		t.Error("Missing metadata.engineVersion")
	}

	t.Logf("✓ Run reconciled: batch=%s total=%s in %dms",
		summary.BatchID, summary.TotalPayout, summary.Metadata.TotalMs)
}

// ============================================================================
// SCENARIO 2: Re-run supersedes the prior batch
// ============================================================================

func TestRun_SupersedesPriorBatch(t *testing.T) {
	/*
	   SCENARIO: Run twice for the same (period, plan) key.

	   EXPECTED BEHAVIOR:
	   - The second run produces a NEW batch.
	   - The first batch moves OFFICIAL → SUPERSEDED and points at it.
	   - Both remain queryable for audit; the default batch list hides the
	     superseded one.
	*/
	config := getTestConfig()
	seedScenario(t, config)

	var first, second runSummary
	mustDo(t, config, "POST", "/calculations",
		map[string]string{"periodId": "2026-08", "planId": "plan-e2e"}, &first, http.StatusOK)
	mustDo(t, config, "POST", "/calculations",
		map[string]string{"periodId": "2026-08", "planId": "plan-e2e"}, &second, http.StatusOK)

	if first.BatchID == second.BatchID {
		t.Fatal("Expected a new batch on re-run")
	}
	if !first.TotalPayout.Equal(second.TotalPayout) {
		t.Errorf("Re-run over identical rows changed the total: %s vs %s",
			first.TotalPayout, second.TotalPayout)
	}

	var oldBatch batchDoc
	mustDo(t, config, "GET", "/batches/"+first.BatchID, nil, &oldBatch, http.StatusOK)
	if oldBatch.State != "SUPERSEDED" {
		t.Errorf("Expected first batch SUPERSEDED, got %s", oldBatch.State)
	}
	if oldBatch.SupersededBy != second.BatchID {
		t.Errorf("Expected supersededBy=%s, got %s", second.BatchID, oldBatch.SupersededBy)
	}

	var listed struct {
		Count   int        `json:"count"`
		Batches []batchDoc `json:"batches"`
	}
	mustDo(t, config, "GET", "/plans/plan-e2e/batches", nil, &listed, http.StatusOK)
	if listed.Count != 1 || listed.Batches[0].ID != second.BatchID {
		t.Errorf("Expected only the current batch listed, got %+v", listed)
	}

	mustDo(t, config, "GET", "/plans/plan-e2e/batches?includeSuperseded=true", nil, &listed, http.StatusOK)
	if listed.Count != 2 {
		t.Errorf("Expected 2 batches with superseded included, got %d", listed.Count)
	}

	t.Logf("✓ Supersede chain intact: %s → %s", first.BatchID, second.BatchID)
}

// ============================================================================
// SCENARIO 3: Batch lifecycle over HTTP
// ============================================================================

func TestBatchLifecycle(t *testing.T) {
	/*
	   SCENARIO: Walk a batch OFFICIAL → PENDING_APPROVAL → APPROVED and
	   verify an illegal jump is rejected with 409.
	*/
	config := getTestConfig()
	seedScenario(t, config)

	var summary runSummary
	mustDo(t, config, "POST", "/calculations",
		map[string]string{"periodId": "2026-08", "planId": "plan-e2e"}, &summary, http.StatusOK)

	statePath := "/batches/" + summary.BatchID + "/state"

	// OFFICIAL → PAID skips approval and must be rejected.
	if status := do(t, config, "POST", statePath, map[string]string{"state": "PAID"}, nil); status != http.StatusConflict {
		t.Errorf("Expected 409 for OFFICIAL→PAID, got %d", status)
	}

	mustDo(t, config, "POST", statePath, map[string]string{"state": "PENDING_APPROVAL"}, nil, http.StatusOK)
	mustDo(t, config, "POST", statePath, map[string]string{"state": "APPROVED"}, nil, http.StatusOK)

	var batch batchDoc
	mustDo(t, config, "GET", "/batches/"+summary.BatchID, nil, &batch, http.StatusOK)
	if batch.State != "APPROVED" {
		t.Errorf("Expected APPROVED, got %s", batch.State)
	}

	// An approved batch locks the key: a re-run must be rejected rather
	// than supersede it.
	if status := do(t, config, "POST", "/calculations",
		map[string]string{"periodId": "2026-08", "planId": "plan-e2e"}, nil); status != http.StatusConflict {
		t.Errorf("Expected 409 for re-run against APPROVED batch, got %d", status)
	}
	mustDo(t, config, "GET", "/batches/"+summary.BatchID, nil, &batch, http.StatusOK)
	if batch.State != "APPROVED" {
		t.Errorf("Approval state destroyed by re-run: %s", batch.State)
	}

	t.Logf("✓ Lifecycle walked to %s", batch.State)
}

// ============================================================================
// SCENARIO 4: Error surface
// ============================================================================

func TestRun_Errors(t *testing.T) {
	config := getTestConfig()
	seedScenario(t, config)

	// Period with no fact rows.
	if status := do(t, config, "POST", "/calculations",
		map[string]string{"periodId": "2030-01", "planId": "plan-e2e"}, nil); status != http.StatusNotFound {
		t.Errorf("Expected 404 for empty period, got %d", status)
	}

	// Missing body fields.
	if status := do(t, config, "POST", "/calculations",
		map[string]string{"planId": "plan-e2e"}, nil); status != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing periodId, got %d", status)
	}

	// Missing tenant header is a validation error, not auth.
	body, _ := json.Marshal(map[string]string{"periodId": "2026-08", "planId": "plan-e2e"})
	httpReq, _ := http.NewRequest("POST", config.BaseURL+"/calculations", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing tenant, got %d", resp.StatusCode)
	}

	t.Logf("✓ Error surface verified")
}

// ============================================================================
// SCENARIO 5: Pattern density settles over repeated runs
// ============================================================================

func TestDensity_TracksExecutions(t *testing.T) {
	/*
	   SCENARIO: After a run, every (plan, component, variant) pattern that
	   executed has a density record, and a reported correction knocks its
	   confidence back down.
	*/
	config := getTestConfig()
	seedScenario(t, config)

	var summary runSummary
	mustDo(t, config, "POST", "/calculations",
		map[string]string{"periodId": "2026-08", "planId": "plan-e2e"}, &summary, http.StatusOK)

	var listed struct {
		Count    int `json:"count"`
		Patterns []struct {
			ComponentID string  `json:"componentId"`
			VariantID   string  `json:"variantId"`
			Confidence  float64 `json:"confidence"`
			Mode        string  `json:"executionMode"`
		} `json:"patterns"`
	}
	mustDo(t, config, "GET", "/density", nil, &listed, http.StatusOK)

	// comp-volume under both variants plus comp-share under var-senior.
	if listed.Count != 3 {
		t.Fatalf("Expected 3 patterns, got %d", listed.Count)
	}
	for _, p := range listed.Patterns {
		if p.Mode != "full_trace" {
			t.Errorf("Fresh pattern %s/%s should be full_trace, got %s", p.ComponentID, p.VariantID, p.Mode)
		}
		if p.Confidence <= 0 {
			t.Errorf("Pattern %s/%s has no confidence after a clean run", p.ComponentID, p.VariantID)
		}
	}

	before := listed.Patterns[0].Confidence
	mustDo(t, config, "POST", "/density/corrections", map[string]string{
		"planId":      "plan-e2e",
		"componentId": listed.Patterns[0].ComponentID,
		"variantId":   listed.Patterns[0].VariantID,
	}, nil, http.StatusOK)

	mustDo(t, config, "GET", "/density", nil, &listed, http.StatusOK)
	after := listed.Patterns[0].Confidence
	if after >= before {
		t.Errorf("Correction should collapse confidence: before=%.3f after=%.3f", before, after)
	}

	t.Logf("✓ Density tracked: %d patterns, correction dropped confidence %.3f → %.3f",
		listed.Count, before, after)
}
