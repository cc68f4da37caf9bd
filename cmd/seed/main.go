// Seed tool for exercising Talon with synthetic incentive data.
//
// Usage:
//   go run cmd/seed/main.go -url http://localhost:8080 -individuals 50
//
// This tool:
//   1. Creates a plan with tier and percentage components
//   2. Creates and assigns synthetic individuals
//   3. Ingests deterministic fact rows for one period
//   4. Runs a calculation and reconciles the engine's totals against an
//      independent client-side recomputation
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// planDoc mirrors the POST /plans request body.
type planDoc struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Enabled  bool         `json:"enabled"`
	Rules    []ruleDoc    `json:"rules"`
	Variants []variantDoc `json:"variants"`
}

type ruleDoc struct {
	Metric      string `json:"metric"`
	Operation   string `json:"operation"`
	FactPattern string `json:"factPattern"`
	SourceField string `json:"sourceField,omitempty"`
}

type variantDoc struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Default    bool           `json:"default,omitempty"`
	Components []componentDoc `json:"components"`
}

type componentDoc struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Enabled    bool           `json:"enabled"`
	Tier       *tierDoc       `json:"tier,omitempty"`
	Percentage *percentageDoc `json:"percentage,omitempty"`
}

type tierDoc struct {
	Metric string    `json:"metric"`
	Bands  []bandDoc `json:"bands"`
}

type bandDoc struct {
	Min   string  `json:"min"`
	Max   *string `json:"max,omitempty"`
	Value string  `json:"value"`
	Label string  `json:"label,omitempty"`
}

type percentageDoc struct {
	AppliedTo string `json:"appliedTo"`
	Rate      string `json:"rate"`
}

type factRowDoc struct {
	IndividualID string         `json:"individualId"`
	PeriodID     string         `json:"periodId"`
	FactType     string         `json:"factType"`
	Fields       map[string]any `json:"fields"`
}

// runSummaryDoc is the subset of the run summary the tool reconciles.
type runSummaryDoc struct {
	BatchID         string            `json:"batchId"`
	IndividualCount int               `json:"individualCount"`
	PayableCount    int               `json:"payableCount"`
	TotalPayout     decimal.Decimal   `json:"totalPayout"`
	ComponentTotals map[string]string `json:"componentTotals"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Talon base URL")
	tenantID := flag.String("tenant", "seed-demo", "Tenant ID for requests")
	individuals := flag.Int("individuals", 50, "Number of individuals to seed")
	rowsPer := flag.Int("rows", 20, "Fact rows per individual")
	period := flag.String("period", "2026-08", "Period ID to seed and run")
	workers := flag.Int("workers", 8, "Concurrent ingest workers")
	seed := flag.Int64("seed", 42, "RNG seed for deterministic data")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║            TALON SEED - Synthetic Payout Reconciliation       ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nTalon URL:    %s\n", *baseURL)
	fmt.Printf("Tenant ID:    %s\n", *tenantID)
	fmt.Printf("Individuals:  %d\n", *individuals)
	fmt.Printf("Rows each:    %d\n", *rowsPer)
	fmt.Printf("Period:       %s\n", *period)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Talon not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Talon is running:")
		fmt.Println("  go run cmd/talon/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Talon is healthy")

	client := &http.Client{Timeout: 30 * time.Second}

	// 1. Plan: a $100 volume bonus above 10 sales plus a flat 2% of revenue.
	rate := decimal.RequireFromString("0.02")
	bonusFloor := decimal.NewFromInt(10)
	bonusValue := decimal.NewFromInt(100)

	maxTen := "10"
	plan := planDoc{
		ID:      "plan-seed",
		Name:    "Seed Sales Plan",
		Enabled: true,
		Rules: []ruleDoc{
			{Metric: "sales_count", Operation: "count", FactPattern: "sale"},
			{Metric: "sales_total", Operation: "sum", FactPattern: "sale", SourceField: "amount"},
		},
		Variants: []variantDoc{
			{
				ID:      "var-standard",
				Name:    "standard",
				Default: true,
				Components: []componentDoc{
					{
						ID: "comp-volume", Name: "Volume Bonus", Type: "tier", Enabled: true,
						Tier: &tierDoc{
							Metric: "sales_count",
							Bands: []bandDoc{
								{Min: "0", Max: &maxTen, Value: "0", Label: "below_target"},
								{Min: "10", Value: "100", Label: "on_target"},
							},
						},
					},
					{
						ID: "comp-revenue", Name: "Revenue Share", Type: "percentage", Enabled: true,
						Percentage: &percentageDoc{AppliedTo: "sales_total", Rate: "0.02"},
					},
				},
			},
		},
	}
	if err := postJSON(client, *baseURL, *tenantID, "/plans", plan, nil); err != nil {
		fatal("create plan", err)
	}
	fmt.Println("✓ Plan created")

	// 2. Individuals and assignments.
	for i := 0; i < *individuals; i++ {
		id := fmt.Sprintf("ind-%03d", i)
		ind := map[string]string{"id": id, "name": fmt.Sprintf("Seed %03d", i), "role": "standard"}
		if err := postJSON(client, *baseURL, *tenantID, "/individuals", ind, nil); err != nil {
			fatal("create individual", err)
		}
		assign := map[string]string{"individualId": id}
		if err := postJSON(client, *baseURL, *tenantID, "/plans/plan-seed/assignments", assign, nil); err != nil {
			fatal("assign individual", err)
		}
	}
	fmt.Printf("✓ %d individuals assigned\n", *individuals)

	// 3. Deterministic fact rows, plus the client-side ground truth.
	rng := rand.New(rand.NewSource(*seed))
	expected := decimal.Zero
	expectedBonus := decimal.Zero
	expectedRevenue := decimal.Zero

	type job struct{ rows []factRowDoc }
	jobs := make(chan job, *individuals)
	var ingestErrs int64
	var wg sync.WaitGroup
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := &http.Client{Timeout: 30 * time.Second}
			for j := range jobs {
				body := map[string]any{"rows": j.rows}
				if err := postJSON(c, *baseURL, *tenantID, "/facts", body, nil); err != nil {
					atomic.AddInt64(&ingestErrs, 1)
				}
			}
		}()
	}

	for i := 0; i < *individuals; i++ {
		id := fmt.Sprintf("ind-%03d", i)
		n := 5 + rng.Intn(*rowsPer)
		rows := make([]factRowDoc, 0, n)
		total := decimal.Zero
		for r := 0; r < n; r++ {
			cents := 500 + rng.Intn(500000) // $5.00 .. $5005.00
			amount := decimal.New(int64(cents), -2)
			total = total.Add(amount)
			rows = append(rows, factRowDoc{
				IndividualID: id,
				PeriodID:     *period,
				FactType:     "sale",
				Fields:       map[string]any{"amount": amount.String()},
			})
		}

		// Ground truth: tier on count, 2% of the summed amounts.
		if decimal.NewFromInt(int64(n)).GreaterThanOrEqual(bonusFloor) {
			expectedBonus = expectedBonus.Add(bonusValue)
		}
		expectedRevenue = expectedRevenue.Add(total.Mul(rate))

		jobs <- job{rows: rows}
	}
	close(jobs)
	wg.Wait()
	expected = expectedBonus.Add(expectedRevenue)

	if ingestErrs > 0 {
		fmt.Printf("ERROR: %d ingest batches failed\n", ingestErrs)
		os.Exit(1)
	}
	fmt.Println("✓ Fact rows ingested")

	// 4. Run and reconcile.
	fmt.Println("\nRunning calculation...")
	start := time.Now()
	var summary runSummaryDoc
	err := postJSON(client, *baseURL, *tenantID, "/calculations",
		map[string]string{"periodId": *period, "planId": "plan-seed"}, &summary)
	if err != nil {
		fatal("run calculation", err)
	}
	elapsed := time.Since(start)

	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                     RECONCILIATION RESULTS                    ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\n   Batch:           %s\n", summary.BatchID)
	fmt.Printf("   Individuals:     %d\n", summary.IndividualCount)
	fmt.Printf("   Payable:         %d\n", summary.PayableCount)
	fmt.Printf("   Duration:        %v\n", elapsed.Round(time.Millisecond))

	ok := true
	ok = reconcile("Total payout", expected, summary.TotalPayout) && ok
	ok = reconcile("Volume Bonus", expectedBonus, parseTotal(summary.ComponentTotals["Volume Bonus"])) && ok
	ok = reconcile("Revenue Share", expectedRevenue, parseTotal(summary.ComponentTotals["Revenue Share"])) && ok

	fmt.Println()
	if !ok {
		fmt.Println("   ❌ Reconciliation FAILED - engine totals drift from ground truth")
		os.Exit(1)
	}
	fmt.Println("   ✅ Reconciliation passed - every cent accounted for")
}

func reconcile(name string, want, got decimal.Decimal) bool {
	if want.Equal(got) {
		fmt.Printf("   %-15s %s ✓\n", name+":", got.String())
		return true
	}
	fmt.Printf("   %-15s got %s, want %s ✗\n", name+":", got.String(), want.String())
	return false
}

func parseTotal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func postJSON(client *http.Client, baseURL, tenantID, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr map[string]string
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, apiErr["error"])
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func fatal(what string, err error) {
	fmt.Printf("ERROR: failed to %s: %v\n", what, err)
	os.Exit(1)
}
